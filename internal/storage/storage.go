// Package storage persists user profiles, conversation turns, memory
// records, insights and global stats behind one key-value style contract.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/memory"
)

var (
	ErrUnknownDriver = errors.New("unknown storage driver")
	ErrEmptyUserID   = errors.New("empty user id")
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"

	DefaultInsightCap = 100
)

// Store is the persistence contract the engine writes through.
type Store interface {
	// GetUserRecord returns the stored profile, or a default one when the
	// user is unknown. It never returns a nil profile without an error.
	GetUserRecord(ctx context.Context, userID string) (*memory.UserProfile, error)
	PutUserRecord(ctx context.Context, profile *memory.UserProfile) error

	AppendConversation(ctx context.Context, userID string, turn memory.Turn) error
	// LoadConversation returns up to limit of the newest turns, oldest first.
	LoadConversation(ctx context.Context, userID string, limit int) ([]memory.Turn, error)

	AppendMemory(ctx context.Context, userID string, rec memory.Record) error
	LoadMemories(ctx context.Context, userID string) ([]memory.Record, error)
	// ReplaceMemories stores the result of a maintenance pass.
	ReplaceMemories(ctx context.Context, userID string, recs []memory.Record) error

	AppendInsight(ctx context.Context, ins memory.Insight) error
	// LoadInsights returns up to limit of the newest insights, oldest first.
	LoadInsights(ctx context.Context, limit int) ([]memory.Insight, error)

	// GetGlobalStats returns nil stats and a nil error when none were stored.
	GetGlobalStats(ctx context.Context) (*memory.GlobalStats, error)
	PutGlobalStats(ctx context.Context, stats *memory.GlobalStats) error

	ListUsers(ctx context.Context) ([]string, error)
	Close() error
}

// Limits bounds the append-only collections a backend keeps.
type Limits struct {
	ConversationCap int
	InsightCap      int
}

func (l Limits) withDefaults() Limits {
	if l.ConversationCap <= 0 {
		l.ConversationCap = memory.DefaultConversationCap
	}
	if l.InsightCap <= 0 {
		l.InsightCap = DefaultInsightCap
	}
	return l
}

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, limits Limits) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.SQLitePath, limits)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis, limits)
	case DriverMemory:
		return NewMemoryStore(limits), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
