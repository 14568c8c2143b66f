package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/memory"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "memoria"

// RedisStore keeps profiles and stats as JSON strings and the append-only
// collections as capped lists.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
	limits Limits
}

// NewRedisStore connects to cfg.Addr and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig, limits Limits) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Prefix, limits), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client goredis.UniversalClient, prefix string, limits Limits) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, limits: limits.withDefaults()}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetUserRecord(ctx context.Context, userID string) (*memory.UserProfile, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	data, err := s.client.Get(ctx, s.key("profile", userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return memory.NewUserProfile(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user record: %w", err)
	}
	var p memory.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode user record: %w", err)
	}
	p.UserID = userID
	p.Normalize()
	return &p, nil
}

func (s *RedisStore) PutUserRecord(ctx context.Context, profile *memory.UserProfile) error {
	if profile == nil || profile.UserID == "" {
		return ErrEmptyUserID
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode user record: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key("profile", profile.UserID), data, 0)
		pipe.SAdd(ctx, s.key("users"), profile.UserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put user record: %w", err)
	}
	return nil
}

// appendCapped pushes value and trims the list to its newest limit entries.
func (s *RedisStore) appendCapped(ctx context.Context, key string, value []byte, limit int, extra func(goredis.Pipeliner)) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if limit > 0 {
			pipe.LTrim(ctx, key, int64(-limit), -1)
		}
		if extra != nil {
			extra(pipe)
		}
		return nil
	})
	return err
}

func (s *RedisStore) AppendConversation(ctx context.Context, userID string, turn memory.Turn) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	if err := s.appendCapped(ctx, s.key("turns", userID), data, s.limits.ConversationCap, nil); err != nil {
		return fmt.Errorf("append conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadConversation(ctx context.Context, userID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = s.limits.ConversationCap
	}
	items, err := s.client.LRange(ctx, s.key("turns", userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	turns := make([]memory.Turn, 0, len(items))
	for _, item := range items {
		var t memory.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) AppendMemory(ctx context.Context, userID string, rec memory.Record) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode memory record: %w", err)
	}
	err = s.appendCapped(ctx, s.key("records", userID), data, 0, func(pipe goredis.Pipeliner) {
		pipe.SAdd(ctx, s.key("users"), userID)
	})
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadMemories(ctx context.Context, userID string) ([]memory.Record, error) {
	items, err := s.client.LRange(ctx, s.key("records", userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	recs := make([]memory.Record, 0, len(items))
	for _, item := range items {
		var r memory.Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("decode memory record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func (s *RedisStore) ReplaceMemories(ctx context.Context, userID string, recs []memory.Record) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	values := make([]any, 0, len(recs))
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode memory record: %w", err)
		}
		values = append(values, data)
	}
	key := s.key("records", userID)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace memories: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendInsight(ctx context.Context, ins memory.Insight) error {
	data, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("encode insight: %w", err)
	}
	if err := s.appendCapped(ctx, s.key("insights"), data, s.limits.InsightCap, nil); err != nil {
		return fmt.Errorf("append insight: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadInsights(ctx context.Context, limit int) ([]memory.Insight, error) {
	if limit <= 0 {
		limit = s.limits.InsightCap
	}
	items, err := s.client.LRange(ctx, s.key("insights"), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load insights: %w", err)
	}
	out := make([]memory.Insight, 0, len(items))
	for _, item := range items {
		var ins memory.Insight
		if err := json.Unmarshal([]byte(item), &ins); err != nil {
			return nil, fmt.Errorf("decode insight: %w", err)
		}
		out = append(out, ins)
	}
	return out, nil
}

func (s *RedisStore) GetGlobalStats(ctx context.Context) (*memory.GlobalStats, error) {
	data, err := s.client.Get(ctx, s.key("stats")).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get global stats: %w", err)
	}
	var st memory.GlobalStats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode global stats: %w", err)
	}
	st.Normalize()
	return &st, nil
}

func (s *RedisStore) PutGlobalStats(ctx context.Context, stats *memory.GlobalStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode global stats: %w", err)
	}
	if err := s.client.Set(ctx, s.key("stats"), data, 0).Err(); err != nil {
		return fmt.Errorf("put global stats: %w", err)
	}
	return nil
}

func (s *RedisStore) ListUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, s.key("users")).Result()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}
