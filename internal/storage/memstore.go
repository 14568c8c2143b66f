package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/stellarlinkco/memoria/internal/memory"
)

// MemoryStore keeps everything in process memory. Nothing survives a
// restart; it backs tests and the "memory" driver.
type MemoryStore struct {
	mu       sync.RWMutex
	limits   Limits
	profiles map[string]*memory.UserProfile
	turns    map[string][]memory.Turn
	records  map[string][]memory.Record
	insights []memory.Insight
	stats    *memory.GlobalStats
}

func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:   limits.withDefaults(),
		profiles: make(map[string]*memory.UserProfile),
		turns:    make(map[string][]memory.Turn),
		records:  make(map[string][]memory.Record),
	}
}

func (s *MemoryStore) GetUserRecord(_ context.Context, userID string) (*memory.UserProfile, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[userID]; ok {
		return p.Clone(), nil
	}
	return memory.NewUserProfile(userID), nil
}

func (s *MemoryStore) PutUserRecord(_ context.Context, profile *memory.UserProfile) error {
	if profile == nil || profile.UserID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = profile.Clone()
	return nil
}

func (s *MemoryStore) AppendConversation(_ context.Context, userID string, turn memory.Turn) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.turns[userID], turn)
	if drop := len(turns) - s.limits.ConversationCap; drop > 0 {
		turns = slices.Clone(turns[drop:])
	}
	s.turns[userID] = turns
	return nil
}

func (s *MemoryStore) LoadConversation(_ context.Context, userID string, limit int) ([]memory.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[userID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return slices.Clone(turns), nil
}

func (s *MemoryStore) AppendMemory(_ context.Context, userID string, rec memory.Record) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = append(s.records[userID], rec.Clone())
	return nil
}

func (s *MemoryStore) LoadMemories(_ context.Context, userID string) ([]memory.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memory.Record, 0, len(s.records[userID]))
	for _, r := range s.records[userID] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ReplaceMemories(_ context.Context, userID string, recs []memory.Record) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Clone())
	}
	s.records[userID] = out
	return nil
}

func (s *MemoryStore) AppendInsight(_ context.Context, ins memory.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights = append(s.insights, ins)
	if drop := len(s.insights) - s.limits.InsightCap; drop > 0 {
		s.insights = slices.Clone(s.insights[drop:])
	}
	return nil
}

func (s *MemoryStore) LoadInsights(_ context.Context, limit int) ([]memory.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins := s.insights
	if limit > 0 && len(ins) > limit {
		ins = ins[len(ins)-limit:]
	}
	return slices.Clone(ins), nil
}

// GetGlobalStats returns nil stats when none were stored yet.
func (s *MemoryStore) GetGlobalStats(_ context.Context) (*memory.GlobalStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stats == nil {
		return nil, nil
	}
	return s.stats.Clone(), nil
}

func (s *MemoryStore) PutGlobalStats(_ context.Context, stats *memory.GlobalStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats.Clone()
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range s.profiles {
		seen[id] = struct{}{}
	}
	for id := range s.records {
		seen[id] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) Close() error { return nil }
