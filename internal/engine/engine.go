// Package engine ties classification, profiles, conversation logs, memory
// records and global insights together behind one per-process object.
package engine

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memoria/internal/classify"
	"github.com/stellarlinkco/memoria/internal/insight"
	"github.com/stellarlinkco/memoria/internal/logging"
	"github.com/stellarlinkco/memoria/internal/memory"
	"github.com/stellarlinkco/memoria/internal/metrics"
	"github.com/stellarlinkco/memoria/internal/session"
	"github.com/stellarlinkco/memoria/internal/storage"
)

var (
	ErrEmptyUserID  = errors.New("user id is required")
	ErrEmptyContent = errors.New("memory content is required")
	ErrInvalidType  = errors.New("invalid memory type")
)

const (
	DefaultSearchLimit     = 5
	DefaultTopTopics       = 5
	DefaultMaintenanceJobs = 4
)

type Options struct {
	Store  storage.Store
	Logger *zap.Logger

	PromotionThreshold     int
	RetentionDays          int
	ConversationCap        int
	MaintenanceConcurrency int

	Insight  insight.Options
	Sessions *session.Manager
	// Now overrides the clock; tests use it to pin time.
	Now func() time.Time
}

// Engine owns all per-user state and the process-wide aggregator. It is
// safe for concurrent use: turns for one user are serialized, turns for
// different users are not.
type Engine struct {
	store    storage.Store
	logger   *zap.Logger
	agg      *insight.Aggregator
	sessions *session.Manager
	now      func() time.Time

	threshold   int
	retention   int
	convCap     int
	concurrency int

	usersMu sync.Mutex
	users   map[string]*userState

	// maintMu keeps insight ticks and maintenance passes from overlapping.
	maintMu sync.Mutex
}

type userState struct {
	mu sync.Mutex
	// Each part is loaded once; a failed part is retried on the next call.
	profileLoaded bool
	turnsLoaded   bool
	recordsLoaded bool

	profile *memory.UserProfile
	log     *memory.ConversationLog
	records *memory.Store
	// dirty marks records whose access fields changed since the last write.
	dirty bool
}

type IngestRequest struct {
	UserID       string
	Text         string
	Response     string
	FirstName    string
	Username     string
	ResponseTime time.Duration
	// Timestamp defaults to the engine clock.
	Timestamp time.Time
}

type IngestResult struct {
	TurnID     string             `json:"turnId"`
	SessionID  string             `json:"sessionId"`
	Importance int                `json:"importance"`
	Topics     []string           `json:"topics"`
	Sentiment  classify.Sentiment `json:"sentiment"`
	Complexity int                `json:"complexity"`
	Language   string             `json:"language"`
	Promoted   bool               `json:"promoted"`
}

type Summary struct {
	UserID             string         `json:"userId"`
	FirstName          string         `json:"firstName,omitempty"`
	Username           string         `json:"username,omitempty"`
	TotalTurns         int            `json:"totalTurns"`
	TopTopics          []string       `json:"topTopics"`
	Personality        map[string]int `json:"personality"`
	EngagementLevel    int            `json:"engagementLevel"`
	PreferredTimeOfDay string         `json:"preferredTimeOfDay"`
	Mood               memory.Mood    `json:"mood"`
	MemoryCount        int            `json:"memoryCount"`
	LastActiveMs       int64          `json:"lastActiveMs"`
}

// New builds an engine and restores global stats and insights from the
// store. Restore failures are logged and the engine starts empty.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewManager()
	}
	concurrency := opts.MaintenanceConcurrency
	if concurrency <= 0 {
		concurrency = DefaultMaintenanceJobs
	}

	e := &Engine{
		store:       opts.Store,
		logger:      logging.OrNop(opts.Logger).Named("engine"),
		agg:         insight.New(opts.Insight, now()),
		sessions:    sessions,
		now:         now,
		threshold:   opts.PromotionThreshold,
		retention:   opts.RetentionDays,
		convCap:     opts.ConversationCap,
		concurrency: concurrency,
		users:       make(map[string]*userState),
	}
	if e.threshold <= 0 {
		e.threshold = memory.DefaultPromotionThreshold
	}
	if e.retention <= 0 {
		e.retention = memory.DefaultRetentionDays
	}
	if e.convCap <= 0 {
		e.convCap = memory.DefaultConversationCap
	}

	stats, err := e.store.GetGlobalStats(ctx)
	if err != nil {
		e.fault("get_stats", err)
	}
	insights, err := e.store.LoadInsights(ctx, opts.Insight.Cap)
	if err != nil {
		e.fault("load_insights", err)
	}
	e.agg.Restore(stats, insights)
	return e, nil
}

func (e *Engine) fault(op string, err error, fields ...zap.Field) {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	e.logger.Warn("persistence fault", append([]zap.Field{zap.String("op", op), zap.Error(err)}, fields...)...)
}

func (e *Engine) state(userID string) *userState {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	st, ok := e.users[userID]
	if !ok {
		st = &userState{
			profile: memory.NewUserProfile(userID),
			log:     memory.NewConversationLog(e.convCap),
			records: memory.NewStore(nil),
		}
		e.users[userID] = st
	}
	return st
}

// hydrate loads whatever part of the user's state is not loaded yet. Failed
// parts keep their in-memory values. Caller holds st.mu.
func (e *Engine) hydrate(ctx context.Context, userID string, st *userState) {
	if !st.profileLoaded {
		profile, err := e.store.GetUserRecord(ctx, userID)
		if err != nil {
			e.fault("get_profile", err, zap.String("user", userID))
		} else {
			st.profile = profile
			st.profileLoaded = true
		}
	}
	if !st.turnsLoaded {
		turns, err := e.store.LoadConversation(ctx, userID, e.convCap)
		if err != nil {
			e.fault("load_turns", err, zap.String("user", userID))
		} else {
			// Turns taken while the log was unreadable may already be
			// stored; only the ones missing from the loaded slice are kept.
			stored := make(map[string]struct{}, len(turns))
			for _, t := range turns {
				stored[t.ID] = struct{}{}
			}
			pending := st.log.Recent(st.log.Len())
			st.log.Load(turns)
			for _, t := range pending {
				if _, ok := stored[t.ID]; !ok {
					st.log.Append(t)
				}
			}
			st.turnsLoaded = true
		}
	}
	e.hydrateRecords(ctx, userID, st)
}

// hydrateRecords loads only the memory records. Caller holds st.mu.
func (e *Engine) hydrateRecords(ctx context.Context, userID string, st *userState) {
	if st.recordsLoaded {
		return
	}
	records, err := e.store.LoadMemories(ctx, userID)
	if err != nil {
		e.fault("load_memories", err, zap.String("user", userID))
		return
	}
	pending := st.records.Records()
	st.records.Replace(records)
	for _, r := range pending {
		st.records.Add(r)
	}
	st.recordsLoaded = true
}

func normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrEmptyUserID
	}
	return userID, nil
}

// Ingest classifies one exchange and folds it into the user's state. The
// only error is ErrEmptyUserID; storage failures are logged and the
// in-memory result is still returned.
func (e *Engine) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	now := e.now()
	ts := req.Timestamp
	if ts.IsZero() {
		ts = now
	}

	cls := classify.Classify(req.Text)
	importance := classify.Score(req.Text, cls.Sentiment, cls.Topics)
	turn := memory.Turn{
		ID:             uuid.NewString(),
		UserID:         userID,
		TimestampMs:    ts.UnixMilli(),
		Text:           req.Text,
		ResponseText:   req.Response,
		Sentiment:      cls.Sentiment,
		Topics:         cls.Topics,
		Flags:          cls.Flags,
		Complexity:     cls.Complexity,
		Importance:     importance,
		Language:       cls.Language,
		SessionID:      e.sessions.GetSessionID(userID),
		ResponseTimeMs: req.ResponseTime.Milliseconds(),
	}

	st := e.state(userID)
	st.mu.Lock()
	e.hydrate(ctx, userID, st)
	newUser := st.profileLoaded && st.profile.TotalTurns == 0

	st.log.Append(turn)

	rec, promoted := memory.Promote(turn, e.threshold)
	if promoted {
		promoted = st.records.Add(rec)
	}

	if req.FirstName != "" {
		st.profile.FirstName = req.FirstName
	}
	if req.Username != "" {
		st.profile.Username = req.Username
	}
	memory.ApplyTurn(st.profile, turn, st.log.Recent(memory.MoodWindow), now)

	if err := e.store.AppendConversation(ctx, userID, turn); err != nil {
		e.fault("append_turn", err, zap.String("user", userID))
	}
	if promoted {
		if err := e.store.AppendMemory(ctx, userID, rec); err != nil {
			e.fault("append_memory", err, zap.String("user", userID))
		}
	}
	// Writing a profile built on failed reads would clobber the stored one.
	if st.profileLoaded {
		if err := e.store.PutUserRecord(ctx, st.profile); err != nil {
			e.fault("put_profile", err, zap.String("user", userID))
		}
	}
	st.mu.Unlock()

	e.agg.RecordTurn(turn, newUser)

	metrics.TurnsTotal.WithLabelValues(string(turn.Sentiment)).Inc()
	if promoted {
		metrics.MemoriesPromoted.Inc()
	}
	e.logger.Debug("turn ingested",
		zap.String("user", userID),
		zap.String("turn", turn.ID),
		zap.Int("importance", importance),
		zap.Strings("topics", turn.Topics),
		zap.Bool("promoted", promoted),
	)

	return &IngestResult{
		TurnID:     turn.ID,
		SessionID:  turn.SessionID,
		Importance: importance,
		Topics:     slices.Clone(turn.Topics),
		Sentiment:  turn.Sentiment,
		Complexity: turn.Complexity,
		Language:   turn.Language,
		Promoted:   promoted,
	}, nil
}

// GetSummary reports the user's profile. Unknown users get a default
// summary with zero turns.
func (e *Engine) GetSummary(ctx context.Context, userID string) (*Summary, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hydrate(ctx, userID, st)

	p := st.profile
	return &Summary{
		UserID:             userID,
		FirstName:          p.FirstName,
		Username:           p.Username,
		TotalTurns:         p.TotalTurns,
		TopTopics:          memory.TopTopics(p, DefaultTopTopics),
		Personality:        maps.Clone(p.Personality),
		EngagementLevel:    p.Patterns.EngagementLevel,
		PreferredTimeOfDay: memory.PreferredTimeOfDay(p),
		Mood:               p.Mood,
		MemoryCount:        st.records.Len(),
		LastActiveMs:       p.LastActiveMs,
	}, nil
}

// SearchMemory ranks the user's memory records against query. Returned
// records are marked as accessed; the change is written on the next
// maintenance pass or Flush.
func (e *Engine) SearchMemory(ctx context.Context, userID, query string, limit int) ([]memory.Record, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hydrate(ctx, userID, st)

	found := st.records.Search(query, limit, e.now())
	if len(found) > 0 {
		st.dirty = true
	}
	return found, nil
}

// SearchConversation ranks the user's logged turns against query.
func (e *Engine) SearchConversation(ctx context.Context, userID, query string, limit int) ([]memory.Turn, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hydrate(ctx, userID, st)
	return st.log.Search(query, limit), nil
}

// RecentTurns returns the user's last n turns, oldest first.
func (e *Engine) RecentTurns(ctx context.Context, userID string, n int) ([]memory.Turn, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hydrate(ctx, userID, st)
	return st.log.Recent(n), nil
}

// Remember stores an explicit memory record. It reports false when an
// identical (type, content) record already exists.
func (e *Engine) Remember(ctx context.Context, userID, content, typ string, importance int, tags []string) (memory.Record, bool, error) {
	userID, err := normalizeUserID(userID)
	if err != nil {
		return memory.Record{}, false, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return memory.Record{}, false, ErrEmptyContent
	}
	if typ == "" {
		typ = memory.TypeFact
	}
	switch typ {
	case memory.TypeConversation, memory.TypeLearning, memory.TypeFact, memory.TypePreference:
	default:
		return memory.Record{}, false, ErrInvalidType
	}
	if importance == 0 {
		importance = classify.BaseImportance
	}

	now := e.now().UnixMilli()
	rec := memory.Record{
		ID:             uuid.NewString(),
		UserID:         userID,
		Content:        content,
		Type:           typ,
		Importance:     classify.Clamp(importance, classify.MinImportance, classify.MaxImportance),
		Tags:           slices.Clone(tags),
		CreatedAtMs:    now,
		LastAccessedMs: now,
	}

	st := e.state(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e.hydrate(ctx, userID, st)

	if !st.records.Add(rec) {
		return rec, false, nil
	}
	if err := e.store.AppendMemory(ctx, userID, rec); err != nil {
		e.fault("append_memory", err, zap.String("user", userID))
	}
	return rec, true, nil
}

// GetRecentInsights returns up to limit of the newest insights, oldest
// first. A non-positive limit returns all of them.
func (e *Engine) GetRecentInsights(limit int) []memory.Insight {
	return e.agg.Recent(limit)
}

// ActiveThoughts lists the topics an insight tick can currently pick from.
func (e *Engine) ActiveThoughts() []string {
	return e.agg.ActiveThoughts(e.now())
}

// Stats returns a snapshot of the global counters.
func (e *Engine) Stats() *memory.GlobalStats {
	return e.agg.Stats()
}

// ResetSession starts a new session for the user.
func (e *Engine) ResetSession(userID string) {
	e.sessions.Reset(userID)
}

// knownUsers returns the ids of users with in-process state.
func (e *Engine) knownUsers() []string {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	ids := make([]string, 0, len(e.users))
	for id := range e.users {
		ids = append(ids, id)
	}
	return ids
}
