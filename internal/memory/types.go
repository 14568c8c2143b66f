package memory

import (
	"maps"
	"slices"
	"time"

	"github.com/stellarlinkco/memoria/internal/classify"
)

// Mood is the recent emotional tone of a user.
type Mood string

const (
	MoodPositive Mood = "positive"
	MoodNegative Mood = "negative"
	MoodNeutral  Mood = "neutral"
)

// Personality trait counters.
const (
	TraitPositivity = "positivity"
	TraitCuriosity  = "curiosity"
	TraitOpenness   = "openness"
	TraitAnalytical = "analytical"
	TraitCreativity = "creativity"
)

// Time-of-day slots.
const (
	SlotMorning   = "morning"
	SlotAfternoon = "afternoon"
	SlotEvening   = "evening"
	SlotNight     = "night"
)

// Record types.
const (
	TypeConversation = "conversation"
	TypeLearning     = "learning"
	TypeFact         = "fact"
	TypePreference   = "preference"
)

// Record metadata keys written by promotion and consolidation.
const (
	MetaMergedCount        = "mergedCount"
	MetaOriginalIDs        = "originalIds"
	MetaImportanceAdjusted = "importanceAdjusted"
	MetaSentiment          = "sentiment"
	MetaSessionID          = "sessionId"
	MetaTurnID             = "turnId"
)

// Turn is one message/response exchange. Immutable once created.
type Turn struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	TimestampMs    int64              `json:"timestampMs"`
	Text           string             `json:"text"`
	ResponseText   string             `json:"responseText"`
	Sentiment      classify.Sentiment `json:"sentiment"`
	Topics         []string           `json:"topics"`
	Flags          classify.Flags     `json:"flags"`
	Complexity     int                `json:"complexity"`
	Importance     int                `json:"importance"`
	Language       string             `json:"language"`
	SessionID      string             `json:"sessionId"`
	ResponseTimeMs int64              `json:"responseTimeMs,omitempty"`
}

// InteractionPatterns tracks how a user interacts over time.
type InteractionPatterns struct {
	MessageLengths     []int          `json:"messageLengths"`
	ResponseTimes      []int64        `json:"responseTimes"`
	TopicFrequency     map[string]int `json:"topicFrequency"`
	TimeOfDayFrequency map[string]int `json:"timeOfDayFrequency"`
	EngagementLevel    int            `json:"engagementLevel"`
}

// UserProfile is the long-lived per-user state.
type UserProfile struct {
	UserID       string              `json:"userId"`
	FirstName    string              `json:"firstName,omitempty"`
	Username     string              `json:"username,omitempty"`
	Personality  map[string]int      `json:"personality"`
	TopicsSeen   []string            `json:"topicsSeen"`
	Mood         Mood                `json:"mood"`
	LastActiveMs int64               `json:"lastActiveMs"`
	CreatedAtMs  int64               `json:"createdAtMs"`
	TotalTurns   int                 `json:"totalTurns"`
	Patterns     InteractionPatterns `json:"interactionPatterns"`
}

// NewUserProfile returns a fully initialized default profile.
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID: userID,
		Personality: map[string]int{
			TraitPositivity: 0,
			TraitCuriosity:  0,
			TraitOpenness:   0,
			TraitAnalytical: 0,
			TraitCreativity: 0,
		},
		TopicsSeen: []string{},
		Mood:       MoodNeutral,
		Patterns: InteractionPatterns{
			MessageLengths:     []int{},
			ResponseTimes:      []int64{},
			TopicFrequency:     map[string]int{},
			TimeOfDayFrequency: map[string]int{},
			EngagementLevel:    1,
		},
	}
}

// Normalize fills nil collections left by a decoder so a stored profile
// behaves like a default one.
func (p *UserProfile) Normalize() {
	if p.Personality == nil {
		p.Personality = map[string]int{}
	}
	if p.TopicsSeen == nil {
		p.TopicsSeen = []string{}
	}
	if p.Mood == "" {
		p.Mood = MoodNeutral
	}
	if p.Patterns.MessageLengths == nil {
		p.Patterns.MessageLengths = []int{}
	}
	if p.Patterns.ResponseTimes == nil {
		p.Patterns.ResponseTimes = []int64{}
	}
	if p.Patterns.TopicFrequency == nil {
		p.Patterns.TopicFrequency = map[string]int{}
	}
	if p.Patterns.TimeOfDayFrequency == nil {
		p.Patterns.TimeOfDayFrequency = map[string]int{}
	}
	if p.Patterns.EngagementLevel == 0 {
		p.Patterns.EngagementLevel = 1
	}
}

// Clone returns a deep copy.
func (p *UserProfile) Clone() *UserProfile {
	c := *p
	c.Personality = maps.Clone(p.Personality)
	c.TopicsSeen = slices.Clone(p.TopicsSeen)
	c.Patterns.MessageLengths = slices.Clone(p.Patterns.MessageLengths)
	c.Patterns.ResponseTimes = slices.Clone(p.Patterns.ResponseTimes)
	c.Patterns.TopicFrequency = maps.Clone(p.Patterns.TopicFrequency)
	c.Patterns.TimeOfDayFrequency = maps.Clone(p.Patterns.TimeOfDayFrequency)
	return &c
}

// Record is a durable memory promoted from a turn or created explicitly.
type Record struct {
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	Importance     int            `json:"importance"`
	Tags           []string       `json:"tags"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAtMs    int64          `json:"createdAtMs"`
	LastAccessedMs int64          `json:"lastAccessedMs"`
	AccessCount    int            `json:"accessCount"`
}

// Clone returns a copy that shares no slices or maps with r.
func (r Record) Clone() Record {
	r.Tags = slices.Clone(r.Tags)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// Malformed reports whether r lacks the fields the maintenance passes rely on.
func (r Record) Malformed() bool {
	return r.ID == "" || r.Content == "" || r.CreatedAtMs <= 0
}

// Insight is a synthesized observation about a cross-user pattern.
type Insight struct {
	TimestampMs int64   `json:"timestampMs"`
	Topic       string  `json:"topic"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	Kind        string  `json:"kind"`
}

// GlobalStats are process-wide counters.
type GlobalStats struct {
	StartTimeMs            int64          `json:"startTimeMs"`
	TotalUsers             int            `json:"totalUsers"`
	TotalMessages          int            `json:"totalMessages"`
	TopicPatternCounts     map[string]int `json:"topicPatternCounts"`
	SentimentPatternCounts map[string]int `json:"sentimentPatternCounts"`
	ComplexityBucketCounts map[string]int `json:"complexityBucketCounts"`
	InsightsGenerated      int            `json:"insightsGenerated"`
	LastMaintenanceMs      int64          `json:"lastMaintenanceMs"`
	LastPruneRemoved       int            `json:"lastPruneRemoved"`
	LastMergeRemoved       int            `json:"lastMergeRemoved"`
	TotalPruned            int            `json:"totalPruned"`
}

// NewGlobalStats returns zeroed stats starting at now.
func NewGlobalStats(now time.Time) *GlobalStats {
	return &GlobalStats{
		StartTimeMs:            now.UnixMilli(),
		TopicPatternCounts:     map[string]int{},
		SentimentPatternCounts: map[string]int{},
		ComplexityBucketCounts: map[string]int{},
	}
}

// Normalize fills nil maps left by a decoder.
func (s *GlobalStats) Normalize() {
	if s.TopicPatternCounts == nil {
		s.TopicPatternCounts = map[string]int{}
	}
	if s.SentimentPatternCounts == nil {
		s.SentimentPatternCounts = map[string]int{}
	}
	if s.ComplexityBucketCounts == nil {
		s.ComplexityBucketCounts = map[string]int{}
	}
}

// Clone returns a deep copy.
func (s *GlobalStats) Clone() *GlobalStats {
	c := *s
	c.TopicPatternCounts = maps.Clone(s.TopicPatternCounts)
	c.SentimentPatternCounts = maps.Clone(s.SentimentPatternCounts)
	c.ComplexityBucketCounts = maps.Clone(s.ComplexityBucketCounts)
	return &c
}
