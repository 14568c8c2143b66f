package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memoria/internal/classify"
)

func localAt(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 30, 0, 0, time.Local)
}

func turnWith(sentiment classify.Sentiment) Turn {
	return Turn{Sentiment: sentiment, TimestampMs: localAt(9).UnixMilli()}
}

func TestApplyTurn_TraitsAndPatterns(t *testing.T) {
	p := NewUserProfile("u1")
	text := "Can you help me with my algorithm design?"
	res := classify.Classify(text)
	turn := Turn{
		ID:             "t1",
		UserID:         "u1",
		TimestampMs:    localAt(14).UnixMilli(),
		Text:           text,
		Sentiment:      res.Sentiment,
		Topics:         res.Topics,
		Flags:          res.Flags,
		ResponseTimeMs: 1200,
	}

	ApplyTurn(p, turn, []Turn{turn}, localAt(14))

	assert.Equal(t, 0, p.Personality[TraitPositivity])
	assert.Equal(t, 1, p.Personality[TraitCuriosity])
	assert.Equal(t, 1, p.Personality[TraitOpenness])
	assert.Equal(t, 1, p.Personality[TraitAnalytical])
	assert.Equal(t, 1, p.Personality[TraitCreativity])
	assert.Equal(t, []int{len(text)}, p.Patterns.MessageLengths)
	assert.Equal(t, []int64{1200}, p.Patterns.ResponseTimes)
	assert.Equal(t, 1, p.Patterns.TopicFrequency["coding"])
	assert.Equal(t, 1, p.Patterns.TimeOfDayFrequency[SlotAfternoon])
	assert.ElementsMatch(t, res.Topics, p.TopicsSeen)
	assert.Equal(t, 1, p.TotalTurns)
	assert.Equal(t, turn.TimestampMs, p.CreatedAtMs)
	assert.Equal(t, turn.TimestampMs, p.LastActiveMs)
	// 41 chars / 50 + 1 turn per day * 2 rounds to 3
	assert.Equal(t, 3, p.Patterns.EngagementLevel)
}

func TestApplyTurn_PatternListsAreCapped(t *testing.T) {
	p := NewUserProfile("u1")
	var recent []Turn
	for i := 1; i <= 120; i++ {
		turn := Turn{
			Text:           strings.Repeat("a", i),
			TimestampMs:    localAt(20).UnixMilli(),
			ResponseTimeMs: int64(i),
			Sentiment:      classify.Neutral,
		}
		recent = append(recent, turn)
		ApplyTurn(p, turn, recent, localAt(20))
	}
	require.Len(t, p.Patterns.MessageLengths, MaxPatternHistory)
	require.Len(t, p.Patterns.ResponseTimes, MaxPatternHistory)
	// FIFO: the oldest 70 entries are gone.
	assert.Equal(t, 71, p.Patterns.MessageLengths[0])
	assert.Equal(t, int64(120), p.Patterns.ResponseTimes[MaxPatternHistory-1])
	assert.Equal(t, 120, p.Patterns.TimeOfDayFrequency[SlotEvening])
	assert.Equal(t, 10, p.Patterns.EngagementLevel)
}

func TestMoodFromTurns(t *testing.T) {
	pos, neg, neu, mix := turnWith(classify.Positive), turnWith(classify.Negative), turnWith(classify.Neutral), turnWith(classify.Mixed)
	tests := []struct {
		name  string
		turns []Turn
		want  Mood
	}{
		{"empty", nil, MoodNeutral},
		{"majority positive", []Turn{pos, pos, pos, neg, neu}, MoodPositive},
		{"majority negative", []Turn{neg, neg, neg, pos, pos}, MoodNegative},
		{"no majority", []Turn{pos, pos, neg, neu, mix}, MoodNeutral},
		{"older negatives ignored", []Turn{neg, neg, neg, neg, pos, pos, pos, neu, neu}, MoodPositive},
		{"older positives ignored", []Turn{pos, pos, pos, pos, neg, neg, neg, neu, neu}, MoodNegative},
		{"single turn", []Turn{neg}, MoodNegative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MoodFromTurns(tt.turns))
		})
	}
}

func TestTimeSlot(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{0, SlotMorning},
		{11, SlotMorning},
		{12, SlotAfternoon},
		{16, SlotAfternoon},
		{17, SlotEvening},
		{20, SlotEvening},
		{21, SlotNight},
		{23, SlotNight},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeSlot(localAt(tt.hour)), "hour %d", tt.hour)
	}
}

func TestEngagementLevel_SpreadsOverDays(t *testing.T) {
	now := localAt(12)
	p := NewUserProfile("u1")
	p.CreatedAtMs = now.Add(-10 * 24 * time.Hour).UnixMilli()
	p.TotalTurns = 10
	p.Patterns.MessageLengths = []int{100, 100}
	// 100/50 + (10 turns / 10 days)*2
	assert.Equal(t, 4, EngagementLevel(p, now))
}

func TestSummaryHelpers(t *testing.T) {
	p := NewUserProfile("u1")
	assert.Equal(t, "", PreferredTimeOfDay(p))
	assert.Empty(t, TopTopics(p, 5))

	p.Patterns.TimeOfDayFrequency[SlotNight] = 3
	p.Patterns.TimeOfDayFrequency[SlotMorning] = 3
	p.Patterns.TimeOfDayFrequency[SlotEvening] = 1
	assert.Equal(t, SlotMorning, PreferredTimeOfDay(p))

	p.Patterns.TopicFrequency = map[string]int{"coding": 5, "travel": 2, "art": 2, "health": 1}
	assert.Equal(t, []string{"coding", "art", "travel"}, TopTopics(p, 3))
}

func TestUserProfile_NormalizeAndClone(t *testing.T) {
	p := &UserProfile{UserID: "u1"}
	p.Normalize()
	assert.Equal(t, MoodNeutral, p.Mood)
	assert.NotNil(t, p.Patterns.TopicFrequency)
	assert.Equal(t, 1, p.Patterns.EngagementLevel)

	c := p.Clone()
	c.Personality[TraitCuriosity] = 9
	c.Patterns.TopicFrequency["x"] = 1
	assert.Zero(t, p.Personality[TraitCuriosity])
	assert.NotContains(t, p.Patterns.TopicFrequency, "x")
}
