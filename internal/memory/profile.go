package memory

import (
	"math"
	"slices"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/stellarlinkco/memoria/internal/classify"
)

const (
	MaxPatternHistory = 50
	MoodWindow        = 5
)

// ApplyTurn folds a classified turn into the profile. recent holds the
// user's latest turns in chronological order, ending with turn itself; only
// the last MoodWindow entries are considered. The caller serializes calls
// per user.
func ApplyTurn(p *UserProfile, turn Turn, recent []Turn, now time.Time) {
	p.Normalize()

	if turn.Sentiment == classify.Positive {
		p.Personality[TraitPositivity]++
	}
	if turn.Flags.IsQuestion {
		p.Personality[TraitCuriosity]++
	}
	if turn.Flags.IsPersonal {
		p.Personality[TraitOpenness]++
	}
	if turn.Flags.IsTechnical {
		p.Personality[TraitAnalytical]++
	}
	if turn.Flags.IsCreative {
		p.Personality[TraitCreativity]++
	}

	p.Mood = MoodFromTurns(recent)

	p.Patterns.MessageLengths = appendCapped(p.Patterns.MessageLengths, utf8.RuneCountInString(turn.Text), MaxPatternHistory)
	if turn.ResponseTimeMs > 0 {
		p.Patterns.ResponseTimes = appendCapped(p.Patterns.ResponseTimes, turn.ResponseTimeMs, MaxPatternHistory)
	}

	for _, topic := range turn.Topics {
		p.Patterns.TopicFrequency[topic]++
		if !slices.Contains(p.TopicsSeen, topic) {
			p.TopicsSeen = append(p.TopicsSeen, topic)
		}
	}
	ts := time.UnixMilli(turn.TimestampMs)
	p.Patterns.TimeOfDayFrequency[TimeSlot(ts)]++

	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = turn.TimestampMs
	}
	p.TotalTurns++
	p.LastActiveMs = turn.TimestampMs
	p.Patterns.EngagementLevel = EngagementLevel(p, now)
}

// MoodFromTurns needs a strict majority of the last MoodWindow turns to
// leave neutral.
func MoodFromTurns(turns []Turn) Mood {
	if len(turns) > MoodWindow {
		turns = turns[len(turns)-MoodWindow:]
	}
	var pos, neg int
	for _, t := range turns {
		switch t.Sentiment {
		case classify.Positive:
			pos++
		case classify.Negative:
			neg++
		}
	}
	half := len(turns) / 2
	switch {
	case pos > half:
		return MoodPositive
	case neg > half:
		return MoodNegative
	default:
		return MoodNeutral
	}
}

// TimeSlot buckets the local hour of t.
func TimeSlot(t time.Time) string {
	h := t.Local().Hour()
	switch {
	case h < 12:
		return SlotMorning
	case h < 17:
		return SlotAfternoon
	case h < 21:
		return SlotEvening
	default:
		return SlotNight
	}
}

// EngagementLevel is clamp(1, 10, round(avgMessageLength/50 + conversationsPerDay*2)),
// where conversationsPerDay spreads TotalTurns over the days since the
// profile was created, counting at least one day.
func EngagementLevel(p *UserProfile, now time.Time) int {
	var avgLen float64
	if n := len(p.Patterns.MessageLengths); n > 0 {
		sum := 0
		for _, l := range p.Patterns.MessageLengths {
			sum += l
		}
		avgLen = float64(sum) / float64(n)
	}
	days := 1.0
	if p.CreatedAtMs > 0 {
		days = max(1, now.Sub(time.UnixMilli(p.CreatedAtMs)).Hours()/24)
	}
	perDay := float64(p.TotalTurns) / days
	return classify.Clamp(int(math.Round(avgLen/50+perDay*2)), 1, 10)
}

var slotOrder = []string{SlotMorning, SlotAfternoon, SlotEvening, SlotNight}

// PreferredTimeOfDay returns the most frequent slot, or "" for a user with
// no turns. Ties go to the earlier slot of the day.
func PreferredTimeOfDay(p *UserProfile) string {
	best, bestCount := "", 0
	for _, slot := range slotOrder {
		if c := p.Patterns.TimeOfDayFrequency[slot]; c > bestCount {
			best, bestCount = slot, c
		}
	}
	return best
}

// TopTopics returns up to n topics by frequency, ties broken by name.
func TopTopics(p *UserProfile, n int) []string {
	topics := make([]string, 0, len(p.Patterns.TopicFrequency))
	for topic := range p.Patterns.TopicFrequency {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		ci, cj := p.Patterns.TopicFrequency[topics[i]], p.Patterns.TopicFrequency[topics[j]]
		if ci != cj {
			return ci > cj
		}
		return topics[i] < topics[j]
	})
	if n >= 0 && len(topics) > n {
		topics = topics[:n]
	}
	return topics
}

func appendCapped[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if len(list) > limit {
		list = slices.Clone(list[len(list)-limit:])
	}
	return list
}
