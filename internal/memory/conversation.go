package memory

import (
	"slices"
	"sort"
)

// DefaultConversationCap bounds the per-user conversation log.
const DefaultConversationCap = 1000

// ConversationLog is a capped, chronologically ordered sequence of one
// user's turns. Once the cap is reached the oldest turns are dropped. It is
// not safe for concurrent use; the engine guards it with the user's lock.
type ConversationLog struct {
	turns []Turn
	limit int
}

// NewConversationLog returns an empty log. A non-positive limit uses
// DefaultConversationCap.
func NewConversationLog(limit int) *ConversationLog {
	if limit <= 0 {
		limit = DefaultConversationCap
	}
	return &ConversationLog{limit: limit}
}

// Load replaces the log content with turns, keeping the newest entries.
func (l *ConversationLog) Load(turns []Turn) {
	if len(turns) > l.limit {
		turns = turns[len(turns)-l.limit:]
	}
	l.turns = slices.Clone(turns)
}

func (l *ConversationLog) Append(t Turn) {
	l.turns = append(l.turns, t)
	if drop := len(l.turns) - l.limit; drop > 0 {
		n := copy(l.turns, l.turns[drop:])
		clear(l.turns[n:])
		l.turns = l.turns[:n]
	}
}

func (l *ConversationLog) Len() int { return len(l.turns) }

// Recent returns the last n turns in chronological order.
func (l *ConversationLog) Recent(n int) []Turn {
	if n <= 0 {
		return []Turn{}
	}
	start := max(0, len(l.turns)-n)
	return slices.Clone(l.turns[start:])
}

// Search ranks turns by how many query tokens appear in the message or the
// response. Ties keep log order; turns without a match are left out.
func (l *ConversationLog) Search(query string, limit int) []Turn {
	q := tokenSet(query)
	if len(q) == 0 || limit <= 0 {
		return []Turn{}
	}

	type hit struct {
		idx   int
		score int
	}
	hits := make([]hit, 0)
	for i, t := range l.turns {
		words := tokenSet(t.Text + " " + t.ResponseText)
		score := 0
		for tok := range q {
			if _, ok := words[tok]; ok {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{idx: i, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	out := make([]Turn, 0, min(limit, len(hits)))
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		out = append(out, l.turns[h.idx])
	}
	return out
}
