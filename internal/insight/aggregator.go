// Package insight keeps the process-wide conversation statistics and the
// rolling list of synthesized cross-user insights.
package insight

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/memoria/internal/classify"
	"github.com/stellarlinkco/memoria/internal/memory"
)

const (
	DefaultCap          = 100
	DefaultActiveWindow = time.Hour
)

// Complexity buckets used in GlobalStats.ComplexityBucketCounts.
const (
	BucketLow    = "low"
	BucketMedium = "medium"
	BucketHigh   = "high"
)

type template struct {
	kind   string
	format string
}

var templates = []template{
	{"trend", "Interest in %s is rising across conversations."},
	{"pattern", "People keep coming back to %s when they have open questions."},
	{"curiosity", "Questions about %s tend to lead to longer conversations."},
	{"connection", "%s keeps showing up next to other topics lately."},
	{"reflection", "Conversations about %s have been especially active recently."},
	{"observation", "Users seem to be exploring %s more deeply than before."},
}

// Candidates lists every insight text a tick could produce for topic.
func Candidates(topic string) []string {
	out := make([]string, len(templates))
	for i, tpl := range templates {
		out[i] = fmt.Sprintf(tpl.format, topic)
	}
	return out
}

type Options struct {
	Cap          int
	ActiveWindow time.Duration
	Selector     Selector
}

// Aggregator is safe for concurrent use. Turn recording holds the lock
// only briefly so it never blocks on maintenance work.
type Aggregator struct {
	mu       sync.Mutex
	stats    *memory.GlobalStats
	insights []memory.Insight
	active   map[string]time.Time
	cap      int
	window   time.Duration
	selector Selector
}

func New(opts Options, now time.Time) *Aggregator {
	if opts.Cap <= 0 {
		opts.Cap = DefaultCap
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = DefaultActiveWindow
	}
	if opts.Selector == nil {
		opts.Selector = NewRandomSelector(now.UnixNano())
	}
	return &Aggregator{
		stats:    memory.NewGlobalStats(now),
		active:   make(map[string]time.Time),
		cap:      opts.Cap,
		window:   opts.ActiveWindow,
		selector: opts.Selector,
	}
}

// Restore replaces the state with what was persisted by a previous process.
func (a *Aggregator) Restore(stats *memory.GlobalStats, insights []memory.Insight) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stats != nil {
		s := stats.Clone()
		s.Normalize()
		a.stats = s
	}
	a.insights = nil
	for _, ins := range insights {
		a.appendLocked(ins)
	}
}

// RecordTurn counts one turn. newUser marks the user's first turn ever.
func (a *Aggregator) RecordTurn(turn memory.Turn, newUser bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.TotalMessages++
	if newUser {
		a.stats.TotalUsers++
	}
	ts := time.UnixMilli(turn.TimestampMs)
	for _, topic := range turn.Topics {
		a.stats.TopicPatternCounts[topic]++
		a.active[topic] = ts
	}
	a.stats.SentimentPatternCounts[string(turn.Sentiment)]++
	a.stats.ComplexityBucketCounts[ComplexityBucket(turn.Complexity)]++
}

// ComplexityBucket maps a complexity score to its stats bucket.
func ComplexityBucket(c int) string {
	switch c = classify.Clamp(c, 1, 10); {
	case c <= 3:
		return BucketLow
	case c <= 6:
		return BucketMedium
	default:
		return BucketHigh
	}
}

// ActiveThoughts returns the topics seen within the active window, sorted.
// Older topics are forgotten.
func (a *Aggregator) ActiveThoughts(now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeLocked(now)
}

func (a *Aggregator) activeLocked(now time.Time) []string {
	topics := make([]string, 0, len(a.active))
	for topic, seen := range a.active {
		if now.Sub(seen) > a.window {
			delete(a.active, topic)
			continue
		}
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Tick synthesizes one insight from an active topic. It reports false when
// nothing was active.
func (a *Aggregator) Tick(now time.Time) (memory.Insight, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	topics := a.activeLocked(now)
	if len(topics) == 0 {
		return memory.Insight{}, false
	}
	topic := topics[a.selector.Pick(SlotTopic, len(topics))]
	tpl := templates[a.selector.Pick(SlotTemplate, len(templates))]
	ins := memory.Insight{
		TimestampMs: now.UnixMilli(),
		Topic:       topic,
		Text:        fmt.Sprintf(tpl.format, topic),
		Confidence:  a.selector.Confidence(),
		Kind:        tpl.kind,
	}
	a.appendLocked(ins)
	a.stats.InsightsGenerated++
	return ins, true
}

func (a *Aggregator) appendLocked(ins memory.Insight) {
	a.insights = append(a.insights, ins)
	if drop := len(a.insights) - a.cap; drop > 0 {
		n := copy(a.insights, a.insights[drop:])
		a.insights = a.insights[:n]
	}
}

// Recent returns up to limit of the newest insights, oldest first.
func (a *Aggregator) Recent(limit int) []memory.Insight {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.insights) {
		limit = len(a.insights)
	}
	return slices.Clone(a.insights[len(a.insights)-limit:])
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.insights)
}

// RecordMaintenance stores the outcome of a daily maintenance pass.
func (a *Aggregator) RecordMaintenance(now time.Time, pruned, merged int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.LastMaintenanceMs = now.UnixMilli()
	a.stats.LastPruneRemoved = pruned
	a.stats.LastMergeRemoved = merged
	a.stats.TotalPruned += pruned
}

// Stats returns a snapshot of the global counters.
func (a *Aggregator) Stats() *memory.GlobalStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats.Clone()
}
