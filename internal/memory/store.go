package memory

import (
	"encoding/json"
	"math"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stellarlinkco/memoria/internal/classify"
)

const (
	DefaultPromotionThreshold = 7
	ResponseExcerptCap        = 500
	DefaultRetentionDays      = 90
	PruneKeepImportance       = 8
	LearningKeepImportance    = 6
	MergeSeparator            = " | "
)

// OptimizeStats describes one Optimize pass.
type OptimizeStats struct {
	Input      int
	Output     int
	Duplicates int
	Merged     int // records absorbed into another record
	Skipped    int // malformed records passed through untouched
}

// PruneStats describes one Prune pass.
type PruneStats struct {
	Kept    int
	Removed int
	Skipped int
}

// Promote turns a turn into a conversation record when its importance
// reaches threshold.
func Promote(turn Turn, threshold int) (Record, bool) {
	if threshold <= 0 {
		threshold = DefaultPromotionThreshold
	}
	if turn.Importance < threshold {
		return Record{}, false
	}
	content := strings.TrimSpace(turn.Text)
	if excerpt := truncateRunes(strings.TrimSpace(turn.ResponseText), ResponseExcerptCap); excerpt != "" {
		content += "\nResponse: " + excerpt
	}
	return Record{
		ID:             uuid.NewString(),
		UserID:         turn.UserID,
		Content:        content,
		Type:           TypeConversation,
		Importance:     classify.Clamp(turn.Importance, classify.MinImportance, classify.MaxImportance),
		Tags:           slices.Clone(turn.Topics),
		CreatedAtMs:    turn.TimestampMs,
		LastAccessedMs: turn.TimestampMs,
		Metadata: map[string]any{
			MetaSentiment: string(turn.Sentiment),
			MetaSessionID: turn.SessionID,
			MetaTurnID:    turn.ID,
		},
	}, true
}

// Store is one user's memory records. Not safe for concurrent use.
type Store struct {
	records []Record
}

func NewStore(records []Record) *Store {
	s := &Store{}
	s.Replace(records)
	return s
}

// Add inserts r unless a record with the same type and content exists.
// Importance is clamped and a missing id is generated.
func (s *Store) Add(r Record) bool {
	for _, existing := range s.records {
		if existing.Type == r.Type && existing.Content == r.Content {
			return false
		}
	}
	r = r.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Importance = classify.Clamp(r.Importance, classify.MinImportance, classify.MaxImportance)
	s.records = append(s.records, r)
	return true
}

// Replace swaps in the result of a maintenance pass.
func (s *Store) Replace(records []Record) {
	s.records = make([]Record, 0, len(records))
	for _, r := range records {
		s.records = append(s.records, r.Clone())
	}
}

func (s *Store) Records() []Record {
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[i] = r.Clone()
	}
	return out
}

func (s *Store) Len() int { return len(s.records) }

// Search scores records by query tokens found in content or tags, ranking
// ties by importance and then recency. Returned records are marked as
// accessed.
func (s *Store) Search(query string, limit int, now time.Time) []Record {
	q := tokenSet(query)
	if len(q) == 0 || limit <= 0 {
		return []Record{}
	}

	type hit struct {
		idx   int
		score int
	}
	hits := make([]hit, 0)
	for i, r := range s.records {
		words := tokenSet(r.Content)
		for tag := range tagSet(r.Tags) {
			words[tag] = struct{}{}
		}
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
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := s.records[hits[i].idx], s.records[hits[j].idx]
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.CreatedAtMs > b.CreatedAtMs
	})

	out := make([]Record, 0, min(limit, len(hits)))
	for _, h := range hits {
		if len(out) == limit {
			break
		}
		r := &s.records[h.idx]
		r.LastAccessedMs = now.UnixMilli()
		r.AccessCount++
		out = append(out, r.Clone())
	}
	return out
}

type dedupKey struct {
	typ     string
	content string
}

// Dedup keeps the first record for every (type, content) pair.
func Dedup(records []Record) []Record {
	seen := make(map[dedupKey]struct{}, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := dedupKey{r.Type, r.Content}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Optimize deduplicates and consolidates similar records, then applies the
// importance update once per record. Running it on its own output returns
// the same records.
func Optimize(records []Record, now time.Time) ([]Record, OptimizeStats) {
	stats := OptimizeStats{Input: len(records)}

	valid := make([]Record, 0, len(records))
	var malformed []Record
	for _, r := range records {
		if r.Malformed() {
			malformed = append(malformed, r.Clone())
			continue
		}
		r = r.Clone()
		r.Importance = classify.Clamp(r.Importance, classify.MinImportance, classify.MaxImportance)
		valid = append(valid, r)
	}
	stats.Skipped = len(malformed)

	// A merge can make two groups similar, so repeat until nothing changes.
	out := valid
	for {
		deduped := Dedup(out)
		stats.Duplicates += len(out) - len(deduped)
		merged := consolidate(deduped)
		absorbed := len(deduped) - len(merged)
		stats.Merged += absorbed
		changed := len(deduped) != len(out) || absorbed > 0
		out = merged
		if !changed {
			break
		}
	}

	for i := range out {
		adjustImportance(&out[i], now)
	}

	out = append(out, malformed...)
	stats.Output = len(out)
	return out, stats
}

// consolidate groups records first-fit against each group's first member
// and merges every group larger than one.
func consolidate(records []Record) []Record {
	var groups [][]int
	for i, r := range records {
		placed := false
		for g := range groups {
			if Similar(records[groups[g][0]], r) {
				groups[g] = append(groups[g], i)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []int{i})
		}
	}

	out := make([]Record, 0, len(groups))
	for _, g := range groups {
		if len(g) == 1 {
			out = append(out, records[g[0]])
			continue
		}
		members := make([]Record, len(g))
		for i, idx := range g {
			members[i] = records[idx]
		}
		out = append(out, mergeRecords(members))
	}
	return out
}

func mergeRecords(members []Record) Record {
	merged := members[0].Clone()
	if merged.Metadata == nil {
		merged.Metadata = map[string]any{}
	}

	tags := make([]string, 0)
	contents := make([]string, 0, len(members))
	ids := make([]string, 0, len(members))
	mergedCount := 0
	adjusted := true
	accessCount := 0
	for _, m := range members {
		merged.CreatedAtMs = max(merged.CreatedAtMs, m.CreatedAtMs)
		merged.LastAccessedMs = max(merged.LastAccessedMs, m.LastAccessedMs)
		merged.Importance = max(merged.Importance, m.Importance)
		accessCount += m.AccessCount
		for _, tag := range m.Tags {
			if !slices.Contains(tags, tag) {
				tags = append(tags, tag)
			}
		}
		contents = append(contents, m.Content)
		if prior := metaStrings(m.Metadata, MetaOriginalIDs); len(prior) > 0 {
			ids = append(ids, prior...)
		} else {
			ids = append(ids, m.ID)
		}
		mergedCount += max(1, metaInt(m.Metadata, MetaMergedCount))
		adjusted = adjusted && metaBool(m.Metadata, MetaImportanceAdjusted)
	}
	sort.Strings(tags)

	merged.Tags = tags
	merged.Content = strings.Join(contents, MergeSeparator)
	merged.AccessCount = accessCount
	merged.Metadata[MetaMergedCount] = mergedCount
	merged.Metadata[MetaOriginalIDs] = ids
	merged.Metadata[MetaImportanceAdjusted] = adjusted
	return merged
}

// adjustImportance applies the one-time importance update: +1 when younger
// than a day, +min(tags*0.5, 2), +1 for learning records, capped at 10 and
// never lowered.
func adjustImportance(r *Record, now time.Time) {
	if metaBool(r.Metadata, MetaImportanceAdjusted) {
		return
	}
	boost := min(float64(len(r.Tags))*0.5, 2)
	if now.Sub(time.UnixMilli(r.CreatedAtMs)) < 24*time.Hour {
		boost++
	}
	if r.Type == TypeLearning {
		boost++
	}
	v := int(math.Round(float64(r.Importance) + boost))
	r.Importance = max(r.Importance, min(v, classify.MaxImportance))
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[MetaImportanceAdjusted] = true
}

// Prune drops records that are older than the retention window unless they
// are important (>= 8) or important learnings (>= 6). A non-positive
// retention uses DefaultRetentionDays.
func Prune(records []Record, retentionDays int, now time.Time) ([]Record, PruneStats) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	window := time.Duration(retentionDays) * 24 * time.Hour

	var stats PruneStats
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Malformed() {
			stats.Skipped++
			out = append(out, r.Clone())
			continue
		}
		keep := r.Importance >= PruneKeepImportance ||
			now.Sub(time.UnixMilli(r.CreatedAtMs)) <= window ||
			(r.Type == TypeLearning && r.Importance >= LearningKeepImportance)
		if !keep {
			stats.Removed++
			continue
		}
		stats.Kept++
		out = append(out, r.Clone())
	}
	return out, stats
}

// MergedCount reads metadata.mergedCount, which decodes as float64 after a
// JSON round trip.
func MergedCount(r Record) int {
	return metaInt(r.Metadata, MetaMergedCount)
}

func metaInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func metaBool(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func metaStrings(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
