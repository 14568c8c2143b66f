package memory

import (
	"strings"
	"unicode"
)

const (
	ContentSimilarityThreshold = 0.7
	TagSimilarityThreshold     = 0.5
)

// Tokenize lowercases text and splits it on anything that is not a letter
// or digit. No stemming.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func tokenSet(text string) map[string]struct{} {
	tokens := Tokenize(text)
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			set[tag] = struct{}{}
		}
	}
	return set
}

// Jaccard is |a∩b| / |a∪b|. Two empty sets score 0 so that untagged records
// are never considered similar through their tags.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similar reports whether two records should be consolidated.
func Similar(a, b Record) bool {
	if Jaccard(tokenSet(a.Content), tokenSet(b.Content)) >= ContentSimilarityThreshold {
		return true
	}
	return Jaccard(tagSet(a.Tags), tagSet(b.Tags)) >= TagSimilarityThreshold
}
