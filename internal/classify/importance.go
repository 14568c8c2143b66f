package classify

import (
	"slices"
	"strings"
	"unicode/utf8"
)

const (
	BaseImportance       = 5
	MinImportance        = 1
	MaxImportance        = 10
	LongMessageThreshold = 200
	MaxTechnicalBonus    = 2
	HighValueTopic       = "coding"
)

// Score assigns an importance in [1,10] to a message. Deterministic for
// identical inputs.
func Score(text string, sentiment Sentiment, topics []string) int {
	score := BaseImportance
	switch sentiment {
	case Positive, Negative, Mixed:
		score++
	}
	if strings.Contains(text, "?") {
		score++
	}
	if firstPersonPattern.MatchString(text) {
		score++
	}
	if slices.Contains(topics, HighValueTopic) {
		score++
	}
	if utf8.RuneCountInString(text) > LongMessageThreshold {
		score++
	}
	score += min(CountTechnicalTerms(text), MaxTechnicalBonus)
	return Clamp(score, MinImportance, MaxImportance)
}
