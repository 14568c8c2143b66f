// Package classify turns raw message text into deterministic, rule-based
// signals: sentiment, topics, context flags, complexity, language and an
// importance score.
package classify

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Sentiment is the polarity of a message.
type Sentiment string

const (
	Positive Sentiment = "positive"
	Negative Sentiment = "negative"
	Neutral  Sentiment = "neutral"
	Mixed    Sentiment = "mixed"
)

// Flags are independent boolean predicates over a message.
type Flags struct {
	IsQuestion  bool `json:"isQuestion"`
	IsRequest   bool `json:"isRequest"`
	IsGreeting  bool `json:"isGreeting"`
	IsEmotional bool `json:"isEmotional"`
	IsUrgent    bool `json:"isUrgent"`
	IsPersonal  bool `json:"isPersonal"`
	IsTechnical bool `json:"isTechnical"`
	IsCreative  bool `json:"isCreative"`
}

// Result is the classification of one message.
type Result struct {
	Sentiment      Sentiment `json:"sentiment"`
	Topics         []string  `json:"topics"`
	Flags          Flags     `json:"flags"`
	Complexity     int       `json:"complexity"`
	Language       string    `json:"language"`
	TechnicalTerms int       `json:"technicalTerms"`
}

// Classify never fails. Empty or unparseable text yields the neutral
// default classification.
func Classify(text string) Result {
	return Result{
		Sentiment:      DetectSentiment(text),
		Topics:         DetectTopics(text),
		Flags:          DetectFlags(text),
		Complexity:     Complexity(text),
		Language:       DetectLanguage(text),
		TechnicalTerms: CountTechnicalTerms(text),
	}
}

// DetectSentiment evaluates every sentiment table. Both polarities give
// Mixed; an explicit neutral keyword without polarity stays Neutral.
func DetectSentiment(text string) Sentiment {
	matched := make(map[Sentiment]bool, len(sentimentRules))
	for _, r := range sentimentRules {
		if r.re.MatchString(text) {
			matched[Sentiment(r.label)] = true
		}
	}
	switch {
	case matched[Positive] && matched[Negative]:
		return Mixed
	case matched[Positive]:
		return Positive
	case matched[Negative]:
		return Negative
	default:
		return Neutral
	}
}

// DetectTopics returns every topic whose rule matches, sorted.
func DetectTopics(text string) []string {
	topics := make([]string, 0, 2)
	for _, r := range topicRules {
		if r.re.MatchString(text) {
			topics = append(topics, r.label)
		}
	}
	sort.Strings(topics)
	return topics
}

// DetectFlags matches text against the message-style patterns behind Flags.
func DetectFlags(text string) Flags {
	return Flags{
		IsQuestion:  strings.Contains(text, "?"),
		IsRequest:   requestPattern.MatchString(text),
		IsGreeting:  greetingPattern.MatchString(text),
		IsEmotional: emotionalPattern.MatchString(text),
		IsUrgent:    urgentPattern.MatchString(text),
		IsPersonal:  firstPersonPattern.MatchString(text),
		IsTechnical: technicalPattern.MatchString(text),
		IsCreative:  creativePattern.MatchString(text),
	}
}

// CountTechnicalTerms counts occurrences of the technical vocabulary.
func CountTechnicalTerms(text string) int {
	return len(technicalPattern.FindAllStringIndex(text, -1))
}

// Complexity is clamp(1, 10, round(avgWordsPerSentence/2 + technicalTerms*0.5)).
func Complexity(text string) int {
	words := len(strings.Fields(text))
	sentences := 0
	for _, part := range sentenceSplitPattern.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			sentences++
		}
	}
	avg := float64(words) / float64(max(1, sentences))
	raw := avg/2 + float64(CountTechnicalTerms(text))*0.5
	return Clamp(int(math.Round(raw)), 1, 10)
}

// DetectLanguage returns the first language rule that matches, or
// DefaultLanguage.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return DefaultLanguage
	}
	var tokens []string
	for _, lr := range languageRules {
		if lr.script != nil {
			if lr.script.MatchString(text) {
				return lr.code
			}
			continue
		}
		if tokens == nil {
			tokens = letterTokens(text)
		}
		hits := 0
		for _, tok := range tokens {
			if _, ok := lr.stopWords[tok]; ok {
				hits++
			}
		}
		if hits >= minStopWordHits {
			return lr.code
		}
	}
	return DefaultLanguage
}

func letterTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
