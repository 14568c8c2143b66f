package classify

import (
	"regexp"
	"strings"
)

// rule pairs a label with the matcher that selects it.
type rule struct {
	label string
	re    *regexp.Regexp
}

// wordsPattern compiles a case-insensitive whole-word alternation.
func wordsPattern(alternatives ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alternatives, "|") + `)\b`)
}

// sentimentRules are disjoint keyword tables.
var sentimentRules = []rule{
	{string(Positive), wordsPattern(
		"love", "loved", "like", "likes", "great", "awesome", "amazing", "happy", "glad",
		"thanks", "thank", "excellent", "good", "wonderful", "enjoy", "enjoyed", "enjoying",
		"fantastic", "nice", "cool", "perfect", "excited", "beautiful", "brilliant",
	)},
	{string(Negative), wordsPattern(
		"hate", "hated", "bad", "terrible", "awful", "horrible", "sad", "angry", "annoyed",
		"frustrated", "frustrating", "upset", "worst", "broken", "disappointed", "worried",
		"stuck", "fail", "failed", "failing", "useless",
	)},
	{string(Neutral), wordsPattern(
		"okay", "ok", "fine", "alright", "maybe", "perhaps", "whatever", "normal", "average",
	)},
}

// topicRules is evaluated in order; every match contributes its label.
var topicRules = []rule{
	{"coding", wordsPattern(
		`cod(?:e|es|ing)`, `program(?:s|ming|mer|mers)?`, `algorithms?`, `functions?`, `bugs?`,
		`debug(?:ging|ger)?`, "python", "javascript", "typescript", "golang", "java", "rust",
		`compil(?:e|er|ing)`, `refactor\w*`, "git", `apis?`, "software", `developers?`,
	)},
	{"research", wordsPattern(
		"research", "study", "studies", `papers?`, "thesis", `experiments?`, "hypothesis",
		"survey", "analysis", `analy[sz]e`, `datasets?`, "citation",
	)},
	{"science", wordsPattern(
		"science", "scientific", "physics", "chemistry", "biology", "quantum", `molecules?`,
		`atoms?`, "astronomy", `math(?:s|ematics)?`, `theorems?`, "evolution",
	)},
	{"business", wordsPattern(
		"business", `startups?`, `market(?:ing)?`, "sales", "revenue", "profit", `customers?`,
		`investors?`, `invest(?:ment|ing)?`, "finance", "financial", "company", "strategy",
	)},
	{"education", wordsPattern(
		`learn(?:ing)?`, `teach(?:ing|er)?`, "school", "university", "college", `courses?`,
		`class(?:es)?`, `exams?`, "homework", `students?`, `tutorials?`, `lessons?`,
	)},
	{"technology", wordsPattern(
		"technology", "tech", `computers?`, "ai", "machine learning", `robots?`, `gadgets?`,
		"smartphone", "internet", "cloud", "blockchain", `devices?`,
	)},
	{"personal", wordsPattern(
		"family", `friends?`, `relationships?`, `feel(?:ing|ings)?`, "life", "personal",
		"myself", "home", "partner", `parents?`,
	)},
	{"creative", wordsPattern(
		"art", "music", "story", "stories", `poems?`, "poetry", `paint(?:ing)?`, `draw(?:ing)?`,
		"design", "creative", "write", "writing", "novel", `songs?`, "imagine",
	)},
	{"health", wordsPattern(
		"health", "healthy", "exercise", "workout", "diet", "sleep", "doctor", "medicine",
		"sick", "illness", "fitness", "stress",
	)},
	{"travel", wordsPattern(
		`travel(?:ing|ling)?`, "trip", "vacation", `flights?`, `hotels?`, `visit(?:ing)?`,
		`tour(?:ism)?`, "destination", "passport", "abroad",
	)},
}

var (
	requestPattern = wordsPattern(
		"can you", "could you", "would you", "will you", "please", "help", "i need", "i want",
		"show me", "tell me", "explain",
	)
	greetingPattern  = regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|howdy|greetings|yo|good (?:morning|afternoon|evening))\b`)
	emotionalPattern = wordsPattern(
		"feel", "feeling", "feelings", "happy", "sad", "angry", "upset", "excited", "worried",
		"anxious", "stressed", "scared", "lonely", "love", "hate", "frustrated",
	)
	urgentPattern = wordsPattern(
		"urgent", "urgently", "asap", "immediately", "emergency", "right now", "quickly",
		"critical", "deadline",
	)
	firstPersonPattern = wordsPattern("i", "me", "my", "mine", "myself")
	creativePattern    = wordsPattern(
		"create", "creative", "design", "imagine", "invent", "story", "poem", "art", "draw",
		"paint", "compose", "write", "idea", "ideas", "brainstorm",
	)
	technicalPattern = wordsPattern(
		`algorithms?`, `apis?`, `databases?`, `functions?`, `variables?`, `servers?`,
		`frameworks?`, `protocols?`, `compilers?`, "runtime", "kubernetes", "docker",
		`containers?`, "neural", "encryption", "latency", "concurrency", "recursion", "regex",
		"sql", "json", "http", "tcp", `cach(?:e|ing)`, "backend", "frontend", "deployment",
		`microservices?`, "kernel", `threads?`,
	)
	sentenceSplitPattern = regexp.MustCompile(`[.!?]+`)
)

// languageRule identifies a language either by script or by stop-word hits.
type languageRule struct {
	code      string
	script    *regexp.Regexp
	stopWords map[string]struct{}
}

// minStopWordHits is the number of stop-word tokens a text needs before a
// stop-word table counts as matching.
const minStopWordHits = 2

func stopWordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// languageRules is evaluated in priority order; the first match wins.
var languageRules = []languageRule{
	{code: "ja", script: regexp.MustCompile(`[\p{Hiragana}\p{Katakana}]`)},
	{code: "zh", script: regexp.MustCompile(`\p{Han}`)},
	{code: "ru", script: regexp.MustCompile(`\p{Cyrillic}`)},
	{code: "ar", script: regexp.MustCompile(`\p{Arabic}`)},
	{code: "es", stopWords: stopWordSet("el", "los", "las", "que", "y", "es", "por", "para", "con", "una", "pero", "muy", "está", "yo", "tengo")},
	{code: "fr", stopWords: stopWordSet("le", "les", "des", "et", "est", "je", "vous", "nous", "pas", "avec", "pour", "mais", "très", "suis")},
	{code: "de", stopWords: stopWordSet("der", "die", "das", "und", "ist", "nicht", "ich", "du", "mit", "ein", "eine", "zu", "auf", "sehr")},
	{code: "pt", stopWords: stopWordSet("os", "não", "é", "com", "uma", "um", "você", "muito", "eu", "são", "mas")},
	{code: "it", stopWords: stopWordSet("il", "gli", "che", "è", "non", "sono", "per", "molto", "io", "della", "ciao")},
}

// DefaultLanguage is reported when no language rule matches.
const DefaultLanguage = "en"
