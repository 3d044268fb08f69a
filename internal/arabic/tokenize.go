package arabic

import (
	"regexp"
	"strings"
)

// tokenPattern captures Arabic tokens, Latin tokens including the
// diacritic ranges used by French and Spanish loan spellings, and digit
// runs. Single characters are noise and excluded everywhere.
var tokenPattern = regexp.MustCompile(`[\p{Arabic}]{2,}|[A-Za-z\x{00C0}-\x{024F}]{2,}|\d{2,}`)

// Tokenize normalizes the text and returns its tokens in order,
// duplicates preserved.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(Normalize(text), -1)
}

// TokenSet returns the distinct tokens of the text, lowercased where
// Latin, preserving first-seen order.
func TokenSet(text string) []string {
	tokens := tokenPattern.FindAllString(NormalizeLower(text), -1)
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, tok := range tokens {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// stopwords that drown burst detection: particles, prepositions, and the
// high-frequency function words of news prose.
var stopwords = map[string]struct{}{
	"في": {}, "من": {}, "على": {}, "الى": {}, "إلى": {}, "عن": {}, "مع": {},
	"هذا": {}, "هذه": {}, "ذلك": {}, "التي": {}, "الذي": {}, "بعد": {},
	"قبل": {}, "بين": {}, "حول": {}, "خلال": {}, "كما": {}, "لكن": {},
	"او": {}, "أو": {}, "ثم": {}, "حتى": {}, "اليوم": {}, "امس": {},
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {},
}

// ContentTokens returns the distinct non-stopword tokens of the text.
// The trend radar counts bursts over these.
func ContentTokens(text string) []string {
	var out []string
	for _, tok := range TokenSet(text) {
		if _, skip := stopwords[tok]; skip {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// WordCount counts whitespace-separated words after normalization. The
// published-quality scorer uses it for the thin-content deduction.
func WordCount(text string) int {
	t := CollapseWhitespace(text)
	if t == "" {
		return 0
	}
	return len(strings.Fields(t))
}
