// Package arabic provides the text normalization and tokenization the
// dedup and classification layers share. All comparisons between Arabic
// strings anywhere in the pipeline go through Normalize first.
package arabic

import (
	"regexp"
	"strings"
)

// diacritics covers the Arabic harakat and Quranic annotation ranges that
// carry no lexical identity: fathatan through sukun (U+064B..U+0652),
// the superscript alef group (U+0653..U+065F), and U+0670.
var diacritics = regexp.MustCompile("[ً-ٰٟ]")

// tatweel is the kashida elongation character, purely typographic.
const tatweel = "ـ"

var hamzaForms = strings.NewReplacer(
	"أ", "ا", // أ -> ا
	"إ", "ا", // إ -> ا
	"آ", "ا", // آ -> ا
)

var letterFolds = strings.NewReplacer(
	"ة", "ه", // ة -> ه
	"ى", "ي", // ى -> ي
)

var spaces = regexp.MustCompile(`\s+`)

// Normalize folds an Arabic string to its canonical comparison form:
// diacritics and tatweel removed, hamza-carrier alefs unified, taa
// marbuta and alef maqsura folded, whitespace collapsed.
func Normalize(s string) string {
	s = diacritics.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, tatweel, "")
	s = hamzaForms.Replace(s)
	s = letterFolds.Replace(s)
	s = spaces.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeLower is Normalize plus Latin lowercasing, for mixed-script
// titles from aggregator feeds.
func NormalizeLower(s string) string {
	return strings.ToLower(Normalize(s))
}

var arabicRune = regexp.MustCompile(`\p{Arabic}`)

// ContainsArabic reports whether the string has at least one Arabic
// letter. The router's noise gate uses this to drop untranslated wire
// copy from Arabic-language sources.
func ContainsArabic(s string) bool {
	return arabicRune.MatchString(s)
}

// CollapseWhitespace normalizes runs of whitespace to single spaces
// without touching letters. Scout applies it to scraped bodies.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
