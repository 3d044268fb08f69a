package cache

import (
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tahrirhq/tahrir/internal/arabic"
)

// DefaultTitleThreshold is the similarity ratio above which two titles
// count as the same story.
const DefaultTitleThreshold = 0.85

var dmp = diffmatchpatch.New()

// TitleSimilarity returns 1 − levenshtein/maxLen over the normalized
// forms of two titles, in [0,1].
func TitleSimilarity(a, b string) float64 {
	na := arabic.NormalizeLower(a)
	nb := arabic.NormalizeLower(b)
	if na == nb {
		return 1
	}
	la, lb := len([]rune(na)), len([]rune(nb))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	diffs := dmp.DiffMain(na, nb, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1 - float64(dist)/float64(max)
}

// IsDuplicateTitle reports whether any recent title clears the
// similarity threshold against the candidate. threshold <= 0 uses the
// default.
func IsDuplicateTitle(title string, recent []string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultTitleThreshold
	}
	for _, r := range recent {
		if TitleSimilarity(title, r) >= threshold {
			return true
		}
	}
	return false
}
