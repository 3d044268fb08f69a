package router

import (
	"strings"

	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
)

// matchTerms returns the lexicon terms present in the normalized text.
func matchTerms(text string, terms []string) []string {
	var out []string
	for _, t := range terms {
		if t != "" && strings.Contains(text, t) {
			out = append(out, t)
		}
	}
	return out
}

func matchesAny(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if t != "" && strings.Contains(text, t) {
			return t, true
		}
	}
	return "", false
}

// classifyCategory scores every category by keyword hits over the
// normalized text. The winner must clear minHits and lead the runner-up
// outright; otherwise the classification is uncertain and the matched
// terms of the best guess are still returned for the keyword column.
func classifyCategory(text string, lex *config.Lexicon, minHits int) (core.Category, []string, bool) {
	if minHits < 1 {
		minHits = 2
	}
	var bestCat core.Category
	var bestTerms []string
	best, second := 0, 0
	for _, cat := range core.Categories() {
		terms := matchTerms(text, lex.Categories[cat])
		switch n := len(terms); {
		case n > best:
			second = best
			best = n
			bestCat = cat
			bestTerms = terms
		case n > second:
			second = n
		}
	}
	if best >= minHits && best > second {
		return bestCat, bestTerms, true
	}
	return bestCat, bestTerms, false
}

// urgencyVerdict is the weighted scorer's full output; the gate and the
// importance heuristic read the component counts, not just the grade.
type urgencyVerdict struct {
	Urgency   core.Urgency
	Score     int
	Markers   int
	Actions   int
	Events    int
	Domains   int
	Authority int
}

// Component weights for the urgency score.
const (
	weightMarker    = 3
	weightEvent     = 2
	weightAuthority = 2
	weightDomain    = 1
	weightAction    = 1

	breakingScore = 8
	highScore     = 3
)

// scoreUrgency runs the weighted marker scan. Escalation to breaking
// takes one of three shapes: an urgency marker backed by an authority
// term, two independent event terms, or a stack of authority terms with
// an action verb (the sovereign-announcement pattern).
func scoreUrgency(text string, lex *config.Lexicon) urgencyVerdict {
	v := urgencyVerdict{
		Markers: len(matchTerms(text, lex.Urgency.Markers)),
		Actions: len(matchTerms(text, lex.Urgency.ActionVerbs)),
		Events:  len(matchTerms(text, lex.Urgency.EventTerms)),
	}
	for _, group := range lex.Urgency.DomainGroups {
		v.Domains += len(matchTerms(text, group))
	}
	for _, group := range lex.Urgency.AuthorityGroups {
		v.Authority += len(matchTerms(text, group))
	}

	v.Score = v.Markers*weightMarker +
		v.Events*weightEvent +
		v.Authority*weightAuthority +
		v.Domains*weightDomain +
		v.Actions*weightAction

	switch {
	case v.Markers >= 1 && v.Authority >= 1,
		v.Events >= 2,
		v.Authority >= 2 && v.Actions >= 1,
		v.Score >= breakingScore:
		v.Urgency = core.UrgencyBreaking
	case v.Score >= highScore, v.Markers >= 1:
		v.Urgency = core.UrgencyHigh
	default:
		v.Urgency = core.UrgencyMedium
	}
	return v
}

// hasLocalSignal reports whether the normalized text carries any of the
// configured Algeria indicators.
func hasLocalSignal(text string, lex *config.Lexicon) bool {
	_, ok := matchesAny(text, lex.Filters.LocalSignals)
	return ok
}

// ruleImportance estimates importance 0..10 when classification resolved
// without the LLM. Authority presence and urgency drive the score; a
// breaking verdict floors it at 8 so the candidate rule always fires.
func ruleImportance(resolved bool, v urgencyVerdict) int {
	score := 4
	if resolved {
		score++
	}
	if v.Authority > 2 {
		score += 2
	} else {
		score += v.Authority
	}
	switch v.Urgency {
	case core.UrgencyHigh:
		score++
	case core.UrgencyBreaking:
		if score < 8 {
			score = 8
		}
	}
	if score > 10 {
		score = 10
	}
	return score
}
