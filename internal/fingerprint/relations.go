package fingerprint

import (
	"strings"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/core"
)

// RelationThreshold is the minimum similarity at which an edge between
// two articles is recorded at all.
const RelationThreshold = 0.70

// Marker terms for relation typing. These are editorial vocabulary, not
// general Arabic: follow-up phrasing, consequence phrasing, and denial
// phrasing as they appear in wire headlines.
var (
	sequenceTerms = []string{
		"تفاصيل", "مستجدات", "تطورات", "متابعه", "الحلقه", "بعد اعلان",
		"في اعقاب", "يواصل", "تحديث",
	}
	impactTerms = []string{
		"نتائج", "تداعيات", "اثار", "انعكاسات", "بسبب", "يؤدي", "ادى",
		"خلف", "عقب قرار",
	}
	contrastTerms = []string{
		"نفى", "نفت", "تكذيب", "ينفي", "لا صحه", "غير صحيح", "دحض",
		"تنفي", "كذبت",
	}
)

func containsAny(normalized string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(normalized, t) {
			return true
		}
	}
	return false
}

// ClassifyRelation types the edge between two articles whose similarity
// already cleared RelationThreshold. Shared entities push toward the
// narrative relations; a one-sided denial reads as contrast.
func ClassifyRelation(aText, bText string, sharedEntities int) core.Relation {
	na := arabic.Normalize(aText)
	nb := arabic.Normalize(bText)

	aDenies := containsAny(na, contrastTerms)
	bDenies := containsAny(nb, contrastTerms)
	if aDenies != bDenies {
		return core.RelationContrast
	}

	if sharedEntities > 0 {
		if containsAny(na, sequenceTerms) || containsAny(nb, sequenceTerms) {
			return core.RelationSequence
		}
		if containsAny(na, impactTerms) || containsAny(nb, impactTerms) {
			return core.RelationImpact
		}
	}
	return core.RelationRelated
}
