package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitleSimilarity(t *testing.T) {
	// identical after normalization: diacritics and hamza forms fold away
	sim := TitleSimilarity("أخبار الجزائر اليوم", "اخبار الجزائر اليوم")
	assert.Equal(t, 1.0, sim)

	// one-word difference on a long title stays above the threshold
	sim = TitleSimilarity(
		"الرئيس يستقبل وزير الخارجية الفرنسي في قصر المرادية",
		"الرئيس يستقبل وزير الخارجية الايطالي في قصر المرادية",
	)
	assert.GreaterOrEqual(t, sim, DefaultTitleThreshold)

	// unrelated titles score low
	sim = TitleSimilarity("فوز المنتخب الوطني بالبطولة", "ارتفاع اسعار المحروقات عالميا")
	assert.Less(t, sim, 0.5)
}

func TestTitleSimilarityEmpty(t *testing.T) {
	assert.Equal(t, 1.0, TitleSimilarity("", ""))
	assert.Equal(t, 0.0, TitleSimilarity("عنوان", ""))
}

func TestIsDuplicateTitle(t *testing.T) {
	recent := []string{
		"الرئيس يستقبل وزير الخارجية الفرنسي في قصر المرادية",
		"انطلاق موسم الحصاد في ولايات الجنوب",
	}

	assert.True(t, IsDuplicateTitle(
		"الرئيس يستقبل وزير الخارجية الفرنسي بقصر المرادية", recent, 0))
	assert.False(t, IsDuplicateTitle(
		"اجتماع طارئ لمجلس الأمن الدولي حول الوضع الإقليمي", recent, 0))
	assert.False(t, IsDuplicateTitle("أي عنوان", nil, 0))
}

func TestIsDuplicateTitleThreshold(t *testing.T) {
	recent := []string{"خبر اليوم عن الاقتصاد الوطني والمالية"}
	title := "خبر اليوم عن الاقتصاد الوطني والتجارة"

	// passes a loose threshold, fails a strict one
	assert.True(t, IsDuplicateTitle(title, recent, 0.7))
	assert.False(t, IsDuplicateTitle(title, recent, 0.99))
}
