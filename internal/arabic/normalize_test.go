package arabic

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips diacritics", "مُحَمَّد", "محمد"},
		{"strips tatweel", "الجزائـــــر", "الجزائر"},
		{"folds hamza alef", "أخبار إعلام آفاق", "اخبار اعلام افاق"},
		{"folds taa marbuta", "الحكومة", "الحكومه"},
		{"folds alef maqsura", "مستشفى", "مستشفي"},
		{"collapses whitespace", "خبر   عاجل\t\nالآن", "خبر عاجل الان"},
		{"plain latin untouched", "OPEC meeting", "OPEC meeting"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"أُمَّة عربيّة", "الجزائـر العاصمة", "قِمَّة مجلس الأمن"}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestContainsArabic(t *testing.T) {
	if !ContainsArabic("breaking: الجزائر") {
		t.Error("mixed text should report Arabic")
	}
	if ContainsArabic("Reuters wire copy 2025") {
		t.Error("pure Latin text should not report Arabic")
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("أعلن الرئيس عن قرارات 2025 مهمة aujourd'hui")
	want := []string{"اعلن", "الرئيس", "عن", "قرارات", "2025", "مهمه", "aujourd", "hui"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTokenizeDropsShortTokens(t *testing.T) {
	for _, tok := range Tokenize("a و 1 خبر") {
		if len([]rune(tok)) < 2 {
			t.Errorf("short token %q leaked through", tok)
		}
	}
}

func TestTokenSetDeduplicates(t *testing.T) {
	got := TokenSet("خبر خبر خبر عاجل")
	if len(got) != 2 {
		t.Fatalf("TokenSet = %v, want two distinct tokens", got)
	}
}

func TestContentTokensDropStopwords(t *testing.T) {
	got := ContentTokens("سوناطراك في الجزائر من اليوم")
	joined := strings.Join(got, " ")
	if strings.Contains(joined, "في") || strings.Contains(joined, "من") {
		t.Errorf("stopwords leaked into content tokens: %v", got)
	}
	found := false
	for _, tok := range got {
		if tok == "سوناطراك" {
			found = true
		}
	}
	if !found {
		t.Errorf("content token missing: %v", got)
	}
}

func TestWordCount(t *testing.T) {
	if got := WordCount("  خبر   عاجل من الجزائر  "); got != 4 {
		t.Errorf("WordCount = %d, want 4", got)
	}
	if got := WordCount(""); got != 0 {
		t.Errorf("WordCount empty = %d, want 0", got)
	}
}
