// Package fingerprint computes per-article dedup signatures and the
// similarity scores the clustering pass runs on: a 64-bit SimHash over
// normalized tokens plus a bounded set of bigram shingles.
package fingerprint

import (
	"hash/fnv"
	"math/bits"
	"strings"

	"github.com/tahrirhq/tahrir/internal/arabic"
)

// MaxShingles bounds the stored shingle set. Bigrams beyond this add
// little discrimination and bloat the row.
const MaxShingles = 128

// Signature is the computed fingerprint of one article's text.
type Signature struct {
	Simhash    uint64
	Shingles   []string
	TokenCount int
}

// Compute tokenizes title+summary+body and derives the signature.
// Tokens are unweighted; each contributes its hash bits as ±1 votes per
// bit position.
func Compute(title, summary, body string) Signature {
	tokens := arabic.Tokenize(title + " " + summary + " " + body)
	return Signature{
		Simhash:    simhash(tokens),
		Shingles:   Bigrams(tokens, MaxShingles),
		TokenCount: len(tokens),
	}
}

func simhash(tokens []string) uint64 {
	if len(tokens) == 0 {
		return 0
	}
	var votes [64]int
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				votes[i]++
			} else {
				votes[i]--
			}
		}
	}
	var out uint64
	for i := 0; i < 64; i++ {
		if votes[i] > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Bigrams returns up to max adjacent-token pairs joined by a space.
func Bigrams(tokens []string, max int) []string {
	if len(tokens) < 2 {
		return nil
	}
	n := len(tokens) - 1
	if n > max {
		n = max
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// SimhashScore is 1 − hamming/64 between two fingerprints.
func SimhashScore(a, b uint64) float64 {
	return 1.0 - float64(bits.OnesCount64(a^b))/64.0
}

// Jaccard computes |A∩B| / |A∪B| over two shingle slices.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	inter := 0
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := set[s]; ok {
			inter++
		}
	}
	union := len(set) + len(seen) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Similarity combines the two signals with the tuned weighting.
func Similarity(aHash uint64, aShingles []string, bHash uint64, bShingles []string) float64 {
	return 0.65*SimhashScore(aHash, bHash) + 0.35*Jaccard(aShingles, bShingles)
}

// ExtractEntities pulls likely named entities from the text: tokens in
// the configured Arabic entity lexicon plus capitalized Latin words that
// are not sentence-initial artifacts. Entity overlap drives the
// same-story rule and relation typing.
func ExtractEntities(text string, lexicon map[string]struct{}) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range arabic.TokenSet(text) {
		if _, ok := lexicon[tok]; ok {
			if _, dup := seen[tok]; !dup {
				seen[tok] = struct{}{}
				out = append(out, tok)
			}
		}
	}
	// capitalized Latin tokens in the raw text (normalization lowercases)
	for _, raw := range strings.Fields(text) {
		raw = strings.Trim(raw, ".,;:()\"'«»")
		if len(raw) < 3 || raw[0] < 'A' || raw[0] > 'Z' {
			continue
		}
		key := strings.ToLower(raw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, raw)
	}
	return out
}

// SharedEntities counts case-insensitive overlap between two entity sets.
func SharedEntities(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, e := range a {
		set[strings.ToLower(e)] = struct{}{}
	}
	n := 0
	counted := make(map[string]struct{}, len(b))
	for _, e := range b {
		k := strings.ToLower(e)
		if _, dup := counted[k]; dup {
			continue
		}
		counted[k] = struct{}{}
		if _, ok := set[k]; ok {
			n++
		}
	}
	return n
}
