package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/core"
)

//go:embed lexicons/*.toml
var embeddedLexicons embed.FS

// Lexicon bundles the editorial vocabulary the rule-based classifier,
// the filters, and the quality scorer run on. Keywords are stored in
// normalized form; match callers normalize their text first.
type Lexicon struct {
	Categories map[core.Category][]string `toml:"categories"`
	Urgency    UrgencyLexicon             `toml:"urgency"`
	Filters    FilterLexicon              `toml:"filters"`
	Quality    QualityLexicon             `toml:"quality"`
}

// UrgencyLexicon feeds the weighted urgency scorer.
type UrgencyLexicon struct {
	Markers         []string            `toml:"markers"`      // عاجل and friends
	ActionVerbs     []string            `toml:"action_verbs"` // high-motion verbs
	EventTerms      []string            `toml:"event_terms"`  // disasters, attacks, outages
	DomainGroups    map[string][]string `toml:"domain_groups"`
	AuthorityGroups map[string][]string `toml:"authority_groups"`
}

// FilterLexicon feeds the noise gate and editorial quality gate.
type FilterLexicon struct {
	NoisePatterns        []string `toml:"noise_patterns"`
	PromotionalPatterns  []string `toml:"promotional_patterns"`
	WeakHeadlinePatterns []string `toml:"weak_headline_patterns"`
	LocalSignals         []string `toml:"local_signals"` // Algeria indicators
	Entities             []string `toml:"entities"`      // known named entities
}

// QualityLexicon feeds the published-quality scorer.
type QualityLexicon struct {
	Clickbait      []string          `toml:"clickbait"`
	Spelling       map[string]string `toml:"spelling"` // wrong -> correct
	StrongKeywords []string          `toml:"strong_keywords"`
	PyramidWho     []string          `toml:"pyramid_who"`
	PyramidWhat    []string          `toml:"pyramid_what"`
	PyramidWhere   []string          `toml:"pyramid_where"`
	PyramidWhen    []string          `toml:"pyramid_when"`
}

// lexiconFiles are loaded in order; later files extend earlier ones.
var lexiconFiles = []string{"categories.toml", "urgency.toml", "filters.toml", "quality.toml"}

// LoadLexicon reads the embedded packs and, when overrideDir is set,
// merges same-named files from it on top. Unknown files in the override
// dir are ignored.
func LoadLexicon(overrideDir string) (*Lexicon, error) {
	lex := &Lexicon{
		Categories: make(map[core.Category][]string),
		Urgency: UrgencyLexicon{
			DomainGroups:    make(map[string][]string),
			AuthorityGroups: make(map[string][]string),
		},
		Quality: QualityLexicon{Spelling: make(map[string]string)},
	}

	for _, name := range lexiconFiles {
		data, err := embeddedLexicons.ReadFile("lexicons/" + name)
		if err != nil {
			return nil, fmt.Errorf("embedded lexicon %s: %w", name, err)
		}
		if err := toml.Unmarshal(data, lex); err != nil {
			return nil, fmt.Errorf("parse embedded lexicon %s: %w", name, err)
		}
	}

	if overrideDir != "" {
		for _, name := range lexiconFiles {
			path := filepath.Join(overrideDir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("read lexicon override %s: %w", path, err)
			}
			if err := toml.Unmarshal(data, lex); err != nil {
				return nil, fmt.Errorf("parse lexicon override %s: %w", path, err)
			}
		}
	}

	lex.normalize()
	return lex, nil
}

// normalize folds every term once at load so match sites can compare
// against normalized text directly.
func (l *Lexicon) normalize() {
	for cat, words := range l.Categories {
		l.Categories[cat] = normalizeAll(words)
	}
	l.Urgency.Markers = normalizeAll(l.Urgency.Markers)
	l.Urgency.ActionVerbs = normalizeAll(l.Urgency.ActionVerbs)
	l.Urgency.EventTerms = normalizeAll(l.Urgency.EventTerms)
	for k, words := range l.Urgency.DomainGroups {
		l.Urgency.DomainGroups[k] = normalizeAll(words)
	}
	for k, words := range l.Urgency.AuthorityGroups {
		l.Urgency.AuthorityGroups[k] = normalizeAll(words)
	}
	l.Filters.NoisePatterns = normalizeAll(l.Filters.NoisePatterns)
	l.Filters.PromotionalPatterns = normalizeAll(l.Filters.PromotionalPatterns)
	l.Filters.WeakHeadlinePatterns = normalizeAll(l.Filters.WeakHeadlinePatterns)
	l.Filters.LocalSignals = normalizeAll(l.Filters.LocalSignals)
	l.Filters.Entities = normalizeAll(l.Filters.Entities)
	l.Quality.Clickbait = normalizeAll(l.Quality.Clickbait)
	l.Quality.StrongKeywords = normalizeAll(l.Quality.StrongKeywords)
	l.Quality.PyramidWho = normalizeAll(l.Quality.PyramidWho)
	l.Quality.PyramidWhat = normalizeAll(l.Quality.PyramidWhat)
	l.Quality.PyramidWhere = normalizeAll(l.Quality.PyramidWhere)
	l.Quality.PyramidWhen = normalizeAll(l.Quality.PyramidWhen)
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if n := arabic.NormalizeLower(w); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// EntitySet returns the entity lexicon as a lookup set.
func (l *Lexicon) EntitySet() map[string]struct{} {
	set := make(map[string]struct{}, len(l.Filters.Entities))
	for _, e := range l.Filters.Entities {
		set[e] = struct{}{}
	}
	return set
}

// LexiconHolder is a swappable reference to the current lexicon. The
// watcher replaces the value atomically; readers take the snapshot once
// per batch and never see a partial reload.
type LexiconHolder struct {
	mu  sync.RWMutex
	lex *Lexicon
}

// NewLexiconHolder wraps an initial lexicon.
func NewLexiconHolder(lex *Lexicon) *LexiconHolder {
	return &LexiconHolder{lex: lex}
}

// Current returns the active lexicon snapshot.
func (h *LexiconHolder) Current() *Lexicon {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lex
}

// Replace swaps in a freshly loaded lexicon.
func (h *LexiconHolder) Replace(lex *Lexicon) {
	h.mu.Lock()
	h.lex = lex
	h.mu.Unlock()
}
