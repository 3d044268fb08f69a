package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahrirhq/tahrir/internal/core"
)

func newTestViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load(newTestViper(t))
	require.NoError(t, err)

	assert.Equal(t, 10, s.ScoutBatchSize)
	assert.Equal(t, 6, s.ScoutConcurrency)
	assert.Equal(t, 500, s.ScoutMaxNewPerRun)
	assert.Equal(t, 120*time.Minute, s.BreakingTTL)
	assert.Equal(t, 6, s.RouterSourceQuota)
	assert.Equal(t, 3, s.RouterCandidateQuota)
	assert.Equal(t, 2, s.RouterRuleMinHits)
	assert.Equal(t, 0.85, s.DedupSimilarityThreshold)
	assert.Equal(t, 45*time.Minute, s.TrendInterval)
	assert.Equal(t, 5, s.MonitorLLMItemCap)
	assert.Equal(t, 70.0, s.MonitorAlertThreshold)
	assert.Equal(t, 5, s.JobMaxAttempts)
	assert.Equal(t, 120*time.Second, s.JobSoftTimeLimit)
	assert.Equal(t, 180*time.Second, s.JobHardTimeLimit)
	assert.Equal(t, 15*time.Minute, s.StaleRunningAfter)
	assert.Equal(t, 30*time.Minute, s.StaleQueuedAfter)
	assert.Equal(t, 20*time.Minute, s.PipelineInterval)
	assert.True(t, s.QueueBackpressureEnabled)
	assert.True(t, s.AutoPipelineEnabled)
	assert.False(t, s.MonitorEnabled)
}

func TestPerQueueDepthLimits(t *testing.T) {
	v := newTestViper(t)
	v.Set("queue_depth_limit_ai_router", 2)
	v.Set("queue_depth_limit_ai_scout", 50)

	s, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 2, s.DepthLimit(core.QueueRouter))
	assert.Equal(t, 50, s.DepthLimit(core.QueueScout))
	// unconfigured queues fall back to the default
	assert.Equal(t, s.QueueDepthDefault, s.DepthLimit(core.QueueScribe))
}

func TestValidationRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
	}{
		{"threshold above one", "dedup_similarity_threshold", 1.5},
		{"threshold zero", "dedup_similarity_threshold", 0.0},
		{"zero concurrency", "scout_concurrency", 0},
		{"zero attempts", "job_max_attempts", 0},
		{"unknown provider", "llm_provider", "bard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestViper(t)
			v.Set(tt.key, tt.value)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestLoadLexiconEmbedded(t *testing.T) {
	lex, err := LoadLexicon("")
	require.NoError(t, err)

	assert.Len(t, lex.Categories, 10, "every category needs a keyword list")
	for cat, words := range lex.Categories {
		assert.NotEmpty(t, words, "category %s has no keywords", cat)
	}
	assert.NotEmpty(t, lex.Urgency.Markers)
	assert.NotEmpty(t, lex.Urgency.EventTerms)
	assert.NotEmpty(t, lex.Urgency.AuthorityGroups)
	assert.NotEmpty(t, lex.Filters.NoisePatterns)
	assert.NotEmpty(t, lex.Filters.LocalSignals)
	assert.NotEmpty(t, lex.Quality.Clickbait)
	assert.NotEmpty(t, lex.Quality.Spelling)
}

func TestLexiconTermsAreNormalized(t *testing.T) {
	lex, err := LoadLexicon("")
	require.NoError(t, err)

	// أ must have been folded to ا in every stored term
	for _, term := range lex.Urgency.ActionVerbs {
		assert.NotContains(t, term, "أ", "term %q not normalized", term)
	}
	for _, words := range lex.Categories {
		for _, term := range words {
			assert.NotContains(t, term, "أ", "term %q not normalized", term)
		}
	}
}

func TestLexiconOverrideDir(t *testing.T) {
	dir := t.TempDir()
	override := `[filters]
noise_patterns = ["نمط مخصص"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filters.toml"), []byte(override), 0o644))

	lex, err := LoadLexicon(dir)
	require.NoError(t, err)
	assert.Contains(t, lex.Filters.NoisePatterns, "نمط مخصص")
}

func TestLoadSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	doc := `sources:
  - name: الشروق
    url: https://example.dz/feed
    type: rss
    category: local_algeria
    priority: 8
    credibility: 0.9
    local: true
  - name: وكالة دولية
    url: https://example.com/world
    aggregator: true
    active: false
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	sources, err := LoadSources(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, "الشروق", sources[0].Name)
	assert.Equal(t, core.SourceTypeRSS, sources[0].Type)
	assert.Equal(t, core.CategoryLocalAlgeria, sources[0].Category)
	assert.True(t, sources[0].IsLocal)
	assert.True(t, sources[0].Active)

	// defaults fill in for the sparse entry
	assert.Equal(t, 5, sources[1].Priority)
	assert.Equal(t, 0.5, sources[1].Credibility)
	assert.Equal(t, "ar", sources[1].Language)
	assert.True(t, sources[1].IsAggregator)
	assert.False(t, sources[1].Active)
}

func TestLoadSourcesMissingFile(t *testing.T) {
	sources, err := LoadSources(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Nil(t, sources)
}

func TestLoadSourcesRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	doc := `sources:
  - name: بدون رابط
    type: rss
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := LoadSources(path)
	assert.Error(t, err)
}
