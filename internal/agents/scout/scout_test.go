package scout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

// fakeFetcher serves scripted items per source name and can fail
// selected sources.
type fakeFetcher struct {
	items map[string][]Item
	fail  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, src *core.Source) ([]Item, error) {
	if err, ok := f.fail[src.Name]; ok {
		return nil, err
	}
	return f.items[src.Name], nil
}

func scoutSettings() *config.Settings {
	return &config.Settings{
		ScoutBatchSize:           10,
		ScoutConcurrency:         4,
		ScoutMaxNewPerRun:        500,
		ScoutMaxArticleAge:       72 * time.Hour,
		DedupSimilarityThreshold: 0.85,
	}
}

func addSource(t *testing.T, m *memory.Store, name string, mutate ...func(*core.Source)) *core.Source {
	t.Helper()
	src := &core.Source{
		Name:        name,
		URL:         "https://" + name + ".example/feed",
		Type:        core.SourceTypeRSS,
		Priority:    5,
		Credibility: 0.8,
		Active:      true,
	}
	for _, fn := range mutate {
		fn(src)
	}
	require.NoError(t, m.UpsertSource(context.Background(), src))
	return src
}

func feedItems(prefix string, n int) []Item {
	now := time.Now()
	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Item{
			Title:       fmt.Sprintf("%s خبر رقم %d من الميدان", prefix, i),
			URL:         fmt.Sprintf("https://%s.example/news/%d", prefix, i),
			Body:        "تفاصيل الخبر كامله من المراسل",
			PublishedAt: &now,
		})
	}
	return items
}

func TestRunIngestsNewEntries(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	f := &fakeFetcher{items: map[string][]Item{"alpha": feedItems("alpha", 3)}}
	addSource(t, m, "alpha")

	agent := New(m, c, f, scoutSettings(), zap.NewNop())
	stats, err := agent.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.SourcesScanned)
	assert.Equal(t, 3, stats.Inserted)
	assert.Zero(t, stats.SourceErrors)

	status := core.StatusNew
	arts, err := m.ListArticles(context.Background(), core.ArticleFilter{Status: &status})
	require.NoError(t, err)
	assert.Len(t, arts, 3)
	for _, a := range arts {
		assert.Equal(t, "alpha", a.SourceName)
		assert.NotEmpty(t, a.UniqueHash)
		assert.NotEmpty(t, a.TraceID)
		assert.False(t, a.CrawledAt.IsZero())
	}
}

func TestRunSameFeedTwiceInsertsNothing(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	f := &fakeFetcher{items: map[string][]Item{"alpha": feedItems("alpha", 5)}}
	addSource(t, m, "alpha")

	agent := New(m, c, f, scoutSettings(), zap.NewNop())

	first, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, first.Inserted)

	second, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Inserted)
	assert.Equal(t, 5, second.HashDuplicates)

	arts, err := m.ListArticles(context.Background(), core.ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, arts, 5)
}

func TestRunHashDedupSurvivesColdCache(t *testing.T) {
	m := memory.New()
	f := &fakeFetcher{items: map[string][]Item{"alpha": feedItems("alpha", 2)}}
	addSource(t, m, "alpha")

	agent := New(m, cache.NewMemory(), f, scoutSettings(), zap.NewNop())
	_, err := agent.Run(context.Background())
	require.NoError(t, err)

	// Fresh cache, same database: the DB hash lookup must still catch it.
	agent2 := New(m, cache.NewMemory(), f, scoutSettings(), zap.NewNop())
	stats, err := agent2.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Inserted)
	assert.Equal(t, 2, stats.HashDuplicates)
}

func TestRunFuzzyTitleDuplicateSkipped(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	now := time.Now()
	f := &fakeFetcher{items: map[string][]Item{
		"alpha": {
			{Title: "الرئيس يستقبل وزير الخارجيه التونسي اليوم", URL: "https://alpha.example/1", PublishedAt: &now},
		},
		"beta": {
			// same wording modulo orthography, different outlet and URL
			{Title: "الرئيس يستقبل وزير الخارجية التونسي اليوم", URL: "https://beta.example/9", PublishedAt: &now},
		},
	}}
	addSource(t, m, "alpha")
	addSource(t, m, "beta")

	// Sequential so whichever source goes first wins and the other
	// hits the title window.
	s := scoutSettings()
	s.ScoutBatchSize = 1
	s.ScoutConcurrency = 1

	agent := New(m, c, f, s, zap.NewNop())
	stats, err := agent.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.FuzzyDuplicates)
	arts, err := m.ListArticles(context.Background(), core.ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}

func TestRunSourceErrorIsolated(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	f := &fakeFetcher{
		items: map[string][]Item{"good": feedItems("good", 2)},
		fail:  map[string]error{"broken": errors.New("connection refused")},
	}
	addSource(t, m, "good")
	broken := addSource(t, m, "broken")

	agent := New(m, c, f, scoutSettings(), zap.NewNop())
	stats, err := agent.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.SourcesScanned)
	assert.Equal(t, 1, stats.SourceErrors)
	assert.Equal(t, 2, stats.Inserted)

	got, err := m.GetSource(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ErrorCount)
	require.NotNil(t, got.LastFetchedAt)
}

func TestRunGlobalCapStopsCleanly(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	f := &fakeFetcher{items: map[string][]Item{
		"alpha": feedItems("alpha", 10),
		"beta":  feedItems("beta", 10),
	}}
	addSource(t, m, "alpha")
	addSource(t, m, "beta")

	s := scoutSettings()
	s.ScoutMaxNewPerRun = 6
	s.ScoutBatchSize = 1
	s.ScoutConcurrency = 1

	agent := New(m, c, f, s, zap.NewNop())
	stats, err := agent.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, stats.CapReached)
	assert.Equal(t, 6, stats.Inserted)
	arts, err := m.ListArticles(context.Background(), core.ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, arts, 6)
}

func TestRunStaleEntriesSkipped(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	old := time.Now().Add(-100 * time.Hour)
	fresh := time.Now()
	f := &fakeFetcher{items: map[string][]Item{"alpha": {
		{Title: "خبر قديم جدا من الارشيف البعيد", URL: "https://alpha.example/old", PublishedAt: &old},
		{Title: "خبر جديد وصل اللحظه من المراسل", URL: "https://alpha.example/new", PublishedAt: &fresh},
	}}}
	addSource(t, m, "alpha")

	agent := New(m, c, f, scoutSettings(), zap.NewNop())
	stats, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.Stale)
}

func TestIngestSanitizesAndTruncates(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	now := time.Now()
	long := ""
	for i := 0; i < BodyLimit+500; i++ {
		long += "ن"
	}
	f := &fakeFetcher{items: map[string][]Item{"alpha": {
		{
			Title:       "<b>عنوان</b>  مع   وسوم",
			URL:         "https://alpha.example/html",
			Body:        "<script>alert(1)</script><p>" + long + "</p>",
			PublishedAt: &now,
		},
	}}}
	addSource(t, m, "alpha")

	agent := New(m, c, f, scoutSettings(), zap.NewNop())
	_, err := agent.Run(context.Background())
	require.NoError(t, err)

	arts, err := m.ListArticles(context.Background(), core.ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "عنوان مع وسوم", arts[0].Title)
	assert.NotContains(t, arts[0].Body, "<script>")
	assert.NotContains(t, arts[0].Body, "<p>")
	assert.LessOrEqual(t, len([]rune(arts[0].Body)), BodyLimit)
}

func TestPerSourceCapClamps(t *testing.T) {
	now := time.Now()
	lowCred := &core.Source{Priority: 1, Credibility: 0.1, Type: core.SourceTypeScrape, LastFetchedAt: &now}
	assert.Equal(t, minPerSource, perSourceCap(lowCred))

	topTier := &core.Source{Priority: 10, Credibility: 1.0, Type: core.SourceTypeRSS}
	assert.Equal(t, maxPerSource, perSourceCap(topTier))

	mid := &core.Source{Priority: 5, Credibility: 0.5, Type: core.SourceTypeRSS, LastFetchedAt: &now}
	got := perSourceCap(mid)
	assert.GreaterOrEqual(t, got, minPerSource)
	assert.LessOrEqual(t, got, maxPerSource)
}
