package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/agents/monitor"
	"github.com/tahrirhq/tahrir/internal/agents/router"
	"github.com/tahrirhq/tahrir/internal/agents/scout"
	"github.com/tahrirhq/tahrir/internal/agents/scribe"
	"github.com/tahrirhq/tahrir/internal/agents/trends"
	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/cluster"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/drafts"
	"github.com/tahrirhq/tahrir/internal/events"
	"github.com/tahrirhq/tahrir/internal/queue"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

type fakeFetcher struct {
	items map[string][]scout.Item
}

func (f *fakeFetcher) Fetch(_ context.Context, src *core.Source) ([]scout.Item, error) {
	return f.items[src.Name], nil
}

type fakeTitles struct{}

func (fakeTitles) Titles(context.Context, string, int) ([]string, error) { return nil, nil }

type fakeEntries struct{}

func (fakeEntries) Entries(context.Context, string, int) ([]monitor.Entry, error) { return nil, nil }

func orchSettings(t *testing.T) *config.Settings {
	return &config.Settings{
		DataDir: t.TempDir(),

		BreakingTTL:        2 * time.Hour,
		ScoutMaxArticleAge: 36 * time.Hour,
		ScoutBatchSize:     10,
		ScoutConcurrency:   2,
		ScoutMaxNewPerRun:  100,

		RouterBatchLimit:          40,
		RouterSourceQuota:         6,
		RouterCandidateQuota:      3,
		RouterRuleMinHits:         2,
		RouterSkipAIForAggregator: true,
		EditorialMinImportance:    6,
		DedupSimilarityThreshold:  0.85,

		QueueBackpressureEnabled: true,
		QueueDepthDefault:        100,
		QueueDepthLimits:         map[string]int{},
		JobMaxAttempts:           3,
		JobSoftTimeLimit:         5 * time.Second,
		JobHardTimeLimit:         10 * time.Second,
		StaleRunningAfter:        15 * time.Minute,
		StaleQueuedAfter:         30 * time.Minute,

		PipelineInterval:    20 * time.Minute,
		AutoPipelineEnabled: true,
		AutoTrendsEnabled:   true,
	}
}

type fixture struct {
	orch   *Orchestrator
	store  *memory.Store
	worker *queue.Worker
	hub    *events.Hub
}

func newFixture(t *testing.T, settings *config.Settings, fetcher scout.Fetcher) *fixture {
	t.Helper()
	srv, err := queue.StartEmbedded(queue.EmbeddedConfig{Port: -1, StoreDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	broker, err := queue.NewBroker(srv.Conn(), core.QueueNames())
	require.NoError(t, err)

	m := memory.New()
	c := cache.NewMemory()
	log := zap.NewNop()
	lex, err := config.LoadLexicon("")
	require.NoError(t, err)
	holder := config.NewLexiconHolder(lex)

	manager := queue.NewManager(m, broker, settings, log)
	worker := queue.NewWorker(m, broker, c, settings, log)
	hub := events.NewHub(nil, log)

	agents := Agents{
		Scout:   scout.New(m, c, fetcher, settings, log),
		Router:  router.New(m, c, nil, cluster.New(m, log), nil, holder, settings, log),
		Scribe:  scribe.New(m, drafts.NewService(m, log), nil, settings, log),
		Trends:  trends.New(m, c, nil, fakeTitles{}, settings, log),
		Monitor: monitor.New(m, c, nil, fakeEntries{}, nil, holder, settings, log),
	}

	orch := New(m, manager, worker, hub, nil, holder, agents, settings, log)
	orch.RegisterHandlers()
	return &fixture{orch: orch, store: m, worker: worker, hub: hub}
}

func TestScoutJobChainsIntoRouter(t *testing.T) {
	fetcher := &fakeFetcher{items: map[string][]scout.Item{
		"الاذاعه": {{
			Title: "الرئيس يعلن قرارات سيادية هامة",
			URL:   "https://radio.example/a/1",
			Body:  "أكد بيان رئاسة الجمهورية أن القرارات السيادية تدخل حيز التنفيذ فورا بعد اجتماع مجلس الوزراء المصغر",
		}},
	}}
	f := newFixture(t, orchSettings(t), fetcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.store.UpsertSource(ctx, &core.Source{
		Name:        "الاذاعه",
		URL:         "https://radio.example/feed",
		Type:        core.SourceTypeRSS,
		Priority:    5,
		Credibility: 0.8,
		IsLocal:     true,
		Active:      true,
	}))

	go f.worker.Run(ctx, core.QueueNames()) //nolint:errcheck // canceled on test end

	job, err := f.orch.Dispatch(ctx, core.JobTypeScoutCycle, "scout", nil,
		core.Actor{Name: "test", Kind: "human"}, 0)
	require.NoError(t, err)

	// scout ingests, chains the router, router promotes the article
	require.Eventually(t, func() bool {
		arts, err := f.store.ListArticles(ctx, core.ArticleFilter{})
		if err != nil || len(arts) != 1 {
			return false
		}
		return arts[0].Status == core.StatusCandidate
	}, 15*time.Second, 100*time.Millisecond, "article should reach CANDIDATE through the chained jobs")

	done, err := f.store.GetJobRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, done.Status)

	replay := f.hub.Replay(job.RunID, 0)
	require.NotEmpty(t, replay)
	assert.Equal(t, events.TypeStarted, replay[0].Type)
	assert.Equal(t, "scout", replay[0].Node)
	last := replay[len(replay)-1]
	assert.Equal(t, events.TypeCompleted, last.Type)
}

func TestDispatchCoalescesActiveJob(t *testing.T) {
	f := newFixture(t, orchSettings(t), &fakeFetcher{})
	ctx := context.Background()

	first, err := f.orch.Dispatch(ctx, core.JobTypeTrendScan, "trends", nil,
		core.Actor{Name: "test", Kind: "human"}, time.Hour)
	require.NoError(t, err)

	second, err := f.orch.Dispatch(ctx, core.JobTypeTrendScan, "trends", nil,
		core.Actor{Name: "test", Kind: "human"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "second dispatch rides the queued job")
}

func TestMaintenanceDemotesExpiredBreaking(t *testing.T) {
	s := orchSettings(t)
	s.BreakingTTL = time.Nanosecond
	f := newFixture(t, s, &fakeFetcher{})
	ctx := context.Background()

	a := &core.Article{
		SourceName: "الاذاعه",
		URL:        "https://radio.example/b/1",
		Title:      "عاجل حدث قديم انتهى وقته",
		Status:     core.StatusNew,
	}
	require.NoError(t, f.store.CreateArticle(ctx, a))
	require.NoError(t, f.store.UpdateArticle(ctx, a.ID, map[string]interface{}{
		"is_breaking": true,
		"urgency":     core.UrgencyBreaking,
	}))

	res, err := f.orch.runMaintenance(ctx, core.JobPayload{})
	require.NoError(t, err)
	counts, ok := res.(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, counts["demoted"])
	assert.Zero(t, counts["reaped"])

	got, err := f.store.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsBreaking)
}

func TestInstanceLockRejectsSecondRun(t *testing.T) {
	s := orchSettings(t)
	f := newFixture(t, s, &fakeFetcher{})

	held := flock.New(filepath.Join(s.DataDir, lockFileName))
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = f.orch.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance")
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	f := newFixture(t, orchSettings(t), &fakeFetcher{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.orch.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("orchestrator did not stop on cancel")
	}
}
