package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/events"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/queue"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

// fakeDispatcher records enqueue calls and persists the job the way the
// real dispatch path does, so the job is fetchable afterwards.
type fakeDispatcher struct {
	store *memory.Store
	err   error

	mu    sync.Mutex
	calls []core.JobType
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, jobType core.JobType, entityID string,
	_ interface{}, actor core.Actor, _ time.Duration) (*core.JobRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, jobType)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	job := &core.JobRun{
		JobType:   jobType,
		EntityID:  entityID,
		ActorName: actor.Name,
		ActorKind: actor.Kind,
	}
	if err := f.store.CreateJobRun(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

type fixture struct {
	server     *Server
	store      *memory.Store
	cache      cache.Cache
	hub        *events.Hub
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	c := cache.NewMemory()
	hub := events.NewHub(nil, zap.NewNop())
	d := &fakeDispatcher{store: st}
	settings := &config.Settings{
		HTTPAddr:       ":0",
		BreakingTTL:    2 * time.Hour,
		LLMDailyBudget: 100,
	}
	return &fixture{
		server:     NewServer(st, c, d, hub, nil, settings, zap.NewNop()),
		store:      st,
		cache:      c,
		hub:        hub,
		dispatcher: d,
	}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (map[string]interface{}, map[string]interface{}) {
	t.Helper()
	var env struct {
		Data interface{}            `json:"data"`
		Meta map[string]interface{} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	data, _ := env.Data.(map[string]interface{})
	return data, env.Meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestEnqueueAcceptedAndFetchable(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs",
		`{"job_type": "trend_scan", "entity_id": "radar", "payload": {"limit": 5}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	data, _ := decodeEnvelope(t, rec)
	require.Equal(t, "trend_scan", data["job_type"])
	require.Equal(t, "radar", data["entity_id"])
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)

	// unspecified actor falls back to the API identity
	require.Equal(t, "api", data["actor_name"])

	got := f.do(t, http.MethodGet, "/api/jobs/"+id, "")
	require.Equal(t, http.StatusOK, got.Code)
	jobData, _ := decodeEnvelope(t, got)
	require.Equal(t, "queued", jobData["status"])
}

func TestEnqueueRejectsUnknownJobType(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"job_type": "make_coffee"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeError(t, rec).Code)
	require.Empty(t, f.dispatcher.calls)
}

func TestEnqueueRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"job_type": "scout_cycle", "payload": {{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeError(t, rec).Code)
	require.Empty(t, f.dispatcher.calls)
}

func TestEnqueueBackpressureMapsTo429(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = queue.ErrQueueOverloaded

	rec := f.do(t, http.MethodPost, "/api/jobs", `{"job_type": "scout_cycle"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, "queue_overloaded", decodeError(t, rec).Code)
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/jobs/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeError(t, rec).Code)
}

func seedArticle(t *testing.T, st *memory.Store, title string, status core.Status, breaking bool) *core.Article {
	t.Helper()
	a := &core.Article{
		SourceName: "وكالة الأنباء",
		URL:        "https://news.example/" + title,
		Title:      title,
		Status:     status,
		IsBreaking: breaking,
	}
	if breaking {
		a.Urgency = core.UrgencyBreaking
	}
	require.NoError(t, st.CreateArticle(context.Background(), a))
	return a
}

func TestListArticlesFiltersAndMeta(t *testing.T) {
	f := newFixture(t)
	seedArticle(t, f.store, "خبر أول", core.StatusNew, false)
	seedArticle(t, f.store, "خبر ثان", core.StatusNew, false)
	seedArticle(t, f.store, "خبر مرشح", core.StatusCandidate, false)

	rec := f.do(t, http.MethodGet, "/api/articles?status=NEW", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, meta := decodeEnvelope(t, rec)
	require.EqualValues(t, 2, meta["count"])
	require.EqualValues(t, 2, meta["total"])

	// pagination keeps total while trimming the page
	rec = f.do(t, http.MethodGet, "/api/articles?status=NEW&limit=1", "")
	_, meta = decodeEnvelope(t, rec)
	require.EqualValues(t, 1, meta["count"])
	require.EqualValues(t, 2, meta["total"])

	rec = f.do(t, http.MethodGet, "/api/articles?status=nonsense", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_request", decodeError(t, rec).Code)
}

func TestGetArticleByID(t *testing.T) {
	f := newFixture(t)
	a := seedArticle(t, f.store, "خبر واحد", core.StatusNew, false)

	rec := f.do(t, http.MethodGet, "/api/articles/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, _ := decodeEnvelope(t, rec)
	require.Equal(t, a.Title, data["title"])

	rec = f.do(t, http.MethodGet, "/api/articles/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/articles/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakingFeed(t *testing.T) {
	f := newFixture(t)
	seedArticle(t, f.store, "عاجل الآن", core.StatusCandidate, true)
	seedArticle(t, f.store, "خبر عادي", core.StatusNew, false)

	rec := f.do(t, http.MethodGet, "/api/articles/breaking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, meta := decodeEnvelope(t, rec)
	require.EqualValues(t, 1, meta["count"])
	require.EqualValues(t, 120, meta["ttl_minutes"])
}

func TestStatusReportsDailySpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cache.IncrementCounter(ctx, llm.CallsCounterKey)
	f.cache.IncrementCounter(ctx, llm.CallsCounterKey)

	rec := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, meta := decodeEnvelope(t, rec)
	require.EqualValues(t, 2, meta["ai_calls_today"])
	require.EqualValues(t, 100, meta["llm_daily_budget"])
	require.Equal(t, true, meta["cache_healthy"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRunEventsReplayClosesOnTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.hub.Publish(ctx, "run-1", "scout", events.TypeStarted, map[string]string{"job_id": "j1"})
	f.hub.Publish(ctx, "run-1", "scout", events.TypeProgress, map[string]int{"fetched": 12})
	f.hub.Publish(ctx, "run-2", "router", events.TypeStarted, nil)
	f.hub.Publish(ctx, "run-1", "scout", events.TypeCompleted, map[string]int{"inserted": 3})

	// terminal event is already buffered, so the replay path serves the
	// whole stream and returns without blocking on live events
	rec := f.do(t, http.MethodGet, "/api/runs/run-1/events?since=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.Contains(t, body, "event: started")
	require.Contains(t, body, "event: progress")
	require.Contains(t, body, "event: completed")
	require.NotContains(t, body, "run-2")
	require.Equal(t, 3, strings.Count(body, "id: "))
}

func TestRunEventsSinceSkipsReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.hub.Publish(ctx, "run-9", "scribe", events.TypeStarted, nil)
	f.hub.Publish(ctx, "run-9", "scribe", events.TypeFailed, map[string]string{"error": "model timeout"})

	rec := f.do(t, http.MethodGet, "/api/runs/run-9/events?since="+strconv.FormatInt(first.ID, 10), "")
	body := rec.Body.String()
	require.NotContains(t, body, "event: started")
	require.Contains(t, body, "event: failed")
}

func TestRunEventsRejectsBadSince(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/runs/run-1/events?since=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
