package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/notify"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

type fakeLoader struct {
	entries []Entry
	err     error
}

func (f *fakeLoader) Entries(_ context.Context, _ string, max int) ([]Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := f.entries
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func monitorSettings() *config.Settings {
	return &config.Settings{
		MonitorFeedURL:        "https://tahrir.example/feed",
		MonitorMaxItems:       30,
		MonitorLLMItemCap:     5,
		MonitorAlertThreshold: 70,
	}
}

func testLexicons(t *testing.T) *config.LexiconHolder {
	t.Helper()
	lex, err := config.LoadLexicon("")
	require.NoError(t, err)
	return config.NewLexiconHolder(lex)
}

func newMonitor(t *testing.T, m *memory.Store, c cache.Cache, client llm.Client,
	loader FeedLoader, d *notify.Dispatcher, s *config.Settings) *Agent {
	t.Helper()
	return New(m, c, client, loader, d, testLexicons(t), s, zap.NewNop())
}

// solidEntry builds a published piece that trips none of the rule
// deductions: mid-length title, pyramid lede, strong verbs, real length.
func solidEntry(url string) Entry {
	lede := "أعلن رئيس الجمهورية اليوم من العاصمة عن انطلاق البرنامج وأكد أن التنفيذ يبدأ فورا."
	filler := strings.Repeat(" وتضمن البرنامج اجراءات متعددة لفائدة المواطنين عبر مختلف القطاعات المعنية", 30)
	return Entry{
		Title:   "الرئيس يعلن عن برنامج جديد لدعم السكن في العاصمة الجزائرية",
		URL:     url,
		Content: lede + filler,
	}
}

// weakEntry is the opposite: clickbait, misspelling, short title, thin
// anonymous body.
func weakEntry(url string) Entry {
	return Entry{
		Title:   "لن تصدق ما حدث اليوم",
		URL:     url,
		Content: "هاذا الخبر صادم وحصري جدا عن شيء غريب جرى البارحة في مكان مجهول",
	}
}

func TestCleanArticleScoresFull(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	loader := &fakeLoader{entries: []Entry{solidEntry("https://tahrir.example/a/1")}}
	agent := newMonitor(t, m, c, nil, loader, nil, monitorSettings())

	stats, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scored)
	assert.Zero(t, stats.Weak)
	assert.Equal(t, 100.0, stats.AverageScore)

	// external page with no pipeline row files under id 0
	reports, err := m.ListQualityReports(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, core.StageGuardian, reports[0].Stage)
	assert.True(t, reports[0].Passed)
	assert.Equal(t, "https://tahrir.example/a/1", reports[0].ArticleURL)
	assert.Empty(t, reports[0].BlockingReasons)
}

func TestWeakArticleDeductionsAndAlert(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	rec := &countingNotifier{}
	d := notify.NewDispatcher(zap.NewNop())
	d.Route(rec, notify.SeverityQuality)
	loader := &fakeLoader{entries: []Entry{weakEntry("https://tahrir.example/a/2")}}
	agent := newMonitor(t, m, c, nil, loader, d, monitorSettings())

	stats, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Weak)

	// clickbait x3 (-24), spelling (-4), short title (-8), thin body
	// (-12), lede missing who/what/where (-12), weak verbs (-6)
	reports, err := m.ListQualityReports(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 34.0, reports[0].Score)
	assert.False(t, reports[0].Passed)
	assert.Contains(t, reports[0].BlockingReasons, "clickbait terms (3)")
	assert.Contains(t, reports[0].BlockingReasons, "title too short")
	assert.Contains(t, reports[0].BlockingReasons, "thin body")
	assert.Contains(t, reports[0].BlockingReasons, "lede missing who")
	assert.NotContains(t, reports[0].BlockingReasons, "lede missing when")

	var payload []Review
	require.True(t, c.GetJSON(context.Background(), WeakItemsKey, &payload))
	require.Len(t, payload, 1)
	assert.Equal(t, "لن تصدق ما حدث اليوم", payload[0].Title)

	// dispatch hands the message to the channel in the background
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	msg := rec.first()
	assert.Equal(t, notify.SeverityQuality, msg.Severity)
	assert.Equal(t, "1", msg.Fields["count"])
	assert.Equal(t, "34", msg.Fields["worst_score"])
}

func TestTrackingParamsDedupToOneEntry(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	loader := &fakeLoader{entries: []Entry{
		solidEntry("https://tahrir.example/a/3"),
		solidEntry("https://tahrir.example/a/3?utm_source=twitter&fbclid=xyz"),
	}}
	agent := newMonitor(t, m, c, nil, loader, nil, monitorSettings())

	stats, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scored)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestSecondSweepSkipsSeenEntries(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	loader := &fakeLoader{entries: []Entry{solidEntry("https://tahrir.example/a/4")}}
	agent := newMonitor(t, m, c, nil, loader, nil, monitorSettings())

	_, err := agent.Run(context.Background())
	require.NoError(t, err)

	stats, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Scored)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestLLMReviewCapAndAdjustmentClamp(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	fake := &llm.Fake{JSON: map[string]interface{}{
		"issues":           []interface{}{"ترهل في الفقرة الثانية"},
		"suggestions":      []interface{}{"اختصار المقدمة"},
		"score_adjustment": float64(-40),
	}}
	var entries []Entry
	for i := 0; i < 7; i++ {
		entries = append(entries, solidEntry(fmt.Sprintf("https://tahrir.example/a/llm-%d", i)))
	}
	loader := &fakeLoader{entries: entries}
	agent := newMonitor(t, m, c, fake, loader, nil, monitorSettings())

	stats, err := agent.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Scored)
	assert.Equal(t, 5, stats.LLMReviewed)
	assert.Equal(t, 5, fake.JSONCalls)

	reports, err := m.ListQualityReports(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, reports, 7)
	clamped := 0
	for _, r := range reports {
		if r.Score == 85.0 { // 100 rule score minus the -15 floor
			clamped++
			assert.Contains(t, r.Fixes, "اختصار المقدمة")
		}
	}
	assert.Equal(t, 5, clamped)
}

func TestReportAttachesToPublishedArticle(t *testing.T) {
	m := memory.New()
	c := cache.NewMemory()
	ctx := context.Background()
	art := publishedArticle(t, m, "https://tahrir.example/a/5")

	loader := &fakeLoader{entries: []Entry{solidEntry("https://tahrir.example/a/5?utm_campaign=daily")}}
	agent := newMonitor(t, m, c, nil, loader, nil, monitorSettings())

	_, err := agent.Run(ctx)
	require.NoError(t, err)

	reports, err := m.ListQualityReports(ctx, art.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, core.StageGuardian, reports[0].Stage)
	assert.Equal(t, art.ID, reports[0].ArticleID)
}

func publishedArticle(t *testing.T, m *memory.Store, url string) *core.Article {
	t.Helper()
	ctx := context.Background()
	a := &core.Article{
		SourceName: "الاذاعه",
		URL:        url + "/origin",
		Title:      "خبر منشور على الموقع",
		Body:       "نص الخبر المنشور",
		Status:     core.StatusNew,
	}
	require.NoError(t, m.CreateArticle(ctx, a))
	for _, next := range []core.Status{
		core.StatusCandidate, core.StatusApprovedHandoff, core.StatusDraftGenerated,
		core.StatusApproved, core.StatusReadyForChief, core.StatusReadyForPublish,
		core.StatusPublished,
	} {
		require.NoError(t, m.TransitionArticle(ctx, a.ID, next, "test"))
	}
	require.NoError(t, m.UpdateArticle(ctx, a.ID, map[string]interface{}{"published_url": url}))
	return a
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (c *countingNotifier) Name() string { return "counting" }

func (c *countingNotifier) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *countingNotifier) first() notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[0]
}
