package scribe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/drafts"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

func newScribe(t *testing.T, m *memory.Store, client llm.Client) *Agent {
	t.Helper()
	log := zap.NewNop()
	settings := &config.Settings{LLMProvider: "anthropic", AnthropicModel: "claude-3-5-haiku-latest"}
	return New(m, drafts.NewService(m, log), client, settings, log)
}

func handoffArticle(t *testing.T, m *memory.Store, title string) *core.Article {
	t.Helper()
	ctx := context.Background()
	a := &core.Article{
		SourceName: "الاذاعه",
		URL:        "https://example.dz/" + title,
		Title:      title,
		Body:       "النص الأصلي للخبر كما ورد من المصدر مع كل التفاصيل",
		Category:   core.CategoryPolitics,
		Status:     core.StatusNew,
	}
	require.NoError(t, m.CreateArticle(ctx, a))
	require.NoError(t, m.TransitionArticle(ctx, a.ID, core.StatusCandidate, "test"))
	require.NoError(t, m.TransitionArticle(ctx, a.ID, core.StatusApprovedHandoff, "test"))
	a.Status = core.StatusApprovedHandoff
	return a
}

func scriptedJSON() map[string]interface{} {
	return map[string]interface{}{
		"headline":        "عنوان محرر باحتراف",
		"body_html":       `<p>الفقرة الأولى</p><script>alert(1)</script><p>الفقرة <b>الثانية</b></p>`,
		"seo_title":       "عنوان سيو",
		"seo_description": "وصف قصير للمقال",
		"tags":            []interface{}{"سياسة", "الجزائر"},
	}
}

func TestGenerateDraftCreatesVersionAndTransitions(t *testing.T) {
	m := memory.New()
	fake := &llm.Fake{JSON: scriptedJSON()}
	agent := newScribe(t, m, fake)
	a := handoffArticle(t, m, "خبر الحكومة الجديد")

	draft, err := agent.GenerateDraft(context.Background(), a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, draft.Version)
	assert.Equal(t, "عنوان محرر باحتراف", draft.Title)
	assert.NotContains(t, draft.Body, "<script>")
	assert.Contains(t, draft.Body, "<p>الفقرة الأولى</p>")
	assert.Contains(t, draft.Body, "<b>الثانية</b>")
	assert.Equal(t, []string{"سياسة", "الجزائر"}, draft.Tags)
	assert.Equal(t, "llm", draft.ChangeOrigin)
	assert.Equal(t, "claude-3-5-haiku-latest", draft.Model)

	got, err := m.GetArticle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraftGenerated, got.Status)
}

func TestGenerateDraftRegeneratesInsideWork(t *testing.T) {
	m := memory.New()
	fake := &llm.Fake{JSON: scriptedJSON()}
	agent := newScribe(t, m, fake)
	a := handoffArticle(t, m, "خبر يعاد تحريره")

	v1, err := agent.GenerateDraft(context.Background(), a.ID, "")
	require.NoError(t, err)

	v2, err := agent.GenerateDraft(context.Background(), a.ID, v1.WorkID)
	require.NoError(t, err)
	assert.Equal(t, v1.WorkID, v2.WorkID)
	assert.Equal(t, 2, v2.Version)
}

func TestParseFailureFallsBackToOriginal(t *testing.T) {
	m := memory.New()
	fake := &llm.Fake{JSONErr: &llm.ClassifyError{Kind: llm.KindParse, Err: errors.New("model answered in prose")}}
	agent := newScribe(t, m, fake)
	a := handoffArticle(t, m, "خبر بدون نموذج")

	draft, err := agent.GenerateDraft(context.Background(), a.ID, "")
	require.NoError(t, err, "parse failure must not fail the job")
	assert.Equal(t, a.Title, draft.Title)
	assert.Contains(t, draft.Body, "<p>")
	assert.Equal(t, "passthrough", draft.ChangeOrigin)
	assert.Empty(t, draft.Model)

	got, err := m.GetArticle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDraftGenerated, got.Status)
}

func TestTransportFailureSurfaces(t *testing.T) {
	m := memory.New()
	fake := &llm.Fake{JSONErr: &llm.ClassifyError{Kind: llm.KindTransport, Err: errors.New("upstream 503")}}
	agent := newScribe(t, m, fake)
	a := handoffArticle(t, m, "خبر يفشل تحريره")

	_, err := agent.GenerateDraft(context.Background(), a.ID, "")
	require.Error(t, err)

	// article stays in handoff for the retry
	got, err := m.GetArticle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApprovedHandoff, got.Status)

	all, err := m.GetDraftsByArticle(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGenerateDraftRejectsWrongStatus(t *testing.T) {
	m := memory.New()
	agent := newScribe(t, m, &llm.Fake{JSON: scriptedJSON()})
	a := &core.Article{
		SourceName: "الاذاعه",
		URL:        "https://example.dz/new",
		Title:      "خبر جديد لم يصنف",
		Status:     core.StatusNew,
	}
	require.NoError(t, m.CreateArticle(context.Background(), a))

	_, err := agent.GenerateDraft(context.Background(), a.ID, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestRunDrainsHandoffBatch(t *testing.T) {
	m := memory.New()
	fake := &llm.Fake{JSON: scriptedJSON()}
	agent := newScribe(t, m, fake)
	a1 := handoffArticle(t, m, "الخبر الأول في الدفعة")
	a2 := handoffArticle(t, m, "الخبر الثاني في الدفعة")

	stats, err := agent.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Generated)
	assert.Zero(t, stats.Failures)

	for _, a := range []*core.Article{a1, a2} {
		got, err := m.GetArticle(context.Background(), a.ID)
		require.NoError(t, err)
		assert.Equal(t, core.StatusDraftGenerated, got.Status)
	}
	assert.Equal(t, 2, fake.JSONCalls)
}

func TestRunWithoutModelPassesThrough(t *testing.T) {
	m := memory.New()
	agent := newScribe(t, m, nil)
	handoffArticle(t, m, "خبر بلا نموذج لغوي")

	stats, err := agent.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Generated)
	assert.Equal(t, 1, stats.Fallbacks)
}
