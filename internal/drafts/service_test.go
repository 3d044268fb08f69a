package drafts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

var editor = core.Actor{ID: "ed-1", Name: "سميره", Kind: "editor"}

// statusPaths walks articles to a target status along legal edges.
var statusPaths = map[core.Status][]core.Status{
	core.StatusNew:             {},
	core.StatusClassified:      {core.StatusClassified},
	core.StatusCandidate:       {core.StatusCandidate},
	core.StatusApprovedHandoff: {core.StatusCandidate, core.StatusApprovedHandoff},
	core.StatusDraftGenerated:  {core.StatusCandidate, core.StatusApprovedHandoff, core.StatusDraftGenerated},
	core.StatusReadyForPublish: {
		core.StatusCandidate, core.StatusApprovedHandoff, core.StatusDraftGenerated,
		core.StatusApproved, core.StatusReadyForChief, core.StatusReadyForPublish,
	},
}

func seedArticle(t *testing.T, m *memory.Store, status core.Status) *core.Article {
	t.Helper()
	ctx := context.Background()
	a := &core.Article{
		SourceName: "الخبر",
		URL:        "https://example.dz/a",
		Title:      "عنوان اصلي",
		Body:       "نص اصلي",
		Status:     core.StatusNew,
		UniqueHash: core.ComputeUniqueHash("الخبر", "https://example.dz/a", "عنوان اصلي"),
	}
	require.NoError(t, m.CreateArticle(ctx, a))
	for _, step := range statusPaths[status] {
		require.NoError(t, m.TransitionArticle(ctx, a.ID, step, "test setup"))
	}
	a.Status = status
	return a
}

func TestApproveRecordsDecision(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusCandidate)

	require.NoError(t, svc.Approve(ctx, a.ID, editor, "قصه قويه"))

	got, err := m.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApprovedHandoff, got.Status)

	decs, err := m.ListDecisions(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	assert.Equal(t, core.DecisionApprove, decs[0].Action)
	assert.Equal(t, "سميره", decs[0].EditorName)
	assert.Equal(t, "عنوان اصلي", decs[0].BeforeTitle)
}

func TestRejectSetsReason(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusClassified)

	require.NoError(t, svc.Reject(ctx, a.ID, editor, "مصدر غير موثوق"))

	got, err := m.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusRejected, got.Status)
	assert.Equal(t, "مصدر غير موثوق", got.RejectionReason)
}

func TestIllegalTransitionSurfaces(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusNew)

	// NEW cannot be approved straight to handoff
	err := svc.Approve(ctx, a.ID, editor, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestRegenerationAndApply(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusApprovedHandoff)

	v1, err := svc.NewVersion(ctx, NewVersionInput{
		ArticleID:    a.ID,
		Title:        "صيغه اولى",
		Body:         "<p>نص اول</p>",
		ChangeOrigin: "llm",
		Actor:        core.SystemActor,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	// regeneration inside the same work
	v2, err := svc.NewVersion(ctx, NewVersionInput{
		ArticleID:    a.ID,
		WorkID:       v1.WorkID,
		Title:        "صيغه ثانيه",
		Body:         "<p>نص ثان</p>",
		ChangeOrigin: "regeneration",
		Actor:        core.SystemActor,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.WorkID, v2.WorkID)

	applied, err := svc.Apply(ctx, v2.ID, editor)
	require.NoError(t, err)
	assert.Equal(t, core.DraftStatusApplied, applied.Status)

	art, err := m.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "صيغه ثانيه", art.Title)
	assert.Equal(t, "<p>نص ثان</p>", art.Body)

	// v1 stays draft; applying it conflicts
	got1, err := m.GetDraft(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DraftStatusDraft, got1.Status)

	_, err = svc.Apply(ctx, v1.ID, editor)
	assert.ErrorIs(t, err, store.ErrAlreadyApplied)
}

func TestUpdateDraftOptimisticConcurrency(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusApprovedHandoff)

	v1, err := svc.NewVersion(ctx, NewVersionInput{
		ArticleID: a.ID,
		Title:     "الاصل",
		Body:      "نص",
		Actor:     core.SystemActor,
	})
	require.NoError(t, err)

	title := "تعديل المحرر"
	v2, err := svc.UpdateDraft(ctx, v1.WorkID, v1.Version, store.DraftChanges{Title: &title}, editor)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, "تعديل المحرر", v2.Title)
	assert.Equal(t, "نص", v2.Body, "untouched fields carry forward")

	// stale version rejected
	_, err = svc.UpdateDraft(ctx, v1.WorkID, v1.Version, store.DraftChanges{Title: &title}, editor)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestRequestRewriteReturnsExistingWork(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusApprovedHandoff)

	v1, err := svc.NewVersion(ctx, NewVersionInput{
		ArticleID: a.ID,
		Title:     "ع",
		Body:      "ن",
		Actor:     core.SystemActor,
	})
	require.NoError(t, err)

	workID, err := svc.RequestRewrite(ctx, a.ID, editor, "العنوان ضعيف")
	require.NoError(t, err)
	assert.Equal(t, v1.WorkID, workID)

	decs, err := m.ListDecisions(ctx, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	assert.Equal(t, core.DecisionRewrite, decs[0].Action)
}

func TestPublishAndUnpublish(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusReadyForPublish)

	director := core.Actor{Name: "رئيس التحرير", Kind: "editor"}
	require.NoError(t, svc.PublishNow(ctx, a.ID, "https://site.dz/news/1", director))

	got, err := m.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPublished, got.Status)
	assert.Equal(t, "https://site.dz/news/1", got.PublishedURL)
	require.NotNil(t, got.PublishedAt)

	require.NoError(t, svc.Unpublish(ctx, a.ID, director, "خطا في المحتوى"))
	got, err = m.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, got.Status)
	assert.Empty(t, got.PublishedURL)
}

func TestSaveReportUpsertsLatestByDefault(t *testing.T) {
	m := memory.New()
	svc := NewService(m, zap.NewNop())
	ctx := context.Background()
	a := seedArticle(t, m, core.StatusDraftGenerated)

	require.NoError(t, svc.SaveReport(ctx, &core.ArticleQualityReport{
		ArticleID: a.ID, Stage: core.StageReadability, Passed: false, Score: 40,
	}))
	require.NoError(t, svc.SaveReport(ctx, &core.ArticleQualityReport{
		ArticleID: a.ID, Stage: core.StageReadability, Passed: true, Score: 80,
	}))

	reports, err := m.ListQualityReports(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Passed)
}
