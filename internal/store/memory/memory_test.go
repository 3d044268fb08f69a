package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

func newArticle(t *testing.T, m *Store, title string) *core.Article {
	t.Helper()
	a := &core.Article{
		SourceName: "الشروق",
		URL:        "https://example.dz/" + title,
		Title:      title,
		Body:       "نص الخبر الكامل هنا",
		Status:     core.StatusNew,
		UniqueHash: core.ComputeUniqueHash("الشروق", "https://example.dz/"+title, title),
		CrawledAt:  time.Now().UTC(),
	}
	require.NoError(t, m.CreateArticle(context.Background(), a))
	return a
}

func TestDuplicateHashRejected(t *testing.T) {
	m := New()
	ctx := context.Background()

	a := newArticle(t, m, "خبر-واحد")
	dup := *a
	dup.ID = 0
	err := m.CreateArticle(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrDuplicateHash)

	n, err := m.CountArticles(ctx, core.ArticleFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJobLifecycle(t *testing.T) {
	m := New()
	ctx := context.Background()

	job := &core.JobRun{JobType: core.JobTypeRouterBatch, EntityID: "router", MaxAttempts: 2}
	require.NoError(t, m.CreateJobRun(ctx, job))
	assert.Equal(t, core.JobQueued, job.Status)
	assert.Equal(t, core.QueueRouter, job.QueueName)

	started, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, started.Attempt)
	require.NotNil(t, started.StartedAt)

	// second start loses the race
	_, err = m.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)

	require.NoError(t, m.RequeueJob(ctx, job.ID, "llm timeout"))
	started, err = m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, started.Attempt)

	require.NoError(t, m.CompleteJob(ctx, job.ID, json.RawMessage(`{"processed":4}`)))

	// terminal statuses never change again
	assert.ErrorIs(t, m.FailJob(ctx, job.ID, "late"), store.ErrIllegalTransition)
	assert.ErrorIs(t, m.RequeueJob(ctx, job.ID, "late"), store.ErrIllegalTransition)
}

func TestDeadLetterKeepsEvidence(t *testing.T) {
	m := New()
	ctx := context.Background()

	job := &core.JobRun{
		JobType: core.JobTypeScribeDraft,
		Payload: json.RawMessage(`{"type":"scribe_draft","body":{"article_id":9}}`),
	}
	require.NoError(t, m.CreateJobRun(ctx, job))
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, m.DeadLetterJob(ctx, job.ID, "article not found", "scribe.Run\n\tdraft.go:88"))

	got, err := m.GetJobRun(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobDeadLettered, got.Status)

	letters, err := m.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, job.ID, letters[0].JobID)
	assert.JSONEq(t, string(job.Payload), string(letters[0].Payload))
	assert.Equal(t, "article not found", letters[0].Error)
}

func TestFindActiveJobWindow(t *testing.T) {
	m := New()
	ctx := context.Background()

	job := &core.JobRun{JobType: core.JobTypeTrendScan, EntityID: "trends"}
	require.NoError(t, m.CreateJobRun(ctx, job))

	found, err := m.FindActiveJob(ctx, core.JobTypeTrendScan, "trends", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, job.ID, found.ID)

	// outside the window
	m.SetClock(func() time.Time { return time.Now().UTC().Add(2 * time.Hour) })
	_, err = m.FindActiveJob(ctx, core.JobTypeTrendScan, "trends", time.Hour)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStaleReaper(t *testing.T) {
	m := New()
	ctx := context.Background()

	running := &core.JobRun{JobType: core.JobTypeScoutCycle, EntityID: "a"}
	require.NoError(t, m.CreateJobRun(ctx, running))
	_, err := m.StartJob(ctx, running.ID)
	require.NoError(t, err)

	queued := &core.JobRun{JobType: core.JobTypeScoutCycle, EntityID: "b"}
	require.NoError(t, m.CreateJobRun(ctx, queued))

	fresh := &core.JobRun{JobType: core.JobTypeScoutCycle, EntityID: "c"}
	require.NoError(t, m.CreateJobRun(ctx, fresh))

	m.SetClock(func() time.Time { return time.Now().UTC().Add(31 * time.Minute) })
	// re-queue fresh under the shifted clock so it stays inside the window
	require.NoError(t, m.FailJob(ctx, fresh.ID, "cleanup"))
	fresh2 := &core.JobRun{JobType: core.JobTypeScoutCycle, EntityID: "c2"}
	require.NoError(t, m.CreateJobRun(ctx, fresh2))

	ids, err := m.ReapStaleJobs(ctx, 15*time.Minute, 30*time.Minute)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{running.ID, queued.ID}, ids)

	got, err := m.GetJobRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, got.Status)
	assert.Contains(t, got.Error, "stale_timeout")

	got, err = m.GetJobRun(ctx, fresh2.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, got.Status)
}

func TestDraftVersionsAreGapless(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := newArticle(t, m, "مسودات")

	d1 := &core.EditorialDraft{ArticleID: a.ID, Title: "نسخه اولى", Body: "<p>نص</p>"}
	require.NoError(t, m.CreateDraft(ctx, d1))
	assert.Equal(t, 1, d1.Version)
	assert.NotEmpty(t, d1.WorkID)

	d2 := &core.EditorialDraft{ArticleID: a.ID, WorkID: d1.WorkID, Title: "نسخه ثانيه", Body: "<p>نص محسن</p>"}
	require.NoError(t, m.CreateDraft(ctx, d2))
	assert.Equal(t, 2, d2.Version)
	require.NotNil(t, d2.ParentDraftID)
	assert.Equal(t, d1.ID, *d2.ParentDraftID)
}

func TestReviseDraftOptimisticConcurrency(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := newArticle(t, m, "تعديل")

	d1 := &core.EditorialDraft{ArticleID: a.ID, Title: "عنوان", Body: "<p>نص</p>"}
	require.NoError(t, m.CreateDraft(ctx, d1))

	title := "عنوان معدل"
	// stale version fails
	_, err := m.ReviseDraft(ctx, d1.WorkID, 0, store.DraftChanges{Title: &title})
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	// matching version succeeds and becomes version+1
	next, err := m.ReviseDraft(ctx, d1.WorkID, 1, store.DraftChanges{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, title, next.Title)
	assert.Equal(t, "<p>نص</p>", next.Body) // unchanged fields carried forward

	// the version that just won is now stale for a second writer
	_, err = m.ReviseDraft(ctx, d1.WorkID, 1, store.DraftChanges{Title: &title})
	assert.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestApplyDraftExclusivePerWork(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := newArticle(t, m, "تطبيق")

	d1 := &core.EditorialDraft{ArticleID: a.ID, Title: "v1", Body: "<p>one</p>"}
	require.NoError(t, m.CreateDraft(ctx, d1))
	d2 := &core.EditorialDraft{ArticleID: a.ID, WorkID: d1.WorkID, Title: "v2", Body: "<p>two</p>"}
	require.NoError(t, m.CreateDraft(ctx, d2))

	applied, err := m.ApplyDraft(ctx, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DraftStatusApplied, applied.Status)
	require.NotNil(t, applied.AppliedAt)

	// the article carries v2's content now
	got, err := m.GetArticle(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Title)
	assert.Equal(t, "<p>two</p>", got.Body)

	// v1 is still a draft, but applying it conflicts
	v1, err := m.GetDraft(ctx, d1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DraftStatusDraft, v1.Status)
	_, err = m.ApplyDraft(ctx, d1.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyApplied)

	// re-applying v2 conflicts too
	_, err = m.ApplyDraft(ctx, d2.ID)
	assert.ErrorIs(t, err, store.ErrAlreadyApplied)
}

func TestQualityReportUpsertLatest(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := newArticle(t, m, "جوده")

	first := &core.ArticleQualityReport{ArticleID: a.ID, Stage: core.StageReadability, Passed: false, Score: 55}
	require.NoError(t, m.SaveQualityReport(ctx, first, false))
	second := &core.ArticleQualityReport{ArticleID: a.ID, Stage: core.StageReadability, Passed: true, Score: 82}
	require.NoError(t, m.SaveQualityReport(ctx, second, false))

	reports, err := m.ListQualityReports(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Passed)

	// history mode appends instead
	third := &core.ArticleQualityReport{ArticleID: a.ID, Stage: core.StageReadability, Passed: true, Score: 90}
	require.NoError(t, m.SaveQualityReport(ctx, third, true))
	reports, err = m.ListQualityReports(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}

func TestRelationUpsertKeepsMaxScore(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := newArticle(t, m, "اول")
	b := newArticle(t, m, "ثاني")

	rel := &core.ArticleRelation{ArticleID: a.ID, RelatedArticleID: b.ID, Relation: core.RelationRelated, Score: 0.72}
	require.NoError(t, m.UpsertRelation(ctx, rel))
	lower := &core.ArticleRelation{ArticleID: a.ID, RelatedArticleID: b.ID, Relation: core.RelationSequence, Score: 0.60}
	require.NoError(t, m.UpsertRelation(ctx, lower))

	rels, err := m.GetRelations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.72, rels[0].Score)
	assert.Equal(t, core.RelationRelated, rels[0].Relation)

	higher := &core.ArticleRelation{ArticleID: a.ID, RelatedArticleID: b.ID, Relation: core.RelationDuplicateVariant, Score: 0.91}
	require.NoError(t, m.UpsertRelation(ctx, higher))
	rels, err = m.GetRelations(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, 0.91, rels[0].Score)
	assert.Equal(t, core.RelationDuplicateVariant, rels[0].Relation)
}

func TestMembershipMovesBetweenClusters(t *testing.T) {
	m := New()
	ctx := context.Background()
	a := newArticle(t, m, "عضويه")

	c1 := &core.StoryCluster{ClusterKey: "k1"}
	require.NoError(t, m.CreateCluster(ctx, c1))
	c2 := &core.StoryCluster{ClusterKey: "k2"}
	require.NoError(t, m.CreateCluster(ctx, c2))

	require.NoError(t, m.UpsertMembership(ctx, &core.ClusterMember{ClusterID: c1.ID, ArticleID: a.ID, Score: 0.8}))
	require.NoError(t, m.UpsertMembership(ctx, &core.ClusterMember{ClusterID: c2.ID, ArticleID: a.ID, Score: 0.9}))

	got, err := m.ClusterOf(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, got.ID)

	members, err := m.ClusterMembers(ctx, c1.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestTrendTopicPreservesContext(t *testing.T) {
	m := New()
	ctx := context.Background()

	topic := &core.TrendTopic{Keyword: "سوناطراك", Sources: 2, Strength: 8, Context: "briefing"}
	require.NoError(t, m.UpsertTrendTopic(ctx, topic))

	again := &core.TrendTopic{Keyword: "سوناطراك", Sources: 3, Strength: 10}
	require.NoError(t, m.UpsertTrendTopic(ctx, again))
	assert.Equal(t, topic.ID, again.ID)
	assert.Equal(t, "briefing", again.Context)
	assert.Equal(t, topic.FirstSeen, again.FirstSeen)

	topics, err := m.ListTrendTopics(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, 10, topics[0].Strength)
}
