package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/fingerprint"
	"github.com/tahrirhq/tahrir/internal/store/memory"
)

func ingest(t *testing.T, m *memory.Store, title, body string, entities []string, crawledAt time.Time) (*core.Article, fingerprint.Signature) {
	t.Helper()
	ctx := context.Background()
	a := &core.Article{
		SourceName: "وكاله",
		URL:        "https://example.dz/" + title,
		Title:      title,
		Body:       body,
		Entities:   entities,
		Status:     core.StatusNew,
		UniqueHash: core.ComputeUniqueHash("وكاله", "https://example.dz/"+title, title),
		CrawledAt:  crawledAt,
	}
	require.NoError(t, m.CreateArticle(ctx, a))
	sig := fingerprint.Compute(a.Title, a.Summary, a.Body)
	require.NoError(t, m.SaveFingerprint(ctx, &core.ArticleFingerprint{
		ArticleID:  a.ID,
		Simhash:    int64(sig.Simhash),
		Shingles:   sig.Shingles,
		TokenCount: sig.TokenCount,
	}))
	return a, sig
}

func TestNearDuplicateJoinsAnchorCluster(t *testing.T) {
	m := memory.New()
	e := New(m, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	body := "اعلنت رئاسه الجمهوريه عن قرارات جديده تخص قطاع الطاقه والمحروقات في الجزائر بعد اجتماع مجلس الوزراء"
	a, sigA := ingest(t, m, "الرئيس يعلن قرارات جديده لقطاع الطاقه", body, nil, now.Add(-time.Hour))
	outA, err := e.Assign(ctx, a, sigA)
	require.NoError(t, err)
	assert.False(t, outA.IsDuplicate)
	require.NotNil(t, outA.Cluster)

	// near-identical rewrite of the same wire item
	b, sigB := ingest(t, m, "الرئيس يعلن قرارات جديده لقطاع الطاقه والمحروقات", body, nil, now)
	outB, err := e.Assign(ctx, b, sigB)
	require.NoError(t, err)
	assert.True(t, outB.IsDuplicate)
	assert.Equal(t, a.ID, outB.DuplicateOf)
	assert.Equal(t, outA.Cluster.ID, outB.Cluster.ID)

	rels, err := m.GetRelations(ctx, b.ID)
	require.NoError(t, err)
	require.NotEmpty(t, rels)
	assert.Equal(t, core.RelationDuplicateVariant, rels[0].Relation)
	assert.GreaterOrEqual(t, rels[0].Score, DuplicateThreshold)
}

func TestUnrelatedArticleGetsSingleton(t *testing.T) {
	m := memory.New()
	e := New(m, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	a, sigA := ingest(t, m, "المنتخب الوطني يفوز بثلاثيه في تصفيات كاس العالم",
		"سجل المنتخب الوطني الجزائري ثلاثه اهداف في مباراه التصفيات", nil, now.Add(-time.Hour))
	_, err := e.Assign(ctx, a, sigA)
	require.NoError(t, err)

	b, sigB := ingest(t, m, "ارتفاع اسعار النفط في الاسواق العالميه",
		"سجلت اسعار النفط ارتفاعا ملحوظا في التعاملات الصباحيه اليوم", nil, now)
	out, err := e.Assign(ctx, b, sigB)
	require.NoError(t, err)
	assert.False(t, out.IsDuplicate)
	require.NotNil(t, out.Cluster)

	clA, err := m.ClusterOf(ctx, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, clA.ID, out.Cluster.ID)
}

func TestSharedEntitiesJoinWithin48Hours(t *testing.T) {
	m := memory.New()
	e := New(m, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	entities := []string{"سوناطراك", "وزاره الطاقه"}
	a, sigA := ingest(t, m, "سوناطراك توقع اتفاقيه غاز جديده مع شريك اجنبي",
		"وقعت شركه سوناطراك اتفاقيه لتصدير الغاز", entities, now.Add(-24*time.Hour))
	_, err := e.Assign(ctx, a, sigA)
	require.NoError(t, err)

	// different wording, same actors, inside the window
	b, sigB := ingest(t, m, "وزاره الطاقه تكشف حجم عائدات صفقه التصدير",
		"كشفت الوزاره تفاصيل ماليه جديده حول الصفقه المبرمه", entities, now)
	out, err := e.Assign(ctx, b, sigB)
	require.NoError(t, err)
	assert.False(t, out.IsDuplicate)

	clA, err := m.ClusterOf(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, clA.ID, out.Cluster.ID)
}

func TestSharedEntitiesIgnoredOutsideWindow(t *testing.T) {
	m := memory.New()
	e := New(m, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	entities := []string{"سوناطراك", "وزاره الطاقه"}
	a, sigA := ingest(t, m, "سوناطراك توقع اتفاقيه غاز جديده مع شريك اجنبي",
		"وقعت شركه سوناطراك اتفاقيه لتصدير الغاز", entities, now.Add(-72*time.Hour))
	_, err := e.Assign(ctx, a, sigA)
	require.NoError(t, err)

	b, sigB := ingest(t, m, "وزاره الطاقه تكشف حجم عائدات صفقه التصدير",
		"كشفت الوزاره تفاصيل ماليه جديده حول الصفقه المبرمه", entities, now)
	out, err := e.Assign(ctx, b, sigB)
	require.NoError(t, err)

	clA, err := m.ClusterOf(ctx, a.ID)
	require.NoError(t, err)
	assert.NotEqual(t, clA.ID, out.Cluster.ID)
}

func TestKeyIsDeterministicPerDayBucket(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	k1 := Key("الرئيس يعلن قرارات", core.CategoryPolitics, at)
	k2 := Key("الرئيس يعلن قرارات", core.CategoryPolitics, at.Add(5*time.Hour))
	assert.Equal(t, k1, k2)

	nextDay := Key("الرئيس يعلن قرارات", core.CategoryPolitics, at.Add(24*time.Hour))
	assert.NotEqual(t, k1, nextDay)

	otherCat := Key("الرئيس يعلن قرارات", core.CategoryEconomy, at)
	assert.NotEqual(t, k1, otherCat)
}
