// Package memory implements the pipeline store with in-process maps.
//
// It mirrors the postgres backend's semantics closely enough for unit
// tests and local development: unique-hash rejection, legality-checked
// transitions, gapless draft versions, exclusive applies, and the stale
// job sweep. One deliberate difference: RunInTransaction serializes on
// the store mutex and applies mutations immediately, with no rollback
// on error.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// Store implements store.Storage with in-process state guarded by one
// mutex.
type Store struct {
	mu sync.RWMutex

	articles     map[int64]*core.Article
	articleByHash map[string]int64
	nextArticleID int64

	fingerprints map[int64]*core.ArticleFingerprint
	relations    map[[2]int64]*core.ArticleRelation
	nextRelation int64

	clusters      map[int64]*core.StoryCluster
	clusterByKey  map[string]int64
	nextClusterID int64
	membership    map[int64]*core.ClusterMember // keyed by article id

	sources      map[int64]*core.Source
	sourceByName map[string]int64
	nextSourceID int64

	jobs        map[string]*core.JobRun
	deadLetters []*core.DeadLetterJob
	nextDeadID  int64

	drafts      map[int64]*core.EditorialDraft
	nextDraftID int64

	decisions      []*core.EditorDecision
	nextDecisionID int64

	reports      []*core.ArticleQualityReport
	nextReportID int64

	trends      map[string]*core.TrendTopic
	nextTrendID int64

	now func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		articles:      make(map[int64]*core.Article),
		articleByHash: make(map[string]int64),
		fingerprints:  make(map[int64]*core.ArticleFingerprint),
		relations:     make(map[[2]int64]*core.ArticleRelation),
		clusters:      make(map[int64]*core.StoryCluster),
		clusterByKey:  make(map[string]int64),
		membership:    make(map[int64]*core.ClusterMember),
		sources:       make(map[int64]*core.Source),
		sourceByName:  make(map[string]int64),
		jobs:          make(map[string]*core.JobRun),
		drafts:        make(map[int64]*core.EditorialDraft),
		trends:        make(map[string]*core.TrendTopic),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op for the memory backend.
func (m *Store) Close() error { return nil }

// SetClock overrides the store's clock. Test helper.
func (m *Store) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// GetStatistics returns the aggregate pipeline snapshot.
func (m *Store) GetStatistics(_ context.Context) (*core.PipelineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &core.PipelineStats{
		ArticlesByStatus: make(map[core.Status]int),
		JobsByStatus:     make(map[core.JobStatus]int),
		DeadLetters:      len(m.deadLetters),
		Clusters:         len(m.clusters),
	}
	for _, a := range m.articles {
		stats.ArticlesByStatus[a.Status.Normalize()]++
		if a.IsBreaking {
			stats.BreakingActive++
		}
	}
	for _, j := range m.jobs {
		stats.JobsByStatus[j.Status]++
	}
	for _, s := range m.sources {
		if s.Active {
			stats.ActiveSources++
		}
	}
	for _, d := range m.drafts {
		if d.Status == core.DraftStatusDraft {
			stats.DraftsPending++
		}
	}
	return stats, nil
}

// RunInTransaction runs fn while holding the store write lock. The lock
// is what gives the callback the disjoint-batch guarantee the postgres
// backend gets from SKIP LOCKED.
func (m *Store) RunInTransaction(_ context.Context, fn func(tx store.Transaction) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{m: m})
}

// memTx exposes the locked variants of the article operations. The
// enclosing RunInTransaction already holds the write lock.
type memTx struct {
	m *Store
}

func (t *memTx) LockNewArticles(_ context.Context, limit int) ([]*core.Article, error) {
	var out []*core.Article
	for _, a := range t.m.articles {
		if a.Status.Normalize() == core.StatusNew {
			out = append(out, a)
		}
	}
	sortArticles(out, core.ArticleFilter{SortBy: core.SortCrawledAt}, t.m.isLocalSourceLocked)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return cloneArticles(out), nil
}

func (t *memTx) LockArticlesByID(_ context.Context, ids []int64) ([]*core.Article, error) {
	var out []*core.Article
	for _, id := range ids {
		if a, ok := t.m.articles[id]; ok && a.Status.Normalize() == core.StatusNew {
			out = append(out, a)
		}
	}
	sortArticles(out, core.ArticleFilter{SortBy: core.SortCrawledAt}, t.m.isLocalSourceLocked)
	return cloneArticles(out), nil
}

func (t *memTx) GetArticle(_ context.Context, id int64) (*core.Article, error) {
	return t.m.getArticleLocked(id)
}

func (t *memTx) UpdateArticle(_ context.Context, id int64, updates map[string]interface{}) error {
	return t.m.updateArticleLocked(id, updates)
}

func (t *memTx) TransitionArticle(_ context.Context, id int64, to core.Status, reason string) error {
	return t.m.transitionArticleLocked(id, to, reason)
}

func (m *Store) isLocalSourceLocked(sourceID int64) bool {
	if sourceID == 0 {
		return false
	}
	src, ok := m.sources[sourceID]
	return ok && src.IsLocal
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneArticle(a *core.Article) *core.Article {
	if a == nil {
		return nil
	}
	c := *a
	c.Entities = cloneStrings(a.Entities)
	c.Keywords = cloneStrings(a.Keywords)
	c.PublishedAt = cloneTime(a.PublishedAt)
	c.SourceDate = cloneTime(a.SourceDate)
	return &c
}

func cloneArticles(in []*core.Article) []*core.Article {
	out := make([]*core.Article, len(in))
	for i, a := range in {
		out[i] = cloneArticle(a)
	}
	return out
}

var _ store.Storage = (*Store)(nil)
