package memory

import (
	"context"
	"sort"
	"time"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// SaveFingerprint stores or replaces the article's fingerprint.
func (m *Store) SaveFingerprint(_ context.Context, fp *core.ArticleFingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.articles[fp.ArticleID]; !ok {
		return store.ErrNotFound
	}
	c := *fp
	c.Shingles = cloneStrings(fp.Shingles)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.fingerprints[fp.ArticleID] = &c
	fp.CreatedAt = c.CreatedAt
	return nil
}

func (m *Store) GetFingerprint(_ context.Context, articleID int64) (*core.ArticleFingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fp, ok := m.fingerprints[articleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *fp
	c.Shingles = cloneStrings(fp.Shingles)
	return &c, nil
}

// RecentFingerprints joins fingerprints with their articles, newest crawl
// first, for the clustering candidate scan.
func (m *Store) RecentFingerprints(_ context.Context, since time.Time, limit int) ([]*store.FingerprintCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*store.FingerprintCandidate
	for id, fp := range m.fingerprints {
		a, ok := m.articles[id]
		if !ok || a.CrawledAt.Before(since) {
			continue
		}
		cand := &store.FingerprintCandidate{
			ArticleFingerprint: *fp,
			Title:              a.Title,
			Summary:            a.Summary,
			Entities:           cloneStrings(a.Entities),
			CrawledAt:          a.CrawledAt,
		}
		cand.Shingles = cloneStrings(fp.Shingles)
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CrawledAt.After(out[j].CrawledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertRelation records the edge, keeping the max score seen for the
// directed pair.
func (m *Store) UpsertRelation(_ context.Context, rel *core.ArticleRelation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int64{rel.ArticleID, rel.RelatedArticleID}
	if existing, ok := m.relations[key]; ok {
		if rel.Score > existing.Score {
			existing.Score = rel.Score
			existing.Relation = rel.Relation
		}
		rel.ID = existing.ID
		return nil
	}
	m.nextRelation++
	c := *rel
	c.ID = m.nextRelation
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.relations[key] = &c
	rel.ID = c.ID
	return nil
}

func (m *Store) GetRelations(_ context.Context, articleID int64) ([]*core.ArticleRelation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.ArticleRelation
	for key, rel := range m.relations {
		if key[0] != articleID && key[1] != articleID {
			continue
		}
		c := *rel
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *Store) GetClusterByKey(_ context.Context, key string) (*core.StoryCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.clusterByKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *m.clusters[id]
	return &c, nil
}

func (m *Store) CreateCluster(_ context.Context, cluster *core.StoryCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.clusterByKey[cluster.ClusterKey]; ok {
		// Deterministic keys collide when the same story re-clusters;
		// hand back the existing row like the postgres ON CONFLICT does.
		*cluster = *m.clusters[id]
		return nil
	}
	m.nextClusterID++
	c := *cluster
	c.ID = m.nextClusterID
	now := m.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.clusters[c.ID] = &c
	m.clusterByKey[c.ClusterKey] = c.ID
	*cluster = c
	return nil
}

func (m *Store) ClusterOf(_ context.Context, articleID int64) (*core.StoryCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.membership[articleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cluster, ok := m.clusters[member.ClusterID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *cluster
	return &c, nil
}

// UpsertMembership moves the article into the cluster. An article holds
// at most one membership; re-clustering replaces it.
func (m *Store) UpsertMembership(_ context.Context, member *core.ClusterMember) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clusters[member.ClusterID]; !ok {
		return store.ErrNotFound
	}
	c := *member
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.membership[member.ArticleID] = &c
	return nil
}

func (m *Store) ClusterMembers(_ context.Context, clusterID int64) ([]*core.ClusterMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.ClusterMember
	for _, member := range m.membership {
		if member.ClusterID != clusterID {
			continue
		}
		c := *member
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
