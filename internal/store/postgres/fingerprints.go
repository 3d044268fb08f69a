package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// SaveFingerprint upserts the article's dedup signature. Re-running the
// fingerprint pass replaces the row, so regeneration after an edit is
// safe.
func (s *Store) SaveFingerprint(ctx context.Context, fp *core.ArticleFingerprint) error {
	if fp.CreatedAt.IsZero() {
		fp.CreatedAt = time.Now().UTC()
	}
	shingles := fp.Shingles
	if shingles == nil {
		shingles = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO article_fingerprints (article_id, simhash, shingles, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (article_id) DO UPDATE SET
			simhash = EXCLUDED.simhash,
			shingles = EXCLUDED.shingles,
			token_count = EXCLUDED.token_count`,
		fp.ArticleID, fp.Simhash, shingles, fp.TokenCount, fp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save fingerprint: %w", err)
	}
	return nil
}

// GetFingerprint returns the stored signature for an article.
func (s *Store) GetFingerprint(ctx context.Context, articleID int64) (*core.ArticleFingerprint, error) {
	var fp core.ArticleFingerprint
	err := s.pool.QueryRow(ctx, `
		SELECT article_id, simhash, shingles, token_count, created_at
		FROM article_fingerprints WHERE article_id = $1`, articleID).
		Scan(&fp.ArticleID, &fp.Simhash, &fp.Shingles, &fp.TokenCount, &fp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return &fp, nil
}

// RecentFingerprints returns dedup candidates fingerprinted since the
// cutoff, newest first, joined with the article fields the similarity
// and relation passes read.
func (s *Store) RecentFingerprints(ctx context.Context, since time.Time, limit int) ([]*store.FingerprintCandidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT f.article_id, f.simhash, f.shingles, f.token_count, f.created_at,
			a.title, a.summary, a.entities, a.crawled_at
		FROM article_fingerprints f
		JOIN articles a ON a.id = f.article_id
		WHERE f.created_at >= $1
		ORDER BY f.created_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent fingerprints: %w", err)
	}
	defer rows.Close()

	var out []*store.FingerprintCandidate
	for rows.Next() {
		var c store.FingerprintCandidate
		if err := rows.Scan(&c.ArticleID, &c.Simhash, &c.Shingles, &c.TokenCount, &c.CreatedAt,
			&c.Title, &c.Summary, &c.Entities, &c.CrawledAt); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint candidate: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpsertRelation records a scored edge between two articles, keeping the
// maximum score (and its relation type) ever seen for the pair.
func (s *Store) UpsertRelation(ctx context.Context, rel *core.ArticleRelation) error {
	if !rel.Relation.IsValid() {
		return fmt.Errorf("invalid relation %q", rel.Relation)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO article_relations (article_id, related_article_id, relation, score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (article_id, related_article_id) DO UPDATE SET
			relation = CASE
				WHEN EXCLUDED.score > article_relations.score THEN EXCLUDED.relation
				ELSE article_relations.relation
			END,
			score = GREATEST(article_relations.score, EXCLUDED.score)`,
		rel.ArticleID, rel.RelatedArticleID, string(rel.Relation), rel.Score)
	if err != nil {
		return fmt.Errorf("failed to upsert relation: %w", err)
	}
	return nil
}

// GetRelations returns all edges touching the article, either direction,
// strongest first.
func (s *Store) GetRelations(ctx context.Context, articleID int64) ([]*core.ArticleRelation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, article_id, related_article_id, relation, score, created_at
		FROM article_relations
		WHERE article_id = $1 OR related_article_id = $1
		ORDER BY score DESC, id`, articleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	defer rows.Close()

	var out []*core.ArticleRelation
	for rows.Next() {
		var r core.ArticleRelation
		if err := rows.Scan(&r.ID, &r.ArticleID, &r.RelatedArticleID, &r.Relation, &r.Score, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetClusterByKey returns the cluster with the deterministic key, or
// store.ErrNotFound.
func (s *Store) GetClusterByKey(ctx context.Context, key string) (*core.StoryCluster, error) {
	var c core.StoryCluster
	err := s.pool.QueryRow(ctx, `
		SELECT id, cluster_key, label, category, geo_code, created_at, updated_at
		FROM story_clusters WHERE cluster_key = $1`, key).
		Scan(&c.ID, &c.ClusterKey, &c.Label, &c.Category, &c.GeoCode, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return &c, nil
}

// CreateCluster inserts the cluster, or adopts the existing row when the
// key is already taken. Either way the struct comes back hydrated, so
// get-or-create is a single call.
func (s *Store) CreateCluster(ctx context.Context, cluster *core.StoryCluster) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO story_clusters (cluster_key, label, category, geo_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cluster_key) DO UPDATE SET updated_at = now()
		RETURNING id, label, category, geo_code, created_at, updated_at`,
		cluster.ClusterKey, cluster.Label, string(cluster.Category), cluster.GeoCode).
		Scan(&cluster.ID, &cluster.Label, &cluster.Category, &cluster.GeoCode,
			&cluster.CreatedAt, &cluster.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	return nil
}

// ClusterOf returns the cluster the article currently belongs to.
func (s *Store) ClusterOf(ctx context.Context, articleID int64) (*core.StoryCluster, error) {
	var c core.StoryCluster
	err := s.pool.QueryRow(ctx, `
		SELECT c.id, c.cluster_key, c.label, c.category, c.geo_code, c.created_at, c.updated_at
		FROM story_clusters c
		JOIN cluster_members m ON m.cluster_id = c.id
		WHERE m.article_id = $1`, articleID).
		Scan(&c.ID, &c.ClusterKey, &c.Label, &c.Category, &c.GeoCode, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article cluster: %w", err)
	}
	return &c, nil
}

// UpsertMembership moves the article into the cluster. The article-id
// primary key makes the move a replace, never a duplicate.
func (s *Store) UpsertMembership(ctx context.Context, member *core.ClusterMember) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cluster_members (article_id, cluster_id, score)
		VALUES ($1, $2, $3)
		ON CONFLICT (article_id) DO UPDATE SET
			cluster_id = EXCLUDED.cluster_id,
			score = EXCLUDED.score`,
		member.ArticleID, member.ClusterID, member.Score)
	if err != nil {
		return fmt.Errorf("failed to upsert cluster membership: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE story_clusters SET updated_at = now() WHERE id = $1`, member.ClusterID)
	if err != nil {
		return fmt.Errorf("failed to touch cluster: %w", err)
	}
	return nil
}

// ClusterMembers lists the cluster's members, strongest first.
func (s *Store) ClusterMembers(ctx context.Context, clusterID int64) ([]*core.ClusterMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT article_id, cluster_id, score, created_at
		FROM cluster_members WHERE cluster_id = $1
		ORDER BY score DESC, article_id`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster members: %w", err)
	}
	defer rows.Close()

	var out []*core.ClusterMember
	for rows.Next() {
		var m core.ClusterMember
		if err := rows.Scan(&m.ArticleID, &m.ClusterID, &m.Score, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cluster member: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
