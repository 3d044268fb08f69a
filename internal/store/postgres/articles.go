package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// articleColumns is the canonical column list for full article hydration.
// Every query that reads a complete core.Article must select exactly
// these columns in this order.
const articleColumns = `id, source_id, source_name, url, title, body, arabic_title, summary,
	image_url, category, entities, keywords, importance_score, urgency, is_breaking,
	status, unique_hash, trace_id, rejection_reason, published_url,
	published_at, source_date, crawled_at, created_at, updated_at`

func scanArticle(sc rowScanner) (*core.Article, error) {
	var a core.Article
	var sourceID *int64
	if err := sc.Scan(
		&a.ID, &sourceID, &a.SourceName, &a.URL, &a.Title, &a.Body, &a.ArabicTitle, &a.Summary,
		&a.ImageURL, &a.Category, &a.Entities, &a.Keywords, &a.ImportanceScore, &a.Urgency, &a.IsBreaking,
		&a.Status, &a.UniqueHash, &a.TraceID, &a.RejectionReason, &a.PublishedURL,
		&a.PublishedAt, &a.SourceDate, &a.CrawledAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if sourceID != nil {
		a.SourceID = *sourceID
	}
	return &a, nil
}

// CreateArticle inserts a new article, computing unique_hash when unset.
// A hash collision returns store.ErrDuplicateHash so ingestion can treat
// the item as already seen.
func (s *Store) CreateArticle(ctx context.Context, article *core.Article) error {
	now := time.Now().UTC()
	if article.CreatedAt.IsZero() {
		article.CreatedAt = now
	}
	article.UpdatedAt = now
	if article.CrawledAt.IsZero() {
		article.CrawledAt = now
	}
	if article.Status == "" {
		article.Status = core.StatusNew
	}
	article.Status = article.Status.Normalize()
	if !article.Status.IsValid() {
		return fmt.Errorf("invalid article status %q", article.Status)
	}
	if article.UniqueHash == "" {
		article.UniqueHash = core.ComputeUniqueHash(article.SourceName, article.URL, article.Title)
	}

	var sourceID *int64
	if article.SourceID != 0 {
		sourceID = &article.SourceID
	}
	entities := article.Entities
	if entities == nil {
		entities = []string{}
	}
	keywords := article.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO articles (source_id, source_name, url, title, body, arabic_title, summary,
			image_url, category, entities, keywords, importance_score, urgency, is_breaking,
			status, unique_hash, trace_id, rejection_reason, published_url,
			published_at, source_date, crawled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		RETURNING id`,
		sourceID, article.SourceName, article.URL, article.Title, article.Body,
		article.ArabicTitle, article.Summary, article.ImageURL, string(article.Category),
		entities, keywords, article.ImportanceScore, string(article.Urgency), article.IsBreaking,
		string(article.Status), article.UniqueHash, article.TraceID, article.RejectionReason,
		article.PublishedURL, article.PublishedAt, article.SourceDate,
		article.CrawledAt, article.CreatedAt, article.UpdatedAt,
	).Scan(&article.ID)
	if err != nil {
		if isUniqueViolation(err, "articles_unique_hash_key") {
			return store.ErrDuplicateHash
		}
		return fmt.Errorf("failed to create article: %w", err)
	}
	return nil
}

// GetArticle returns the article by id, or store.ErrNotFound.
func (s *Store) GetArticle(ctx context.Context, id int64) (*core.Article, error) {
	return getArticle(ctx, s.pool, id)
}

func getArticle(ctx context.Context, q querier, id int64) (*core.Article, error) {
	row := q.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE id = $1`, id)
	a, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// GetArticleByHash returns the article with the given unique_hash.
func (s *Store) GetArticleByHash(ctx context.Context, uniqueHash string) (*core.Article, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+articleColumns+` FROM articles WHERE unique_hash = $1`, uniqueHash)
	a, err := scanArticle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article by hash: %w", err)
	}
	return a, nil
}

// articleUpdateFields is the whitelist of columns UpdateArticle accepts.
// Status is handled separately so the transition check always runs.
var articleUpdateFields = map[string]bool{
	"title":            true,
	"body":             true,
	"arabic_title":     true,
	"summary":          true,
	"image_url":        true,
	"category":         true,
	"entities":         true,
	"keywords":         true,
	"importance_score": true,
	"urgency":          true,
	"is_breaking":      true,
	"rejection_reason": true,
	"published_url":    true,
	"trace_id":         true,
	"source_id":        true,
	"source_date":      true,
	"published_at":     true,
}

// UpdateArticle applies a partial update. A "status" key goes through the
// same legality check as TransitionArticle.
func (s *Store) UpdateArticle(ctx context.Context, id int64, updates map[string]interface{}) error {
	return updateArticle(ctx, s.pool, id, updates)
}

func updateArticle(ctx context.Context, q querier, id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	setClauses := []string{"updated_at = now()"}
	var args []interface{}
	for key, value := range updates {
		if key == "status" {
			continue
		}
		if !articleUpdateFields[key] {
			return fmt.Errorf("invalid field for update: %s", key)
		}
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", key, len(args)))
	}
	if raw, ok := updates["status"]; ok {
		to := core.Status(fmt.Sprint(raw)).Normalize()
		if !to.IsValid() {
			return fmt.Errorf("invalid article status %q", to)
		}
		current, err := getArticle(ctx, q, id)
		if err != nil {
			return err
		}
		if !core.CanTransition(current.Status, to) {
			return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, current.Status.Normalize(), to)
		}
		args = append(args, string(to))
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE articles SET %s WHERE id = $%d", strings.Join(setClauses, ", "), len(args))
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TransitionArticle moves the article along a legal lifecycle edge,
// applying the side effects of the target status: PUBLISHED stamps
// published_at, unpublish clears the public URL, REJECTED and ARCHIVED
// record the reason.
func (s *Store) TransitionArticle(ctx context.Context, id int64, to core.Status, reason string) error {
	return transitionArticle(ctx, s.pool, id, to, reason)
}

func transitionArticle(ctx context.Context, q querier, id int64, to core.Status, reason string) error {
	to = to.Normalize()
	if !to.IsValid() {
		return fmt.Errorf("invalid article status %q", to)
	}
	current, err := getArticle(ctx, q, id)
	if err != nil {
		return err
	}
	from := current.Status.Normalize()
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, from, to)
	}

	set := []string{"updated_at = now()"}
	args := []interface{}{string(to)}
	set = append(set, "status = $1")
	switch {
	case to == core.StatusPublished:
		set = append(set, "published_at = now()")
	case from == core.StatusPublished && to == core.StatusApproved:
		// Director unpublish: the public URL is no longer valid.
		set = append(set, "published_url = ''", "published_at = NULL")
	}
	if reason != "" && (to == core.StatusRejected || to == core.StatusArchived) {
		args = append(args, reason)
		set = append(set, fmt.Sprintf("rejection_reason = $%d", len(args)))
	}

	// Conditional update keeps the check-then-set atomic without an
	// explicit transaction: the row must still hold the status we read.
	args = append(args, id, string(current.Status))
	query := fmt.Sprintf("UPDATE articles SET %s WHERE id = $%d AND status = $%d",
		strings.Join(set, ", "), len(args)-1, len(args))
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition article: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race. If the other writer made the same move, the
		// transition already holds and this call is a no-op.
		after, err := getArticle(ctx, q, id)
		if err != nil {
			return err
		}
		if after.Status.Normalize() == to {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, after.Status.Normalize(), to)
	}
	return nil
}

// localPriorityExpr ranks how local a row is, 0 (local desk) through 4
// (no local signal). It drives the local-first ordering mode.
const localPriorityExpr = `CASE
	WHEN category = 'local_algeria' THEN 0
	WHEN source_id IS NOT NULL AND EXISTS (SELECT 1 FROM sources s WHERE s.id = articles.source_id AND s.is_local) THEN 1
	WHEN title LIKE '%جزائر%' OR arabic_title LIKE '%جزائر%' THEN 2
	WHEN summary LIKE '%جزائر%' THEN 3
	ELSE 4
END`

func buildArticleWhere(filter core.ArticleFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	statuses := filter.Statuses
	if len(statuses) == 0 && filter.Status != nil {
		statuses = []core.Status{*filter.Status}
	}
	if len(statuses) > 0 {
		norm := make([]string, len(statuses))
		for i, st := range statuses {
			norm[i] = string(st.Normalize())
		}
		conds = append(conds, "status = ANY("+arg(norm)+")")
	}
	if filter.Category != nil {
		conds = append(conds, "category = "+arg(string(*filter.Category)))
	}
	if filter.Urgency != nil {
		conds = append(conds, "urgency = "+arg(string(*filter.Urgency)))
	}
	if filter.SourceID != nil {
		conds = append(conds, "source_id = "+arg(*filter.SourceID))
	}
	if filter.IsBreaking != nil {
		conds = append(conds, "is_breaking = "+arg(*filter.IsBreaking))
	}
	if filter.TitleSearch != "" {
		ph := arg("%" + filter.TitleSearch + "%")
		conds = append(conds, "(title ILIKE "+ph+" OR arabic_title ILIKE "+ph+")")
	}
	if filter.CreatedAfter != nil {
		conds = append(conds, "created_at >= "+arg(*filter.CreatedAfter))
	}
	if filter.CreatedBefore != nil {
		conds = append(conds, "created_at < "+arg(*filter.CreatedBefore))
	}
	if filter.CrawledAfter != nil {
		conds = append(conds, "crawled_at >= "+arg(*filter.CrawledAfter))
	}
	if filter.ImportanceMin != nil {
		conds = append(conds, "importance_score >= "+arg(*filter.ImportanceMin))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func buildArticleOrder(filter core.ArticleFilter) string {
	sortCol := string(core.SortCreatedAt)
	if filter.SortBy != "" && filter.SortBy.IsValid() {
		sortCol = string(filter.SortBy)
	}
	dir := "DESC"
	if filter.Ascending {
		dir = "ASC"
	}
	nulls := ""
	if sortCol == string(core.SortPublished) {
		nulls = " NULLS LAST"
	}
	order := " ORDER BY "
	if filter.LocalFirst {
		order += localPriorityExpr + " ASC, "
	}
	return order + fmt.Sprintf("%s %s%s, id DESC", sortCol, dir, nulls)
}

// ListArticles returns articles matching the filter in the requested
// order.
func (s *Store) ListArticles(ctx context.Context, filter core.ArticleFilter) ([]*core.Article, error) {
	where, args := buildArticleWhere(filter)
	query := `SELECT ` + articleColumns + ` FROM articles` + where + buildArticleOrder(filter)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	var out []*core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountArticles returns the number of articles matching the filter.
func (s *Store) CountArticles(ctx context.Context, filter core.ArticleFilter) (int, error) {
	where, args := buildArticleWhere(filter)
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM articles`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

// ListBreaking returns actionable breaking articles no older than ttl,
// newest crawl first.
func (s *Store) ListBreaking(ctx context.Context, ttl time.Duration) ([]*core.Article, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	actionable := []string{
		string(core.StatusNew), string(core.StatusClassified), string(core.StatusCandidate),
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE is_breaking AND status = ANY($1) AND crawled_at > $2
		ORDER BY crawled_at DESC`, actionable, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list breaking articles: %w", err)
	}
	defer rows.Close()

	var out []*core.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan article: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DemoteStaleBreaking clears the breaking flag on articles whose window
// has lapsed and downgrades their urgency to high.
func (s *Store) DemoteStaleBreaking(ctx context.Context, ttl time.Duration) ([]int64, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	rows, err := s.pool.Query(ctx, `
		UPDATE articles
		SET is_breaking = FALSE, urgency = $1, updated_at = now()
		WHERE is_breaking AND crawled_at <= $2
		RETURNING id`, string(core.UrgencyHigh), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to demote stale breaking: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan demoted id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
