package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// RunInTransaction runs fn inside a database transaction. Row locks the
// callback takes (LockNewArticles) are held until fn returns; commit or
// rollback releases them.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Transaction) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgxTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// pgxTx adapts a pgx transaction to the store.Transaction surface.
type pgxTx struct {
	tx pgx.Tx
}

// LockNewArticles claims up to limit NEW articles, newest crawl first,
// skipping rows other workers hold. This is how concurrent Router
// batches select disjoint work.
func (t *pgxTx) LockNewArticles(ctx context.Context, limit int) ([]*core.Article, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE status = 'NEW'
		ORDER BY crawled_at DESC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to lock new articles: %w", err)
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

// LockArticlesByID re-locks specific rows that are still NEW. Rows that
// moved on since selection, or that another worker holds, are silently
// omitted; the caller processes whatever comes back.
func (t *pgxTx) LockArticlesByID(ctx context.Context, ids []int64) ([]*core.Article, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+articleColumns+` FROM articles
		WHERE id = ANY($1) AND status = 'NEW'
		ORDER BY crawled_at DESC
		FOR UPDATE SKIP LOCKED`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to lock articles: %w", err)
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

func (t *pgxTx) GetArticle(ctx context.Context, id int64) (*core.Article, error) {
	return getArticle(ctx, t.tx, id)
}

func (t *pgxTx) UpdateArticle(ctx context.Context, id int64, updates map[string]interface{}) error {
	return updateArticle(ctx, t.tx, id, updates)
}

func (t *pgxTx) TransitionArticle(ctx context.Context, id int64, to core.Status, reason string) error {
	return transitionArticle(ctx, t.tx, id, to, reason)
}
