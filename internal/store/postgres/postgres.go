// Package postgres implements the pipeline store on PostgreSQL using pgx.
//
// FOR UPDATE SKIP LOCKED backs the Router's disjoint batch claims, partial
// indexes back the active-job lookup and the one-applied-draft-per-work
// rule, and ON CONFLICT upserts keep the fingerprint and relation passes
// idempotent under replays.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tahrirhq/tahrir/internal/core"
)

// Store implements store.Storage on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database, verifies the connection, and applies the
// schema. dsn is a standard postgres URL.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if cfg.MaxConns < 8 {
		cfg.MaxConns = 8
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	// Exec with no arguments runs over the simple protocol, so the whole
	// multi-statement blob goes in one round trip.
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier is the subset of pgx shared by pools and transactions, letting
// one query implementation serve both paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner is the common interface of pgx.Row and pgx.Rows, allowing a
// single scan function per entity to serve both single-row and multi-row
// reads.
type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a duplicate-key error on the
// named constraint (any constraint when name is empty).
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// GetStatistics returns the aggregate pipeline snapshot.
func (s *Store) GetStatistics(ctx context.Context) (*core.PipelineStats, error) {
	stats := &core.PipelineStats{
		ArticlesByStatus: make(map[core.Status]int),
		JobsByStatus:     make(map[core.JobStatus]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM articles GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count articles: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan article count: %w", err)
		}
		stats.ArticlesByStatus[core.Status(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count articles: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats.JobsByStatus[core.JobStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM dead_letter_jobs),
			(SELECT COUNT(*) FROM sources WHERE active),
			(SELECT COUNT(*) FROM story_clusters),
			(SELECT COUNT(*) FROM editorial_drafts WHERE status = 'draft'),
			(SELECT COUNT(*) FROM articles WHERE is_breaking)`)
	if err := row.Scan(&stats.DeadLetters, &stats.ActiveSources, &stats.Clusters,
		&stats.DraftsPending, &stats.BreakingActive); err != nil {
		return nil, fmt.Errorf("failed to scan statistics: %w", err)
	}
	return stats, nil
}
