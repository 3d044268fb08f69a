package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

const sourceColumns = `id, name, url, source_type, category, priority, credibility,
	is_aggregator, is_local, language, active, error_count, last_fetched_at, created_at, updated_at`

func scanSource(sc rowScanner) (*core.Source, error) {
	var src core.Source
	if err := sc.Scan(
		&src.ID, &src.Name, &src.URL, &src.Type, &src.Category, &src.Priority, &src.Credibility,
		&src.IsAggregator, &src.IsLocal, &src.Language, &src.Active, &src.ErrorCount,
		&src.LastFetchedAt, &src.CreatedAt, &src.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &src, nil
}

// UpsertSource inserts or refreshes a source keyed by name. The catalog
// file is re-applied at every startup, so this must be idempotent.
// error_count and last_fetched_at are runtime state and survive the
// upsert untouched.
func (s *Store) UpsertSource(ctx context.Context, source *core.Source) error {
	if source.Type == "" {
		source.Type = core.SourceTypeRSS
	}
	if !source.Type.IsValid() {
		return fmt.Errorf("invalid source type %q", source.Type)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sources (name, url, source_type, category, priority, credibility,
			is_aggregator, is_local, language, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (name) DO UPDATE SET
			url = EXCLUDED.url,
			source_type = EXCLUDED.source_type,
			category = EXCLUDED.category,
			priority = EXCLUDED.priority,
			credibility = EXCLUDED.credibility,
			is_aggregator = EXCLUDED.is_aggregator,
			is_local = EXCLUDED.is_local,
			language = EXCLUDED.language,
			active = EXCLUDED.active,
			updated_at = now()
		RETURNING id, error_count, last_fetched_at, created_at, updated_at`,
		source.Name, source.URL, string(source.Type), string(source.Category),
		source.Priority, source.Credibility, source.IsAggregator, source.IsLocal,
		source.Language, source.Active).
		Scan(&source.ID, &source.ErrorCount, &source.LastFetchedAt, &source.CreatedAt, &source.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}
	return nil
}

// GetSource returns the source by id, or store.ErrNotFound.
func (s *Store) GetSource(ctx context.Context, id int64) (*core.Source, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

// ListSources returns sources matching the filter, highest priority
// first.
func (s *Store) ListSources(ctx context.Context, filter core.SourceFilter) ([]*core.Source, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Active != nil {
		conds = append(conds, "active = "+arg(*filter.Active))
	}
	if filter.Type != nil {
		conds = append(conds, "source_type = "+arg(string(*filter.Type)))
	}
	if filter.Category != nil {
		conds = append(conds, "category = "+arg(string(*filter.Category)))
	}
	query := `SELECT ` + sourceColumns + ` FROM sources`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, name"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var out []*core.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecordSourceFetch stamps last_fetched_at; a non-empty fetchErr also
// increments error_count.
func (s *Store) RecordSourceFetch(ctx context.Context, id int64, fetchErr string) error {
	bump := 0
	if fetchErr != "" {
		bump = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sources
		SET last_fetched_at = now(), error_count = error_count + $1, updated_at = now()
		WHERE id = $2`, bump, id)
	if err != nil {
		return fmt.Errorf("failed to record source fetch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
