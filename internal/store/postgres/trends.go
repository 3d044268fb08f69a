package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/tahrirhq/tahrir/internal/core"
)

// UpsertTrendTopic records a trending keyword, refreshing strength and
// last_seen on repeat sightings while preserving first_seen. An empty
// context never clobbers an earlier LLM briefing.
func (s *Store) UpsertTrendTopic(ctx context.Context, topic *core.TrendTopic) error {
	now := time.Now().UTC()
	if topic.FirstSeen.IsZero() {
		topic.FirstSeen = now
	}
	if topic.LastSeen.IsZero() {
		topic.LastSeen = now
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trend_topics (keyword, sources, strength, context, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (keyword) DO UPDATE SET
			sources = EXCLUDED.sources,
			strength = EXCLUDED.strength,
			context = CASE WHEN EXCLUDED.context <> '' THEN EXCLUDED.context ELSE trend_topics.context END,
			last_seen = EXCLUDED.last_seen
		RETURNING id, first_seen`,
		topic.Keyword, topic.Sources, topic.Strength, topic.Context, topic.FirstSeen, topic.LastSeen).
		Scan(&topic.ID, &topic.FirstSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert trend topic: %w", err)
	}
	return nil
}

// ListTrendTopics returns topics seen since the cutoff, strongest first.
func (s *Store) ListTrendTopics(ctx context.Context, since time.Time, limit int) ([]*core.TrendTopic, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, keyword, sources, strength, context, first_seen, last_seen
		FROM trend_topics
		WHERE last_seen >= $1
		ORDER BY strength DESC, last_seen DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trend topics: %w", err)
	}
	defer rows.Close()

	var out []*core.TrendTopic
	for rows.Next() {
		var t core.TrendTopic
		if err := rows.Scan(&t.ID, &t.Keyword, &t.Sources, &t.Strength, &t.Context,
			&t.FirstSeen, &t.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan trend topic: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
