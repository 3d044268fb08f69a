package memory

import (
	"context"
	"sort"
	"time"

	"github.com/tahrirhq/tahrir/internal/core"
)

// UpsertTrendTopic records a trending keyword, refreshing strength and
// last_seen while preserving first_seen. An empty context never clobbers
// an earlier LLM briefing.
func (m *Store) UpsertTrendTopic(_ context.Context, topic *core.TrendTopic) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if topic.FirstSeen.IsZero() {
		topic.FirstSeen = now
	}
	if topic.LastSeen.IsZero() {
		topic.LastSeen = now
	}
	if existing, ok := m.trends[topic.Keyword]; ok {
		existing.Sources = topic.Sources
		existing.Strength = topic.Strength
		if topic.Context != "" {
			existing.Context = topic.Context
		}
		existing.LastSeen = topic.LastSeen
		topic.ID = existing.ID
		topic.FirstSeen = existing.FirstSeen
		topic.Context = existing.Context
		return nil
	}
	m.nextTrendID++
	topic.ID = m.nextTrendID
	c := *topic
	m.trends[topic.Keyword] = &c
	return nil
}

// ListTrendTopics returns topics seen since the cutoff, strongest first.
func (m *Store) ListTrendTopics(_ context.Context, since time.Time, limit int) ([]*core.TrendTopic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*core.TrendTopic
	for _, t := range m.trends {
		if t.LastSeen.Before(since) {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
