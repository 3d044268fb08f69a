package memory

import (
	"context"
	"sort"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

func cloneSource(s *core.Source) *core.Source {
	c := *s
	c.LastFetchedAt = cloneTime(s.LastFetchedAt)
	return &c
}

// UpsertSource inserts or updates by name, matching the postgres
// ON CONFLICT (name) behavior the startup catalog sync relies on.
func (m *Store) UpsertSource(_ context.Context, source *core.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if id, ok := m.sourceByName[source.Name]; ok {
		existing := m.sources[id]
		c := *source
		c.ID = id
		c.ErrorCount = existing.ErrorCount
		c.LastFetchedAt = existing.LastFetchedAt
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = now
		m.sources[id] = &c
		*source = *cloneSource(&c)
		return nil
	}
	m.nextSourceID++
	c := *source
	c.ID = m.nextSourceID
	c.CreatedAt = now
	c.UpdatedAt = now
	m.sources[c.ID] = &c
	m.sourceByName[c.Name] = c.ID
	*source = *cloneSource(&c)
	return nil
}

func (m *Store) GetSource(_ context.Context, id int64) (*core.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSource(s), nil
}

func (m *Store) ListSources(_ context.Context, filter core.SourceFilter) ([]*core.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Source
	for _, s := range m.sources {
		if filter.Active != nil && s.Active != *filter.Active {
			continue
		}
		if filter.Type != nil && s.Type != *filter.Type {
			continue
		}
		if filter.Category != nil && s.Category != *filter.Category {
			continue
		}
		out = append(out, cloneSource(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// RecordSourceFetch stamps the fetch time; a non-empty fetchErr also
// increments the source's error counter.
func (m *Store) RecordSourceFetch(_ context.Context, id int64, fetchErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sources[id]
	if !ok {
		return store.ErrNotFound
	}
	now := m.now()
	s.LastFetchedAt = &now
	s.UpdatedAt = now
	if fetchErr != "" {
		s.ErrorCount++
	}
	return nil
}
