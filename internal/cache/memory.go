package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// memory capacity bounds. The fallback only has to cover an outage, not
// mirror the full working set.
const (
	memoryKVSize  = 4096
	memoryURLSize = 65536
)

// memoryCache is the in-process Cache used as the Redis fallback and in
// tests. KV entries ride an expirable LRU; the URL set and counters use
// their own maps because they need per-entry expiries the LRU's single
// TTL cannot express.
type memoryCache struct {
	kv *expirable.LRU[string, []byte]

	mu       sync.Mutex
	urls     map[string]time.Time // hash -> expiry
	counters map[string]counterEntry
	titles   []string

	now func() time.Time
}

type counterEntry struct {
	n      int64
	expiry time.Time
}

// NewMemory builds the in-process cache. The LRU's TTL is a ceiling; the
// spec's per-call TTLs shorter than it are honored by storing the expiry
// alongside values that need exact timing (URLs, counters).
func NewMemory() Cache {
	return newMemory(time.Now)
}

func newMemory(now func() time.Time) *memoryCache {
	return &memoryCache{
		kv:       expirable.NewLRU[string, []byte](memoryKVSize, nil, time.Hour),
		urls:     make(map[string]time.Time),
		counters: make(map[string]counterEntry),
		now:      now,
	}
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	return m.kv.Get(key)
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	m.kv.Add(key, value)
}

func (m *memoryCache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := m.Get(ctx, key)
	if !ok {
		return false
	}
	return jsonAPI.Unmarshal(raw, dest) == nil
}

func (m *memoryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := jsonAPI.Marshal(value)
	if err != nil {
		return
	}
	m.Set(ctx, key, raw, ttl)
}

func (m *memoryCache) IncrementCounter(_ context.Context, key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.counters[key]
	if !ok || now.After(e.expiry) {
		e = counterEntry{n: 0, expiry: now.Add(untilNextMidnight(now))}
	}
	e.n++
	m.counters[key] = e
	return e.n
}

func (m *memoryCache) CounterValue(_ context.Context, key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.counters[key]
	if !ok || m.now().After(e.expiry) {
		return 0
	}
	return e.n
}

func (m *memoryCache) IsURLProcessed(_ context.Context, hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.urls[hash]
	if !ok {
		return false
	}
	if m.now().After(expiry) {
		delete(m.urls, hash)
		return false
	}
	return true
}

func (m *memoryCache) MarkURLProcessed(_ context.Context, hash string, _ int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.urls) >= memoryURLSize {
		// drop expired entries before refusing growth
		now := m.now()
		for h, exp := range m.urls {
			if now.After(exp) {
				delete(m.urls, h)
			}
		}
	}
	m.urls[hash] = m.now().Add(ProcessedURLTTL)
}

func (m *memoryCache) AddRecentTitle(_ context.Context, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles = append([]string{title}, m.titles...)
	if len(m.titles) > RecentTitlesMax {
		m.titles = m.titles[:RecentTitlesMax]
	}
}

func (m *memoryCache) RecentTitles(_ context.Context, n int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.titles) {
		n = len(m.titles)
	}
	out := make([]string, n)
	copy(out, m.titles[:n])
	return out
}

func (m *memoryCache) Healthy(context.Context) bool { return true }

func (m *memoryCache) Close() error { return nil }
