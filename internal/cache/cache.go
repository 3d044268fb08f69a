// Package cache is the process-wide TTL store shared by all workers,
// plus the dedup primitives built on it: the processed-URL set, the
// recent-title window, and daily counters. All operations degrade
// gracefully: when the backend is unavailable reads come back empty and
// writes are dropped, never an error that could stop the pipeline.
package cache

import (
	"context"
	"time"
)

// Recent-title window size. Scout's fuzzy dedup scans this.
const RecentTitlesMax = 200

// ProcessedURLTTL bounds how long a URL hash stays in the dedup set.
const ProcessedURLTTL = 7 * 24 * time.Hour

// Cache is the keyed TTL store every agent shares. Implementations are
// safe for concurrent use.
type Cache interface {
	// Get returns the raw value, or ok=false on miss or backend failure.
	Get(ctx context.Context, key string) (value []byte, ok bool)
	// Set writes a value with a TTL. Failures are dropped silently.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// GetJSON unmarshals the stored value into dest.
	GetJSON(ctx context.Context, key string, dest interface{}) bool
	// SetJSON marshals value and stores it with a TTL.
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration)
	// IncrementCounter atomically bumps a daily counter and returns the
	// new value. Counters expire at the next local midnight. Returns 0
	// when the backend is down.
	IncrementCounter(ctx context.Context, key string) int64
	// CounterValue reads a daily counter without bumping it.
	CounterValue(ctx context.Context, key string) int64
	// IsURLProcessed checks the bounded-lifetime dedup set.
	IsURLProcessed(ctx context.Context, hash string) bool
	// MarkURLProcessed adds a hash to the dedup set, optionally recording
	// the article id it resolved to.
	MarkURLProcessed(ctx context.Context, hash string, articleID int64)
	// AddRecentTitle pushes a normalized title onto the bounded FIFO
	// window.
	AddRecentTitle(ctx context.Context, title string)
	// RecentTitles returns up to n titles, newest first.
	RecentTitles(ctx context.Context, n int) []string
	// Healthy reports whether the primary backend is serving.
	Healthy(ctx context.Context) bool
	Close() error
}

// untilNextMidnight returns the TTL that expires a daily counter at the
// next local midnight.
func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
