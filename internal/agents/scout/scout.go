// Package scout is the ingestion agent: it walks the enabled sources,
// pulls feed or scrape entries, deduplicates against hash, database, and
// fuzzy title window, and persists new articles in status NEW.
package scout

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	// Per-source cap bounds for one run.
	minPerSource = 4
	maxPerSource = 18

	// BodyLimit truncates stored bodies.
	BodyLimit = 10000

	interBatchPause = 500 * time.Millisecond
)

// Stats is the run summary persisted as the job result.
type Stats struct {
	SourcesScanned  int  `json:"sources_scanned"`
	SourceErrors    int  `json:"source_errors"`
	EntriesSeen     int  `json:"entries_seen"`
	Inserted        int  `json:"inserted"`
	HashDuplicates  int  `json:"hash_duplicates"`
	FuzzyDuplicates int  `json:"fuzzy_duplicates"`
	Stale           int  `json:"stale"`
	EntryErrors     int  `json:"entry_errors"`
	CapReached      bool `json:"cap_reached,omitempty"`
}

// Agent is the ingestion worker.
type Agent struct {
	store    store.Storage
	cache    cache.Cache
	fetcher  Fetcher
	settings *config.Settings
	log      *zap.Logger

	sanitizer *bluemonday.Policy
}

// New wires a scout agent.
func New(st store.Storage, c cache.Cache, fetcher Fetcher, settings *config.Settings, log *zap.Logger) *Agent {
	return &Agent{
		store:     st,
		cache:     c,
		fetcher:   fetcher,
		settings:  settings,
		log:       log.Named("scout"),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// Run executes one ingestion cycle over all active sources.
func (a *Agent) Run(ctx context.Context) (*Stats, error) {
	active := true
	sources, err := a.store.ListSources(ctx, core.SourceFilter{Active: &active})
	if err != nil {
		return nil, err
	}

	// Shuffle so slow or huge feeds don't starve the tail every run.
	rand.Shuffle(len(sources), func(i, j int) {
		sources[i], sources[j] = sources[j], sources[i]
	})

	stats := &Stats{}
	var mu sync.Mutex // guards stats
	var inserted atomic.Int64

	batchSize := a.settings.ScoutBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	concurrency := int64(a.settings.ScoutConcurrency)
	if concurrency <= 0 {
		concurrency = 6
	}
	sem := semaphore.NewWeighted(concurrency)
	globalCap := int64(a.settings.ScoutMaxNewPerRun)
	if globalCap <= 0 {
		globalCap = 500
	}

	for start := 0; start < len(sources); start += batchSize {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if inserted.Load() >= globalCap {
			stats.CapReached = true
			break
		}

		end := start + batchSize
		if end > len(sources) {
			end = len(sources)
		}

		var wg sync.WaitGroup
		for _, src := range sources[start:end] {
			if err := sem.Acquire(ctx, 1); err != nil {
				return stats, err
			}
			wg.Add(1)
			go func(src *core.Source) {
				defer wg.Done()
				defer sem.Release(1)
				s := a.scanSource(ctx, src, &inserted, globalCap)
				mu.Lock()
				stats.SourcesScanned++
				stats.SourceErrors += s.SourceErrors
				stats.EntriesSeen += s.EntriesSeen
				stats.Inserted += s.Inserted
				stats.HashDuplicates += s.HashDuplicates
				stats.FuzzyDuplicates += s.FuzzyDuplicates
				stats.Stale += s.Stale
				stats.EntryErrors += s.EntryErrors
				mu.Unlock()
			}(src)
		}
		wg.Wait()

		if end < len(sources) {
			select {
			case <-time.After(interBatchPause):
			case <-ctx.Done():
				return stats, ctx.Err()
			}
		}
	}

	if inserted.Load() >= globalCap {
		stats.CapReached = true
	}
	a.log.Info("scout cycle finished",
		zap.Int("sources", stats.SourcesScanned),
		zap.Int("inserted", stats.Inserted),
		zap.Int("hash_dups", stats.HashDuplicates),
		zap.Int("fuzzy_dups", stats.FuzzyDuplicates),
		zap.Int("source_errors", stats.SourceErrors),
		zap.Bool("cap_reached", stats.CapReached))
	return stats, nil
}

// scanSource fetches one source and ingests its entries. Failures stay
// inside the source: the error count goes up, the run continues.
func (a *Agent) scanSource(ctx context.Context, src *core.Source, inserted *atomic.Int64, globalCap int64) Stats {
	var s Stats
	log := a.log.With(zap.String("source", src.Name))

	items, err := a.fetcher.Fetch(ctx, src)
	if err != nil {
		log.Warn("source fetch failed", zap.Error(err))
		s.SourceErrors++
		if rerr := a.store.RecordSourceFetch(ctx, src.ID, err.Error()); rerr != nil {
			log.Warn("error count update failed", zap.Error(rerr))
		}
		return s
	}
	if rerr := a.store.RecordSourceFetch(ctx, src.ID, ""); rerr != nil {
		log.Warn("fetch timestamp update failed", zap.Error(rerr))
	}

	limit := perSourceCap(src)
	if len(items) > limit {
		items = items[:limit]
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return s
		}
		if inserted.Load() >= globalCap {
			return s
		}
		s.EntriesSeen++
		outcome, err := a.ingest(ctx, src, item)
		if err != nil {
			s.EntryErrors++
			log.Debug("entry skipped on error", zap.String("url", item.URL), zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeInserted:
			s.Inserted++
			inserted.Add(1)
		case outcomeHashDup:
			s.HashDuplicates++
		case outcomeFuzzyDup:
			s.FuzzyDuplicates++
		case outcomeStale:
			s.Stale++
		}
	}
	return s
}

type outcome int

const (
	outcomeInserted outcome = iota
	outcomeHashDup
	outcomeFuzzyDup
	outcomeStale
)

// ingest runs the dedup ladder for one entry and persists it when new.
func (a *Agent) ingest(ctx context.Context, src *core.Source, item Item) (outcome, error) {
	if a.settings.ScoutMaxArticleAge > 0 && item.PublishedAt != nil {
		if time.Since(*item.PublishedAt) > a.settings.ScoutMaxArticleAge {
			return outcomeStale, nil
		}
	}

	hash := core.ComputeUniqueHash(src.Name, item.URL, item.Title)

	// Cache first, database as the authoritative fallback.
	if a.cache.IsURLProcessed(ctx, hash) {
		return outcomeHashDup, nil
	}
	if existing, err := a.store.GetArticleByHash(ctx, hash); err == nil {
		a.cache.MarkURLProcessed(ctx, hash, existing.ID)
		return outcomeHashDup, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	if cache.IsDuplicateTitle(item.Title, a.cache.RecentTitles(ctx, cache.RecentTitlesMax), a.settings.DedupSimilarityThreshold) {
		a.cache.MarkURLProcessed(ctx, hash, 0)
		return outcomeFuzzyDup, nil
	}

	article := &core.Article{
		SourceID:   src.ID,
		SourceName: src.Name,
		URL:        item.URL,
		Title:      a.cleanText(item.Title),
		Body:       truncateRunes(a.cleanText(item.Body), BodyLimit),
		Summary:    truncateRunes(a.cleanText(item.Summary), 1000),
		ImageURL:   item.ImageURL,
		Category:   src.Category,
		Status:     core.StatusNew,
		UniqueHash: hash,
		TraceID:    uuid.NewString(),
		SourceDate: item.PublishedAt,
		CrawledAt:  time.Now().UTC(),
	}
	if err := a.store.CreateArticle(ctx, article); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			// Lost a race against a concurrent run; a duplicate, not an error.
			a.cache.MarkURLProcessed(ctx, hash, 0)
			return outcomeHashDup, nil
		}
		return 0, err
	}

	a.cache.MarkURLProcessed(ctx, hash, article.ID)
	a.cache.AddRecentTitle(ctx, item.Title)
	a.cache.IncrementCounter(ctx, "articles_ingested_today")
	return outcomeInserted, nil
}

// cleanText strips markup and collapses whitespace.
func (a *Agent) cleanText(s string) string {
	if s == "" {
		return ""
	}
	return arabic.CollapseWhitespace(a.sanitizer.Sanitize(s))
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// perSourceCap bounds how many entries one source may contribute to a
// run: priority scaled by credibility, source type, and freshness,
// clamped to [4,18].
func perSourceCap(src *core.Source) int {
	credWeight := 0.6 + 0.8*src.Credibility // 0.6 .. 1.4
	typeWeight := 1.2
	if src.Type == core.SourceTypeScrape {
		typeWeight = 0.8
	}
	freshness := 1.0
	if src.LastFetchedAt == nil || time.Since(*src.LastFetchedAt) > 6*time.Hour {
		freshness = 1.3
	}
	capf := float64(src.Priority) * credWeight * typeWeight * freshness
	n := int(math.Round(capf))
	if n < minPerSource {
		n = minPerSource
	}
	if n > maxPerSource {
		n = maxPerSource
	}
	return n
}
