// Package trends is the trend radar: it crosses a trends feed,
// competitor headlines, and burst words from the recent-title window,
// verifies keywords that appear in at least two of the three signal
// sets, and asks the LLM for a short editorial briefing on the top
// verified trends.
package trends

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	// competitorEntryCap bounds how many entries one competitor feed
	// contributes.
	competitorEntryCap = 10
	// burstTitleWindow is how far back the burst scan reads.
	burstTitleWindow = 100
	// analyzeTop bounds the per-run LLM spend.
	analyzeTop = 5
	// analysisCacheTTL suppresses repeat briefings for the same keyword.
	analysisCacheTTL = 30 * time.Minute

	// MinSignalSets is how many of the three sets must carry a keyword.
	MinSignalSets = 2

	analysisKeyPrefix = "trend_analysis:"
)

// Stats is the run summary persisted as the job result.
type Stats struct {
	TrendTerms  int `json:"trend_terms"`
	Competitors int `json:"competitors"`
	BurstWords  int `json:"burst_words"`
	Verified    int `json:"verified"`
	Analyzed    int `json:"analyzed"`
	CacheHits   int `json:"cache_hits"`
	FeedErrors  int `json:"feed_errors"`
}

// FeedLoader pulls entry titles from a feed URL. Tests inject a fake.
type FeedLoader interface {
	Titles(ctx context.Context, url string, max int) ([]string, error)
}

// GofeedLoader is the production loader.
type GofeedLoader struct {
	parser *gofeed.Parser
}

// NewLoader builds a loader with network timeouts.
func NewLoader() *GofeedLoader {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 20 * time.Second}
	parser.UserAgent = "tahrir-trends/1.0"
	return &GofeedLoader{parser: parser}
}

func (l *GofeedLoader) Titles(ctx context.Context, url string, max int) ([]string, error) {
	feed, err := l.parser.ParseURLWithContext(url, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", url, err)
	}
	var out []string
	for _, item := range feed.Items {
		if item == nil || item.Title == "" {
			continue
		}
		out = append(out, item.Title)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Agent is the trend radar worker.
type Agent struct {
	store    store.Storage
	cache    cache.Cache
	llm      llm.Client
	loader   FeedLoader
	settings *config.Settings
	log      *zap.Logger
}

// New wires a trend radar agent.
func New(st store.Storage, c cache.Cache, client llm.Client, loader FeedLoader, settings *config.Settings, log *zap.Logger) *Agent {
	return &Agent{
		store:    st,
		cache:    c,
		llm:      client,
		loader:   loader,
		settings: settings,
		log:      log.Named("trends"),
	}
}

// Run executes one radar sweep: gather the three signal sets,
// cross-validate, brief the top trends, and persist the topics.
func (a *Agent) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	trendSet := a.trendFeedSet(ctx, stats)
	compSet := a.competitorSet(ctx, stats)
	burstSet := a.burstSet(ctx, stats)

	type scored struct {
		keyword  string
		sources  int
		strength int
	}
	counts := make(map[string]int)
	for kw := range trendSet {
		counts[kw]++
	}
	for kw := range compSet {
		counts[kw]++
	}
	for kw := range burstSet {
		counts[kw]++
	}

	var verified []scored
	for kw, n := range counts {
		if n < MinSignalSets {
			continue
		}
		strength := n*3 + 2
		if strength > 10 {
			strength = 10
		}
		verified = append(verified, scored{keyword: kw, sources: n, strength: strength})
	}
	sort.Slice(verified, func(i, j int) bool {
		if verified[i].strength != verified[j].strength {
			return verified[i].strength > verified[j].strength
		}
		return verified[i].keyword < verified[j].keyword
	})
	stats.Verified = len(verified)

	now := time.Now().UTC()
	for i, tr := range verified {
		briefing := ""
		if i < analyzeTop {
			briefing = a.briefing(ctx, tr.keyword, stats)
		}
		topic := &core.TrendTopic{
			Keyword:  tr.keyword,
			Sources:  tr.sources,
			Strength: tr.strength,
			Context:  briefing,
			LastSeen: now,
		}
		if err := a.store.UpsertTrendTopic(ctx, topic); err != nil {
			a.log.Warn("trend upsert failed", zap.String("keyword", tr.keyword), zap.Error(err))
		}
	}

	a.log.Info("trend sweep finished",
		zap.Int("verified", stats.Verified),
		zap.Int("analyzed", stats.Analyzed),
		zap.Int("cache_hits", stats.CacheHits),
		zap.Int("feed_errors", stats.FeedErrors))
	return stats, nil
}

// trendFeedSet reads the trends feed; every entry title is a keyword
// phrase whose content tokens all count.
func (a *Agent) trendFeedSet(ctx context.Context, stats *Stats) map[string]struct{} {
	set := make(map[string]struct{})
	if a.settings.TrendFeedURL == "" {
		return set
	}
	titles, err := a.loader.Titles(ctx, a.settings.TrendFeedURL, 0)
	if err != nil {
		stats.FeedErrors++
		a.log.Warn("trend feed failed", zap.Error(err))
		return set
	}
	for _, title := range titles {
		for _, tok := range arabic.ContentTokens(title) {
			set[tok] = struct{}{}
		}
	}
	stats.TrendTerms = len(set)
	return set
}

func (a *Agent) competitorSet(ctx context.Context, stats *Stats) map[string]struct{} {
	set := make(map[string]struct{})
	for _, url := range a.settings.CompetitorFeeds {
		titles, err := a.loader.Titles(ctx, url, competitorEntryCap)
		if err != nil {
			stats.FeedErrors++
			a.log.Warn("competitor feed failed", zap.String("url", url), zap.Error(err))
			continue
		}
		for _, title := range titles {
			for _, tok := range arabic.ContentTokens(title) {
				set[tok] = struct{}{}
			}
		}
	}
	stats.Competitors = len(set)
	return set
}

// burstSet finds tokens repeating across the recent-title window.
func (a *Agent) burstSet(ctx context.Context, stats *Stats) map[string]struct{} {
	minCount := a.settings.TrendBurstMinCount
	if minCount <= 0 {
		minCount = 3
	}
	counts := make(map[string]int)
	for _, title := range a.cache.RecentTitles(ctx, burstTitleWindow) {
		for _, tok := range arabic.ContentTokens(title) {
			counts[tok]++
		}
	}
	set := make(map[string]struct{})
	for tok, n := range counts {
		if n >= minCount {
			set[tok] = struct{}{}
		}
	}
	stats.BurstWords = len(set)
	return set
}

// briefing returns the cached LLM context for a keyword, generating and
// caching it on a miss. Failures degrade to an empty briefing.
func (a *Agent) briefing(ctx context.Context, keyword string, stats *Stats) string {
	key := analysisKeyPrefix + keyword
	if v, ok := a.cache.Get(ctx, key); ok {
		stats.CacheHits++
		return string(v)
	}
	if a.llm == nil {
		return ""
	}

	prompt := fmt.Sprintf(`الكلمة المفتاحية "%s" متداولة الآن عبر عدة مصادر إخبارية جزائرية. أجب في ثلاث نقاط قصيرة: لماذا تتداول الآن، زوايا تغطية مقترحة، وكلمات بحث في الأرشيف.`, keyword)
	text, err := a.llm.GenerateText(ctx, prompt)
	if err != nil {
		a.log.Warn("trend briefing failed", zap.String("keyword", keyword), zap.Error(err))
		return ""
	}
	stats.Analyzed++
	a.cache.Set(ctx, key, []byte(text), analysisCacheTTL)
	return text
}
