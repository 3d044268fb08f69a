// Package monitor audits the organization's own published feed: each
// entry gets a 0-100 editorial-quality score from rule deductions plus
// a bounded LLM review, and items under the alert threshold are rolled
// into a weak-items payload for the quality channel.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/notify"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	// openingWindow is how much of the text counts as the lede for the
	// inverted-pyramid check.
	openingWindow = 200

	// seenTTL keeps an audited entry out of the next sweeps.
	seenTTL = 7 * 24 * time.Hour

	// WeakItemsKey is where the latest weak-items payload lives in the
	// cache; the status surface reads it back.
	WeakItemsKey = "published_weak_items"

	seenKeyPrefix = "monitor_seen:"
)

// Deduction sizes and caps.
const (
	clickbaitPenalty  = 8
	clickbaitCap      = 30
	spellingPenalty   = 4
	spellingCap       = 24
	shortTitlePenalty = 8
	longTitlePenalty  = 10
	thinBodyPenalty   = 12
	pyramidPenalty    = 4
	weakVerbPenalty   = 6

	shortTitleRunes = 35
	longTitleRunes  = 95
	thinBodyWords   = 180

	adjustmentFloor = -15
	adjustmentCeil  = 5
)

// Entry is one item of the published feed.
type Entry struct {
	Title   string
	URL     string
	Content string
}

// FeedLoader pulls published entries. Tests inject a fake.
type FeedLoader interface {
	Entries(ctx context.Context, feedURL string, max int) ([]Entry, error)
}

// GofeedLoader is the production loader.
type GofeedLoader struct {
	parser *gofeed.Parser
}

// NewLoader builds a loader with network timeouts.
func NewLoader() *GofeedLoader {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: 20 * time.Second}
	parser.UserAgent = "tahrir-monitor/1.0"
	return &GofeedLoader{parser: parser}
}

func (l *GofeedLoader) Entries(ctx context.Context, feedURL string, max int) ([]Entry, error) {
	feed, err := l.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse published feed: %w", err)
	}
	var out []Entry
	for _, item := range feed.Items {
		if item == nil || item.Link == "" {
			continue
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		out = append(out, Entry{Title: item.Title, URL: item.Link, Content: content})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Review is the scored audit of one published entry.
type Review struct {
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Score       float64  `json:"score"`
	Deductions  []string `json:"deductions,omitempty"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Adjustment  float64  `json:"adjustment,omitempty"`
}

// Stats is the sweep summary persisted as the job result.
type Stats struct {
	Fetched      int     `json:"fetched"`
	Scored       int     `json:"scored"`
	Duplicates   int     `json:"duplicates"`
	LLMReviewed  int     `json:"llm_reviewed"`
	Weak         int     `json:"weak"`
	AverageScore float64 `json:"average_score"`
}

// Agent is the published-quality worker.
type Agent struct {
	store    store.Storage
	cache    cache.Cache
	llm      llm.Client
	loader   FeedLoader
	notifier *notify.Dispatcher
	lexicons *config.LexiconHolder
	settings *config.Settings
	log      *zap.Logger
}

// New wires a monitor agent.
func New(st store.Storage, c cache.Cache, client llm.Client, loader FeedLoader,
	dispatcher *notify.Dispatcher, lexicons *config.LexiconHolder, settings *config.Settings,
	log *zap.Logger) *Agent {
	return &Agent{
		store:    st,
		cache:    c,
		llm:      client,
		loader:   loader,
		notifier: dispatcher,
		lexicons: lexicons,
		settings: settings,
		log:      log.Named("monitor"),
	}
}

// Run executes one audit sweep over the published feed.
func (a *Agent) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if a.settings.MonitorFeedURL == "" {
		return stats, nil
	}
	lex := a.lexicons.Current()

	maxItems := a.settings.MonitorMaxItems
	if maxItems <= 0 {
		maxItems = 30
	}
	entries, err := a.loader.Entries(ctx, a.settings.MonitorFeedURL, maxItems)
	if err != nil {
		return nil, err
	}
	stats.Fetched = len(entries)

	published, err := a.publishedIndex(ctx)
	if err != nil {
		a.log.Warn("published article lookup failed", zap.Error(err))
	}

	llmCap := a.settings.MonitorLLMItemCap
	threshold := a.settings.MonitorAlertThreshold
	if threshold <= 0 {
		threshold = 70
	}

	var weak []Review
	var total float64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		key := seenKeyPrefix + entryKey(entry)
		if _, dup := a.cache.Get(ctx, key); dup {
			stats.Duplicates++
			continue
		}
		a.cache.Set(ctx, key, []byte("1"), seenTTL)

		review := a.scoreEntry(entry, lex)
		if a.llm != nil && stats.LLMReviewed < llmCap {
			a.reviewWithLLM(ctx, entry, &review)
			stats.LLMReviewed++
		}
		stats.Scored++
		total += review.Score

		if review.Score < threshold {
			stats.Weak++
			weak = append(weak, review)
		}
		a.saveReport(ctx, entry, review, published, threshold)
	}
	if stats.Scored > 0 {
		stats.AverageScore = total / float64(stats.Scored)
	}

	if len(weak) > 0 {
		a.alertWeakItems(ctx, weak)
	}

	a.log.Info("published audit finished",
		zap.Int("scored", stats.Scored),
		zap.Int("weak", stats.Weak),
		zap.Float64("avg_score", stats.AverageScore))
	return stats, nil
}

// scoreEntry applies the rule deductions, starting from 100.
func (a *Agent) scoreEntry(entry Entry, lex *config.Lexicon) Review {
	review := Review{Title: entry.Title, URL: entry.URL, Score: 100}
	normTitle := arabic.NormalizeLower(entry.Title)
	normText := normTitle + " " + arabic.NormalizeLower(entry.Content)

	deduct := func(points float64, reason string) {
		review.Score -= points
		review.Deductions = append(review.Deductions, reason)
	}

	if n := countMatches(normText, lex.Quality.Clickbait); n > 0 {
		p := float64(n * clickbaitPenalty)
		if p > clickbaitCap {
			p = clickbaitCap
		}
		deduct(p, fmt.Sprintf("clickbait terms (%d)", n))
	}

	misspelled := 0
	for wrong := range lex.Quality.Spelling {
		if strings.Contains(normText, arabic.NormalizeLower(wrong)) {
			misspelled++
		}
	}
	if misspelled > 0 {
		p := float64(misspelled * spellingPenalty)
		if p > spellingCap {
			p = spellingCap
		}
		deduct(p, fmt.Sprintf("spelling mistakes (%d)", misspelled))
	}

	switch titleLen := len([]rune(entry.Title)); {
	case titleLen <= shortTitleRunes:
		deduct(shortTitlePenalty, "title too short")
	case titleLen >= longTitleRunes:
		deduct(longTitlePenalty, "title too long")
	}

	if arabic.WordCount(entry.Content) < thinBodyWords {
		deduct(thinBodyPenalty, "thin body")
	}

	opening := normText
	if r := []rune(opening); len(r) > openingWindow {
		opening = string(r[:openingWindow])
	}
	for _, pyramid := range []struct {
		name  string
		terms []string
	}{
		{"who", lex.Quality.PyramidWho},
		{"what", lex.Quality.PyramidWhat},
		{"where", lex.Quality.PyramidWhere},
		{"when", lex.Quality.PyramidWhen},
	} {
		if _, ok := firstMatch(opening, pyramid.terms); !ok {
			deduct(pyramidPenalty, "lede missing "+pyramid.name)
		}
	}

	if countMatches(normText, lex.Quality.StrongKeywords) < 2 {
		deduct(weakVerbPenalty, "weak news verbs")
	}

	if review.Score < 0 {
		review.Score = 0
	}
	return review
}

// reviewWithLLM asks the model for an editorial pass and applies the
// clamped score adjustment. Failures leave the rule score untouched.
func (a *Agent) reviewWithLLM(ctx context.Context, entry Entry, review *Review) {
	prompt := fmt.Sprintf(`راجع المقال المنشور التالي كسكرتير تحرير. العنوان: %s
النص: %s

أجب بكائن JSON فقط: {"issues": ["مشكلة"], "suggestions": ["اقتراح"], "checks": ["تدقيق"], "score_adjustment": 0}
حيث score_adjustment عدد بين -15 و 5.`, entry.Title, truncateRunes(entry.Content, 2000))

	obj, err := a.llm.GenerateJSON(ctx, prompt)
	if err != nil {
		a.log.Warn("llm review failed", zap.String("url", entry.URL), zap.Error(err))
		return
	}

	review.Issues = asStrings(obj["issues"])
	review.Suggestions = asStrings(obj["suggestions"])
	adj := asFloat(obj["score_adjustment"])
	if adj < adjustmentFloor {
		adj = adjustmentFloor
	}
	if adj > adjustmentCeil {
		adj = adjustmentCeil
	}
	review.Adjustment = adj
	review.Score += adj
	if review.Score > 100 {
		review.Score = 100
	}
	if review.Score < 0 {
		review.Score = 0
	}
}

// publishedIndex maps published_url to article id so audits attach to
// the pipeline rows they came from.
func (a *Agent) publishedIndex(ctx context.Context) (map[string]int64, error) {
	status := core.StatusPublished
	arts, err := a.store.ListArticles(ctx, core.ArticleFilter{Status: &status})
	if err != nil {
		return nil, err
	}
	idx := make(map[string]int64, len(arts))
	for _, art := range arts {
		if art.PublishedURL != "" {
			idx[normalizeURL(art.PublishedURL)] = art.ID
		}
	}
	return idx, nil
}

// saveReport persists the audit as a guardian-stage report. External
// entries with no pipeline row keep their history; matched rows follow
// the configured retention.
func (a *Agent) saveReport(ctx context.Context, entry Entry, review Review, published map[string]int64, threshold float64) {
	detail, _ := json.Marshal(review)
	report := &core.ArticleQualityReport{
		ArticleID:       published[normalizeURL(entry.URL)],
		ArticleURL:      entry.URL,
		Stage:           core.StageGuardian,
		Passed:          review.Score >= threshold,
		Score:           review.Score,
		BlockingReasons: review.Deductions,
		Fixes:           review.Suggestions,
		Report:          string(detail),
	}
	keepHistory := a.settings.KeepReportHistory || report.ArticleID == 0
	if err := a.store.SaveQualityReport(ctx, report, keepHistory); err != nil {
		a.log.Warn("quality report save failed", zap.String("url", entry.URL), zap.Error(err))
	}
}

// alertWeakItems stores the payload for the status surface and pushes
// the quality notification.
func (a *Agent) alertWeakItems(ctx context.Context, weak []Review) {
	a.cache.SetJSON(ctx, WeakItemsKey, weak, 24*time.Hour)

	if a.notifier == nil {
		return
	}
	worst := weak[0]
	for _, r := range weak[1:] {
		if r.Score < worst.Score {
			worst = r
		}
	}
	a.notifier.Dispatch(notify.Message{
		Severity: notify.SeverityQuality,
		Title:    fmt.Sprintf("مراقبة الجودة: %d مقالات ضعيفة", len(weak)),
		Body:     worst.Title,
		Fields: map[string]string{
			"count":       fmt.Sprintf("%d", len(weak)),
			"worst_score": fmt.Sprintf("%.0f", worst.Score),
			"worst_url":   worst.URL,
		},
	})
}

// entryKey hashes the normalized URL and title for the seen set.
func entryKey(entry Entry) string {
	return core.ComputeUniqueHash("published", normalizeURL(entry.URL), arabic.NormalizeLower(entry.Title))
}

// normalizeURL strips tracking query parameters and the fragment so the
// same piece shared through different campaigns dedups to one entry.
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	q := u.Query()
	for param := range q {
		if strings.HasPrefix(param, "utm_") || param == "fbclid" {
			q.Del(param)
		}
	}
	u.RawQuery = q.Encode()
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/")
}

func countMatches(text string, terms []string) int {
	n := 0
	for _, t := range terms {
		if t != "" && strings.Contains(text, t) {
			n++
		}
	}
	return n
}

func firstMatch(text string, terms []string) (string, bool) {
	for _, t := range terms {
		if t != "" && strings.Contains(text, t) {
			return t, true
		}
	}
	return "", false
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func asStrings(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
