// Package router is the classification and triage agent. It drains
// articles in status NEW under row locks, runs the noise gate, the
// rule-based classifier, and the weighted urgency scorer, falls back to
// the LLM only when the rules cannot resolve, applies the editorial
// gate, and escalates the survivors to CANDIDATE or parks them in
// CLASSIFIED. Fingerprinting and cluster assignment run after each
// chunk commits.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/cluster"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/fingerprint"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/notify"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	// commitEvery bounds how many articles one transaction holds locks
	// over before releasing them.
	commitEvery = 50
	// overPullFactor over-selects before the source-quota cut.
	overPullFactor = 4

	minTitleRunes = 12
	minBodyRunes  = 40

	// llmTextLimit truncates the body sent to the classifier prompt.
	llmTextLimit = 1500
)

// Stats is the run summary persisted as the job result.
type Stats struct {
	Demoted    int `json:"demoted"`
	Picked     int `json:"picked"`
	Candidates int `json:"candidates"`
	Classified int `json:"classified"`
	Archived   int `json:"archived"`
	LLMCalls   int `json:"llm_calls"`
	LLMErrors  int `json:"llm_errors"`
	Clustered  int `json:"clustered"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// Agent is the triage worker. The LLM client and the dispatcher are
// optional; without them the agent degrades to rules-only operation.
type Agent struct {
	store    store.Storage
	cache    cache.Cache
	llm      llm.Client
	clusters *cluster.Engine
	notifier *notify.Dispatcher
	lexicons *config.LexiconHolder
	settings *config.Settings
	log      *zap.Logger
}

// New wires a router agent.
func New(st store.Storage, c cache.Cache, client llm.Client, engine *cluster.Engine,
	dispatcher *notify.Dispatcher, lexicons *config.LexiconHolder, settings *config.Settings,
	log *zap.Logger) *Agent {
	return &Agent{
		store:    st,
		cache:    c,
		llm:      client,
		clusters: engine,
		notifier: dispatcher,
		lexicons: lexicons,
		settings: settings,
		log:      log.Named("router"),
	}
}

// Run executes one triage cycle: demote lapsed breaking flags, then
// classify up to the batch limit in lock-held chunks.
func (a *Agent) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	lex := a.lexicons.Current()

	demoted, err := a.store.DemoteStaleBreaking(ctx, a.settings.BreakingTTL)
	if err != nil {
		a.log.Warn("breaking demotion failed", zap.Error(err))
	}
	stats.Demoted = len(demoted)

	sources, err := a.sourceIndex(ctx)
	if err != nil {
		return nil, err
	}

	limit := a.settings.RouterBatchLimit
	if limit <= 0 {
		limit = 40
	}
	quota := newQuotaTracker(a.settings)

	remaining := limit
	for remaining > 0 {
		chunk := remaining
		if chunk > commitEvery {
			chunk = commitEvery
		}

		var routed []*core.Article
		picked := 0
		err := a.store.RunInTransaction(ctx, func(tx store.Transaction) error {
			batch, err := tx.LockNewArticles(ctx, chunk*overPullFactor)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			selected := a.selectBatch(batch, sources, quota, chunk)
			picked = len(selected)

			for _, art := range selected {
				if err := ctx.Err(); err != nil {
					return err
				}
				d := a.decide(ctx, art, sources[art.SourceID], lex, quota, stats)
				if err := applyDecision(ctx, tx, art, d); err != nil {
					stats.Errors++
					a.log.Warn("article routing failed",
						zap.Int64("article_id", art.ID), zap.Error(err))
					continue
				}
				switch d.status {
				case core.StatusCandidate:
					stats.Candidates++
				case core.StatusClassified:
					stats.Classified++
				case core.StatusArchived:
					stats.Archived++
				}
				if d.status != core.StatusArchived {
					routed = append(routed, art)
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
		stats.Picked += picked

		// Locks are released; fingerprint, cluster, and alert outside.
		for _, art := range routed {
			a.fingerprintAndCluster(ctx, art, stats)
			if art.IsBreaking {
				a.alertBreaking(ctx, art)
			}
		}

		if picked == 0 {
			break
		}
		remaining -= picked
	}

	a.log.Info("router cycle finished",
		zap.Int("picked", stats.Picked),
		zap.Int("candidates", stats.Candidates),
		zap.Int("classified", stats.Classified),
		zap.Int("archived", stats.Archived),
		zap.Int("llm_calls", stats.LLMCalls),
		zap.Int("demoted", stats.Demoted))
	return stats, nil
}

func (a *Agent) sourceIndex(ctx context.Context) (map[int64]*core.Source, error) {
	list, err := a.store.ListSources(ctx, core.SourceFilter{})
	if err != nil {
		return nil, fmt.Errorf("load sources: %w", err)
	}
	idx := make(map[int64]*core.Source, len(list))
	for _, s := range list {
		idx[s.ID] = s
	}
	return idx, nil
}

// quotaTracker carries the per-run source quotas across chunks.
type quotaTracker struct {
	pickQuota      int
	candidateQuota int
	picked         map[int64]int
	candidates     map[int64]int
}

func newQuotaTracker(s *config.Settings) *quotaTracker {
	q := &quotaTracker{
		pickQuota:      s.RouterSourceQuota,
		candidateQuota: s.RouterCandidateQuota,
		picked:         make(map[int64]int),
		candidates:     make(map[int64]int),
	}
	if q.pickQuota <= 0 {
		q.pickQuota = 6
	}
	if q.candidateQuota <= 0 {
		q.candidateQuota = 3
	}
	return q
}

// selectBatch cuts the over-pulled lock set down to max articles:
// local-signal articles rank first, and no source contributes more than
// its quota for the whole run.
func (a *Agent) selectBatch(batch []*core.Article, sources map[int64]*core.Source, quota *quotaTracker, max int) []*core.Article {
	lex := a.lexicons.Current()
	rank := func(art *core.Article) int {
		if src := sources[art.SourceID]; src != nil && src.IsLocal {
			return 0
		}
		if hasLocalSignal(arabic.NormalizeLower(art.Title), lex) {
			return 0
		}
		return 1
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return rank(batch[i]) < rank(batch[j])
	})

	out := make([]*core.Article, 0, max)
	for _, art := range batch {
		if len(out) >= max {
			break
		}
		if quota.picked[art.SourceID] >= quota.pickQuota {
			continue
		}
		quota.picked[art.SourceID]++
		out = append(out, art)
	}
	return out
}

// decision is the routing outcome for one article.
type decision struct {
	status  core.Status
	reason  string
	updates map[string]interface{}
}

// decide runs the gates and classifiers for one article. The article
// copy is not mutated; applyDecision writes the outcome back.
func (a *Agent) decide(ctx context.Context, art *core.Article, src *core.Source, lex *config.Lexicon, quota *quotaTracker, stats *Stats) decision {
	normTitle := arabic.NormalizeLower(art.Title)
	normText := normTitle + " " + arabic.NormalizeLower(art.Body)
	verdict := scoreUrgency(normText, lex)
	breakingHint := verdict.Urgency == core.UrgencyBreaking

	// Noise gate.
	switch {
	case len([]rune(art.Title)) < minTitleRunes:
		return archived("noise: title too short")
	case len([]rune(art.Body)) < minBodyRunes && !breakingHint:
		return archived("noise: body too short")
	}
	if pat, ok := matchesAny(normTitle, lex.Filters.NoisePatterns); ok {
		return archived("noise pattern: " + pat)
	}
	if arabicSource(src) && !arabic.ContainsArabic(art.Title) {
		return archived("noise: no arabic content from arabic source")
	}

	category, matched, resolved := classifyCategory(normText, lex, a.settings.RouterRuleMinHits)
	textLocal := hasLocalSignal(normText, lex)
	srcLocal := src != nil && src.IsLocal
	aggregator := src != nil && src.IsAggregator

	cls := classification{
		category:   category,
		keywords:   matched,
		importance: ruleImportance(resolved, verdict),
		isBreaking: breakingHint,
	}
	switch {
	case resolved:
		// rules settled it; no LLM spend
	case aggregator && !textLocal && a.settings.RouterSkipAIForAggregator:
		cls.category = core.CategoryInternational
	case a.llm != nil:
		a.classifyWithLLM(ctx, art, &cls, textLocal, srcLocal, stats)
	default:
		cls.category = fallbackCategory(matched, category, textLocal)
	}
	if cls.isBreaking {
		verdict.Urgency = core.UrgencyBreaking
	}

	// Editorial gate.
	if reason, failed := a.editorialGate(normTitle, normText, textLocal, srcLocal, cls.isBreaking, lex); failed {
		if aggregator {
			// kept visible for monitoring rather than buried
			return decision{
				status:  core.StatusClassified,
				reason:  "gate: " + reason,
				updates: cls.updates(verdict, art),
			}
		}
		return archived("gate: " + reason)
	}

	// Candidate rule.
	candidate := cls.importance >= a.settings.EditorialMinImportance ||
		cls.isBreaking ||
		verdict.Urgency.Rank() >= core.UrgencyHigh.Rank()
	if aggregator && !textLocal && !cls.isBreaking {
		candidate = false
	}
	if candidate && quota.candidates[art.SourceID] >= quota.candidateQuota {
		candidate = false
	}

	status := core.StatusClassified
	reason := "router classification"
	if candidate {
		status = core.StatusCandidate
		reason = "router candidate"
		quota.candidates[art.SourceID]++
	}
	return decision{status: status, reason: reason, updates: cls.updates(verdict, art)}
}

// classification is the resolved category bundle from rules or the LLM.
type classification struct {
	category    core.Category
	importance  int
	arabicTitle string
	summary     string
	entities    []string
	keywords    []string
	isBreaking  bool
}

// updates builds the persisted field set, filling entity extraction and
// the normalized title from local analysis when the LLM supplied none.
func (c classification) updates(v urgencyVerdict, art *core.Article) map[string]interface{} {
	arabicTitle := c.arabicTitle
	if arabicTitle == "" {
		arabicTitle = art.Title
	}
	u := map[string]interface{}{
		"category":         string(c.category),
		"urgency":          string(v.Urgency),
		"is_breaking":      c.isBreaking,
		"importance_score": c.importance,
		"arabic_title":     arabicTitle,
		"keywords":         c.keywords,
		"entities":         c.entities,
	}
	if c.summary != "" {
		u["summary"] = c.summary
	}
	return u
}

// classifyWithLLM fills the classification from the model, guarding the
// local_algeria label against non-local content, and degrades to the
// rule fallback on any error.
func (a *Agent) classifyWithLLM(ctx context.Context, art *core.Article, cls *classification, textLocal, srcLocal bool, stats *Stats) {
	stats.LLMCalls++
	res, err := a.llm.AnalyzeNews(ctx, llmText(art), art.SourceName)
	if err != nil {
		stats.LLMErrors++
		a.log.Warn("llm classification failed, using rule fallback",
			zap.Int64("article_id", art.ID),
			zap.String("kind", string(llm.KindOf(err))),
			zap.Error(err))
		cls.category = fallbackCategory(cls.keywords, cls.category, textLocal)
		return
	}

	cat := core.Category(res.Category)
	if !cat.IsValid() {
		cat = fallbackCategory(cls.keywords, cls.category, textLocal)
	}
	if cat == core.CategoryLocalAlgeria && !textLocal && !srcLocal {
		cat = core.CategoryInternational
	}
	cls.category = cat
	cls.importance = res.Importance
	cls.arabicTitle = res.ArabicTitle
	cls.summary = res.Summary
	cls.entities = res.Entities
	if len(res.Keywords) > 0 {
		cls.keywords = res.Keywords
	}
	if res.IsBreaking {
		cls.isBreaking = true
	}
}

// fallbackCategory picks a best-effort desk when neither rules nor the
// LLM resolved one.
func fallbackCategory(matched []string, best core.Category, textLocal bool) core.Category {
	if len(matched) > 0 && best != "" {
		return best
	}
	if textLocal {
		return core.CategoryLocalAlgeria
	}
	return core.CategoryInternational
}

// editorialGate runs the promotional, weak-headline, and local-signal
// checks. Breaking stories bypass the local requirement.
func (a *Agent) editorialGate(normTitle, normText string, textLocal, srcLocal, isBreaking bool, lex *config.Lexicon) (string, bool) {
	if pat, ok := matchesAny(normText, lex.Filters.PromotionalPatterns); ok {
		return "promotional content: " + pat, true
	}
	if pat, ok := matchesAny(normTitle, lex.Filters.WeakHeadlinePatterns); ok {
		return "weak headline: " + pat, true
	}
	if a.settings.EditorialRequireLocal && !textLocal && !srcLocal && !isBreaking {
		return "no local signal", true
	}
	return "", false
}

func archived(reason string) decision {
	return decision{status: core.StatusArchived, reason: reason}
}

// applyDecision persists the outcome while the row lock is held and
// mirrors the final state onto the in-memory copy for the post-commit
// fingerprint pass.
func applyDecision(ctx context.Context, tx store.Transaction, art *core.Article, d decision) error {
	if len(d.updates) > 0 {
		if err := tx.UpdateArticle(ctx, art.ID, d.updates); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	}
	if err := tx.TransitionArticle(ctx, art.ID, d.status, d.reason); err != nil {
		return fmt.Errorf("transition: %w", err)
	}

	art.Status = d.status
	if v, ok := d.updates["category"].(string); ok {
		art.Category = core.Category(v)
	}
	if v, ok := d.updates["urgency"].(string); ok {
		art.Urgency = core.Urgency(v)
	}
	if v, ok := d.updates["is_breaking"].(bool); ok {
		art.IsBreaking = v
	}
	if v, ok := d.updates["importance_score"].(int); ok {
		art.ImportanceScore = v
	}
	if v, ok := d.updates["arabic_title"].(string); ok {
		art.ArabicTitle = v
	}
	if v, ok := d.updates["summary"].(string); ok {
		art.Summary = v
	}
	if v, ok := d.updates["entities"].([]string); ok {
		art.Entities = v
	}
	if v, ok := d.updates["keywords"].([]string); ok {
		art.Keywords = v
	}
	return nil
}

// fingerprintAndCluster saves the dedup signature and assigns the
// article to a story cluster. Failures here never undo the routing.
func (a *Agent) fingerprintAndCluster(ctx context.Context, art *core.Article, stats *Stats) {
	if len(art.Entities) == 0 {
		lex := a.lexicons.Current()
		art.Entities = fingerprint.ExtractEntities(art.Title+" "+art.Summary, lex.EntitySet())
	}

	sig := fingerprint.Compute(art.Title, art.Summary, art.Body)
	fp := &core.ArticleFingerprint{
		ArticleID:  art.ID,
		Simhash:    int64(sig.Simhash),
		Shingles:   sig.Shingles,
		TokenCount: sig.TokenCount,
	}
	if err := a.store.SaveFingerprint(ctx, fp); err != nil {
		a.log.Warn("fingerprint save failed", zap.Int64("article_id", art.ID), zap.Error(err))
		return
	}
	if len(art.Entities) > 0 {
		if err := a.store.UpdateArticle(ctx, art.ID, map[string]interface{}{"entities": art.Entities}); err != nil {
			a.log.Warn("entity update failed", zap.Int64("article_id", art.ID), zap.Error(err))
		}
	}

	out, err := a.clusters.Assign(ctx, art, sig)
	if err != nil {
		a.log.Warn("cluster assignment failed", zap.Int64("article_id", art.ID), zap.Error(err))
		return
	}
	stats.Clustered++
	if out.IsDuplicate {
		stats.Duplicates++
		a.log.Debug("near-duplicate detected",
			zap.Int64("article_id", art.ID),
			zap.Int64("duplicate_of", out.DuplicateOf),
			zap.Float64("score", out.BestScore))
	}
}

// alertBreaking dispatches the breaking notification once per article;
// the cache flag survives re-runs within the breaking window.
func (a *Agent) alertBreaking(ctx context.Context, art *core.Article) {
	if a.notifier == nil {
		return
	}
	key := fmt.Sprintf("breaking_alerted:%d", art.ID)
	if _, seen := a.cache.Get(ctx, key); seen {
		return
	}
	a.cache.Set(ctx, key, []byte("1"), a.settings.BreakingTTL)

	title := art.ArabicTitle
	if title == "" {
		title = art.Title
	}
	a.notifier.Dispatch(notify.Message{
		Severity: notify.SeverityBreaking,
		Title:    "عاجل: " + title,
		Body:     art.Summary,
		Fields: map[string]string{
			"source":   art.SourceName,
			"category": string(art.Category),
			"url":      art.URL,
		},
	})
}

func arabicSource(src *core.Source) bool {
	if src == nil {
		return true
	}
	return src.Language == "" || strings.HasPrefix(src.Language, "ar")
}

func llmText(art *core.Article) string {
	body := art.Body
	if r := []rune(body); len(r) > llmTextLimit {
		body = string(r[:llmTextLimit])
	}
	return art.Title + "\n\n" + body
}
