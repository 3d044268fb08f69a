// Package cluster assigns incoming articles to story clusters. It runs
// the candidate scan over recent fingerprints, applies the three-rung
// classification rule (duplicate, same story, singleton), and records
// the scored relation edges as a side effect.
package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/arabic"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/fingerprint"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	// DuplicateThreshold marks a near-duplicate of an existing article.
	DuplicateThreshold = 0.84
	// SameStoryThreshold joins an existing cluster without being a
	// duplicate.
	SameStoryThreshold = 0.68
	// EntityWindow is how recent a candidate must be for the
	// shared-entities rung to apply.
	EntityWindow = 48 * time.Hour
	// SharedEntityMin is the overlap the entity rung requires.
	SharedEntityMin = 2

	// CandidateWindow and CandidateLimit bound the scan.
	CandidateWindow = 14 * 24 * time.Hour
	CandidateLimit  = 1000
)

// Outcome reports what the assignment pass decided.
type Outcome struct {
	Cluster     *core.StoryCluster
	IsDuplicate bool  // best candidate cleared DuplicateThreshold
	DuplicateOf int64 // article id of the duplicate anchor, when IsDuplicate
	Relations   int   // edges recorded this pass
	Candidates  int   // candidates scanned
	BestScore   float64
}

// Engine runs cluster assignment against the store.
type Engine struct {
	store store.Storage
	log   *zap.Logger
}

// New returns an assignment engine.
func New(st store.Storage, log *zap.Logger) *Engine {
	return &Engine{store: st, log: log.Named("cluster")}
}

// scored is one candidate with its computed similarity.
type scored struct {
	cand  *store.FingerprintCandidate
	score float64
}

// Assign fingerprints the article's place among recent coverage. The
// fingerprint must already be saved; sig carries its in-memory form so
// the scan does not re-read it.
func (e *Engine) Assign(ctx context.Context, article *core.Article, sig fingerprint.Signature) (*Outcome, error) {
	since := article.CrawledAt.Add(-CandidateWindow)
	cands, err := e.store.RecentFingerprints(ctx, since, CandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("candidate scan: %w", err)
	}

	out := &Outcome{}
	var best *scored
	var entityMatch *scored // newest candidate clearing the entity rung

	aText := article.Title + " " + article.Summary
	var all []scored
	for _, cand := range cands {
		if cand.ArticleID == article.ID {
			continue
		}
		out.Candidates++
		s := fingerprint.Similarity(sig.Simhash, sig.Shingles, cand.Uint64(), cand.Shingles)
		sc := scored{cand: cand, score: s}
		all = append(all, sc)
		if best == nil || s > best.score {
			b := sc
			best = &b
		}
		if entityMatch == nil &&
			article.CrawledAt.Sub(cand.CrawledAt) <= EntityWindow &&
			fingerprint.SharedEntities(article.Entities, cand.Entities) >= SharedEntityMin {
			em := sc
			entityMatch = &em
		}
	}
	if best != nil {
		out.BestScore = best.score
	}

	// Record relation edges for every sufficiently similar candidate.
	for _, sc := range all {
		if sc.score < fingerprint.RelationThreshold {
			continue
		}
		shared := fingerprint.SharedEntities(article.Entities, sc.cand.Entities)
		rel := fingerprint.ClassifyRelation(aText, sc.cand.Title+" "+sc.cand.Summary, shared)
		if best != nil && sc.cand.ArticleID == best.cand.ArticleID && best.score >= DuplicateThreshold {
			rel = core.RelationDuplicateVariant
		}
		err := e.store.UpsertRelation(ctx, &core.ArticleRelation{
			ArticleID:        article.ID,
			RelatedArticleID: sc.cand.ArticleID,
			Relation:         rel,
			Score:            sc.score,
		})
		if err != nil {
			e.log.Warn("relation upsert failed",
				zap.Int64("article_id", article.ID),
				zap.Int64("related_id", sc.cand.ArticleID),
				zap.Error(err))
			continue
		}
		out.Relations++
	}

	switch {
	case best != nil && best.score >= DuplicateThreshold:
		out.IsDuplicate = true
		out.DuplicateOf = best.cand.ArticleID
		out.Cluster, err = e.joinAnchorCluster(ctx, article, best)
	case best != nil && best.score >= SameStoryThreshold:
		out.Cluster, err = e.joinAnchorCluster(ctx, article, best)
	case entityMatch != nil:
		out.Cluster, err = e.joinAnchorCluster(ctx, article, entityMatch)
	default:
		out.Cluster, err = e.singleton(ctx, article)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// joinAnchorCluster puts the article into the anchor's cluster, creating
// one anchored on the candidate when it has none yet.
func (e *Engine) joinAnchorCluster(ctx context.Context, article *core.Article, anchor *scored) (*core.StoryCluster, error) {
	cl, err := e.store.ClusterOf(ctx, anchor.cand.ArticleID)
	if err == store.ErrNotFound {
		cl = &core.StoryCluster{
			ClusterKey: Key(anchor.cand.Title, article.Category, anchor.cand.CrawledAt),
			Label:      anchor.cand.Title,
			Category:   article.Category,
		}
		if err := e.store.CreateCluster(ctx, cl); err != nil {
			return nil, fmt.Errorf("create anchor cluster: %w", err)
		}
		if err := e.store.UpsertMembership(ctx, &core.ClusterMember{
			ClusterID: cl.ID,
			ArticleID: anchor.cand.ArticleID,
			Score:     1,
		}); err != nil {
			return nil, fmt.Errorf("anchor membership: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("cluster lookup: %w", err)
	}

	if err := e.store.UpsertMembership(ctx, &core.ClusterMember{
		ClusterID: cl.ID,
		ArticleID: article.ID,
		Score:     clamp01(anchor.score),
	}); err != nil {
		return nil, fmt.Errorf("join cluster: %w", err)
	}
	return cl, nil
}

// singleton opens a fresh cluster anchored on the article itself.
func (e *Engine) singleton(ctx context.Context, article *core.Article) (*core.StoryCluster, error) {
	cl := &core.StoryCluster{
		ClusterKey: Key(article.Title, article.Category, article.CrawledAt),
		Label:      article.Title,
		Category:   article.Category,
	}
	if err := e.store.CreateCluster(ctx, cl); err != nil {
		return nil, fmt.Errorf("create singleton cluster: %w", err)
	}
	if err := e.store.UpsertMembership(ctx, &core.ClusterMember{
		ClusterID: cl.ID,
		ArticleID: article.ID,
		Score:     1,
	}); err != nil {
		return nil, fmt.Errorf("singleton membership: %w", err)
	}
	return cl, nil
}

// Key derives the deterministic cluster key from the anchor title, the
// category, and the day bucket. The same story re-clustered on the same
// day lands on the same row.
func Key(anchorTitle string, category core.Category, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(arabic.NormalizeLower(anchorTitle)))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(at.UTC().Format("2006-01-02")))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
