// Package store provides shared types for pipeline storage.
//
// The concrete implementations live in the postgres and memory
// sub-packages. This package holds the interface and sentinel errors
// referenced by both the backends and their consumers (agents, queue,
// orchestrator, HTTP boundary).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/tahrirhq/tahrir/internal/core"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateHash is returned when creating an article whose unique_hash
// already exists. Callers treat it as "already ingested", not a failure.
var ErrDuplicateHash = errors.New("duplicate unique_hash")

// ErrVersionConflict is returned by optimistic draft updates when the
// caller's version no longer matches the work's head version.
var ErrVersionConflict = errors.New("draft version conflict")

// ErrAlreadyApplied is returned when applying a draft whose work already
// has an applied revision, or re-applying a frozen draft.
var ErrAlreadyApplied = errors.New("draft already applied for this work")

// ErrIllegalTransition is returned when a status change is not a legal
// edge of the article or job state machine.
var ErrIllegalTransition = errors.New("illegal status transition")

// ErrActiveDuplicate is returned when creating a job whose idempotency
// key is already held by a queued or running job.
var ErrActiveDuplicate = errors.New("active job with same idempotency key")

// FingerprintCandidate is one row of the dedup scan: the stored
// fingerprint joined with the bits of the article the similarity and
// relation passes need.
type FingerprintCandidate struct {
	core.ArticleFingerprint
	Title     string
	Summary   string
	Entities  []string
	CrawledAt time.Time
}

// DraftChanges carries the editable fields of a draft revision. Nil
// means "keep the previous revision's value".
type DraftChanges struct {
	Title        *string
	Body         *string
	SEOTitle     *string
	SEODesc      *string
	Tags         []string
	SourceAction string
	ChangeOrigin string
	ActorName    string
	ActorKind    string
}

// Storage is the interface satisfied by *postgres.Store and
// *memory.Store. Consumers depend on this interface so the in-memory
// backend can stand in under test.
type Storage interface {
	// Articles
	CreateArticle(ctx context.Context, article *core.Article) error
	GetArticle(ctx context.Context, id int64) (*core.Article, error)
	GetArticleByHash(ctx context.Context, uniqueHash string) (*core.Article, error)
	UpdateArticle(ctx context.Context, id int64, updates map[string]interface{}) error
	TransitionArticle(ctx context.Context, id int64, to core.Status, reason string) error
	ListArticles(ctx context.Context, filter core.ArticleFilter) ([]*core.Article, error)
	CountArticles(ctx context.Context, filter core.ArticleFilter) (int, error)
	// ListBreaking returns actionable breaking articles no older than ttl.
	ListBreaking(ctx context.Context, ttl time.Duration) ([]*core.Article, error)
	// DemoteStaleBreaking clears is_breaking on articles whose breaking
	// window has lapsed, downgrading urgency to high. Returns the ids it
	// touched so the caller can alert once per article.
	DemoteStaleBreaking(ctx context.Context, ttl time.Duration) ([]int64, error)

	// Fingerprints and relations
	SaveFingerprint(ctx context.Context, fp *core.ArticleFingerprint) error
	GetFingerprint(ctx context.Context, articleID int64) (*core.ArticleFingerprint, error)
	// RecentFingerprints returns candidates within the window, newest
	// first, capped at limit.
	RecentFingerprints(ctx context.Context, since time.Time, limit int) ([]*FingerprintCandidate, error)
	// UpsertRelation records an edge, keeping the max score for the pair.
	UpsertRelation(ctx context.Context, rel *core.ArticleRelation) error
	GetRelations(ctx context.Context, articleID int64) ([]*core.ArticleRelation, error)

	// Clusters
	GetClusterByKey(ctx context.Context, key string) (*core.StoryCluster, error)
	CreateCluster(ctx context.Context, cluster *core.StoryCluster) error
	// ClusterOf returns the active cluster an article belongs to, or
	// ErrNotFound.
	ClusterOf(ctx context.Context, articleID int64) (*core.StoryCluster, error)
	// UpsertMembership moves the article into the cluster, replacing any
	// previous membership.
	UpsertMembership(ctx context.Context, member *core.ClusterMember) error
	ClusterMembers(ctx context.Context, clusterID int64) ([]*core.ClusterMember, error)

	// Sources
	UpsertSource(ctx context.Context, source *core.Source) error
	GetSource(ctx context.Context, id int64) (*core.Source, error)
	ListSources(ctx context.Context, filter core.SourceFilter) ([]*core.Source, error)
	// RecordSourceFetch stamps last_fetched_at; a non-empty fetchErr also
	// increments error_count.
	RecordSourceFetch(ctx context.Context, id int64, fetchErr string) error

	// Job runs
	CreateJobRun(ctx context.Context, job *core.JobRun) error
	GetJobRun(ctx context.Context, id string) (*core.JobRun, error)
	// StartJob moves queued -> running, bumping attempt and started_at.
	StartJob(ctx context.Context, id string) (*core.JobRun, error)
	// CompleteJob moves running -> completed with the result.
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	// RequeueJob moves running -> queued after a retryable failure.
	RequeueJob(ctx context.Context, id string, errMsg string) error
	// DeadLetterJob moves running -> dead_lettered and writes the
	// DeadLetterJob evidence row in the same transaction.
	DeadLetterJob(ctx context.Context, id string, errMsg, traceback string) error
	// FailJob marks a job failed terminally (the stale reaper's edge).
	FailJob(ctx context.Context, id string, reason string) error
	// FindActiveJob returns a queued or running job for the pair inside
	// the window, or ErrNotFound.
	FindActiveJob(ctx context.Context, jobType core.JobType, entityID string, maxAge time.Duration) (*core.JobRun, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobRun, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*core.DeadLetterJob, error)
	// ReapStaleJobs fails jobs running longer than runningAfter or queued
	// longer than queuedAfter. Returns the ids it failed.
	ReapStaleJobs(ctx context.Context, runningAfter, queuedAfter time.Duration) ([]string, error)

	// Editorial drafts
	// CreateDraft inserts the first or next revision of a work; Version
	// is assigned (previous max + 1) and written back to the struct.
	CreateDraft(ctx context.Context, draft *core.EditorialDraft) error
	GetDraft(ctx context.Context, id int64) (*core.EditorialDraft, error)
	GetDraftsByWork(ctx context.Context, workID string) ([]*core.EditorialDraft, error)
	GetDraftsByArticle(ctx context.Context, articleID int64) ([]*core.EditorialDraft, error)
	// ReviseDraft creates revision expectVersion+1, failing with
	// ErrVersionConflict unless expectVersion is the work's head.
	ReviseDraft(ctx context.Context, workID string, expectVersion int, changes DraftChanges) (*core.EditorialDraft, error)
	// ApplyDraft freezes the draft and copies its content into the
	// owning article. Exclusive per work: a second apply returns
	// ErrAlreadyApplied.
	ApplyDraft(ctx context.Context, draftID int64) (*core.EditorialDraft, error)
	ArchiveDraft(ctx context.Context, draftID int64) error

	// Editorial decisions and quality reports
	AddDecision(ctx context.Context, decision *core.EditorDecision) error
	ListDecisions(ctx context.Context, articleID int64, limit int) ([]*core.EditorDecision, error)
	// SaveQualityReport appends, or replaces the stage's latest row when
	// keepHistory is false.
	SaveQualityReport(ctx context.Context, report *core.ArticleQualityReport, keepHistory bool) error
	ListQualityReports(ctx context.Context, articleID int64) ([]*core.ArticleQualityReport, error)

	// Trends
	UpsertTrendTopic(ctx context.Context, topic *core.TrendTopic) error
	ListTrendTopics(ctx context.Context, since time.Time, limit int) ([]*core.TrendTopic, error)

	// Statistics
	GetStatistics(ctx context.Context) (*core.PipelineStats, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction is the row-locking surface the Router's batch processing
// runs on. Locks are held until the enclosing RunInTransaction returns.
//
// # Example Usage
//
//	err := store.RunInTransaction(ctx, func(tx store.Transaction) error {
//	    batch, err := tx.LockNewArticles(ctx, 50)
//	    if err != nil {
//	        return err
//	    }
//	    for _, a := range batch {
//	        // classify, then persist the outcome while the row is held
//	        if err := tx.TransitionArticle(ctx, a.ID, core.StatusClassified, ""); err != nil {
//	            return err
//	        }
//	    }
//	    return nil // commit releases the locks
//	})
type Transaction interface {
	// LockNewArticles selects up to limit NEW articles, newest crawl
	// first, skipping rows other workers hold.
	LockNewArticles(ctx context.Context, limit int) ([]*core.Article, error)
	// LockArticlesByID re-locks specific rows that are still NEW;
	// rows that moved on or are held elsewhere are silently omitted.
	LockArticlesByID(ctx context.Context, ids []int64) ([]*core.Article, error)
	GetArticle(ctx context.Context, id int64) (*core.Article, error)
	UpdateArticle(ctx context.Context, id int64, updates map[string]interface{}) error
	TransitionArticle(ctx context.Context, id int64, to core.Status, reason string) error
}
