package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

const storageScopeName = "github.com/tahrirhq/tahrir/storage"

// InstrumentedStorage wraps store.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in tahrir.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStorage struct {
	inner store.Storage
	tracer trace.Tracer
	ops   metric.Int64Counter
	dur   metric.Float64Histogram
	errs  metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s store.Storage) store.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("tahrir.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("tahrir.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("tahrir.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Articles ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateArticle(ctx context.Context, article *core.Article) error {
	attrs := []attribute.KeyValue{attribute.String("tahrir.article.source", article.SourceName)}
	ctx, span, t := s.op(ctx, "CreateArticle", attrs...)
	err := s.inner.CreateArticle(ctx, article)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetArticle(ctx context.Context, id int64) (*core.Article, error) {
	attrs := []attribute.KeyValue{attribute.Int64("tahrir.article.id", id)}
	ctx, span, t := s.op(ctx, "GetArticle", attrs...)
	v, err := s.inner.GetArticle(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetArticleByHash(ctx context.Context, uniqueHash string) (*core.Article, error) {
	ctx, span, t := s.op(ctx, "GetArticleByHash")
	v, err := s.inner.GetArticleByHash(ctx, uniqueHash)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpdateArticle(ctx context.Context, id int64, updates map[string]interface{}) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("tahrir.article.id", id),
		attribute.Int("tahrir.update.count", len(updates)),
	}
	ctx, span, t := s.op(ctx, "UpdateArticle", attrs...)
	err := s.inner.UpdateArticle(ctx, id, updates)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) TransitionArticle(ctx context.Context, id int64, to core.Status, reason string) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("tahrir.article.id", id),
		attribute.String("tahrir.article.status", string(to)),
	}
	ctx, span, t := s.op(ctx, "TransitionArticle", attrs...)
	err := s.inner.TransitionArticle(ctx, id, to, reason)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListArticles(ctx context.Context, filter core.ArticleFilter) ([]*core.Article, error) {
	ctx, span, t := s.op(ctx, "ListArticles")
	v, err := s.inner.ListArticles(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("tahrir.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CountArticles(ctx context.Context, filter core.ArticleFilter) (int, error) {
	ctx, span, t := s.op(ctx, "CountArticles")
	v, err := s.inner.CountArticles(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListBreaking(ctx context.Context, ttl time.Duration) ([]*core.Article, error) {
	ctx, span, t := s.op(ctx, "ListBreaking")
	v, err := s.inner.ListBreaking(ctx, ttl)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) DemoteStaleBreaking(ctx context.Context, ttl time.Duration) ([]int64, error) {
	ctx, span, t := s.op(ctx, "DemoteStaleBreaking")
	v, err := s.inner.DemoteStaleBreaking(ctx, ttl)
	if err == nil {
		span.SetAttributes(attribute.Int("tahrir.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Fingerprints, relations, clusters ───────────────────────────────────────

func (s *InstrumentedStorage) SaveFingerprint(ctx context.Context, fp *core.ArticleFingerprint) error {
	attrs := []attribute.KeyValue{attribute.Int64("tahrir.article.id", fp.ArticleID)}
	ctx, span, t := s.op(ctx, "SaveFingerprint", attrs...)
	err := s.inner.SaveFingerprint(ctx, fp)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetFingerprint(ctx context.Context, articleID int64) (*core.ArticleFingerprint, error) {
	ctx, span, t := s.op(ctx, "GetFingerprint")
	v, err := s.inner.GetFingerprint(ctx, articleID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RecentFingerprints(ctx context.Context, since time.Time, limit int) ([]*store.FingerprintCandidate, error) {
	ctx, span, t := s.op(ctx, "RecentFingerprints")
	v, err := s.inner.RecentFingerprints(ctx, since, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("tahrir.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpsertRelation(ctx context.Context, rel *core.ArticleRelation) error {
	attrs := []attribute.KeyValue{attribute.String("tahrir.relation", string(rel.Relation))}
	ctx, span, t := s.op(ctx, "UpsertRelation", attrs...)
	err := s.inner.UpsertRelation(ctx, rel)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetRelations(ctx context.Context, articleID int64) ([]*core.ArticleRelation, error) {
	ctx, span, t := s.op(ctx, "GetRelations")
	v, err := s.inner.GetRelations(ctx, articleID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetClusterByKey(ctx context.Context, key string) (*core.StoryCluster, error) {
	ctx, span, t := s.op(ctx, "GetClusterByKey")
	v, err := s.inner.GetClusterByKey(ctx, key)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CreateCluster(ctx context.Context, cluster *core.StoryCluster) error {
	ctx, span, t := s.op(ctx, "CreateCluster")
	err := s.inner.CreateCluster(ctx, cluster)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ClusterOf(ctx context.Context, articleID int64) (*core.StoryCluster, error) {
	ctx, span, t := s.op(ctx, "ClusterOf")
	v, err := s.inner.ClusterOf(ctx, articleID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) UpsertMembership(ctx context.Context, member *core.ClusterMember) error {
	ctx, span, t := s.op(ctx, "UpsertMembership")
	err := s.inner.UpsertMembership(ctx, member)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ClusterMembers(ctx context.Context, clusterID int64) ([]*core.ClusterMember, error) {
	ctx, span, t := s.op(ctx, "ClusterMembers")
	v, err := s.inner.ClusterMembers(ctx, clusterID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Sources ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) UpsertSource(ctx context.Context, source *core.Source) error {
	attrs := []attribute.KeyValue{attribute.String("tahrir.source", source.Name)}
	ctx, span, t := s.op(ctx, "UpsertSource", attrs...)
	err := s.inner.UpsertSource(ctx, source)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetSource(ctx context.Context, id int64) (*core.Source, error) {
	ctx, span, t := s.op(ctx, "GetSource")
	v, err := s.inner.GetSource(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListSources(ctx context.Context, filter core.SourceFilter) ([]*core.Source, error) {
	ctx, span, t := s.op(ctx, "ListSources")
	v, err := s.inner.ListSources(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RecordSourceFetch(ctx context.Context, id int64, fetchErr string) error {
	ctx, span, t := s.op(ctx, "RecordSourceFetch")
	err := s.inner.RecordSourceFetch(ctx, id, fetchErr)
	s.done(ctx, span, t, err)
	return err
}

// ── Job runs ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateJobRun(ctx context.Context, job *core.JobRun) error {
	attrs := []attribute.KeyValue{
		attribute.String("tahrir.job.type", string(job.JobType)),
		attribute.String("tahrir.queue", job.QueueName),
	}
	ctx, span, t := s.op(ctx, "CreateJobRun", attrs...)
	err := s.inner.CreateJobRun(ctx, job)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetJobRun(ctx context.Context, id string) (*core.JobRun, error) {
	ctx, span, t := s.op(ctx, "GetJobRun")
	v, err := s.inner.GetJobRun(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) StartJob(ctx context.Context, id string) (*core.JobRun, error) {
	ctx, span, t := s.op(ctx, "StartJob")
	v, err := s.inner.StartJob(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	ctx, span, t := s.op(ctx, "CompleteJob")
	err := s.inner.CompleteJob(ctx, id, result)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) RequeueJob(ctx context.Context, id string, errMsg string) error {
	ctx, span, t := s.op(ctx, "RequeueJob")
	err := s.inner.RequeueJob(ctx, id, errMsg)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) DeadLetterJob(ctx context.Context, id string, errMsg, traceback string) error {
	ctx, span, t := s.op(ctx, "DeadLetterJob")
	err := s.inner.DeadLetterJob(ctx, id, errMsg, traceback)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) FailJob(ctx context.Context, id string, reason string) error {
	ctx, span, t := s.op(ctx, "FailJob")
	err := s.inner.FailJob(ctx, id, reason)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) FindActiveJob(ctx context.Context, jobType core.JobType, entityID string, maxAge time.Duration) (*core.JobRun, error) {
	attrs := []attribute.KeyValue{attribute.String("tahrir.job.type", string(jobType))}
	ctx, span, t := s.op(ctx, "FindActiveJob", attrs...)
	v, err := s.inner.FindActiveJob(ctx, jobType, entityID, maxAge)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobRun, error) {
	ctx, span, t := s.op(ctx, "ListJobs")
	v, err := s.inner.ListJobs(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListDeadLetters(ctx context.Context, limit int) ([]*core.DeadLetterJob, error) {
	ctx, span, t := s.op(ctx, "ListDeadLetters")
	v, err := s.inner.ListDeadLetters(ctx, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ReapStaleJobs(ctx context.Context, runningAfter, queuedAfter time.Duration) ([]string, error) {
	ctx, span, t := s.op(ctx, "ReapStaleJobs")
	v, err := s.inner.ReapStaleJobs(ctx, runningAfter, queuedAfter)
	if err == nil {
		span.SetAttributes(attribute.Int("tahrir.result.count", len(v)))
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Drafts, decisions, reports ──────────────────────────────────────────────

func (s *InstrumentedStorage) CreateDraft(ctx context.Context, draft *core.EditorialDraft) error {
	attrs := []attribute.KeyValue{attribute.Int64("tahrir.article.id", draft.ArticleID)}
	ctx, span, t := s.op(ctx, "CreateDraft", attrs...)
	err := s.inner.CreateDraft(ctx, draft)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetDraft(ctx context.Context, id int64) (*core.EditorialDraft, error) {
	ctx, span, t := s.op(ctx, "GetDraft")
	v, err := s.inner.GetDraft(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetDraftsByWork(ctx context.Context, workID string) ([]*core.EditorialDraft, error) {
	ctx, span, t := s.op(ctx, "GetDraftsByWork")
	v, err := s.inner.GetDraftsByWork(ctx, workID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetDraftsByArticle(ctx context.Context, articleID int64) ([]*core.EditorialDraft, error) {
	ctx, span, t := s.op(ctx, "GetDraftsByArticle")
	v, err := s.inner.GetDraftsByArticle(ctx, articleID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ReviseDraft(ctx context.Context, workID string, expectVersion int, changes store.DraftChanges) (*core.EditorialDraft, error) {
	attrs := []attribute.KeyValue{attribute.Int("tahrir.draft.version", expectVersion)}
	ctx, span, t := s.op(ctx, "ReviseDraft", attrs...)
	v, err := s.inner.ReviseDraft(ctx, workID, expectVersion, changes)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ApplyDraft(ctx context.Context, draftID int64) (*core.EditorialDraft, error) {
	attrs := []attribute.KeyValue{attribute.Int64("tahrir.draft.id", draftID)}
	ctx, span, t := s.op(ctx, "ApplyDraft", attrs...)
	v, err := s.inner.ApplyDraft(ctx, draftID)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ArchiveDraft(ctx context.Context, draftID int64) error {
	ctx, span, t := s.op(ctx, "ArchiveDraft")
	err := s.inner.ArchiveDraft(ctx, draftID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) AddDecision(ctx context.Context, decision *core.EditorDecision) error {
	attrs := []attribute.KeyValue{attribute.String("tahrir.decision", string(decision.Action))}
	ctx, span, t := s.op(ctx, "AddDecision", attrs...)
	err := s.inner.AddDecision(ctx, decision)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListDecisions(ctx context.Context, articleID int64, limit int) ([]*core.EditorDecision, error) {
	ctx, span, t := s.op(ctx, "ListDecisions")
	v, err := s.inner.ListDecisions(ctx, articleID, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SaveQualityReport(ctx context.Context, report *core.ArticleQualityReport, keepHistory bool) error {
	attrs := []attribute.KeyValue{attribute.String("tahrir.report.stage", string(report.Stage))}
	ctx, span, t := s.op(ctx, "SaveQualityReport", attrs...)
	err := s.inner.SaveQualityReport(ctx, report, keepHistory)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListQualityReports(ctx context.Context, articleID int64) ([]*core.ArticleQualityReport, error) {
	ctx, span, t := s.op(ctx, "ListQualityReports")
	v, err := s.inner.ListQualityReports(ctx, articleID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Trends, statistics, lifecycle ───────────────────────────────────────────

func (s *InstrumentedStorage) UpsertTrendTopic(ctx context.Context, topic *core.TrendTopic) error {
	ctx, span, t := s.op(ctx, "UpsertTrendTopic")
	err := s.inner.UpsertTrendTopic(ctx, topic)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ListTrendTopics(ctx context.Context, since time.Time, limit int) ([]*core.TrendTopic, error) {
	ctx, span, t := s.op(ctx, "ListTrendTopics")
	v, err := s.inner.ListTrendTopics(ctx, since, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetStatistics(ctx context.Context) (*core.PipelineStats, error) {
	ctx, span, t := s.op(ctx, "GetStatistics")
	v, err := s.inner.GetStatistics(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx store.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

var _ store.Storage = (*InstrumentedStorage)(nil)
