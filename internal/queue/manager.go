// Package queue implements the durable job queue: persistent JobRun
// records in the store, NATS JetStream delivery, per-queue backpressure,
// retry with backoff, and dead-lettering. A job row is written before its
// message is published, so the table is always the source of truth and
// the broker only carries ids.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// ErrQueueOverloaded is the retryable signal that a queue is at its
// configured depth limit. Callers back off and retry a later tick.
var ErrQueueOverloaded = errors.New("queue overloaded")

// DefaultMaxAttempts applies when an enqueue request does not set one.
const DefaultMaxAttempts = 5

// EnqueueRequest describes one unit of work to persist and publish.
type EnqueueRequest struct {
	JobType        core.JobType
	Queue          string // defaults to core.DefaultQueue(JobType)
	Payload        json.RawMessage
	EntityID       string // free-form dedup key for find_active_job
	IdempotencyKey string
	MaxAttempts    int // defaults to DefaultMaxAttempts
	RequestID      string
	RunID          string
	ActorName      string
	ActorKind      string

	// CoalesceWindow, when positive, makes Enqueue return an existing
	// queued/running job for (JobType, EntityID) within the window
	// instead of creating a new one.
	CoalesceWindow time.Duration
}

// Manager is the enqueue side of the queue.
type Manager struct {
	store    store.Storage
	broker   *Broker
	settings *config.Settings
	log      *zap.Logger
}

// NewManager wires the enqueue path.
func NewManager(st store.Storage, broker *Broker, settings *config.Settings, log *zap.Logger) *Manager {
	return &Manager{store: st, broker: broker, settings: settings, log: log.Named("queue")}
}

// CheckBackpressure inspects the broker's pending count for the queue.
// ok is false when depth has reached the configured limit.
func (m *Manager) CheckBackpressure(queue string) (ok bool, depth, limit int, err error) {
	limit = m.settings.DepthLimit(queue)
	if !m.settings.QueueBackpressureEnabled {
		return true, 0, limit, nil
	}
	depth, err = m.broker.PendingCount(queue)
	if err != nil {
		return false, 0, limit, err
	}
	return depth < limit, depth, limit, nil
}

// Enqueue persists a JobRun and publishes its id. The row is created
// first; if the publish fails the job is failed in place with the reason
// so nothing dangles in `queued` forever.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*core.JobRun, error) {
	queue := req.Queue
	if queue == "" {
		queue = core.DefaultQueue(req.JobType)
	}

	ok, depth, limit, err := m.CheckBackpressure(queue)
	if err != nil {
		return nil, fmt.Errorf("backpressure check: %w", err)
	}
	if !ok {
		m.log.Warn("enqueue rejected, queue at depth limit",
			zap.String("queue", queue),
			zap.Int("depth", depth),
			zap.Int("limit", limit))
		return nil, fmt.Errorf("%w: %s depth %d >= limit %d", ErrQueueOverloaded, queue, depth, limit)
	}

	if req.EntityID != "" && req.CoalesceWindow > 0 {
		existing, err := m.store.FindActiveJob(ctx, req.JobType, req.EntityID, req.CoalesceWindow)
		if err == nil {
			m.log.Debug("enqueue coalesced onto active job",
				zap.String("job_id", existing.ID),
				zap.String("job_type", string(req.JobType)),
				zap.String("entity_id", req.EntityID))
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("find active job: %w", err)
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	job := &core.JobRun{
		ID:             uuid.NewString(),
		JobType:        req.JobType,
		QueueName:      queue,
		EntityID:       req.EntityID,
		Status:         core.JobQueued,
		MaxAttempts:    maxAttempts,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      req.RequestID,
		RunID:          req.RunID,
		ActorName:      req.ActorName,
		ActorKind:      req.ActorKind,
	}
	if job.RunID == "" {
		job.RunID = uuid.NewString()
	}

	if err := m.store.CreateJobRun(ctx, job); err != nil {
		if errors.Is(err, store.ErrActiveDuplicate) && req.EntityID != "" {
			// Lost the race against another enqueue with the same key.
			existing, ferr := m.store.FindActiveJob(ctx, req.JobType, req.EntityID, time.Hour)
			if ferr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := m.broker.Publish(queue, job.ID); err != nil {
		if ferr := m.store.FailJob(ctx, job.ID, "publish failed: "+err.Error()); ferr != nil {
			m.log.Error("failed to mark unpublished job failed",
				zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("publish job: %w", err)
	}

	m.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.JobType)),
		zap.String("queue", queue),
		zap.String("entity_id", req.EntityID))
	return job, nil
}

// ReapStale fails out jobs stuck in running or queued past the
// configured windows. Runs from the maintenance loop.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	ids, err := m.store.ReapStaleJobs(ctx, m.settings.StaleRunningAfter, m.settings.StaleQueuedAfter)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		m.log.Warn("reaped stale jobs", zap.Int("count", len(ids)), zap.Strings("job_ids", ids))
	}
	return len(ids), nil
}
