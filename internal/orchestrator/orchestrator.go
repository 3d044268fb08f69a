// Package orchestrator runs the pipeline: periodic tick loops enqueue
// agent jobs, the queue worker executes them, and every execution
// publishes run-keyed progress events. One orchestrator per data dir,
// enforced with a file lock.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tahrirhq/tahrir/internal/agents/monitor"
	"github.com/tahrirhq/tahrir/internal/agents/router"
	"github.com/tahrirhq/tahrir/internal/agents/scout"
	"github.com/tahrirhq/tahrir/internal/agents/scribe"
	"github.com/tahrirhq/tahrir/internal/agents/trends"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/events"
	"github.com/tahrirhq/tahrir/internal/notify"
	"github.com/tahrirhq/tahrir/internal/queue"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	maintenanceInterval = time.Minute
	lockFileName        = "tahrird.lock"
)

// Agents bundles the five pipeline workers.
type Agents struct {
	Scout   *scout.Agent
	Router  *router.Agent
	Scribe  *scribe.Agent
	Trends  *trends.Agent
	Monitor *monitor.Agent
}

// Orchestrator owns the tick loops and the handler registry.
type Orchestrator struct {
	store    store.Storage
	manager  *queue.Manager
	worker   *queue.Worker
	events   *events.Hub
	notifier *notify.Dispatcher
	lexicons *config.LexiconHolder
	agents   Agents
	settings *config.Settings
	log      *zap.Logger
}

// New wires the orchestrator. Handlers are registered on first Run.
func New(st store.Storage, manager *queue.Manager, worker *queue.Worker, hub *events.Hub,
	dispatcher *notify.Dispatcher, lexicons *config.LexiconHolder, agents Agents,
	settings *config.Settings, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		manager:  manager,
		worker:   worker,
		events:   hub,
		notifier: dispatcher,
		lexicons: lexicons,
		agents:   agents,
		settings: settings,
		log:      log.Named("orchestrator"),
	}
}

// ScribePayload is the body of a scribe_draft job. A zero ArticleID
// drains the handoff batch instead of drafting one article.
type ScribePayload struct {
	ArticleID int64  `json:"article_id,omitempty"`
	WorkID    string `json:"work_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Dispatch enqueues one agent job through the shared path: backpressure
// check, active-job coalescing, idempotency key job_type:entity:nonce.
// Tick loops and the HTTP boundary both come through here.
func (o *Orchestrator) Dispatch(ctx context.Context, jobType core.JobType, entityID string,
	body interface{}, actor core.Actor, coalesce time.Duration) (*core.JobRun, error) {
	payload := core.JobPayload{Type: jobType}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		payload.Body = raw
	}
	env, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return o.manager.Enqueue(ctx, queue.EnqueueRequest{
		JobType:        jobType,
		Payload:        env,
		EntityID:       entityID,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", jobType, entityID, uuid.NewString()[:8]),
		MaxAttempts:    o.settings.JobMaxAttempts,
		ActorName:      actor.Name,
		ActorKind:      actor.Kind,
		CoalesceWindow: coalesce,
	})
}

// RegisterHandlers binds the agents to their job types. Idempotent.
func (o *Orchestrator) RegisterHandlers() {
	o.worker.Register(core.JobTypeScoutCycle, o.instrument("scout", o.runScout))
	o.worker.Register(core.JobTypeRouterBatch, o.instrument("router", o.runRouter))
	o.worker.Register(core.JobTypeScribeDraft, o.instrument("scribe", o.runScribe))
	o.worker.Register(core.JobTypeTrendScan, o.instrument("trends", o.runTrends))
	o.worker.Register(core.JobTypeMonitorScan, o.instrument("monitor", o.runMonitor))
	o.worker.Register(core.JobTypeMaintenance, o.instrument("maintenance", o.runMaintenance))
}

type runFunc func(ctx context.Context, payload core.JobPayload) (interface{}, error)

// instrument wraps an agent run with started/completed/failed events on
// the job's run stream.
func (o *Orchestrator) instrument(node string, fn runFunc) queue.HandlerFunc {
	return func(ctx context.Context, job *core.JobRun, payload core.JobPayload) (json.RawMessage, error) {
		o.events.Publish(ctx, job.RunID, node, events.TypeStarted, map[string]interface{}{
			"job_id":  job.ID,
			"attempt": job.Attempt,
		})
		result, err := fn(ctx, payload)
		if err != nil {
			o.events.Publish(ctx, job.RunID, node, events.TypeFailed, map[string]string{
				"job_id": job.ID,
				"error":  err.Error(),
			})
			return nil, err
		}
		raw, merr := json.Marshal(result)
		if merr != nil {
			raw = nil
		}
		o.events.Publish(ctx, job.RunID, node, events.TypeCompleted, json.RawMessage(raw))
		return raw, nil
	}
}

func (o *Orchestrator) runScout(ctx context.Context, _ core.JobPayload) (interface{}, error) {
	stats, err := o.agents.Scout.Run(ctx)
	if err != nil {
		return nil, err
	}
	// a scout cycle feeds the router; chain the triage pass
	if _, err := o.Dispatch(ctx, core.JobTypeRouterBatch, "router", nil, core.Actor{Name: "scout", Kind: "agent"}, 5*time.Minute); err != nil && !errors.Is(err, queue.ErrQueueOverloaded) {
		o.log.Warn("router chain enqueue failed", zap.Error(err))
	}
	return stats, nil
}

func (o *Orchestrator) runRouter(ctx context.Context, _ core.JobPayload) (interface{}, error) {
	stats, err := o.agents.Router.Run(ctx)
	if err != nil {
		return nil, err
	}
	if o.settings.AutoScribeEnabled && stats.Picked > 0 {
		if _, err := o.Dispatch(ctx, core.JobTypeScribeDraft, "scribe_batch", nil, core.Actor{Name: "router", Kind: "agent"}, 5*time.Minute); err != nil && !errors.Is(err, queue.ErrQueueOverloaded) {
			o.log.Warn("scribe chain enqueue failed", zap.Error(err))
		}
	}
	return stats, nil
}

func (o *Orchestrator) runScribe(ctx context.Context, payload core.JobPayload) (interface{}, error) {
	var p ScribePayload
	if len(payload.Body) > 0 {
		if err := json.Unmarshal(payload.Body, &p); err != nil {
			return nil, queue.Permanent(fmt.Errorf("invalid scribe payload: %w", err))
		}
	}
	if p.ArticleID > 0 {
		draft, err := o.agents.Scribe.GenerateDraft(ctx, p.ArticleID, p.WorkID)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"article_id": p.ArticleID,
			"work_id":    draft.WorkID,
			"version":    draft.Version,
		}, nil
	}
	return o.agents.Scribe.Run(ctx, p.Limit)
}

func (o *Orchestrator) runTrends(ctx context.Context, _ core.JobPayload) (interface{}, error) {
	return o.agents.Trends.Run(ctx)
}

func (o *Orchestrator) runMonitor(ctx context.Context, _ core.JobPayload) (interface{}, error) {
	return o.agents.Monitor.Run(ctx)
}

// runMaintenance reaps stale jobs and demotes expired breaking flags.
func (o *Orchestrator) runMaintenance(ctx context.Context, _ core.JobPayload) (interface{}, error) {
	reaped, err := o.manager.ReapStale(ctx)
	if err != nil {
		return nil, err
	}
	demoted, err := o.store.DemoteStaleBreaking(ctx, o.settings.BreakingTTL)
	if err != nil {
		return nil, err
	}
	if reaped > 0 && o.notifier != nil {
		o.notifier.Dispatch(notify.Message{
			Severity: notify.SeverityOps,
			Title:    fmt.Sprintf("reaped %d stale jobs", reaped),
		})
	}
	return map[string]int{"reaped": reaped, "demoted": len(demoted)}, nil
}

// Run starts the worker, the tick loops, and the maintenance sweep, and
// blocks until ctx is canceled. The data-dir lock rejects a second
// instance.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := os.MkdirAll(o.settings.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lockPath := filepath.Join(o.settings.DataDir, lockFileName)
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another tahrird instance holds %s", lockPath)
	}
	defer lock.Unlock() //nolint:errcheck // shutdown path

	o.RegisterHandlers()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.worker.Run(ctx, core.QueueNames())
	})
	g.Go(func() error {
		return o.loop(ctx, "pipeline", o.settings.PipelineInterval,
			func() bool { return o.settings.AutoPipelineEnabled },
			func(ctx context.Context) {
				o.tick(ctx, core.JobTypeScoutCycle, "scout")
			})
	})
	g.Go(func() error {
		return o.loop(ctx, "trends", o.settings.TrendInterval,
			func() bool { return o.settings.AutoTrendsEnabled },
			func(ctx context.Context) {
				o.tick(ctx, core.JobTypeTrendScan, "trends")
			})
	})
	g.Go(func() error {
		return o.loop(ctx, "monitor", o.settings.MonitorInterval,
			func() bool { return o.settings.MonitorEnabled && o.settings.MonitorFeedURL != "" },
			func(ctx context.Context) {
				o.tick(ctx, core.JobTypeMonitorScan, "monitor")
			})
	})
	g.Go(func() error {
		return o.loop(ctx, "maintenance", maintenanceInterval,
			func() bool { return true },
			func(ctx context.Context) {
				if _, err := o.runMaintenance(ctx, core.JobPayload{}); err != nil {
					o.log.Warn("maintenance sweep failed", zap.Error(err))
				}
			})
	})
	if o.settings.LexiconDir != "" && o.lexicons != nil {
		g.Go(func() error {
			return config.WatchLexicons(ctx, o.settings.LexiconDir, o.lexicons, o.log)
		})
	}

	o.log.Info("orchestrator running",
		zap.Duration("pipeline_interval", o.settings.PipelineInterval),
		zap.Duration("trend_interval", o.settings.TrendInterval),
		zap.Bool("auto_pipeline", o.settings.AutoPipelineEnabled))

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// tick is one scheduled dispatch. Overload is expected under
// backpressure and only logged; the next tick retries.
func (o *Orchestrator) tick(ctx context.Context, jobType core.JobType, entityID string) {
	job, err := o.Dispatch(ctx, jobType, entityID, nil,
		core.Actor{Name: "orchestrator", Kind: "system"}, o.settings.PipelineInterval)
	if err != nil {
		if errors.Is(err, queue.ErrQueueOverloaded) {
			o.log.Warn("tick skipped, queue overloaded", zap.String("job_type", string(jobType)))
			return
		}
		o.log.Error("tick enqueue failed", zap.String("job_type", string(jobType)), zap.Error(err))
		return
	}
	o.log.Debug("tick enqueued", zap.String("job_type", string(jobType)), zap.String("job_id", job.ID))
}

func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration,
	enabled func() bool, fire func(context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !enabled() {
				continue
			}
			fire(ctx)
		}
	}
}
