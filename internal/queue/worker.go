package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// HandlerFunc executes one job. The returned document is persisted as the
// job result. Returning an error requeues the job until max_attempts;
// wrap with Permanent to dead-letter immediately.
type HandlerFunc func(ctx context.Context, job *core.JobRun, payload core.JobPayload) (json.RawMessage, error)

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an error as irrecoverable: no retry, straight to the
// dead-letter table.
func Permanent(err error) error { return &permanentError{err: err} }

// IsPermanent reports whether the error should skip the retry budget.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, store.ErrNotFound)
}

const (
	fetchWait    = 2 * time.Second
	doneCacheTTL = 30 * time.Minute

	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// Worker consumes queues and drives the JobRun lifecycle. One goroutine
// per queue; each queue processes sequentially (the pooled-worker model:
// concurrency comes from running more queues or more processes).
type Worker struct {
	store    store.Storage
	broker   *Broker
	cache    cache.Cache
	settings *config.Settings
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[core.JobType]HandlerFunc
	sf       singleflight.Group
}

// NewWorker wires the consume path.
func NewWorker(st store.Storage, broker *Broker, c cache.Cache, settings *config.Settings, log *zap.Logger) *Worker {
	return &Worker{
		store:    st,
		broker:   broker,
		cache:    c,
		settings: settings,
		log:      log.Named("worker"),
		handlers: make(map[core.JobType]HandlerFunc),
	}
}

// Register binds a handler to a job type. Must happen before Run.
func (w *Worker) Register(t core.JobType, h HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[t] = h
}

func (w *Worker) handler(t core.JobType) (HandlerFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[t]
	return h, ok
}

// Run consumes the given queues until ctx is canceled.
func (w *Worker) Run(ctx context.Context, queues []string) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(queues))
	for _, q := range queues {
		ackWait := w.settings.JobHardTimeLimit + 30*time.Second
		sub, err := w.broker.PullSubscribe(q, nats.AckWait(ackWait))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", q, err)
		}
		wg.Add(1)
		go func(queue string, sub *nats.Subscription) {
			defer wg.Done()
			if err := w.consume(ctx, queue, sub); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("queue %s: %w", queue, err)
			}
		}(q, sub)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

func (w *Worker) consume(ctx context.Context, queue string, sub *nats.Subscription) error {
	defer sub.Unsubscribe() //nolint:errcheck // shutdown path
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("fetch failed", zap.String("queue", queue), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, msg := range msgs {
			w.process(ctx, queue, msg)
		}
	}
}

// process drives one delivery through the job state machine.
func (w *Worker) process(ctx context.Context, queue string, msg *nats.Msg) {
	jobID := string(msg.Data)
	log := w.log.With(zap.String("queue", queue), zap.String("job_id", jobID))

	job, err := w.store.GetJobRun(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("message references unknown job, discarding")
		_ = msg.Term()
		return
	}
	if err != nil {
		log.Error("job lookup failed", zap.Error(err))
		_ = msg.NakWithDelay(retryBaseDelay)
		return
	}

	// Duplicate delivery of an idempotent job that already completed
	// observes "completed" without re-executing.
	doneKey := w.doneKey(job)
	if doneKey != "" {
		var doneID string
		if w.cache.GetJSON(ctx, doneKey, &doneID) {
			log.Debug("duplicate delivery of completed job, acking", zap.String("completed_id", doneID))
			_ = msg.Ack()
			return
		}
	}
	if job.Status.Terminal() {
		_ = msg.Ack()
		return
	}

	started, err := w.store.StartJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// Another delivery won the race; its ack will settle it.
			_ = msg.Ack()
			return
		}
		log.Error("start failed", zap.Error(err))
		_ = msg.NakWithDelay(retryBaseDelay)
		return
	}
	job = started

	result, execErr := w.execute(ctx, job)
	if execErr == nil {
		if err := w.store.CompleteJob(ctx, jobID, result); err != nil {
			log.Error("complete failed", zap.Error(err))
			_ = msg.NakWithDelay(retryBaseDelay)
			return
		}
		if doneKey != "" {
			w.cache.SetJSON(ctx, doneKey, jobID, doneCacheTTL)
		}
		log.Info("job completed", zap.Int("attempt", job.Attempt))
		_ = msg.Ack()
		return
	}

	if IsPermanent(execErr) || job.Attempt >= job.MaxAttempts {
		traceback := ""
		var pe *panicError
		if errors.As(execErr, &pe) {
			traceback = pe.stack
		}
		if err := w.store.DeadLetterJob(ctx, jobID, execErr.Error(), traceback); err != nil {
			log.Error("dead-letter failed", zap.Error(err))
			_ = msg.NakWithDelay(retryBaseDelay)
			return
		}
		log.Error("job dead-lettered",
			zap.Int("attempt", job.Attempt),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(execErr))
		_ = msg.Term()
		return
	}

	delay := RetryDelay(job.Attempt)
	if err := w.store.RequeueJob(ctx, jobID, execErr.Error()); err != nil {
		log.Error("requeue failed", zap.Error(err))
	}
	log.Warn("job failed, will retry",
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.Error(execErr))
	_ = msg.NakWithDelay(delay)
}

type panicError struct {
	val   interface{}
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.val) }

// execute runs the handler under the hard time limit, deduplicated by
// the idempotency key so concurrent deliveries share one execution.
func (w *Worker) execute(ctx context.Context, job *core.JobRun) (json.RawMessage, error) {
	payload, err := w.decodePayload(job)
	if err != nil {
		return nil, Permanent(err)
	}
	h, ok := w.handler(payload.Type)
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for job type %q", payload.Type))
	}

	run := func() (json.RawMessage, error) {
		hctx, cancel := context.WithTimeout(ctx, w.settings.JobHardTimeLimit)
		defer cancel()

		soft := time.AfterFunc(w.settings.JobSoftTimeLimit, func() {
			w.log.Warn("job exceeded soft time limit",
				zap.String("job_id", job.ID),
				zap.Duration("soft_limit", w.settings.JobSoftTimeLimit))
		})
		defer soft.Stop()

		var res json.RawMessage
		var herr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					herr = Permanent(&panicError{val: r, stack: string(debug.Stack())})
				}
			}()
			res, herr = h(hctx, job, payload)
		}()
		return res, herr
	}

	if key := w.doneKey(job); key != "" {
		v, err, _ := w.sf.Do(key, func() (interface{}, error) {
			return run()
		})
		if err != nil {
			return nil, err
		}
		res, _ := v.(json.RawMessage)
		return res, nil
	}
	return run()
}

func (w *Worker) decodePayload(job *core.JobRun) (core.JobPayload, error) {
	if len(job.Payload) == 0 {
		return core.JobPayload{Type: job.JobType}, nil
	}
	var p core.JobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return core.JobPayload{}, fmt.Errorf("invalid payload: %w", err)
	}
	if p.Type == "" {
		// Bare body without the envelope; tag it with the row's type.
		p = core.JobPayload{Type: job.JobType, Body: job.Payload}
	}
	return p, nil
}

func (w *Worker) doneKey(job *core.JobRun) string {
	if job.IdempotencyKey == "" {
		return ""
	}
	return fmt.Sprintf("job_done:%s:%s", job.JobType, job.IdempotencyKey)
}

// RetryDelay computes the redelivery delay for the given attempt:
// exponential from 2 s capped at 30 s, with up to 25% jitter.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBaseDelay << (attempt - 1)
	if d > retryMaxDelay || d <= 0 {
		d = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4)) //nolint:gosec // not crypto
	return d + jitter
}
