package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

const jobColumns = `id::text, job_type, queue_name, entity_id, status, attempt, max_attempts,
	payload_json, result_json, error, idempotency_key, request_id, run_id,
	actor_name, actor_kind, queued_at, started_at, finished_at`

func scanJobRun(sc rowScanner) (*core.JobRun, error) {
	var j core.JobRun
	if err := sc.Scan(
		&j.ID, &j.JobType, &j.QueueName, &j.EntityID, &j.Status, &j.Attempt, &j.MaxAttempts,
		&j.Payload, &j.Result, &j.Error, &j.IdempotencyKey, &j.RequestID, &j.RunID,
		&j.ActorName, &j.ActorKind, &j.QueuedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJobRun persists the durable job row. This happens before the
// broker publish; the message carries only the id.
func (s *Store) CreateJobRun(ctx context.Context, job *core.JobRun) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = core.JobQueued
	}
	if !job.Status.IsValid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	if job.QueueName == "" {
		job.QueueName = core.DefaultQueue(job.JobType)
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (id, job_type, queue_name, entity_id, status, attempt, max_attempts,
			payload_json, result_json, error, idempotency_key, request_id, run_id,
			actor_name, actor_kind, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, string(job.JobType), job.QueueName, job.EntityID, string(job.Status),
		job.Attempt, job.MaxAttempts, job.Payload, job.Result, job.Error,
		job.IdempotencyKey, job.RequestID, job.RunID, job.ActorName, job.ActorKind, job.QueuedAt)
	if err != nil {
		if isUniqueViolation(err, "idx_job_runs_idem") {
			return store.ErrActiveDuplicate
		}
		return fmt.Errorf("failed to create job run: %w", err)
	}
	return nil
}

// GetJobRun returns the job by id, or store.ErrNotFound.
func (s *Store) GetJobRun(ctx context.Context, id string) (*core.JobRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_runs WHERE id = $1`, id)
	j, err := scanJobRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}
	return j, nil
}

// StartJob moves queued -> running, bumping the attempt counter. The
// conditional update makes concurrent workers race safely: exactly one
// wins, the rest get ErrIllegalTransition.
func (s *Store) StartJob(ctx context.Context, id string) (*core.JobRun, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE job_runs
		SET status = 'running', attempt = attempt + 1, started_at = now()
		WHERE id = $1 AND status = 'queued'
		RETURNING `+jobColumns, id)
	j, err := scanJobRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJobRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: job %s is not queued", store.ErrIllegalTransition, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	return j, nil
}

// CompleteJob moves running -> completed, storing the result.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	return s.moveRunningJob(ctx, id, `
		UPDATE job_runs
		SET status = 'completed', result_json = $2, error = '', finished_at = now()
		WHERE id = $1 AND status = 'running'`, result)
}

// RequeueJob moves running -> queued after a retryable failure. The
// attempt counter stays; the next StartJob bumps it.
func (s *Store) RequeueJob(ctx context.Context, id string, errMsg string) error {
	return s.moveRunningJob(ctx, id, `
		UPDATE job_runs
		SET status = 'queued', error = $2
		WHERE id = $1 AND status = 'running'`, errMsg)
}

func (s *Store) moveRunningJob(ctx context.Context, id, query string, arg interface{}) error {
	tag, err := s.pool.Exec(ctx, query, id, arg)
	if err != nil {
		return fmt.Errorf("failed to update job run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJobRun(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: job %s is not running", store.ErrIllegalTransition, id)
	}
	return nil
}

// DeadLetterJob moves running -> dead_lettered and writes the evidence
// row in the same transaction, so a dead letter never goes missing.
func (s *Store) DeadLetterJob(ctx context.Context, id string, errMsg, traceback string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var jobType, queueName string
	var payload json.RawMessage
	err = tx.QueryRow(ctx, `
		UPDATE job_runs
		SET status = 'dead_lettered', error = $2, finished_at = now()
		WHERE id = $1 AND status = 'running'
		RETURNING job_type, queue_name, payload_json`, id, errMsg).
		Scan(&jobType, &queueName, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetJobRun(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: job %s is not running", store.ErrIllegalTransition, id)
	}
	if err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dead_letter_jobs (job_id, job_type, queue_name, payload_json, error, traceback)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, jobType, queueName, payload, errMsg, traceback)
	if err != nil {
		return fmt.Errorf("failed to record dead letter: %w", err)
	}
	return tx.Commit(ctx)
}

// FailJob marks a job terminally failed from either live status. This is
// the stale reaper's edge and the terminal stop for unroutable work.
func (s *Store) FailJob(ctx context.Context, id string, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = 'failed', error = $2, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`, id, reason)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJobRun(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: job %s is already terminal", store.ErrIllegalTransition, id)
	}
	return nil
}

// FindActiveJob returns the newest queued or running job for the
// (job_type, entity_id) pair inside the age window. The partial index
// idx_job_runs_active makes this a point lookup.
func (s *Store) FindActiveJob(ctx context.Context, jobType core.JobType, entityID string, maxAge time.Duration) (*core.JobRun, error) {
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM job_runs
		WHERE job_type = $1 AND entity_id = $2
			AND status IN ('queued', 'running') AND queued_at > $3
		ORDER BY queued_at DESC
		LIMIT 1`, string(jobType), entityID, cutoff)
	j, err := scanJobRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}
	return j, nil
}

// ListJobs returns job runs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobRun, error) {
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.JobType != nil {
		conds = append(conds, "job_type = "+arg(string(*filter.JobType)))
	}
	if filter.QueueName != nil {
		conds = append(conds, "queue_name = "+arg(*filter.QueueName))
	}
	statuses := filter.Statuses
	if len(statuses) == 0 && filter.Status != nil {
		statuses = []core.JobStatus{*filter.Status}
	}
	if len(statuses) > 0 {
		raw := make([]string, len(statuses))
		for i, st := range statuses {
			raw[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(raw)+")")
	}
	if filter.EntityID != nil {
		conds = append(conds, "entity_id = "+arg(*filter.EntityID))
	}
	if filter.RunID != nil {
		conds = append(conds, "run_id = "+arg(*filter.RunID))
	}
	if filter.QueuedAfter != nil {
		conds = append(conds, "queued_at >= "+arg(*filter.QueuedAfter))
	}

	query := `SELECT ` + jobColumns + ` FROM job_runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY queued_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*core.JobRun
	for rows.Next() {
		j, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListDeadLetters returns the newest dead letters, up to limit (100 when
// unset).
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*core.DeadLetterJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id::text, job_type, queue_name, payload_json, error, traceback, created_at
		FROM dead_letter_jobs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*core.DeadLetterJob
	for rows.Next() {
		var d core.DeadLetterJob
		if err := rows.Scan(&d.ID, &d.JobID, &d.JobType, &d.QueueName, &d.Payload,
			&d.Error, &d.Traceback, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ReapStaleJobs fails jobs stuck running past runningAfter or stuck
// queued past queuedAfter, tagging the error with the stale_timeout
// prefix so the failure cause is self-describing.
func (s *Store) ReapStaleJobs(ctx context.Context, runningAfter, queuedAfter time.Duration) ([]string, error) {
	now := time.Now().UTC()
	var ids []string

	sweep := func(query, msg string, cutoff time.Time) error {
		rows, err := s.pool.Query(ctx, query, msg, cutoff)
		if err != nil {
			return fmt.Errorf("failed to reap stale jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("failed to scan reaped id: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	}

	err := sweep(`
		UPDATE job_runs
		SET status = 'failed', error = $1, finished_at = now()
		WHERE status = 'running' AND started_at < $2
		RETURNING id::text`,
		fmt.Sprintf("stale_timeout: running longer than %s", runningAfter),
		now.Add(-runningAfter))
	if err != nil {
		return ids, err
	}
	err = sweep(`
		UPDATE job_runs
		SET status = 'failed', error = $1, finished_at = now()
		WHERE status = 'queued' AND queued_at < $2
		RETURNING id::text`,
		fmt.Sprintf("stale_timeout: queued longer than %s", queuedAfter),
		now.Add(-queuedAfter))
	return ids, err
}
