package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func cloneJob(j *core.JobRun) *core.JobRun {
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.StartedAt = cloneTime(j.StartedAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func (m *Store) CreateJobRun(_ context.Context, job *core.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

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
		job.QueuedAt = m.now()
	}
	if job.IdempotencyKey != "" {
		for _, existing := range m.jobs {
			if existing.IdempotencyKey == job.IdempotencyKey && !existing.Status.Terminal() {
				return store.ErrActiveDuplicate
			}
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Store) GetJobRun(_ context.Context, id string) (*core.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

// StartJob moves queued -> running. Exactly one concurrent caller wins;
// the rest see ErrIllegalTransition, same as the conditional UPDATE in
// the postgres backend.
func (m *Store) StartJob(_ context.Context, id string) (*core.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != core.JobQueued {
		return nil, fmt.Errorf("%w: job %s is not queued", store.ErrIllegalTransition, id)
	}
	now := m.now()
	j.Status = core.JobRunning
	j.Attempt++
	j.StartedAt = &now
	return cloneJob(j), nil
}

func (m *Store) CompleteJob(_ context.Context, id string, result json.RawMessage) error {
	return m.moveRunningJob(id, func(j *core.JobRun, now time.Time) {
		j.Status = core.JobCompleted
		j.Result = cloneRaw(result)
		j.Error = ""
		j.FinishedAt = &now
	})
}

func (m *Store) RequeueJob(_ context.Context, id string, errMsg string) error {
	return m.moveRunningJob(id, func(j *core.JobRun, _ time.Time) {
		j.Status = core.JobQueued
		j.Error = errMsg
	})
}

func (m *Store) moveRunningJob(id string, mutate func(*core.JobRun, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != core.JobRunning {
		return fmt.Errorf("%w: job %s is not running", store.ErrIllegalTransition, id)
	}
	mutate(j, m.now())
	return nil
}

// DeadLetterJob moves running -> dead_lettered and records the evidence
// row atomically under the store lock.
func (m *Store) DeadLetterJob(_ context.Context, id string, errMsg, traceback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != core.JobRunning {
		return fmt.Errorf("%w: job %s is not running", store.ErrIllegalTransition, id)
	}
	now := m.now()
	j.Status = core.JobDeadLettered
	j.Error = errMsg
	j.FinishedAt = &now

	m.nextDeadID++
	m.deadLetters = append(m.deadLetters, &core.DeadLetterJob{
		ID:        m.nextDeadID,
		JobID:     j.ID,
		JobType:   j.JobType,
		QueueName: j.QueueName,
		Payload:   cloneRaw(j.Payload),
		Error:     errMsg,
		Traceback: traceback,
		CreatedAt: now,
	})
	return nil
}

func (m *Store) FailJob(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != core.JobQueued && j.Status != core.JobRunning {
		return fmt.Errorf("%w: job %s is already terminal", store.ErrIllegalTransition, id)
	}
	now := m.now()
	j.Status = core.JobFailed
	j.Error = reason
	j.FinishedAt = &now
	return nil
}

func (m *Store) FindActiveJob(_ context.Context, jobType core.JobType, entityID string, maxAge time.Duration) (*core.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var cutoff time.Time
	if maxAge > 0 {
		cutoff = m.now().Add(-maxAge)
	}
	var best *core.JobRun
	for _, j := range m.jobs {
		if j.JobType != jobType || j.EntityID != entityID {
			continue
		}
		if j.Status != core.JobQueued && j.Status != core.JobRunning {
			continue
		}
		if !j.QueuedAt.After(cutoff) {
			continue
		}
		if best == nil || j.QueuedAt.After(best.QueuedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return cloneJob(best), nil
}

func matchJob(j *core.JobRun, filter core.JobFilter) bool {
	if filter.JobType != nil && j.JobType != *filter.JobType {
		return false
	}
	if filter.QueueName != nil && j.QueueName != *filter.QueueName {
		return false
	}
	statuses := filter.Statuses
	if len(statuses) == 0 && filter.Status != nil {
		statuses = []core.JobStatus{*filter.Status}
	}
	if len(statuses) > 0 {
		found := false
		for _, st := range statuses {
			if j.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.EntityID != nil && j.EntityID != *filter.EntityID {
		return false
	}
	if filter.RunID != nil && j.RunID != *filter.RunID {
		return false
	}
	if filter.QueuedAfter != nil && j.QueuedAt.Before(*filter.QueuedAfter) {
		return false
	}
	return true
}

func (m *Store) ListJobs(_ context.Context, filter core.JobFilter) ([]*core.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.JobRun
	for _, j := range m.jobs {
		if matchJob(j, filter) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.After(out[j].QueuedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Store) ListDeadLetters(_ context.Context, limit int) ([]*core.DeadLetterJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*core.DeadLetterJob
	for i := len(m.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		d := *m.deadLetters[i]
		d.Payload = cloneRaw(d.Payload)
		out = append(out, &d)
	}
	return out, nil
}

func (m *Store) ReapStaleJobs(_ context.Context, runningAfter, queuedAfter time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ids []string
	for _, j := range m.jobs {
		switch {
		case j.Status == core.JobRunning && j.StartedAt != nil && j.StartedAt.Before(now.Add(-runningAfter)):
			j.Status = core.JobFailed
			j.Error = fmt.Sprintf("stale_timeout: running longer than %s", runningAfter)
			finished := now
			j.FinishedAt = &finished
			ids = append(ids, j.ID)
		case j.Status == core.JobQueued && j.QueuedAt.Before(now.Add(-queuedAfter)):
			j.Status = core.JobFailed
			j.Error = fmt.Sprintf("stale_timeout: queued longer than %s", queuedAfter)
			finished := now
			j.FinishedAt = &finished
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
