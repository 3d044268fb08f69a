package core

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a queued unit of work.
type JobStatus string

// Job status constants
const (
	JobQueued       JobStatus = "queued"
	JobRunning      JobStatus = "running"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobDeadLettered JobStatus = "dead_lettered"
)

// IsValid checks if the job status value is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether the job can never change status again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobDeadLettered:
		return true
	}
	return false
}

// jobTransitions is the legal job edge set. stale_timeout moves any
// non-terminal status to failed; that edge is encoded here too.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:  {JobRunning, JobFailed},
	JobRunning: {JobCompleted, JobQueued, JobDeadLettered, JobFailed},
}

// CanTransitionJob reports whether from -> to is a legal job edge.
func CanTransitionJob(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobType names a unit of pipeline work. Handlers dispatch over this tag
// and parse the payload body per type.
type JobType string

// Job type constants
const (
	JobTypeScoutCycle    JobType = "scout_cycle"
	JobTypeRouterBatch   JobType = "router_batch"
	JobTypeScribeDraft   JobType = "scribe_draft"
	JobTypeTrendScan     JobType = "trend_scan"
	JobTypeMonitorScan   JobType = "published_monitor_scan"
	JobTypeMaintenance   JobType = "queue_maintenance"
)

// Queue name constants. One stream and one worker pool per queue.
const (
	QueueScout       = "ai_scout"
	QueueRouter      = "ai_router"
	QueueScribe      = "ai_scribe"
	QueueTrends      = "trend_radar"
	QueueMonitor     = "published_monitor"
	QueueMaintenance = "maintenance"
)

// IsValid checks if the job type value is valid
func (t JobType) IsValid() bool {
	switch t {
	case JobTypeScoutCycle, JobTypeRouterBatch, JobTypeScribeDraft,
		JobTypeTrendScan, JobTypeMonitorScan, JobTypeMaintenance:
		return true
	}
	return false
}

// QueueNames lists every queue the broker provisions at startup.
func QueueNames() []string {
	return []string{QueueScout, QueueRouter, QueueScribe, QueueTrends, QueueMonitor, QueueMaintenance}
}

// DefaultQueue maps a job type to the queue that owns it.
func DefaultQueue(t JobType) string {
	switch t {
	case JobTypeScoutCycle:
		return QueueScout
	case JobTypeRouterBatch:
		return QueueRouter
	case JobTypeScribeDraft:
		return QueueScribe
	case JobTypeTrendScan:
		return QueueTrends
	case JobTypeMonitorScan:
		return QueueMonitor
	}
	return QueueMaintenance
}

// JobPayload is the tagged envelope every queue message carries. Body's
// schema is determined by Type; handlers unmarshal it per variant.
type JobPayload struct {
	Type JobType         `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// JobRun is the durable record of one enqueued unit of work. The row is
// written before the broker publish; the broker message carries only the
// job id, so the table is the source of truth.
type JobRun struct {
	ID             string          `json:"id"` // UUID
	JobType        JobType         `json:"job_type"`
	QueueName      string          `json:"queue_name"`
	EntityID       string          `json:"entity_id,omitempty"` // free-form dedup key
	Status         JobStatus       `json:"status"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts"`
	Payload        json.RawMessage `json:"payload_json,omitempty"`
	Result         json.RawMessage `json:"result_json,omitempty"`
	Error          string          `json:"error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	RunID          string          `json:"run_id,omitempty"` // correlation key for the live event stream
	ActorName      string          `json:"actor_name,omitempty"`
	ActorKind      string          `json:"actor_kind,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// DeadLetterJob preserves the evidence of a terminal failure: the payload
// as enqueued, the final error, and the traceback if one was captured.
// Rows are never updated or deleted by the pipeline.
type DeadLetterJob struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"` // original JobRun id
	JobType   JobType         `json:"job_type"`
	QueueName string          `json:"queue_name"`
	Payload   json.RawMessage `json:"payload_json,omitempty"`
	Error     string          `json:"error"`
	Traceback string          `json:"traceback,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
