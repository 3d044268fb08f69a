package core

import "time"

// SortKey orders article list queries.
type SortKey string

// Sort key constants
const (
	SortCreatedAt  SortKey = "created_at"
	SortCrawledAt  SortKey = "crawled_at"
	SortImportance SortKey = "importance_score"
	SortPublished  SortKey = "published_at"
)

// IsValid checks if the sort key value is valid
func (s SortKey) IsValid() bool {
	switch s {
	case SortCreatedAt, SortCrawledAt, SortImportance, SortPublished, "":
		return true
	}
	return false
}

// ArticleFilter is used to filter article queries
type ArticleFilter struct {
	Status     *Status
	Statuses   []Status // OR semantics when set; overrides Status
	Category   *Category
	Urgency    *Urgency
	SourceID   *int64
	IsBreaking *bool
	TitleSearch string // free-text match over original and normalized titles

	// Date ranges
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	CrawledAfter  *time.Time

	// Numeric ranges
	ImportanceMin *int

	// Ordering
	SortBy     SortKey
	LocalFirst bool // prefix ordering with the 0..4 local-priority expression
	Ascending  bool

	Limit  int
	Offset int
}

// JobFilter is used to filter job run queries
type JobFilter struct {
	JobType     *JobType
	QueueName   *string
	Status      *JobStatus
	Statuses    []JobStatus
	EntityID    *string
	RunID       *string
	QueuedAfter *time.Time
	Limit       int
}

// SourceFilter is used to filter source queries
type SourceFilter struct {
	Active   *bool
	Type     *SourceType
	Category *Category
	Limit    int
}

// PipelineStats is the aggregate snapshot the status surfaces report.
type PipelineStats struct {
	ArticlesByStatus map[Status]int    `json:"articles_by_status"`
	JobsByStatus     map[JobStatus]int `json:"jobs_by_status"`
	DeadLetters      int               `json:"dead_letters"`
	ActiveSources    int               `json:"active_sources"`
	Clusters         int               `json:"clusters"`
	DraftsPending    int               `json:"drafts_pending"` // status=draft
	BreakingActive   int               `json:"breaking_active"`
}
