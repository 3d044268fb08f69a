package core

import "time"

// DraftStatus is the lifecycle state of an editorial draft.
type DraftStatus string

// Draft status constants
const (
	DraftStatusDraft    DraftStatus = "draft"
	DraftStatusApplied  DraftStatus = "applied"
	DraftStatusArchived DraftStatus = "archived"
)

// IsValid checks if the draft status value is valid
func (s DraftStatus) IsValid() bool {
	switch s {
	case DraftStatusDraft, DraftStatusApplied, DraftStatusArchived:
		return true
	}
	return false
}

// EditorialDraft is one revision of rewritten article content. All
// revisions of one editorial work share a work_id; version is monotonic
// per work with no gaps. Applying a draft copies its title and body into
// the owning article and freezes the draft.
type EditorialDraft struct {
	ID            int64       `json:"id"`
	ArticleID     int64       `json:"article_id"`
	WorkID        string      `json:"work_id"`
	Version       int         `json:"version"`
	SourceAction  string      `json:"source_action,omitempty"` // which tool produced this revision
	Title         string      `json:"title"`
	Body          string      `json:"body"` // sanitized HTML
	SEOTitle      string      `json:"seo_title,omitempty"`
	SEODesc       string      `json:"seo_description,omitempty"`
	Tags          []string    `json:"tags,omitempty"`
	Status        DraftStatus `json:"status"`
	ParentDraftID *int64      `json:"parent_draft_id,omitempty"`
	ChangeOrigin  string      `json:"change_origin,omitempty"` // "llm", "editor_edit", "regeneration"
	ActorName     string      `json:"actor_name,omitempty"`
	ActorKind     string      `json:"actor_kind,omitempty"`
	Model         string      `json:"model,omitempty"` // LLM that produced the text, if any
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	AppliedAt     *time.Time  `json:"applied_at,omitempty"`
}

// DecisionAction labels what an editor did to an article or draft.
// The process:* family covers tool-invoked workflow steps.
type DecisionAction string

// Decision action constants
const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
	DecisionRewrite DecisionAction = "rewrite"
)

// EditorDecision is an immutable record of a human call on an article.
// Before/after snapshots feed the diff-based feedback log.
type EditorDecision struct {
	ID          int64          `json:"id"`
	ArticleID   int64          `json:"article_id"`
	DraftID     *int64         `json:"draft_id,omitempty"`
	Action      DecisionAction `json:"action"`
	Reason      string         `json:"reason,omitempty"`
	EditorID    string         `json:"editor_id,omitempty"`
	EditorName  string         `json:"editor_name"`
	BeforeTitle string         `json:"before_title,omitempty"`
	AfterTitle  string         `json:"after_title,omitempty"`
	BeforeBody  string         `json:"before_body,omitempty"`
	AfterBody   string         `json:"after_body,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ReportStage names a quality gate that can write a report.
type ReportStage string

// Report stage constants
const (
	StageReadability ReportStage = "readability"
	StageSEOTech     ReportStage = "seo_tech"
	StageFactCheck   ReportStage = "fact_check"
	StageGuardian    ReportStage = "guardian" // post-publish audit
)

// IsValid checks if the report stage value is valid
func (s ReportStage) IsValid() bool {
	switch s {
	case StageReadability, StageSEOTech, StageFactCheck, StageGuardian:
		return true
	}
	return false
}

// ArticleQualityReport is one gate's verdict on an article. Append-only,
// except that per-stage upserts keep only the latest row when history
// retention is off.
type ArticleQualityReport struct {
	ID              int64       `json:"id"`
	ArticleID       int64       `json:"article_id"`
	ArticleURL      string      `json:"article_url,omitempty"` // for post-publish audits of external pages
	Stage           ReportStage `json:"stage"`
	Passed          bool        `json:"passed"`
	Score           float64     `json:"score"`
	BlockingReasons []string    `json:"blocking_reasons,omitempty"`
	Fixes           []string    `json:"fixes,omitempty"`
	Report          string      `json:"report,omitempty"` // structured detail, JSON text
	CreatedAt       time.Time   `json:"created_at"`
}
