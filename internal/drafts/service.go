// Package drafts is the editorial surface: human decisions on articles,
// versioned draft revisions, apply/archive, and quality-gate reports.
// Every decision appends an immutable EditorDecision with before/after
// content for the feedback log.
package drafts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// Service coordinates article transitions, decision capture, and draft
// revisions. All writes go through the store; legality of article
// transitions is enforced there.
type Service struct {
	store       store.Storage
	log         *zap.Logger
	keepReports bool // retain per-stage quality report history
}

// Option configures the service.
type Option func(*Service)

// WithReportHistory keeps every quality report row instead of
// upserting the latest per stage.
func WithReportHistory() Option {
	return func(s *Service) { s.keepReports = true }
}

// NewService wires the editorial surface.
func NewService(st store.Storage, log *zap.Logger, opts ...Option) *Service {
	s := &Service{store: st, log: log.Named("drafts")}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Approve moves a CANDIDATE or CLASSIFIED article into the editorial
// handoff and records the decision.
func (s *Service) Approve(ctx context.Context, articleID int64, actor core.Actor, reason string) error {
	return s.decide(ctx, articleID, nil, core.DecisionApprove, core.StatusApprovedHandoff, actor, reason)
}

// Reject moves an article to REJECTED and records the decision.
func (s *Service) Reject(ctx context.Context, articleID int64, actor core.Actor, reason string) error {
	if reason != "" {
		if err := s.store.UpdateArticle(ctx, articleID, map[string]interface{}{
			"rejection_reason": reason,
		}); err != nil {
			return fmt.Errorf("record rejection reason: %w", err)
		}
	}
	return s.decide(ctx, articleID, nil, core.DecisionReject, core.StatusRejected, actor, reason)
}

// AcceptDraft marks a generated draft as editorially accepted: the
// article moves DRAFT_GENERATED → APPROVED.
func (s *Service) AcceptDraft(ctx context.Context, draftID int64, actor core.Actor, reason string) error {
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	return s.decide(ctx, draft.ArticleID, &draftID, core.DecisionApprove, core.StatusApproved, actor, reason)
}

// RequestRewrite records the rewrite decision and returns the work id a
// regeneration job should target (the latest work, or a fresh one when
// no draft exists yet).
func (s *Service) RequestRewrite(ctx context.Context, articleID int64, actor core.Actor, reason string) (string, error) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return "", fmt.Errorf("load article: %w", err)
	}

	workID := uuid.NewString()
	var draftID *int64
	existing, err := s.store.GetDraftsByArticle(ctx, articleID)
	if err != nil {
		return "", fmt.Errorf("load drafts: %w", err)
	}
	if len(existing) > 0 {
		head := existing[len(existing)-1]
		workID = head.WorkID
		draftID = &head.ID
	}

	dec := &core.EditorDecision{
		ArticleID:   articleID,
		DraftID:     draftID,
		Action:      core.DecisionRewrite,
		Reason:      reason,
		EditorID:    actor.ID,
		EditorName:  actor.Name,
		BeforeTitle: article.Title,
		BeforeBody:  article.Body,
	}
	if err := s.store.AddDecision(ctx, dec); err != nil {
		return "", fmt.Errorf("record decision: %w", err)
	}
	return workID, nil
}

// decide transitions the article and appends the decision record with
// before/after snapshots.
func (s *Service) decide(ctx context.Context, articleID int64, draftID *int64, action core.DecisionAction, to core.Status, actor core.Actor, reason string) error {
	before, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return fmt.Errorf("load article: %w", err)
	}
	if err := s.store.TransitionArticle(ctx, articleID, to, string(action)+" by "+actor.Name); err != nil {
		return err
	}
	after, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return fmt.Errorf("reload article: %w", err)
	}

	dec := &core.EditorDecision{
		ArticleID:   articleID,
		DraftID:     draftID,
		Action:      action,
		Reason:      reason,
		EditorID:    actor.ID,
		EditorName:  actor.Name,
		BeforeTitle: before.Title,
		AfterTitle:  after.Title,
		BeforeBody:  before.Body,
		AfterBody:   after.Body,
	}
	if err := s.store.AddDecision(ctx, dec); err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	s.log.Info("editor decision recorded",
		zap.Int64("article_id", articleID),
		zap.String("action", string(action)),
		zap.String("status", string(to)),
		zap.String("editor", actor.Name))
	return nil
}

// NewVersionInput is the content of one new draft revision.
type NewVersionInput struct {
	ArticleID    int64
	WorkID       string // empty starts a new work; set to regenerate inside one
	Title        string
	Body         string // already sanitized
	SEOTitle     string
	SEODesc      string
	Tags         []string
	SourceAction string
	ChangeOrigin string // "llm", "editor_edit", "regeneration"
	Model        string
	Actor        core.Actor
}

// NewVersion appends the next version to the work (max+1, gapless) and
// returns the created draft.
func (s *Service) NewVersion(ctx context.Context, in NewVersionInput) (*core.EditorialDraft, error) {
	workID := in.WorkID
	if workID == "" {
		workID = uuid.NewString()
	}
	draft := &core.EditorialDraft{
		ArticleID:    in.ArticleID,
		WorkID:       workID,
		SourceAction: in.SourceAction,
		Title:        in.Title,
		Body:         in.Body,
		SEOTitle:     in.SEOTitle,
		SEODesc:      in.SEODesc,
		Tags:         in.Tags,
		Status:       core.DraftStatusDraft,
		ChangeOrigin: in.ChangeOrigin,
		ActorName:    in.Actor.Name,
		ActorKind:    in.Actor.Kind,
		Model:        in.Model,
	}
	if err := s.store.CreateDraft(ctx, draft); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	s.log.Info("draft version created",
		zap.Int64("article_id", in.ArticleID),
		zap.String("work_id", workID),
		zap.Int("version", draft.Version),
		zap.String("origin", in.ChangeOrigin))
	return draft, nil
}

// UpdateDraft revises the head of a work under optimistic concurrency:
// expectVersion must equal the current head or ErrVersionConflict comes
// back. The edit is captured as a process decision.
func (s *Service) UpdateDraft(ctx context.Context, workID string, expectVersion int, changes store.DraftChanges, actor core.Actor) (*core.EditorialDraft, error) {
	prev, err := s.headOfWork(ctx, workID)
	if err != nil {
		return nil, err
	}

	changes.ActorName = actor.Name
	changes.ActorKind = actor.Kind
	if changes.ChangeOrigin == "" {
		changes.ChangeOrigin = "editor_edit"
	}
	revised, err := s.store.ReviseDraft(ctx, workID, expectVersion, changes)
	if err != nil {
		return nil, err
	}

	dec := &core.EditorDecision{
		ArticleID:   revised.ArticleID,
		DraftID:     &revised.ID,
		Action:      core.DecisionAction("process:edit_draft"),
		EditorID:    actor.ID,
		EditorName:  actor.Name,
		BeforeTitle: prev.Title,
		AfterTitle:  revised.Title,
		BeforeBody:  prev.Body,
		AfterBody:   revised.Body,
	}
	if err := s.store.AddDecision(ctx, dec); err != nil {
		s.log.Warn("decision capture failed after draft revise", zap.Error(err))
	}
	return revised, nil
}

// Apply freezes the draft and copies its title/body into the article.
// Exclusive per work: applying a second version of the same work
// returns ErrAlreadyApplied.
func (s *Service) Apply(ctx context.Context, draftID int64, actor core.Actor) (*core.EditorialDraft, error) {
	before, err := s.articleOfDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	applied, err := s.store.ApplyDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}

	dec := &core.EditorDecision{
		ArticleID:   applied.ArticleID,
		DraftID:     &applied.ID,
		Action:      core.DecisionAction("process:apply_draft"),
		EditorID:    actor.ID,
		EditorName:  actor.Name,
		BeforeTitle: before.Title,
		AfterTitle:  applied.Title,
		BeforeBody:  before.Body,
		AfterBody:   applied.Body,
	}
	if err := s.store.AddDecision(ctx, dec); err != nil {
		s.log.Warn("decision capture failed after apply", zap.Error(err))
	}
	return applied, nil
}

// Archive retires a draft revision. Idempotent; archiving an applied
// draft returns ErrAlreadyApplied.
func (s *Service) Archive(ctx context.Context, draftID int64, actor core.Actor) error {
	if err := s.store.ArchiveDraft(ctx, draftID); err != nil {
		return err
	}
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil
	}
	dec := &core.EditorDecision{
		ArticleID:  draft.ArticleID,
		DraftID:    &draftID,
		Action:     core.DecisionAction("process:archive_draft"),
		EditorID:   actor.ID,
		EditorName: actor.Name,
	}
	if err := s.store.AddDecision(ctx, dec); err != nil {
		s.log.Warn("decision capture failed after archive", zap.Error(err))
	}
	return nil
}

// ChiefApprove moves READY_FOR_CHIEF_APPROVAL → READY_FOR_MANUAL_PUBLISH.
func (s *Service) ChiefApprove(ctx context.Context, articleID int64, actor core.Actor, reason string) error {
	return s.decide(ctx, articleID, nil, core.DecisionApprove, core.StatusReadyForPublish, actor, reason)
}

// PublishNow marks an article PUBLISHED with the live URL. The
// transition stamps published_at.
func (s *Service) PublishNow(ctx context.Context, articleID int64, publishedURL string, actor core.Actor) error {
	if err := s.store.UpdateArticle(ctx, articleID, map[string]interface{}{
		"published_url": publishedURL,
	}); err != nil {
		return fmt.Errorf("record publish metadata: %w", err)
	}
	return s.decide(ctx, articleID, nil, core.DecisionAction("process:publish_now"), core.StatusPublished, actor, "")
}

// Unpublish reverses a publish by director action: the article returns
// to APPROVED, the transition clears published_url and published_at.
func (s *Service) Unpublish(ctx context.Context, articleID int64, actor core.Actor, reason string) error {
	return s.decide(ctx, articleID, nil, core.DecisionAction("process:unpublish"), core.StatusApproved, actor, reason)
}

// SaveReport records one quality gate's verdict.
func (s *Service) SaveReport(ctx context.Context, report *core.ArticleQualityReport) error {
	return s.store.SaveQualityReport(ctx, report, s.keepReports)
}

// headOfWork returns the highest version of a work.
func (s *Service) headOfWork(ctx context.Context, workID string) (*core.EditorialDraft, error) {
	all, err := s.store.GetDraftsByWork(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("load work: %w", err)
	}
	if len(all) == 0 {
		return nil, store.ErrNotFound
	}
	return all[len(all)-1], nil
}

func (s *Service) articleOfDraft(ctx context.Context, draftID int64) (*core.Article, error) {
	draft, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load draft: %w", err)
	}
	return s.store.GetArticle(ctx, draft.ArticleID)
}
