package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

const draftColumns = `id, article_id, work_id, version, source_action, title, body,
	seo_title, seo_description, tags, status, parent_draft_id, change_origin,
	actor_name, actor_kind, model, created_at, updated_at, applied_at`

func scanDraft(sc rowScanner) (*core.EditorialDraft, error) {
	var d core.EditorialDraft
	if err := sc.Scan(
		&d.ID, &d.ArticleID, &d.WorkID, &d.Version, &d.SourceAction, &d.Title, &d.Body,
		&d.SEOTitle, &d.SEODesc, &d.Tags, &d.Status, &d.ParentDraftID, &d.ChangeOrigin,
		&d.ActorName, &d.ActorKind, &d.Model, &d.CreatedAt, &d.UpdatedAt, &d.AppliedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

func insertDraft(ctx context.Context, q querier, d *core.EditorialDraft) error {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	err := q.QueryRow(ctx, `
		INSERT INTO editorial_drafts (article_id, work_id, version, source_action, title, body,
			seo_title, seo_description, tags, status, parent_draft_id, change_origin,
			actor_name, actor_kind, model, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		d.ArticleID, d.WorkID, d.Version, d.SourceAction, d.Title, d.Body,
		d.SEOTitle, d.SEODesc, tags, string(d.Status), d.ParentDraftID, d.ChangeOrigin,
		d.ActorName, d.ActorKind, d.Model, d.CreatedAt, d.UpdatedAt).
		Scan(&d.ID)
	if err != nil {
		if isUniqueViolation(err, "editorial_drafts_work_id_version_key") {
			return store.ErrVersionConflict
		}
		return fmt.Errorf("failed to insert draft: %w", err)
	}
	return nil
}

// lockWorkHead returns the highest-version draft of the work with its
// row held, or nil when the work has no drafts yet.
func lockWorkHead(ctx context.Context, tx pgx.Tx, workID string) (*core.EditorialDraft, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+draftColumns+` FROM editorial_drafts
		WHERE work_id = $1
		ORDER BY version DESC
		LIMIT 1
		FOR UPDATE`, workID)
	head, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock work head: %w", err)
	}
	return head, nil
}

// CreateDraft inserts the first or next revision of a work. Version is
// assigned under a row lock on the current head, so the per-work
// sequence stays gapless even with concurrent writers.
func (s *Store) CreateDraft(ctx context.Context, draft *core.EditorialDraft) error {
	if draft.WorkID == "" {
		draft.WorkID = uuid.NewString()
	}
	if draft.Status == "" {
		draft.Status = core.DraftStatusDraft
	}
	now := time.Now().UTC()
	draft.CreatedAt = now
	draft.UpdatedAt = now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	head, err := lockWorkHead(ctx, tx, draft.WorkID)
	if err != nil {
		return err
	}
	draft.Version = 1
	if head != nil {
		draft.Version = head.Version + 1
		if draft.ParentDraftID == nil {
			draft.ParentDraftID = &head.ID
		}
	}
	if err := insertDraft(ctx, tx, draft); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetDraft returns a single draft revision by id.
func (s *Store) GetDraft(ctx context.Context, id int64) (*core.EditorialDraft, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM editorial_drafts WHERE id = $1`, id)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	return d, nil
}

// GetDraftsByWork returns every revision of a work, oldest version
// first.
func (s *Store) GetDraftsByWork(ctx context.Context, workID string) ([]*core.EditorialDraft, error) {
	return s.queryDrafts(ctx, `
		SELECT `+draftColumns+` FROM editorial_drafts
		WHERE work_id = $1 ORDER BY version`, workID)
}

// GetDraftsByArticle returns every draft touching the article, grouped
// by work and ordered by version.
func (s *Store) GetDraftsByArticle(ctx context.Context, articleID int64) ([]*core.EditorialDraft, error) {
	return s.queryDrafts(ctx, `
		SELECT `+draftColumns+` FROM editorial_drafts
		WHERE article_id = $1 ORDER BY work_id, version`, articleID)
}

func (s *Store) queryDrafts(ctx context.Context, query string, arg interface{}) ([]*core.EditorialDraft, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	var out []*core.EditorialDraft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReviseDraft creates revision expectVersion+1 of the work, copying the
// head and applying the changes. The caller's expectVersion must match
// the current head or the call fails with ErrVersionConflict; that is
// the optimistic concurrency check protecting concurrent editors.
func (s *Store) ReviseDraft(ctx context.Context, workID string, expectVersion int, changes store.DraftChanges) (*core.EditorialDraft, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	head, err := lockWorkHead(ctx, tx, workID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, store.ErrNotFound
	}
	if head.Version != expectVersion {
		return nil, fmt.Errorf("%w: head is v%d, update targeted v%d",
			store.ErrVersionConflict, head.Version, expectVersion)
	}

	next := *head
	next.ID = 0
	next.Version = head.Version + 1
	next.ParentDraftID = &head.ID
	next.Status = core.DraftStatusDraft
	next.AppliedAt = nil
	if changes.Title != nil {
		next.Title = *changes.Title
	}
	if changes.Body != nil {
		next.Body = *changes.Body
	}
	if changes.SEOTitle != nil {
		next.SEOTitle = *changes.SEOTitle
	}
	if changes.SEODesc != nil {
		next.SEODesc = *changes.SEODesc
	}
	if changes.Tags != nil {
		next.Tags = changes.Tags
	}
	if changes.SourceAction != "" {
		next.SourceAction = changes.SourceAction
	}
	if changes.ChangeOrigin != "" {
		next.ChangeOrigin = changes.ChangeOrigin
	}
	if changes.ActorName != "" {
		next.ActorName = changes.ActorName
		next.ActorKind = changes.ActorKind
	}
	now := time.Now().UTC()
	next.CreatedAt = now
	next.UpdatedAt = now

	if err := insertDraft(ctx, tx, &next); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit draft revision: %w", err)
	}
	return &next, nil
}

// ApplyDraft freezes the draft and copies its headline and body into the
// owning article. Exactly one revision per work may ever be applied; the
// partial unique index backs the in-transaction check.
func (s *Store) ApplyDraft(ctx context.Context, draftID int64) (*core.EditorialDraft, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+draftColumns+` FROM editorial_drafts WHERE id = $1 FOR UPDATE`, draftID)
	d, err := scanDraft(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draft: %w", err)
	}
	switch d.Status {
	case core.DraftStatusApplied:
		return nil, store.ErrAlreadyApplied
	case core.DraftStatusArchived:
		return nil, fmt.Errorf("%w: draft %d is archived", store.ErrIllegalTransition, draftID)
	}

	var siblingApplied bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM editorial_drafts WHERE work_id = $1 AND status = 'applied')`,
		d.WorkID).Scan(&siblingApplied)
	if err != nil {
		return nil, fmt.Errorf("failed to check applied sibling: %w", err)
	}
	if siblingApplied {
		return nil, store.ErrAlreadyApplied
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE editorial_drafts
		SET status = 'applied', applied_at = $2, updated_at = $2
		WHERE id = $1`, draftID, now)
	if err != nil {
		if isUniqueViolation(err, "idx_drafts_one_applied") {
			return nil, store.ErrAlreadyApplied
		}
		return nil, fmt.Errorf("failed to apply draft: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE articles
		SET title = $1, arabic_title = $1, body = $2, updated_at = now()
		WHERE id = $3`, d.Title, d.Body, d.ArticleID)
	if err != nil {
		return nil, fmt.Errorf("failed to copy draft into article: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit draft apply: %w", err)
	}

	d.Status = core.DraftStatusApplied
	d.AppliedAt = &now
	d.UpdatedAt = now
	return d, nil
}

// ArchiveDraft retires an unapplied draft. Archiving twice is a no-op;
// archiving an applied draft is refused, applied revisions are frozen.
func (s *Store) ArchiveDraft(ctx context.Context, draftID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE editorial_drafts
		SET status = 'archived', updated_at = now()
		WHERE id = $1 AND status = 'draft'`, draftID)
	if err != nil {
		return fmt.Errorf("failed to archive draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		d, getErr := s.GetDraft(ctx, draftID)
		if getErr != nil {
			return getErr
		}
		if d.Status == core.DraftStatusArchived {
			return nil
		}
		return store.ErrAlreadyApplied
	}
	return nil
}

// AddDecision appends an immutable editorial decision record.
func (s *Store) AddDecision(ctx context.Context, decision *core.EditorDecision) error {
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO editor_decisions (article_id, draft_id, action, reason, editor_id, editor_name,
			before_title, after_title, before_body, after_body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		decision.ArticleID, decision.DraftID, string(decision.Action), decision.Reason,
		decision.EditorID, decision.EditorName, decision.BeforeTitle, decision.AfterTitle,
		decision.BeforeBody, decision.AfterBody, decision.CreatedAt).
		Scan(&decision.ID)
	if err != nil {
		return fmt.Errorf("failed to add decision: %w", err)
	}
	return nil
}

// ListDecisions returns the article's decisions, newest first.
func (s *Store) ListDecisions(ctx context.Context, articleID int64, limit int) ([]*core.EditorDecision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, article_id, draft_id, action, reason, editor_id, editor_name,
			before_title, after_title, before_body, after_body, created_at
		FROM editor_decisions
		WHERE article_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, articleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*core.EditorDecision
	for rows.Next() {
		var d core.EditorDecision
		if err := rows.Scan(&d.ID, &d.ArticleID, &d.DraftID, &d.Action, &d.Reason,
			&d.EditorID, &d.EditorName, &d.BeforeTitle, &d.AfterTitle,
			&d.BeforeBody, &d.AfterBody, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// SaveQualityReport stores a gate verdict. With keepHistory off the
// stage's previous rows are replaced, keeping one latest verdict per
// (article, stage).
func (s *Store) SaveQualityReport(ctx context.Context, report *core.ArticleQualityReport, keepHistory bool) error {
	if !report.Stage.IsValid() {
		return fmt.Errorf("invalid report stage %q", report.Stage)
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	reasons := report.BlockingReasons
	if reasons == nil {
		reasons = []string{}
	}
	fixes := report.Fixes
	if fixes == nil {
		fixes = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if !keepHistory {
		_, err = tx.Exec(ctx, `
			DELETE FROM article_quality_reports WHERE article_id = $1 AND stage = $2`,
			report.ArticleID, string(report.Stage))
		if err != nil {
			return fmt.Errorf("failed to replace quality report: %w", err)
		}
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO article_quality_reports (article_id, article_url, stage, passed, score,
			blocking_reasons, fixes, report, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		report.ArticleID, report.ArticleURL, string(report.Stage), report.Passed, report.Score,
		reasons, fixes, report.Report, report.CreatedAt).
		Scan(&report.ID)
	if err != nil {
		return fmt.Errorf("failed to save quality report: %w", err)
	}
	return tx.Commit(ctx)
}

// ListQualityReports returns the article's reports, newest first within
// each stage.
func (s *Store) ListQualityReports(ctx context.Context, articleID int64) ([]*core.ArticleQualityReport, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, article_id, article_url, stage, passed, score, blocking_reasons, fixes, report, created_at
		FROM article_quality_reports
		WHERE article_id = $1
		ORDER BY stage, created_at DESC`, articleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quality reports: %w", err)
	}
	defer rows.Close()

	var out []*core.ArticleQualityReport
	for rows.Next() {
		var r core.ArticleQualityReport
		if err := rows.Scan(&r.ID, &r.ArticleID, &r.ArticleURL, &r.Stage, &r.Passed, &r.Score,
			&r.BlockingReasons, &r.Fixes, &r.Report, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan quality report: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
