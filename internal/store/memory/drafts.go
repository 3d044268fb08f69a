package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

func cloneDraft(d *core.EditorialDraft) *core.EditorialDraft {
	c := *d
	c.Tags = cloneStrings(d.Tags)
	c.AppliedAt = cloneTime(d.AppliedAt)
	if d.ParentDraftID != nil {
		id := *d.ParentDraftID
		c.ParentDraftID = &id
	}
	return &c
}

// workHeadLocked returns the highest-version draft of the work, or nil.
func (m *Store) workHeadLocked(workID string) *core.EditorialDraft {
	var head *core.EditorialDraft
	for _, d := range m.drafts {
		if d.WorkID != workID {
			continue
		}
		if head == nil || d.Version > head.Version {
			head = d
		}
	}
	return head
}

func (m *Store) CreateDraft(_ context.Context, draft *core.EditorialDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if draft.WorkID == "" {
		draft.WorkID = uuid.NewString()
	}
	if draft.Status == "" {
		draft.Status = core.DraftStatusDraft
	}
	now := m.now()
	draft.CreatedAt = now
	draft.UpdatedAt = now

	draft.Version = 1
	if head := m.workHeadLocked(draft.WorkID); head != nil {
		draft.Version = head.Version + 1
		if draft.ParentDraftID == nil {
			id := head.ID
			draft.ParentDraftID = &id
		}
	}
	m.nextDraftID++
	draft.ID = m.nextDraftID
	m.drafts[draft.ID] = cloneDraft(draft)
	return nil
}

func (m *Store) GetDraft(_ context.Context, id int64) (*core.EditorialDraft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.drafts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneDraft(d), nil
}

func (m *Store) GetDraftsByWork(_ context.Context, workID string) ([]*core.EditorialDraft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.EditorialDraft
	for _, d := range m.drafts {
		if d.WorkID == workID {
			out = append(out, cloneDraft(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Store) GetDraftsByArticle(_ context.Context, articleID int64) ([]*core.EditorialDraft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.EditorialDraft
	for _, d := range m.drafts {
		if d.ArticleID == articleID {
			out = append(out, cloneDraft(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WorkID != out[j].WorkID {
			return out[i].WorkID < out[j].WorkID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *Store) ReviseDraft(_ context.Context, workID string, expectVersion int, changes store.DraftChanges) (*core.EditorialDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := m.workHeadLocked(workID)
	if head == nil {
		return nil, store.ErrNotFound
	}
	if head.Version != expectVersion {
		return nil, fmt.Errorf("%w: head is v%d, update targeted v%d",
			store.ErrVersionConflict, head.Version, expectVersion)
	}

	next := *cloneDraft(head)
	next.ID = 0
	next.Version = head.Version + 1
	parentID := head.ID
	next.ParentDraftID = &parentID
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
		next.Tags = cloneStrings(changes.Tags)
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
	now := m.now()
	next.CreatedAt = now
	next.UpdatedAt = now

	m.nextDraftID++
	next.ID = m.nextDraftID
	m.drafts[next.ID] = cloneDraft(&next)
	return &next, nil
}

func (m *Store) ApplyDraft(_ context.Context, draftID int64) (*core.EditorialDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drafts[draftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch d.Status {
	case core.DraftStatusApplied:
		return nil, store.ErrAlreadyApplied
	case core.DraftStatusArchived:
		return nil, fmt.Errorf("%w: draft %d is archived", store.ErrIllegalTransition, draftID)
	}
	for _, sibling := range m.drafts {
		if sibling.WorkID == d.WorkID && sibling.Status == core.DraftStatusApplied {
			return nil, store.ErrAlreadyApplied
		}
	}

	now := m.now()
	d.Status = core.DraftStatusApplied
	d.AppliedAt = &now
	d.UpdatedAt = now

	if a, ok := m.articles[d.ArticleID]; ok {
		a.Title = d.Title
		a.ArabicTitle = d.Title
		a.Body = d.Body
		a.UpdatedAt = now
	}
	return cloneDraft(d), nil
}

func (m *Store) ArchiveDraft(_ context.Context, draftID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drafts[draftID]
	if !ok {
		return store.ErrNotFound
	}
	switch d.Status {
	case core.DraftStatusArchived:
		return nil
	case core.DraftStatusApplied:
		return store.ErrAlreadyApplied
	}
	d.Status = core.DraftStatusArchived
	d.UpdatedAt = m.now()
	return nil
}

func (m *Store) AddDecision(_ context.Context, decision *core.EditorDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextDecisionID++
	decision.ID = m.nextDecisionID
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = m.now()
	}
	c := *decision
	if decision.DraftID != nil {
		id := *decision.DraftID
		c.DraftID = &id
	}
	m.decisions = append(m.decisions, &c)
	return nil
}

func (m *Store) ListDecisions(_ context.Context, articleID int64, limit int) ([]*core.EditorDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*core.EditorDecision
	for i := len(m.decisions) - 1; i >= 0 && len(out) < limit; i-- {
		if m.decisions[i].ArticleID != articleID {
			continue
		}
		c := *m.decisions[i]
		out = append(out, &c)
	}
	return out, nil
}

func (m *Store) SaveQualityReport(_ context.Context, report *core.ArticleQualityReport, keepHistory bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !report.Stage.IsValid() {
		return fmt.Errorf("invalid report stage %q", report.Stage)
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = m.now()
	}
	if !keepHistory {
		kept := m.reports[:0]
		for _, r := range m.reports {
			if r.ArticleID == report.ArticleID && r.Stage == report.Stage {
				continue
			}
			kept = append(kept, r)
		}
		m.reports = kept
	}
	m.nextReportID++
	report.ID = m.nextReportID
	c := *report
	c.BlockingReasons = cloneStrings(report.BlockingReasons)
	c.Fixes = cloneStrings(report.Fixes)
	m.reports = append(m.reports, &c)
	return nil
}

func (m *Store) ListQualityReports(_ context.Context, articleID int64) ([]*core.ArticleQualityReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.ArticleQualityReport
	for _, r := range m.reports {
		if r.ArticleID != articleID {
			continue
		}
		c := *r
		c.BlockingReasons = cloneStrings(r.BlockingReasons)
		c.Fixes = cloneStrings(r.Fixes)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
