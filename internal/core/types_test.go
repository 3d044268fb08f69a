package core

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"scout creates, router classifies", StatusNew, StatusClassified, true},
		{"router promotes candidate", StatusNew, StatusCandidate, true},
		{"noise gate archives", StatusNew, StatusArchived, true},
		{"hard filter rejects", StatusNew, StatusRejected, true},
		{"editor approves candidate", StatusCandidate, StatusApprovedHandoff, true},
		{"editor approves classified", StatusClassified, StatusApprovedHandoff, true},
		{"scribe finishes draft", StatusApprovedHandoff, StatusDraftGenerated, true},
		{"editor accepts draft", StatusDraftGenerated, StatusApproved, true},
		{"policy gate passes", StatusApproved, StatusReadyForChief, true},
		{"policy gate reserves", StatusApproved, StatusApprovalReservations, true},
		{"chief approves", StatusReadyForChief, StatusReadyForPublish, true},
		{"chief sends back", StatusReadyForChief, StatusApproved, true},
		{"director publishes", StatusReadyForPublish, StatusPublished, true},
		{"director unpublishes", StatusPublished, StatusApproved, true},
		{"no skipping handoff", StatusCandidate, StatusDraftGenerated, false},
		{"no direct publish", StatusCandidate, StatusPublished, false},
		{"rejected is terminal", StatusRejected, StatusNew, false},
		{"archived is terminal", StatusArchived, StatusCandidate, false},
		{"no backwards to new", StatusClassified, StatusNew, false},
		{"self transition allowed", StatusCandidate, StatusCandidate, true},
		{"case-insensitive input", Status("new"), Status("candidate"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	terminals := []Status{StatusArchived, StatusRejected, StatusPublished}
	for _, s := range terminals {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusNew, StatusCandidate, StatusApproved, StatusReadyForChief} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusValidation(t *testing.T) {
	valid := []Status{
		StatusNew, StatusClassified, StatusCandidate, StatusArchived, StatusRejected,
		StatusApprovedHandoff, StatusDraftGenerated, StatusApproved,
		StatusApprovalReservations, StatusReadyForChief, StatusReadyForPublish,
		StatusPublished,
	}
	for _, s := range valid {
		if !s.IsValid() {
			t.Errorf("status %q should be valid", s)
		}
	}
	if Status("IN_REVIEW").IsValid() {
		t.Error("unknown status should be invalid")
	}
	// lowercase rows from older imports still validate
	if !Status("candidate").IsValid() {
		t.Error("lowercase status should normalize and validate")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobQueued, JobRunning, true},
		{JobRunning, JobCompleted, true},
		{JobRunning, JobQueued, true}, // retry re-queues
		{JobRunning, JobDeadLettered, true},
		{JobQueued, JobFailed, true},  // stale reaper
		{JobRunning, JobFailed, true}, // stale reaper
		{JobCompleted, JobQueued, false},
		{JobDeadLettered, JobRunning, false},
		{JobFailed, JobQueued, false},
		{JobQueued, JobCompleted, false}, // must pass through running
	}

	for _, tt := range tests {
		if got := CanTransitionJob(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionJob(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobDeadLettered} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []JobStatus{JobQueued, JobRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestComputeUniqueHash(t *testing.T) {
	h1 := ComputeUniqueHash("الشروق", "https://example.dz/a/1", "عنوان الخبر")
	h2 := ComputeUniqueHash("الشروق", "https://example.dz/a/1", "عنوان الخبر")
	if h1 != h2 {
		t.Error("identical triples must hash identically")
	}

	h3 := ComputeUniqueHash("النهار", "https://example.dz/a/1", "عنوان الخبر")
	if h1 == h3 {
		t.Error("different source must produce a different hash")
	}

	// separator prevents boundary ambiguity between fields
	h4 := ComputeUniqueHash("ab", "c", "x")
	h5 := ComputeUniqueHash("a", "bc", "x")
	if h4 == h5 {
		t.Error("field boundaries must be preserved in the hash")
	}
}

func TestEffectiveDate(t *testing.T) {
	crawled := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	declared := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	a := &Article{CrawledAt: crawled}
	if got := a.EffectiveDate(); !got.Equal(crawled) {
		t.Errorf("EffectiveDate without source date = %v, want crawl time", got)
	}

	a.SourceDate = &declared
	if got := a.EffectiveDate(); !got.Equal(declared) {
		t.Errorf("EffectiveDate with source date = %v, want %v", got, declared)
	}

	zero := time.Time{}
	a.SourceDate = &zero
	if got := a.EffectiveDate(); !got.Equal(crawled) {
		t.Error("zero source date must fall back to crawl time")
	}
}

func TestUrgencyRank(t *testing.T) {
	order := []Urgency{UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyBreaking}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if Urgency("critical").Rank() != -1 {
		t.Error("unknown urgency should rank -1")
	}
}

func TestCategoryValidation(t *testing.T) {
	for _, c := range Categories() {
		if !c.IsValid() {
			t.Errorf("category %q should be valid", c)
		}
	}
	if Category("weather").IsValid() {
		t.Error("unknown category should be invalid")
	}
	if len(Categories()) != 10 {
		t.Errorf("expected 10 categories, got %d", len(Categories()))
	}
}

func TestDefaultQueue(t *testing.T) {
	tests := []struct {
		jobType JobType
		queue   string
	}{
		{JobTypeScoutCycle, QueueScout},
		{JobTypeRouterBatch, QueueRouter},
		{JobTypeScribeDraft, QueueScribe},
		{JobTypeTrendScan, QueueTrends},
		{JobTypeMonitorScan, QueueMonitor},
		{JobType("unknown"), QueueMaintenance},
	}
	for _, tt := range tests {
		if got := DefaultQueue(tt.jobType); got != tt.queue {
			t.Errorf("DefaultQueue(%s) = %s, want %s", tt.jobType, got, tt.queue)
		}
	}
}

func TestActionableStatuses(t *testing.T) {
	// the breaking endpoint only surfaces these three
	for _, s := range []Status{StatusNew, StatusClassified, StatusCandidate} {
		if !s.Actionable() {
			t.Errorf("%s should be actionable", s)
		}
	}
	for _, s := range []Status{StatusApprovedHandoff, StatusPublished, StatusArchived} {
		if s.Actionable() {
			t.Errorf("%s should not be actionable", s)
		}
	}
}
