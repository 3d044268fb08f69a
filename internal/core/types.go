// Package core defines the domain model shared by every subsystem of the
// editorial pipeline: articles and their lifecycle statuses, sources,
// fingerprints, clusters, drafts, job runs, and the filter structs the
// storage layer accepts.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Article is a single ingested news item moving through the pipeline.
// Created by Scout in status NEW, mutated by Router and Scribe, terminal
// in PUBLISHED, REJECTED, or ARCHIVED.
type Article struct {
	ID              int64      `json:"id"`
	SourceID        int64      `json:"source_id,omitempty"`
	SourceName      string     `json:"source_name"`
	URL             string     `json:"url"`
	Title           string     `json:"title"` // original headline as fetched
	Body            string     `json:"body,omitempty"`
	ArabicTitle     string     `json:"arabic_title,omitempty"` // normalized headline, populated by Router or Scribe
	Summary         string     `json:"summary,omitempty"`
	ImageURL        string     `json:"image_url,omitempty"`
	Category        Category   `json:"category,omitempty"`
	Entities        []string   `json:"entities,omitempty"`
	Keywords        []string   `json:"keywords,omitempty"`
	ImportanceScore int        `json:"importance_score"` // 0..10
	Urgency         Urgency    `json:"urgency,omitempty"`
	IsBreaking      bool       `json:"is_breaking,omitempty"`
	Status          Status     `json:"status"`
	UniqueHash      string     `json:"unique_hash"` // H(source_name, url, title); globally unique
	TraceID         string     `json:"trace_id,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	PublishedURL    string     `json:"published_url,omitempty"` // set on publish, cleared on unpublish
	PublishedAt     *time.Time `json:"published_at,omitempty"`  // set when status reaches PUBLISHED
	SourceDate      *time.Time `json:"source_date,omitempty"`   // publish time declared by the feed, may be absent
	CrawledAt       time.Time  `json:"crawled_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ComputeUniqueHash derives the global dedup key from the identifying
// triple. Identical content from the same source always maps to the same
// hash, so re-ingesting a feed is a no-op.
func ComputeUniqueHash(sourceName, url, title string) string {
	h := sha256.New()
	h.Write([]byte(sourceName))
	h.Write([]byte{0}) // separator
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(title))
	return hex.EncodeToString(h.Sum(nil))
}

// EffectiveDate returns the feed-declared publish time when present,
// falling back to crawl time so ordering never sees a zero value.
func (a *Article) EffectiveDate() time.Time {
	if a.SourceDate != nil && !a.SourceDate.IsZero() {
		return *a.SourceDate
	}
	return a.CrawledAt
}

// Status is the article lifecycle state. Stored uppercase; comparisons go
// through Normalize so mixed-case rows from older imports do not break
// transition checks.
type Status string

// Article status constants (persisted form)
const (
	StatusNew                  Status = "NEW"
	StatusClassified           Status = "CLASSIFIED"
	StatusCandidate            Status = "CANDIDATE"
	StatusArchived             Status = "ARCHIVED"
	StatusRejected             Status = "REJECTED"
	StatusApprovedHandoff      Status = "APPROVED_HANDOFF"
	StatusDraftGenerated       Status = "DRAFT_GENERATED"
	StatusApproved             Status = "APPROVED"
	StatusApprovalReservations Status = "APPROVAL_REQUEST_WITH_RESERVATIONS"
	StatusReadyForChief        Status = "READY_FOR_CHIEF_APPROVAL"
	StatusReadyForPublish      Status = "READY_FOR_MANUAL_PUBLISH"
	StatusPublished            Status = "PUBLISHED"
)

// IsValid checks if the status value is one of the lifecycle states
func (s Status) IsValid() bool {
	switch s.Normalize() {
	case StatusNew, StatusClassified, StatusCandidate, StatusArchived, StatusRejected,
		StatusApprovedHandoff, StatusDraftGenerated, StatusApproved,
		StatusApprovalReservations, StatusReadyForChief, StatusReadyForPublish,
		StatusPublished:
		return true
	}
	return false
}

// Normalize returns the canonical uppercase form of the status.
func (s Status) Normalize() Status {
	return Status(upperASCII(string(s)))
}

// Terminal reports whether the status ends the lifecycle. PUBLISHED is
// terminal for the pipeline but reversible by director unpublish.
func (s Status) Terminal() bool {
	switch s.Normalize() {
	case StatusArchived, StatusRejected, StatusPublished:
		return true
	}
	return false
}

// Actionable reports whether a breaking flag on this status still matters
// to the desk (the breaking endpoint only surfaces these).
func (s Status) Actionable() bool {
	switch s.Normalize() {
	case StatusNew, StatusClassified, StatusCandidate:
		return true
	}
	return false
}

// upperASCII avoids strings.ToUpper's Unicode tables; statuses are ASCII
// by construction.
func upperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}

// statusTransitions is the legal edge set of the article state machine.
// Anything not listed is rejected by CanTransition.
var statusTransitions = map[Status][]Status{
	StatusNew:                  {StatusClassified, StatusCandidate, StatusArchived, StatusRejected},
	StatusClassified:           {StatusApprovedHandoff, StatusRejected, StatusArchived},
	StatusCandidate:            {StatusApprovedHandoff, StatusRejected, StatusArchived},
	StatusApprovedHandoff:      {StatusDraftGenerated, StatusRejected, StatusArchived},
	StatusDraftGenerated:       {StatusApproved, StatusRejected, StatusArchived},
	StatusApproved:             {StatusReadyForChief, StatusApprovalReservations, StatusRejected, StatusArchived},
	StatusApprovalReservations: {StatusReadyForChief, StatusApproved, StatusRejected, StatusArchived},
	StatusReadyForChief:        {StatusReadyForPublish, StatusApproved, StatusRejected, StatusArchived},
	StatusReadyForPublish:      {StatusPublished, StatusRejected, StatusArchived},
	StatusPublished:            {StatusApproved}, // director unpublish
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
// Self-transitions are allowed; idempotent updates re-assert the status.
func CanTransition(from, to Status) bool {
	f, t := from.Normalize(), to.Normalize()
	if f == t {
		return true
	}
	for _, next := range statusTransitions[f] {
		if next == t {
			return true
		}
	}
	return false
}

// Category is the editorial desk an article belongs to.
type Category string

// Category constants
const (
	CategoryPolitics      Category = "politics"
	CategoryEconomy       Category = "economy"
	CategorySports        Category = "sports"
	CategoryTechnology    Category = "technology"
	CategoryHealth        Category = "health"
	CategoryCulture       Category = "culture"
	CategoryEnvironment   Category = "environment"
	CategorySociety       Category = "society"
	CategoryLocalAlgeria  Category = "local_algeria"
	CategoryInternational Category = "international"
)

// Categories lists every valid category in display order.
func Categories() []Category {
	return []Category{
		CategoryPolitics, CategoryEconomy, CategorySports, CategoryTechnology,
		CategoryHealth, CategoryCulture, CategoryEnvironment, CategorySociety,
		CategoryLocalAlgeria, CategoryInternational,
	}
}

// IsValid checks if the category value is valid
func (c Category) IsValid() bool {
	switch c {
	case CategoryPolitics, CategoryEconomy, CategorySports, CategoryTechnology,
		CategoryHealth, CategoryCulture, CategoryEnvironment, CategorySociety,
		CategoryLocalAlgeria, CategoryInternational:
		return true
	}
	return false
}

// Urgency grades how fast the desk should move on a story.
type Urgency string

// Urgency constants, lowest to highest
const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyBreaking Urgency = "breaking"
)

// IsValid checks if the urgency value is valid
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyBreaking:
		return true
	}
	return false
}

// Rank returns a comparable weight (low=0 .. breaking=3, unknown=-1).
func (u Urgency) Rank() int {
	switch u {
	case UrgencyLow:
		return 0
	case UrgencyMedium:
		return 1
	case UrgencyHigh:
		return 2
	case UrgencyBreaking:
		return 3
	}
	return -1
}

// Source is a configured ingestion origin (RSS feed or scraped page).
type Source struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Type          SourceType `json:"type"`
	Category      Category   `json:"category,omitempty"` // default desk for items from this source
	Priority      int        `json:"priority"`           // 1 (lowest) .. 10
	Credibility   float64    `json:"credibility"`        // 0.0 .. 1.0
	IsAggregator  bool       `json:"is_aggregator,omitempty"`
	IsLocal       bool       `json:"is_local,omitempty"` // Algerian outlet; feeds the local-signal guardrail
	Language      string     `json:"language,omitempty"` // ISO 639-1, "ar" unless stated
	Active        bool       `json:"active"`
	ErrorCount    int        `json:"error_count,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SourceType distinguishes how Scout pulls content from a source.
type SourceType string

// Source type constants
const (
	SourceTypeRSS    SourceType = "rss"
	SourceTypeScrape SourceType = "scrape"
)

// IsValid checks if the source type value is valid
func (t SourceType) IsValid() bool {
	switch t {
	case SourceTypeRSS, SourceTypeScrape:
		return true
	}
	return false
}

// ArticleFingerprint is the stored dedup signature of an article: a 64-bit
// SimHash (signed storage, unsigned semantics) plus up to 128 bigram
// shingles over normalized tokens. Exactly one per article.
type ArticleFingerprint struct {
	ArticleID  int64     `json:"article_id"`
	Simhash    int64     `json:"simhash"` // reinterpret as uint64 for hamming
	Shingles   []string  `json:"shingles,omitempty"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Uint64 returns the fingerprint bits with unsigned semantics.
func (f *ArticleFingerprint) Uint64() uint64 {
	return uint64(f.Simhash)
}

// Relation classifies how two articles in a cluster relate.
type Relation string

// Relation constants
const (
	RelationDuplicateVariant Relation = "duplicate_variant"
	RelationSequence         Relation = "sequence"
	RelationImpact           Relation = "impact"
	RelationContrast         Relation = "contrast"
	RelationRelated          Relation = "related"
)

// IsValid checks if the relation value is valid
func (r Relation) IsValid() bool {
	switch r {
	case RelationDuplicateVariant, RelationSequence, RelationImpact,
		RelationContrast, RelationRelated:
		return true
	}
	return false
}

// ArticleRelation is a scored, directed edge between two articles.
// Upserts keep the maximum score seen for the pair, so re-running the
// fingerprint pass is idempotent.
type ArticleRelation struct {
	ID               int64     `json:"id"`
	ArticleID        int64     `json:"article_id"`
	RelatedArticleID int64     `json:"related_article_id"`
	Relation         Relation  `json:"relation"`
	Score            float64   `json:"score"`
	CreatedAt        time.Time `json:"created_at"`
}

// StoryCluster groups articles covering the same event. The key is a
// deterministic hash of anchor title, category, and date bucket so
// re-clustering the same story lands on the same row.
type StoryCluster struct {
	ID         int64     `json:"id"`
	ClusterKey string    `json:"cluster_key"`
	Label      string    `json:"label,omitempty"`
	Category   Category  `json:"category,omitempty"`
	GeoCode    string    `json:"geo_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ClusterMember ties an article to a cluster with a membership score in
// [0,1]. An article belongs to at most one active cluster;
// re-classification moves membership rather than duplicating it.
type ClusterMember struct {
	ClusterID int64     `json:"cluster_id"`
	ArticleID int64     `json:"article_id"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// TrendTopic is a cross-source trending term tracked by the trend radar.
type TrendTopic struct {
	ID        int64     `json:"id"`
	Keyword   string    `json:"keyword"`
	Sources   int       `json:"sources"`  // distinct signal sets that carried it
	Strength  int       `json:"strength"` // 1..10
	Context   string    `json:"context,omitempty"` // LLM briefing, when analyzed
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Actor identifies who requested an operation: the scheduler, a pipeline
// agent, or a human editor acting through the desk.
type Actor struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Kind string `json:"kind"` // "system", "agent", "editor"
}

// SystemActor is the identity used by scheduled (non-human) dispatch.
var SystemActor = Actor{Name: "scheduler", Kind: "system"}
