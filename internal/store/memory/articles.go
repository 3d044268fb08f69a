package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/store"
)

// CreateArticle inserts a new article, rejecting duplicate hashes.
func (m *Store) CreateArticle(_ context.Context, article *core.Article) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if article.CreatedAt.IsZero() {
		article.CreatedAt = now
	}
	article.UpdatedAt = now
	if article.CrawledAt.IsZero() {
		article.CrawledAt = now
	}
	if article.Status == "" {
		article.Status = core.StatusNew
	}
	article.Status = article.Status.Normalize()
	if !article.Status.IsValid() {
		return fmt.Errorf("invalid article status %q", article.Status)
	}
	if article.UniqueHash == "" {
		article.UniqueHash = core.ComputeUniqueHash(article.SourceName, article.URL, article.Title)
	}
	if _, exists := m.articleByHash[article.UniqueHash]; exists {
		return store.ErrDuplicateHash
	}

	m.nextArticleID++
	article.ID = m.nextArticleID
	m.articles[article.ID] = cloneArticle(article)
	m.articleByHash[article.UniqueHash] = article.ID
	return nil
}

// GetArticle returns the article by id, or store.ErrNotFound.
func (m *Store) GetArticle(_ context.Context, id int64) (*core.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getArticleLocked(id)
}

func (m *Store) getArticleLocked(id int64) (*core.Article, error) {
	a, ok := m.articles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneArticle(a), nil
}

// GetArticleByHash returns the article with the given unique_hash.
func (m *Store) GetArticleByHash(_ context.Context, uniqueHash string) (*core.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.articleByHash[uniqueHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneArticle(m.articles[id]), nil
}

var articleUpdateFields = map[string]bool{
	"title":            true,
	"body":             true,
	"arabic_title":     true,
	"summary":          true,
	"image_url":        true,
	"category":         true,
	"entities":         true,
	"keywords":         true,
	"importance_score": true,
	"urgency":          true,
	"is_breaking":      true,
	"rejection_reason": true,
	"published_url":    true,
	"trace_id":         true,
	"source_id":        true,
	"source_date":      true,
	"published_at":     true,
	"status":           true,
}

// UpdateArticle applies a partial update; a "status" key goes through
// the transition check.
func (m *Store) UpdateArticle(_ context.Context, id int64, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateArticleLocked(id, updates)
}

func (m *Store) updateArticleLocked(id int64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	a, ok := m.articles[id]
	if !ok {
		return store.ErrNotFound
	}
	for key := range updates {
		if !articleUpdateFields[key] {
			return fmt.Errorf("invalid field for update: %s", key)
		}
	}
	if raw, ok := updates["status"]; ok {
		to := core.Status(asString(raw)).Normalize()
		if !to.IsValid() {
			return fmt.Errorf("invalid article status %q", to)
		}
		if !core.CanTransition(a.Status, to) {
			return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, a.Status.Normalize(), to)
		}
	}

	for key, value := range updates {
		switch key {
		case "title":
			a.Title = asString(value)
		case "body":
			a.Body = asString(value)
		case "arabic_title":
			a.ArabicTitle = asString(value)
		case "summary":
			a.Summary = asString(value)
		case "image_url":
			a.ImageURL = asString(value)
		case "category":
			a.Category = core.Category(asString(value))
		case "entities":
			a.Entities = cloneStrings(asStrings(value))
		case "keywords":
			a.Keywords = cloneStrings(asStrings(value))
		case "importance_score":
			a.ImportanceScore = asInt(value)
		case "urgency":
			a.Urgency = core.Urgency(asString(value))
		case "is_breaking":
			a.IsBreaking = asBool(value)
		case "rejection_reason":
			a.RejectionReason = asString(value)
		case "published_url":
			a.PublishedURL = asString(value)
		case "trace_id":
			a.TraceID = asString(value)
		case "source_id":
			a.SourceID = asInt64(value)
		case "source_date":
			a.SourceDate = asTimePtr(value)
		case "published_at":
			a.PublishedAt = asTimePtr(value)
		case "status":
			a.Status = core.Status(asString(value)).Normalize()
		}
	}
	a.UpdatedAt = m.now()
	return nil
}

// TransitionArticle moves the article along a legal lifecycle edge with
// the postgres backend's side effects.
func (m *Store) TransitionArticle(_ context.Context, id int64, to core.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionArticleLocked(id, to, reason)
}

func (m *Store) transitionArticleLocked(id int64, to core.Status, reason string) error {
	to = to.Normalize()
	if !to.IsValid() {
		return fmt.Errorf("invalid article status %q", to)
	}
	a, ok := m.articles[id]
	if !ok {
		return store.ErrNotFound
	}
	from := a.Status.Normalize()
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, from, to)
	}
	now := m.now()
	switch {
	case to == core.StatusPublished:
		a.PublishedAt = &now
	case from == core.StatusPublished && to == core.StatusApproved:
		a.PublishedURL = ""
		a.PublishedAt = nil
	}
	if reason != "" && (to == core.StatusRejected || to == core.StatusArchived) {
		a.RejectionReason = reason
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

func matchArticle(a *core.Article, filter core.ArticleFilter) bool {
	statuses := filter.Statuses
	if len(statuses) == 0 && filter.Status != nil {
		statuses = []core.Status{*filter.Status}
	}
	if len(statuses) > 0 {
		found := false
		for _, st := range statuses {
			if a.Status.Normalize() == st.Normalize() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Category != nil && a.Category != *filter.Category {
		return false
	}
	if filter.Urgency != nil && a.Urgency != *filter.Urgency {
		return false
	}
	if filter.SourceID != nil && a.SourceID != *filter.SourceID {
		return false
	}
	if filter.IsBreaking != nil && a.IsBreaking != *filter.IsBreaking {
		return false
	}
	if filter.TitleSearch != "" {
		needle := strings.ToLower(filter.TitleSearch)
		if !strings.Contains(strings.ToLower(a.Title), needle) &&
			!strings.Contains(strings.ToLower(a.ArabicTitle), needle) {
			return false
		}
	}
	if filter.CreatedAfter != nil && a.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && !a.CreatedAt.Before(*filter.CreatedBefore) {
		return false
	}
	if filter.CrawledAfter != nil && a.CrawledAt.Before(*filter.CrawledAfter) {
		return false
	}
	if filter.ImportanceMin != nil && a.ImportanceScore < *filter.ImportanceMin {
		return false
	}
	return true
}

func localPriority(a *core.Article, isLocalSource func(int64) bool) int {
	switch {
	case a.Category == core.CategoryLocalAlgeria:
		return 0
	case isLocalSource(a.SourceID):
		return 1
	case strings.Contains(a.Title, "جزائر") || strings.Contains(a.ArabicTitle, "جزائر"):
		return 2
	case strings.Contains(a.Summary, "جزائر"):
		return 3
	}
	return 4
}

func sortArticles(list []*core.Article, filter core.ArticleFilter, isLocalSource func(int64) bool) {
	key := filter.SortBy
	if key == "" || !key.IsValid() {
		key = core.SortCreatedAt
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if filter.LocalFirst {
			pa, pb := localPriority(a, isLocalSource), localPriority(b, isLocalSource)
			if pa != pb {
				return pa < pb
			}
		}
		if key == core.SortImportance {
			if a.ImportanceScore != b.ImportanceScore {
				if filter.Ascending {
					return a.ImportanceScore < b.ImportanceScore
				}
				return a.ImportanceScore > b.ImportanceScore
			}
			return a.ID > b.ID
		}
		ta, tb, aNull, bNull := sortTimes(a, b, key)
		if aNull || bNull {
			// missing values always sort last, either direction
			if aNull && bNull {
				return a.ID > b.ID
			}
			return bNull
		}
		if ta.Equal(tb) {
			return a.ID > b.ID
		}
		if filter.Ascending {
			return ta.Before(tb)
		}
		return ta.After(tb)
	})
}

func sortTimes(a, b *core.Article, key core.SortKey) (ta, tb time.Time, aNull, bNull bool) {
	switch key {
	case core.SortCrawledAt:
		return a.CrawledAt, b.CrawledAt, false, false
	case core.SortPublished:
		if a.PublishedAt != nil {
			ta = *a.PublishedAt
		} else {
			aNull = true
		}
		if b.PublishedAt != nil {
			tb = *b.PublishedAt
		} else {
			bNull = true
		}
		return ta, tb, aNull, bNull
	}
	return a.CreatedAt, b.CreatedAt, false, false
}

// ListArticles returns articles matching the filter in the requested
// order.
func (m *Store) ListArticles(_ context.Context, filter core.ArticleFilter) ([]*core.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*core.Article
	for _, a := range m.articles {
		if matchArticle(a, filter) {
			out = append(out, a)
		}
	}
	sortArticles(out, filter, m.isLocalSourceLocked)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return cloneArticles(out), nil
}

// CountArticles returns the number of articles matching the filter.
func (m *Store) CountArticles(_ context.Context, filter core.ArticleFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.articles {
		if matchArticle(a, filter) {
			n++
		}
	}
	return n, nil
}

// ListBreaking returns actionable breaking articles no older than ttl.
func (m *Store) ListBreaking(_ context.Context, ttl time.Duration) ([]*core.Article, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-ttl)
	var out []*core.Article
	for _, a := range m.articles {
		if a.IsBreaking && a.Status.Actionable() && a.CrawledAt.After(cutoff) {
			out = append(out, a)
		}
	}
	sortArticles(out, core.ArticleFilter{SortBy: core.SortCrawledAt}, m.isLocalSourceLocked)
	return cloneArticles(out), nil
}

// DemoteStaleBreaking clears lapsed breaking flags, downgrading urgency
// to high.
func (m *Store) DemoteStaleBreaking(_ context.Context, ttl time.Duration) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-ttl)
	var ids []int64
	for _, a := range m.articles {
		if a.IsBreaking && !a.CrawledAt.After(cutoff) {
			a.IsBreaking = false
			a.Urgency = core.UrgencyHigh
			a.UpdatedAt = now
			ids = append(ids, a.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func asStrings(v interface{}) []string {
	if s, ok := v.([]string); ok {
		return s
	}
	return nil
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asTimePtr(v interface{}) *time.Time {
	switch t := v.(type) {
	case *time.Time:
		return cloneTime(t)
	case time.Time:
		c := t
		return &c
	}
	return nil
}
