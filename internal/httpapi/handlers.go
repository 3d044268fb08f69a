package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/llm"
	"github.com/tahrirhq/tahrir/internal/queue"
	"github.com/tahrirhq/tahrir/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type enqueueRequest struct {
	JobType         string              `json:"job_type"`
	EntityID        string              `json:"entity_id"`
	Payload         jsoniter.RawMessage `json:"payload"`
	ActorName       string              `json:"actor_name"`
	ActorKind       string              `json:"actor_kind"`
	CoalesceSeconds int                 `json:"coalesce_seconds"`
}

// handleEnqueue is the on-demand dispatch path. It shares the tick
// loops' enqueue pipeline, so backpressure and coalescing apply the
// same way.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", err.Error())
		return
	}
	jobType := core.JobType(req.JobType)
	if !jobType.IsValid() {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown job_type", req.JobType)
		return
	}
	actor := core.Actor{Name: req.ActorName, Kind: req.ActorKind}
	if actor.Name == "" {
		actor = core.Actor{Name: "api", Kind: "system"}
	}

	var body interface{}
	if len(req.Payload) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(req.Payload, &decoded); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "payload is not valid JSON", err.Error())
			return
		}
		body = decoded
	}

	job, err := s.dispatcher.Dispatch(r.Context(), jobType, req.EntityID, body, actor,
		time.Duration(req.CoalesceSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, queue.ErrQueueOverloaded) {
			w.Header().Set("Retry-After", "60")
			s.writeError(w, http.StatusTooManyRequests, "queue_overloaded",
				"queue is at its depth limit, retry later", err.Error())
			return
		}
		s.log.Error("enqueue failed", zap.String("job_type", req.JobType), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal", "enqueue failed", nil)
		return
	}
	s.writeJSON(w, http.StatusAccepted, envelope{Data: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJobRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "no such job", id)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "job lookup failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Data: job})
}

// handleListArticles maps query parameters onto the article filter.
func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.ArticleFilter{
		Limit:  defaultPageSize,
		SortBy: core.SortCreatedAt,
	}

	if v := q.Get("status"); v != "" {
		st := core.Status(v)
		if !st.IsValid() {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown status", v)
			return
		}
		filter.Status = &st
	}
	if v := q.Get("category"); v != "" {
		c := core.Category(v)
		if !c.IsValid() {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown category", v)
			return
		}
		filter.Category = &c
	}
	if v := q.Get("urgency"); v != "" {
		u := core.Urgency(v)
		if !u.IsValid() {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown urgency", v)
			return
		}
		filter.Urgency = &u
	}
	if v := q.Get("breaking"); v != "" {
		b := v == "true" || v == "1"
		filter.IsBreaking = &b
	}
	if v := q.Get("importance_min"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "importance_min must be an integer", v)
			return
		}
		filter.ImportanceMin = &n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339", v)
			return
		}
		filter.CreatedAfter = &ts
	}
	if v := q.Get("sort"); v != "" {
		key := core.SortKey(v)
		if !key.IsValid() {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unknown sort key", v)
			return
		}
		filter.SortBy = key
	}
	filter.TitleSearch = q.Get("q")
	filter.LocalFirst = q.Get("local_first") == "true"
	filter.Ascending = q.Get("order") == "asc"
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer", v)
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "offset must be a non-negative integer", v)
			return
		}
		filter.Offset = n
	}

	arts, err := s.store.ListArticles(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "article query failed", nil)
		return
	}
	total, err := s.store.CountArticles(r.Context(), filter)
	if err != nil {
		total = len(arts)
	}
	s.writeJSON(w, http.StatusOK, envelope{
		Data: arts,
		Meta: map[string]interface{}{
			"count":  len(arts),
			"total":  total,
			"limit":  filter.Limit,
			"offset": filter.Offset,
		},
	})
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "article id must be an integer", nil)
		return
	}
	art, err := s.store.GetArticle(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "no such article", id)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "article lookup failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Data: art})
}

// handleBreaking serves the newsroom ticker: actionable breaking
// articles inside the TTL window.
func (s *Server) handleBreaking(w http.ResponseWriter, r *http.Request) {
	arts, err := s.store.ListBreaking(r.Context(), s.settings.BreakingTTL)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "breaking query failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{
		Data: arts,
		Meta: map[string]interface{}{
			"count":       len(arts),
			"ttl_minutes": int(s.settings.BreakingTTL.Minutes()),
		},
	})
}

// handleStatus is the ops snapshot: pipeline counts plus the daily LLM
// spend counter.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStatistics(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "statistics query failed", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{
		Data: stats,
		Meta: map[string]interface{}{
			"ai_calls_today":   s.cache.CounterValue(r.Context(), llm.CallsCounterKey),
			"llm_daily_budget": s.settings.LLMDailyBudget,
			"cache_healthy":    s.cache.Healthy(r.Context()),
		},
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetStatistics(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "store is not serving", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
