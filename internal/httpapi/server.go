// Package httpapi is the external HTTP boundary: job enqueue and
// inspection, article queries, the breaking feed, run-event SSE, health
// and metrics. Responses ride a {data, meta} envelope; errors ride
// {code, message, details, meta} so clients switch on a stable code.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/tahrirhq/tahrir/internal/cache"
	"github.com/tahrirhq/tahrir/internal/config"
	"github.com/tahrirhq/tahrir/internal/core"
	"github.com/tahrirhq/tahrir/internal/events"
	"github.com/tahrirhq/tahrir/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dispatcher is the enqueue path the boundary shares with the tick
// loops. *orchestrator.Orchestrator satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType core.JobType, entityID string, body interface{},
		actor core.Actor, coalesce time.Duration) (*core.JobRun, error)
}

// DepthReporter exposes per-queue pending counts for the metrics
// endpoint. *queue.Broker satisfies it.
type DepthReporter interface {
	PendingCount(queue string) (int, error)
}

// Server holds the boundary's collaborators.
type Server struct {
	store      store.Storage
	cache      cache.Cache
	dispatcher Dispatcher
	hub        *events.Hub
	settings   *config.Settings
	log        *zap.Logger
	metrics    *metricsBundle
}

// NewServer wires the boundary. depths may be nil when no broker runs
// in-process; the queue-depth gauges are then absent.
func NewServer(st store.Storage, c cache.Cache, dispatcher Dispatcher, hub *events.Hub,
	depths DepthReporter, settings *config.Settings, log *zap.Logger) *Server {
	return &Server{
		store:      st,
		cache:      c,
		dispatcher: dispatcher,
		hub:        hub,
		settings:   settings,
		log:        log.Named("http"),
		metrics:    newMetrics(depths),
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
	r.Use(s.metrics.middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.Timeout(30 * time.Second)).Group(func(r chi.Router) {
			r.Post("/jobs", s.handleEnqueue)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/articles", s.handleListArticles)
			r.Get("/articles/breaking", s.handleBreaking)
			r.Get("/articles/{id}", s.handleGetArticle)
			r.Get("/status", s.handleStatus)
		})
		// SSE streams outlive the request timeout
		r.Get("/runs/{run_id}/events", s.handleRunEvents)
	})
	return r
}

// Serve runs the HTTP server until ctx is canceled, then drains with a
// short grace period.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.settings.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("http boundary listening", zap.String("addr", s.settings.HTTPAddr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// envelope is the success wrapper.
type envelope struct {
	Data interface{}            `json:"data"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

// apiError is the error wrapper.
type apiError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details interface{}            `json:"details,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string, details interface{}) {
	s.writeJSON(w, status, apiError{Code: code, Message: message, Details: details})
}
