package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tahrirhq/tahrir/internal/events"
)

// handleRunEvents streams a run's progress as Server-Sent Events.
// ?since=<id> (or the Last-Event-ID header) replays buffered events
// first, so a reconnecting client misses nothing still in the ring.
// The stream closes after the run's terminal event.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported", nil)
		return
	}
	runID := chi.URLParam(r, "run_id")

	sinceID := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an event id", v)
			return
		}
		sinceID = n
	} else if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			sinceID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// subscribe before replaying so no event falls in the gap
	live, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	lastID := sinceID
	for _, evt := range s.hub.Replay(runID, sinceID) {
		if !writeEvent(w, evt) {
			return
		}
		lastID = evt.ID
		if evt.Type.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-live:
			if !ok {
				return
			}
			if evt.RunID != runID || evt.ID <= lastID {
				continue
			}
			if !writeEvent(w, evt) {
				return
			}
			lastID = evt.ID
			flusher.Flush()
			if evt.Type.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt events.Event) bool {
	data, err := json.Marshal(evt)
	if err != nil {
		return true // skip the unmarshalable event, keep the stream
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
	return err == nil
}
