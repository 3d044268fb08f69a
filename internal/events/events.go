// Package events is the live progress stream for pipeline runs. Every
// job execution publishes run-keyed events; the hub fans them out to
// in-process subscribers (the SSE boundary), keeps a bounded ring for
// since-replay, and mirrors them onto NATS for external consumers.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Type tags a progress event. Completed and failed are terminal: no
// further events for the run follow.
type Type string

// Event type constants
const (
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
)

// Terminal reports whether the run emits nothing after this event.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed
}

// Event is one progress record on a run's stream.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Node      string          `json:"node"` // agent or pipeline stage name
	Type      Type            `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// SubjectPrefix is the NATS subject namespace for mirrored run events.
const SubjectPrefix = "runs."

// RingSize bounds the replay buffer. Old events fall off; reconnecting
// clients that ask further back get what is left.
const RingSize = 2048

const subscriberBuffer = 64

// Hub dispatches run events. Safe for concurrent use.
type Hub struct {
	nc  *nats.Conn // nil disables the NATS mirror
	log *zap.Logger

	mu      sync.RWMutex
	nextID  int64
	ring    []Event // append-bounded at RingSize
	subs    map[int]chan Event
	nextSub int
}

// NewHub builds a hub. nc may be nil for single-process deployments.
func NewHub(nc *nats.Conn, log *zap.Logger) *Hub {
	return &Hub{
		nc:   nc,
		log:  log.Named("events"),
		subs: make(map[int]chan Event),
	}
}

// Publish records and fans out one event. payload is marshaled; a nil
// payload produces an event with no payload field.
func (h *Hub) Publish(ctx context.Context, runID, node string, typ Type, payload interface{}) Event {
	var body json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			h.log.Warn("unmarshalable event payload dropped",
				zap.String("run_id", runID), zap.Error(err))
		} else {
			body = b
		}
	}

	h.mu.Lock()
	h.nextID++
	evt := Event{
		ID:        h.nextID,
		RunID:     runID,
		Node:      node,
		Type:      typ,
		Payload:   body,
		Timestamp: time.Now().UTC(),
	}
	h.ring = append(h.ring, evt)
	if len(h.ring) > RingSize {
		h.ring = h.ring[len(h.ring)-RingSize:]
	}
	for id, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber: drop rather than block the pipeline.
			h.log.Debug("subscriber lagging, event dropped", zap.Int("subscriber", id))
		}
	}
	h.mu.Unlock()

	if h.nc != nil {
		if data, err := json.Marshal(evt); err == nil {
			if err := h.nc.Publish(SubjectPrefix+runID, data); err != nil {
				h.log.Warn("event mirror publish failed",
					zap.String("run_id", runID), zap.Error(err))
			}
		}
	}
	return evt
}

// Subscribe returns a live event channel and its unsubscribe func. The
// channel closes on unsubscribe.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Replay returns buffered events for a run with ID greater than sinceID,
// oldest first. sinceID 0 replays everything still in the ring.
func (h *Hub) Replay(runID string, sinceID int64) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, evt := range h.ring {
		if evt.RunID == runID && evt.ID > sinceID {
			out = append(out, evt)
		}
	}
	return out
}
