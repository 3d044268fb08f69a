package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Message
	name string
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	return nil
}

func (r *recordingNotifier) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.got))
	copy(out, r.got)
	return out
}

func TestDispatchRoutesBySeverity(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	breaking := &recordingNotifier{name: "breaking-chan"}
	ops := &recordingNotifier{name: "ops-chan"}
	d.Route(breaking, SeverityBreaking)
	d.Route(ops, SeverityQuality, SeverityOps)

	d.Dispatch(Message{Severity: SeverityBreaking, Title: "عاجل"})
	d.Dispatch(Message{Severity: SeverityOps, Title: "queue overloaded"})

	require.Eventually(t, func() bool {
		return len(breaking.messages()) == 1 && len(ops.messages()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "عاجل", breaking.messages()[0].Title)
	assert.Equal(t, "queue overloaded", ops.messages()[0].Title)
}

func TestDispatchWithoutRouteDoesNotPanic(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	d.Dispatch(Message{Severity: SeverityQuality, Title: "nobody listening"})
}

func TestTelegramSendsBotAPIPayload(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegram("bot-token", "chat-99")
	n.baseURL = srv.URL

	err := n.Send(context.Background(), Message{
		Severity: SeverityBreaking,
		Title:    "عاجل: زلزال",
		Body:     "هزه ارضيه بقوه 5 درجات",
	})
	require.NoError(t, err)
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "chat-99", gotBody["chat_id"])
	assert.Contains(t, gotBody["text"], "عاجل: زلزال")
	assert.Contains(t, gotBody["text"], "هزه ارضيه")
}

func TestTelegramSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewTelegram("t", "c")
	n.baseURL = srv.URL
	err := n.Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestRenderTextIncludesFields(t *testing.T) {
	s := renderText(Message{
		Title:  "title",
		Body:   "body",
		Fields: map[string]string{"score": "61"},
	})
	assert.Contains(t, s, "title")
	assert.Contains(t, s, "body")
	assert.Contains(t, s, "score: 61")
}
