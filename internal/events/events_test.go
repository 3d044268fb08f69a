package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ch, unsub := h.Subscribe()
	defer unsub()

	h.Publish(context.Background(), "run-1", "router", TypeStarted, nil)

	select {
	case evt := <-ch:
		assert.Equal(t, "run-1", evt.RunID)
		assert.Equal(t, "router", evt.Node)
		assert.Equal(t, TypeStarted, evt.Type)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestReplayFiltersByRunAndSince(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ctx := context.Background()

	first := h.Publish(ctx, "run-1", "scout", TypeStarted, nil)
	h.Publish(ctx, "run-2", "scout", TypeStarted, nil)
	h.Publish(ctx, "run-1", "scout", TypeProgress, map[string]int{"fetched": 12})
	h.Publish(ctx, "run-1", "scout", TypeCompleted, nil)

	all := h.Replay("run-1", 0)
	require.Len(t, all, 3)
	assert.Equal(t, TypeStarted, all[0].Type)
	assert.Equal(t, TypeCompleted, all[2].Type)

	rest := h.Replay("run-1", first.ID)
	require.Len(t, rest, 2)
	assert.Equal(t, TypeProgress, rest[0].Type)
	assert.JSONEq(t, `{"fetched": 12}`, string(rest[0].Payload))
}

func TestRingIsBounded(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ctx := context.Background()
	for i := 0; i < RingSize+100; i++ {
		h.Publish(ctx, "run-x", "node", TypeProgress, nil)
	}
	got := h.Replay("run-x", 0)
	assert.Len(t, got, RingSize)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil, zap.NewNop())
	ch, unsub := h.Subscribe()
	unsub()
	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	h.Publish(context.Background(), "run-1", "node", TypeCompleted, nil)
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, TypeCompleted.Terminal())
	assert.True(t, TypeFailed.Terminal())
	assert.False(t, TypeStarted.Terminal())
	assert.False(t, TypeProgress.Terminal())
}
