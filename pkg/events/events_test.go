package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTerminalClosesChannel(t *testing.T) {
	s := NewStream[LifecycleEvent](4)
	ctx := context.Background()

	require.True(t, s.Emit(ctx, CreatedEvent{Phase: "Pending"}))
	require.True(t, s.Emit(ctx, WaitingEvent{Attempt: 1}))
	require.True(t, s.Emit(ctx, ReadyEvent{Elapsed: time.Second}))

	// Further emits are rejected once the terminal event closed the stream.
	require.False(t, s.Emit(ctx, WaitingEvent{Attempt: 2}))

	var got []LifecycleEvent
	for ev := range s.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "Created", got[0].Type())
	assert.Equal(t, "Ready", got[2].Type())
	assert.True(t, got[2].Terminal())
}

func TestStreamEmitRespectsCancellation(t *testing.T) {
	s := NewStream[ExecutionEvent](0) // unbuffered, no consumer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok := s.Emit(ctx, OutputEvent{PID: 1, Stream: "stdout", Data: []byte("hi")})
	assert.False(t, ok)
}

func TestBrokerBestEffortDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Notification{Kind: "sandbox.deleted", Message: "idle-timeout"})

	select {
	case n := <-sub:
		assert.Equal(t, "sandbox.deleted", n.Kind)
		assert.False(t, n.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected notification")
	}
}
