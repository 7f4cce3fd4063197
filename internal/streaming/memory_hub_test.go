package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ensemble/pkg/schema"
)

func recvOne(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed while waiting for event")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return RunEvent{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan RunEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := RunEvent{
		RunID:     "run-1",
		BatchID:   "batch-1",
		NodeID:    "node-1",
		EventType: schema.EventNodeCompleted,
		Payload:   map[string]any{"result": "ok"},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recvOne(t, ch)
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.BatchID, got.BatchID)
	assert.Equal(t, event.NodeID, got.NodeID)
	assert.Equal(t, event.EventType, got.EventType)
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: schema.EventNodeStarted}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-2", EventType: schema.EventNodeStarted}))

	assert.Equal(t, "run-1", recvOne(t, ch).RunID)
	assertNoEvent(t, ch)
}

func TestFilterByNodeID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1", NodeID: "n2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", NodeID: "n1", EventType: schema.EventNodeCompleted}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", NodeID: "n2", EventType: schema.EventNodeCompleted}))

	assert.Equal(t, "n2", recvOne(t, ch).NodeID)
	assertNoEvent(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventNodeCompleted, schema.EventRunFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: schema.EventNodeCompleted}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: schema.EventNodeStarted}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: schema.EventRunFailed}))

	assert.Equal(t, schema.EventNodeCompleted, recvOne(t, ch).EventType)
	assert.Equal(t, schema.EventRunFailed, recvOne(t, ch).EventType)
	assertNoEvent(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: schema.EventNodeCompleted}))

	for _, ch := range []<-chan RunEvent{ch1, ch2} {
		got := recvOne(t, ch)
		assert.Equal(t, "run-1", got.RunID)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, ok := <-ch
	assert.False(t, ok, "channel must be closed after cancel")
	assert.Equal(t, 0, hub.Stats().Subscribers)

	// Publishing afterwards still works, it just has no audience.
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "tick"}))
}

func TestContextEndsSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancelCtx := context.WithCancel(context.Background())

	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Stats().Subscribers)

	cancelCtx()

	require.Eventually(t, func() bool {
		return hub.Stats().Subscribers == 0
	}, time.Second, 5*time.Millisecond)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed once ctx is done")
	case <-time.After(time.Second):
		t.Fatal("channel never closed after context cancellation")
	}
}

func TestSlowSubscriberLosesEventsNotPublishers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	const overflow = 10
	for i := 0; i < subscriberBuffer+overflow; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "tick"}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			assert.Equal(t, subscriberBuffer, drained)
			stats := hub.Stats()
			assert.Equal(t, uint64(subscriberBuffer+overflow), stats.Published)
			assert.Equal(t, uint64(overflow), stats.Dropped)
			return
		}
	}
}

func TestCloseEndsEverything(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, _, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	require.NoError(t, hub.Close())

	_, ok := <-ch
	assert.False(t, ok, "channel must be closed by hub shutdown")

	err = hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "tick"})
	require.Error(t, err)

	_, _, err = hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup

	cancels := make([]func(), goroutines)
	for i := 0; i < goroutines; i++ {
		_, cancel, err := hub.Subscribe(ctx, EventFilter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, RunEvent{RunID: "run-concurrent", EventType: "tick"})
			}
		}()
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestPhaseSinkPublishes(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	sink := &PhaseSink{Hub: hub}
	sink.RunPhase("run-1", schema.RunStatusRunning, schema.RunStatusCompleted)

	got := recvOne(t, ch)
	assert.Equal(t, "run_phase", got.EventType)
	payload, ok := got.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", payload["to"])
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hub.Publish(ctx, RunEvent{RunID: "run-1", EventType: "tick"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSubscribeCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
