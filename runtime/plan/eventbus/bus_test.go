package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

func event(planID, stepID string, st plan.StepState, at time.Time) plan.StepEvent {
	return plan.StepEvent{PlanID: planID, StepID: stepID, State: st, OccurredAt: at}
}

func TestPublishAndSubscribe(t *testing.T) {
	bus := New(Options{})
	defer bus.Close()
	ctx := context.Background()

	ch, cancel := bus.Subscribe(ctx, "p1")
	defer cancel()

	now := time.Now()
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateQueued, now)))
	require.NoError(t, bus.Publish(ctx, event("p2", "s1", plan.StateQueued, now)))

	ev := <-ch
	require.Equal(t, "p1", ev.PlanID)
	require.Equal(t, plan.StateQueued, ev.State)
	select {
	case ev := <-ch:
		t.Fatalf("received event for foreign plan %s", ev.PlanID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateSubscriberReplay(t *testing.T) {
	bus := New(Options{})
	defer bus.Close()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateQueued, now)))
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateRunning, now.Add(time.Millisecond))))
	require.NoError(t, bus.Publish(ctx, event("p1", "s2", plan.StateQueued, now.Add(2*time.Millisecond))))

	ch, cancel := bus.Subscribe(ctx, "p1")
	defer cancel()

	// Replay preserves publication order across steps.
	first := <-ch
	require.Equal(t, "s1", first.StepID)
	require.Equal(t, plan.StateQueued, first.State)
	second := <-ch
	require.Equal(t, "s1", second.StepID)
	require.Equal(t, plan.StateRunning, second.State)
	third := <-ch
	require.Equal(t, "s2", third.StepID)

	// Live events still follow the replay.
	require.NoError(t, bus.Publish(ctx, event("p1", "s2", plan.StateRunning, now.Add(3*time.Millisecond))))
	live := <-ch
	require.Equal(t, plan.StateRunning, live.State)
	require.Equal(t, "s2", live.StepID)
}

func TestDuplicatePublicationSkipped(t *testing.T) {
	bus := New(Options{})
	defer bus.Close()
	ctx := context.Background()
	now := time.Now()

	ev := plan.StepEvent{
		PlanID: "p1", StepID: "s1", State: plan.StateCompleted,
		Summary:    "done",
		Output:     map[string]any{"n": 1},
		OccurredAt: now,
	}
	require.NoError(t, bus.Publish(ctx, ev))

	// A structurally identical event from a duplicate delivery is dropped
	// even though it is a distinct value.
	dup := ev.Clone()
	require.NoError(t, bus.Publish(ctx, dup))

	ch, cancel := bus.Subscribe(ctx, "p1")
	defer cancel()
	<-ch
	select {
	case <-ch:
		t.Fatal("duplicate event was published")
	case <-time.After(50 * time.Millisecond):
	}

	// A later occurrence time makes it a new event.
	next := ev.Clone()
	next.OccurredAt = now.Add(time.Second)
	require.NoError(t, bus.Publish(ctx, next))
	<-ch
}

func TestRetentionWindowPrunesHistory(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	bus := New(Options{Retention: time.Minute, Clock: clock})
	defer bus.Close()
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateQueued, now)))
	_, ok := bus.Latest("p1", "s1")
	require.True(t, ok)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	_, ok = bus.Latest("p1", "s1")
	require.False(t, ok)
	ch, cancel := bus.Subscribe(ctx, "p1")
	defer cancel()
	select {
	case ev := <-ch:
		t.Fatalf("expired event replayed: %s", ev.State)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	bus := New(Options{Buffer: 1})
	defer bus.Close()
	ctx := context.Background()
	now := time.Now()

	ch, cancel := bus.Subscribe(ctx, "p1")
	defer cancel()

	// Fill the buffer and overflow it without draining.
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateQueued, now)))
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateRunning, now.Add(time.Millisecond))))

	// The subscriber was dropped: its channel is closed after the buffered
	// event is drained.
	<-ch
	_, open := <-ch
	require.False(t, open)

	// Publication still works for new subscribers.
	ch2, cancel2 := bus.Subscribe(ctx, "p1")
	defer cancel2()
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateCompleted, now.Add(2*time.Millisecond))))
	var last plan.StepEvent
	for i := 0; i < 3; i++ {
		last = <-ch2
	}
	require.Equal(t, plan.StateCompleted, last.State)
}

func TestLatest(t *testing.T) {
	bus := New(Options{})
	defer bus.Close()
	ctx := context.Background()
	now := time.Now()

	_, ok := bus.Latest("p1", "s1")
	require.False(t, ok)

	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateQueued, now)))
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateRunning, now.Add(time.Millisecond))))
	ev, ok := bus.Latest("p1", "s1")
	require.True(t, ok)
	require.Equal(t, plan.StateRunning, ev.State)
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := New(Options{})
	ctx := context.Background()
	ch, _ := bus.Subscribe(ctx, "p1")
	bus.Close()
	_, open := <-ch
	require.False(t, open)

	// Publishing after close is a silent no-op.
	require.NoError(t, bus.Publish(ctx, event("p1", "s1", plan.StateQueued, time.Now())))

	// Subscribing after close yields a closed channel.
	ch2, cancel := bus.Subscribe(ctx, "p1")
	defer cancel()
	_, open = <-ch2
	require.False(t, open)
}
