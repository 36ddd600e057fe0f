package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oss-agent-tool/planq/runtime/plan/queue"
)

// collector gathers deliveries without settling them.
type collector struct {
	mu         sync.Mutex
	deliveries []queue.Delivery
	notify     chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handle(_ context.Context, d queue.Delivery) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) wait(t *testing.T) queue.Delivery {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveries[len(c.deliveries)-1]
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deliveries)
}

func TestEnqueueBeforeConsume(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, "q", []byte("one"), queue.EnqueueOptions{}))

	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, depth)

	c := newCollector()
	sub, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)
	defer sub.Close(ctx)

	d := c.wait(t)
	require.Equal(t, []byte("one"), d.Payload())
	require.Zero(t, d.Attempts())
	require.NoError(t, d.Ack(ctx))

	depth, err = b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := newCollector()
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	opts := queue.EnqueueOptions{IdempotencyKey: "k1"}
	require.NoError(t, b.Enqueue(ctx, "q", []byte("a"), opts))
	require.NoError(t, b.Enqueue(ctx, "q", []byte("b"), opts))

	d := c.wait(t)
	require.Equal(t, []byte("a"), d.Payload())
	select {
	case <-c.notify:
		t.Fatal("duplicate idempotency key was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	// Settling releases the key for reuse.
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, b.Enqueue(ctx, "q", []byte("c"), opts))
	d = c.wait(t)
	require.Equal(t, []byte("c"), d.Payload())
}

func TestRetryRedeliversWithIncrementedAttempts(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := newCollector()
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{}))
	d := c.wait(t)
	require.Zero(t, d.Attempts())

	require.NoError(t, d.Retry(ctx, queue.RetryOptions{}))
	d = c.wait(t)
	require.Equal(t, 1, d.Attempts())

	require.NoError(t, d.Retry(ctx, queue.RetryOptions{Delay: 10 * time.Millisecond}))
	d = c.wait(t)
	require.Equal(t, 2, d.Attempts())
	require.NoError(t, d.Ack(ctx))
}

func TestDeadLetter(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := newCollector()
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{
		Headers: map[string]string{"trace-id": "t1"},
	}))
	d := c.wait(t)
	require.NoError(t, d.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "gave up"}))

	dlq := b.DeadLetters("q")
	require.Len(t, dlq, 1)
	require.Equal(t, "gave up", dlq[0].Reason)
	require.Equal(t, []byte("x"), dlq[0].Payload)
	require.Equal(t, "t1", dlq[0].Headers["trace-id"])

	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestSettleIsIdempotent(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := newCollector()
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{}))
	d := c.wait(t)
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Retry(ctx, queue.RetryOptions{}))
	require.NoError(t, d.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "late"}))

	// The first settlement won: nothing redelivered, nothing dead-lettered.
	select {
	case <-c.notify:
		t.Fatal("settled message was redelivered")
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, b.DeadLetters("q"))
}

func TestRedeliverDuplicatesInFlightMessage(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := newCollector()
	_, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{}))
	first := c.wait(t)

	ids := b.InFlight("q")
	require.Len(t, ids, 1)
	require.NoError(t, b.Redeliver("q", ids[0]))
	second := c.wait(t)

	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, 1, second.Attempts())
	require.NoError(t, first.Ack(ctx))
	require.NoError(t, second.Ack(ctx))

	require.Error(t, b.Redeliver("q", ids[0]))
	require.Error(t, b.Redeliver("unknown", "nope"))
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := New()
	ctx := context.Background()
	c := newCollector()
	sub, err := b.Consume(ctx, "q", c.handle)
	require.NoError(t, err)
	require.NoError(t, sub.Close(ctx))

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{}))
	select {
	case <-c.notify:
		t.Fatal("delivery after subscription close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseDrainsAndRejectsWork(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Close(ctx))
	require.ErrorIs(t, b.Enqueue(ctx, "q", nil, queue.EnqueueOptions{}), ErrClosed)
	_, err := b.Consume(ctx, "q", func(context.Context, queue.Delivery) {})
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, b.Close(ctx))
}
