package pulse

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/oss-agent-tool/planq/features/queue/pulse/clients/pulse"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
)

type (
	// fakeClient is an in-memory stand-in for the Pulse client so the broker
	// logic is testable without a streaming backend. Redis-side behavior
	// (dedup keys, depth counters) still runs against miniredis.
	fakeClient struct {
		mu      sync.Mutex
		streams map[string]*fakeStream
	}

	fakeStream struct {
		name string
		mu   sync.Mutex
		seq  int
		log  []*streaming.Event
		sink *fakeSink
	}

	fakeSink struct {
		ch    chan *streaming.Event
		mu    sync.Mutex
		acked []string
		once  sync.Once
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

func (c *fakeClient) stream(name string) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[name]
}

func (s *fakeStream) Add(_ context.Context, _ string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	evt := &streaming.Event{
		ID:         fmt.Sprintf("%d-0", s.seq),
		StreamName: s.name,
		Payload:    payload,
	}
	s.log = append(s.log, evt)
	if s.sink != nil {
		s.sink.ch <- evt
	}
	return evt.ID, nil
}

func (s *fakeStream) NewSink(_ context.Context, _ string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sink := &fakeSink{ch: make(chan *streaming.Event, 128)}
	for _, evt := range s.log {
		sink.ch <- evt
	}
	s.sink = sink
	return sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) events() []*streaming.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*streaming.Event(nil), s.log...)
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) { s.once.Do(func() { close(s.ch) }) }

func newBroker(t *testing.T) (*Broker, *fakeClient, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	client := newFakeClient()
	b, err := New(Options{Client: client, Redis: rdb})
	require.NoError(t, err)
	return b, client, rdb
}

// consumeOne registers a handler forwarding deliveries to the returned channel.
func consumeOne(t *testing.T, b *Broker, name string) <-chan queue.Delivery {
	t.Helper()
	ch := make(chan queue.Delivery, 16)
	sub, err := b.Consume(context.Background(), name, func(_ context.Context, d queue.Delivery) {
		ch <- d
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close(context.Background()) })
	return ch
}

func awaitDelivery(t *testing.T, ch <-chan queue.Delivery) queue.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestEnqueueDeduplicatesByIdempotencyKey(t *testing.T) {
	b, client, rdb := newBroker(t)
	ctx := context.Background()

	opts := queue.EnqueueOptions{IdempotencyKey: "p1:s1"}
	require.NoError(t, b.Enqueue(ctx, "q", []byte("a"), opts))
	require.NoError(t, b.Enqueue(ctx, "q", []byte("b"), opts))

	require.Len(t, client.stream("q").events(), 1)
	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
	require.Equal(t, "1", rdb.Get(ctx, dedupKey("q", "p1:s1")).Val())
}

func TestAckReleasesDedupAndDepth(t *testing.T) {
	b, client, rdb := newBroker(t)
	ctx := context.Background()
	ch := consumeOne(t, b, "q")

	opts := queue.EnqueueOptions{
		IdempotencyKey: "p1:s1",
		Headers:        map[string]string{"trace-id": "t1"},
	}
	require.NoError(t, b.Enqueue(ctx, "q", []byte("payload"), opts))

	d := awaitDelivery(t, ch)
	require.Equal(t, []byte("payload"), d.Payload())
	require.Equal(t, "t1", d.Headers()["trace-id"])
	require.Zero(t, d.Attempts())
	require.NoError(t, d.Ack(ctx))
	require.NoError(t, d.Ack(ctx)) // idempotent

	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, depth)
	require.Equal(t, int64(0), rdb.Exists(ctx, dedupKey("q", "p1:s1")).Val())

	// The key is reusable after settlement.
	require.NoError(t, b.Enqueue(ctx, "q", []byte("again"), opts))
	require.Len(t, client.stream("q").events(), 2)
}

func TestRetryReappendsWithIncrementedDeliveries(t *testing.T) {
	b, _, _ := newBroker(t)
	ctx := context.Background()
	ch := consumeOne(t, b, "q")

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{IdempotencyKey: "k"}))

	first := awaitDelivery(t, ch)
	require.Zero(t, first.Attempts())
	require.NoError(t, first.Retry(ctx, queue.RetryOptions{}))

	second := awaitDelivery(t, ch)
	require.Equal(t, 1, second.Attempts())
	require.Equal(t, []byte("x"), second.Payload())

	// The retry neither released the depth slot nor the dedup key.
	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, depth)
	require.NoError(t, b.Enqueue(ctx, "q", []byte("dup"), queue.EnqueueOptions{IdempotencyKey: "k"}))
	select {
	case d := <-ch:
		t.Fatalf("deduped enqueue was delivered: %s", d.ID())
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, second.Ack(ctx))
	depth, err = b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestRetryWithDelay(t *testing.T) {
	b, _, _ := newBroker(t)
	ctx := context.Background()
	ch := consumeOne(t, b, "q")

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{}))
	d := awaitDelivery(t, ch)
	require.NoError(t, d.Retry(ctx, queue.RetryOptions{Delay: 20 * time.Millisecond}))

	redelivered := awaitDelivery(t, ch)
	require.Equal(t, 1, redelivered.Attempts())
	require.NoError(t, redelivered.Ack(ctx))
}

func TestDeadLetterMovesToDlqStream(t *testing.T) {
	b, client, rdb := newBroker(t)
	ctx := context.Background()
	ch := consumeOne(t, b, "q")

	require.NoError(t, b.Enqueue(ctx, "q", []byte("x"), queue.EnqueueOptions{IdempotencyKey: "k"}))
	d := awaitDelivery(t, ch)
	require.NoError(t, d.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "gave up"}))

	dlq := client.stream(DeadLetterQueue("q"))
	require.NotNil(t, dlq)
	events := dlq.events()
	require.Len(t, events, 1)
	require.Contains(t, string(events[0].Payload), "gave up")

	depth, err := b.Depth(ctx, "q")
	require.NoError(t, err)
	require.Zero(t, depth)
	require.Equal(t, int64(0), rdb.Exists(ctx, dedupKey("q", "k")).Val())
}

func TestDepthWithoutCounter(t *testing.T) {
	b, _, _ := newBroker(t)
	depth, err := b.Depth(context.Background(), "never-used")
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestUndecodableMessageIsAcked(t *testing.T) {
	b, client, _ := newBroker(t)
	ctx := context.Background()

	called := make(chan struct{}, 1)
	sub, err := b.Consume(ctx, "q", func(context.Context, queue.Delivery) {
		called <- struct{}{}
	})
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close(ctx) })

	stream := client.stream("q")
	_, err = stream.Add(ctx, "job", []byte("not an envelope"))
	require.NoError(t, err)

	stream.mu.Lock()
	sink := stream.sink
	stream.mu.Unlock()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.acked) == 1
	}, 5*time.Second, 10*time.Millisecond)
	select {
	case <-called:
		t.Fatal("handler invoked for undecodable message")
	default:
	}
}
