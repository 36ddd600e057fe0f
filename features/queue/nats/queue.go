// Package nats implements the queue adapter over NATS JetStream. Each queue
// maps to a work-queue stream with explicit acks; idempotency keys ride the
// Nats-Msg-Id header so the server deduplicates within its duplicate window,
// retries use NakWithDelay, and dead-letters are mirrored onto a "<queue>.dlq"
// stream before the original message is terminated.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/oss-agent-tool/planq/runtime/plan/queue"
)

const (
	// DefaultDurable is the durable consumer name used when Options.Durable
	// is empty.
	DefaultDurable = "planq"
	// DefaultDedupWindow is the server-side duplicate window applied to
	// created streams when Options.DedupWindow is zero.
	DefaultDedupWindow = 5 * time.Minute

	reasonHeader = "planq-reason"
)

type (
	// Options configures the broker.
	Options struct {
		// Conn is the NATS connection. Required.
		Conn *nats.Conn
		// Durable names the durable consumer. Defaults to DefaultDurable.
		Durable string
		// DedupWindow is the stream duplicate window backing idempotency
		// keys. Defaults to DefaultDedupWindow.
		DedupWindow time.Duration
		// AckWait overrides the redelivery visibility timeout. Zero uses the
		// server default.
		AckWait time.Duration
		// RateLimit caps handler dispatches per second. Zero disables the
		// limit.
		RateLimit rate.Limit
		// RateBurst is the dispatch burst when RateLimit is set.
		RateBurst int
	}

	// Broker is a JetStream-backed queue adapter. Safe for concurrent use.
	Broker struct {
		js          jetstream.JetStream
		durable     string
		dedupWindow time.Duration
		ackWait     time.Duration
		limiter     *rate.Limiter

		mu      sync.Mutex
		streams map[string]jetstream.Stream
	}
)

// New constructs a Broker on top of the given NATS connection.
func New(opts Options) (*Broker, error) {
	if opts.Conn == nil {
		return nil, errors.New("nats connection is required")
	}
	js, err := jetstream.New(opts.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	durable := opts.Durable
	if durable == "" {
		durable = DefaultDurable
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return &Broker{
		js:          js,
		durable:     durable,
		dedupWindow: window,
		ackWait:     opts.AckWait,
		limiter:     limiter,
		streams:     make(map[string]jetstream.Stream),
	}, nil
}

// Enqueue implements queue.Adapter.
func (b *Broker) Enqueue(ctx context.Context, name string, payload []byte, opts queue.EnqueueOptions) error {
	if _, err := b.stream(ctx, name); err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: name,
		Data:    payload,
		Header:  nats.Header{},
	}
	for k, v := range opts.Headers {
		msg.Header.Set(k, v)
	}
	if opts.IdempotencyKey != "" {
		msg.Header.Set(nats.MsgIdHdr, name+":"+opts.IdempotencyKey)
	}
	if _, err := b.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish on %s: %w", name, err)
	}
	return nil
}

// Consume implements queue.Adapter.
func (b *Broker) Consume(ctx context.Context, name string, handler queue.Handler) (queue.Subscription, error) {
	stream, err := b.stream(ctx, name)
	if err != nil {
		return nil, err
	}
	cfg := jetstream.ConsumerConfig{
		Durable:   b.durable,
		AckPolicy: jetstream.AckExplicitPolicy,
		// The runtime owns retry exhaustion; the server never gives up on
		// its behalf.
		MaxDeliver: -1,
	}
	if b.ackWait > 0 {
		cfg.AckWait = b.ackWait
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", name, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cc, err := consumer.Consume(func(m jetstream.Msg) {
		if b.limiter != nil {
			if err := b.limiter.Wait(runCtx); err != nil {
				return
			}
		}
		handler(runCtx, &delivery{broker: b, queue: name, msg: m})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consume %s: %w", name, err)
	}
	return &subscription{cancel: cancel, consume: cc}, nil
}

// Depth implements queue.Adapter: the stream message count, which with
// work-queue retention covers pending and unacknowledged messages.
func (b *Broker) Depth(ctx context.Context, name string) (int, error) {
	stream, err := b.stream(ctx, name)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info for %s: %w", name, err)
	}
	return int(info.State.Msgs), nil
}

// stream returns the JetStream stream for the queue, creating it on first
// use. Queue names contain dots, which JetStream forbids in stream names, so
// the stream name is the dashed form.
func (b *Broker) stream(ctx context.Context, name string) (jetstream.Stream, error) {
	b.mu.Lock()
	if s, ok := b.streams[name]; ok {
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName(name),
		Subjects:   []string{name},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: b.dedupWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream for %s: %w", name, err)
	}
	b.mu.Lock()
	b.streams[name] = s
	b.mu.Unlock()
	return s, nil
}

func streamName(queue string) string {
	return "planq-" + strings.ReplaceAll(queue, ".", "-")
}

type subscription struct {
	cancel  context.CancelFunc
	consume jetstream.ConsumeContext
	once    sync.Once
}

// Close implements queue.Subscription.
func (s *subscription) Close(context.Context) error {
	s.once.Do(func() {
		s.consume.Drain()
		s.cancel()
	})
	return nil
}

// delivery adapts one JetStream message to queue.Delivery.
type delivery struct {
	broker *Broker
	queue  string
	msg    jetstream.Msg

	mu      sync.Mutex
	settled bool
}

func (d *delivery) ID() string {
	meta, err := d.msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/%d", meta.Stream, meta.Sequence.Stream)
}

func (d *delivery) Payload() []byte { return d.msg.Data() }

func (d *delivery) Headers() map[string]string {
	headers := d.msg.Headers()
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k := range headers {
		out[k] = headers.Get(k)
	}
	return out
}

// Attempts reports prior deliveries: NumDelivered counts the current one.
func (d *delivery) Attempts() int {
	meta, err := d.msg.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 0
	}
	return int(meta.NumDelivered) - 1
}

// Ack implements queue.Delivery.
func (d *delivery) Ack(context.Context) error {
	if !d.settle() {
		return nil
	}
	return d.msg.Ack()
}

// Retry implements queue.Delivery.
func (d *delivery) Retry(_ context.Context, opts queue.RetryOptions) error {
	if !d.settle() {
		return nil
	}
	if opts.Delay > 0 {
		return d.msg.NakWithDelay(opts.Delay)
	}
	return d.msg.Nak()
}

// DeadLetter implements queue.Delivery: the payload is republished on the
// dead-letter stream with the reason header, then the original message is
// terminated so the server stops redelivering it.
func (d *delivery) DeadLetter(ctx context.Context, opts queue.DeadLetterOptions) error {
	if !d.settle() {
		return nil
	}
	dlq := DeadLetterQueue(d.queue)
	if _, err := d.broker.stream(ctx, dlq); err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: dlq,
		Data:    d.msg.Data(),
		Header:  nats.Header{},
	}
	for k := range d.msg.Headers() {
		msg.Header.Set(k, d.msg.Headers().Get(k))
	}
	msg.Header.Del(nats.MsgIdHdr)
	msg.Header.Set(reasonHeader, opts.Reason)
	if _, err := d.broker.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish dead-letter on %s: %w", dlq, err)
	}
	if err := d.msg.Term(); err != nil {
		log.Errorf(ctx, err, "terminate dead-lettered message on %s", d.queue)
	}
	return nil
}

func (d *delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// DeadLetterQueue returns the dead-letter subject for a queue.
func DeadLetterQueue(name string) string { return name + ".dlq" }
