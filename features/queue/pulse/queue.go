// Package pulse implements the queue adapter over goa.design/pulse streams
// backed by Redis. Each queue maps to one Pulse stream consumed through a
// consumer group; dead-letters land on a "<queue>.dlq" stream.
//
// Idempotency-key deduplication uses a SETNX key with an in-flight TTL, and
// queue depth is tracked with a Redis counter incremented on enqueue and
// decremented on settlement, so Depth covers pending and in-flight messages.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	"golang.org/x/time/rate"

	clientspulse "github.com/oss-agent-tool/planq/features/queue/pulse/clients/pulse"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
)

const (
	// DefaultGroup is the consumer-group name used when Options.Group is
	// empty.
	DefaultGroup = "planq"
	// DefaultDedupTTL bounds the idempotency-key in-flight window when
	// Options.DedupTTL is zero.
	DefaultDedupTTL = 5 * time.Minute

	jobEvent = "job"
)

type (
	// Options configures the broker.
	Options struct {
		// Client is the Pulse client wrapper. Required.
		Client clientspulse.Client
		// Redis is the connection used for dedup keys and depth counters.
		// Required; typically the same connection backing Client.
		Redis *redis.Client
		// Group names the consumer group. Defaults to DefaultGroup.
		Group string
		// DedupTTL bounds the idempotency-key in-flight window. Defaults to
		// DefaultDedupTTL.
		DedupTTL time.Duration
		// RateLimit caps handler dispatches per second. Zero disables the
		// limit.
		RateLimit rate.Limit
		// RateBurst is the dispatch burst when RateLimit is set.
		RateBurst int
	}

	// Broker is a Pulse-backed queue adapter. Safe for concurrent use.
	Broker struct {
		client   clientspulse.Client
		redis    *redis.Client
		group    string
		dedupTTL time.Duration
		limiter  *rate.Limiter

		mu      sync.Mutex
		streams map[string]clientspulse.Stream
	}

	// envelope is the wire format carried in stream entries.
	envelope struct {
		Payload        []byte            `json:"payload"`
		Headers        map[string]string `json:"headers,omitempty"`
		IdempotencyKey string            `json:"idempotencyKey,omitempty"`
		Deliveries     int               `json:"deliveries"`
		Reason         string            `json:"reason,omitempty"`
	}
)

// New constructs a Broker.
func New(opts Options) (*Broker, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	group := opts.Group
	if group == "" {
		group = DefaultGroup
	}
	ttl := opts.DedupTTL
	if ttl <= 0 {
		ttl = DefaultDedupTTL
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
		client:   opts.Client,
		redis:    opts.Redis,
		group:    group,
		dedupTTL: ttl,
		limiter:  limiter,
		streams:  make(map[string]clientspulse.Stream),
	}, nil
}

// Enqueue implements queue.Adapter. Messages carrying an idempotency key that
// is already in flight are dropped silently.
func (b *Broker) Enqueue(ctx context.Context, name string, payload []byte, opts queue.EnqueueOptions) error {
	if opts.IdempotencyKey != "" {
		ok, err := b.redis.SetNX(ctx, dedupKey(name, opts.IdempotencyKey), "1", b.dedupTTL).Result()
		if err != nil {
			return fmt.Errorf("dedup reservation: %w", err)
		}
		if !ok {
			return nil
		}
	}
	env := envelope{
		Payload:        payload,
		Headers:        opts.Headers,
		IdempotencyKey: opts.IdempotencyKey,
	}
	if err := b.add(ctx, name, env); err != nil {
		if opts.IdempotencyKey != "" {
			b.redis.Del(ctx, dedupKey(name, opts.IdempotencyKey))
		}
		return err
	}
	b.redis.Incr(ctx, depthKey(name))
	return nil
}

// Consume implements queue.Adapter. Each message runs the handler to
// completion on the consumer goroutine.
func (b *Broker) Consume(ctx context.Context, name string, handler queue.Handler) (queue.Subscription, error) {
	stream, err := b.stream(name)
	if err != nil {
		return nil, err
	}
	sink, err := stream.NewSink(ctx, b.group)
	if err != nil {
		return nil, fmt.Errorf("create sink for %s: %w", name, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, sink: sink}
	sub.wg.Add(1)
	go b.consume(runCtx, name, sink, handler, &sub.wg)
	return sub, nil
}

// Depth implements queue.Adapter.
func (b *Broker) Depth(ctx context.Context, name string) (int, error) {
	n, err := b.redis.Get(ctx, depthKey(name)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (b *Broker) consume(ctx context.Context, name string, sink clientspulse.Sink, handler queue.Handler, wg *sync.WaitGroup) {
	defer wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if b.limiter != nil {
				if err := b.limiter.Wait(ctx); err != nil {
					return
				}
			}
			var env envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				log.Errorf(ctx, err, "drop undecodable message on %s", name)
				if ackErr := sink.Ack(ctx, evt); ackErr != nil {
					log.Errorf(ctx, ackErr, "ack undecodable message on %s", name)
				}
				continue
			}
			handler(ctx, &delivery{
				broker: b,
				queue:  name,
				sink:   sink,
				event:  evt,
				env:    env,
			})
		}
	}
}

func (b *Broker) stream(name string) (clientspulse.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s, nil
	}
	s, err := b.client.Stream(name)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", name, err)
	}
	b.streams[name] = s
	return s, nil
}

func (b *Broker) add(ctx context.Context, name string, env envelope) error {
	stream, err := b.stream(name)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := stream.Add(ctx, jobEvent, data); err != nil {
		return fmt.Errorf("enqueue on %s: %w", name, err)
	}
	return nil
}

type subscription struct {
	cancel context.CancelFunc
	sink   clientspulse.Sink
	wg     sync.WaitGroup
	once   sync.Once
}

// Close implements queue.Subscription.
func (s *subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.sink.Close(ctx)
	})
	return nil
}

// delivery adapts one Pulse event to queue.Delivery. Settlement methods are
// effective once; later calls are no-ops.
type delivery struct {
	broker *Broker
	queue  string
	sink   clientspulse.Sink
	event  *streaming.Event
	env    envelope

	mu      sync.Mutex
	settled bool
}

func (d *delivery) ID() string                 { return d.event.ID }
func (d *delivery) Payload() []byte            { return d.env.Payload }
func (d *delivery) Headers() map[string]string { return d.env.Headers }
func (d *delivery) Attempts() int              { return d.env.Deliveries }

// Ack implements queue.Delivery.
func (d *delivery) Ack(ctx context.Context) error {
	if !d.settle() {
		return nil
	}
	if err := d.sink.Ack(ctx, d.event); err != nil {
		return fmt.Errorf("pulse ack: %w", err)
	}
	d.release(ctx)
	return nil
}

// Retry implements queue.Delivery: the message is acknowledged in the
// consumer group and re-appended with an incremented delivery count after the
// delay. The dedup key stays reserved so concurrent enqueues remain deduped.
func (d *delivery) Retry(ctx context.Context, opts queue.RetryOptions) error {
	if !d.settle() {
		return nil
	}
	if err := d.sink.Ack(ctx, d.event); err != nil {
		return fmt.Errorf("pulse ack before retry: %w", err)
	}
	env := d.env
	env.Deliveries++
	if env.IdempotencyKey != "" {
		d.broker.redis.Expire(ctx, dedupKey(d.queue, env.IdempotencyKey), d.broker.dedupTTL)
	}
	if opts.Delay <= 0 {
		return d.broker.add(ctx, d.queue, env)
	}
	name := d.queue
	broker := d.broker
	time.AfterFunc(opts.Delay, func() {
		ctx := context.Background()
		if err := broker.add(ctx, name, env); err != nil {
			log.Errorf(ctx, err, "delayed redelivery on %s", name)
		}
	})
	return nil
}

// DeadLetter implements queue.Delivery: the message moves to the
// "<queue>.dlq" stream with the reason recorded in the envelope.
func (d *delivery) DeadLetter(ctx context.Context, opts queue.DeadLetterOptions) error {
	if !d.settle() {
		return nil
	}
	env := d.env
	env.Reason = opts.Reason
	if err := d.broker.add(ctx, DeadLetterQueue(d.queue), env); err != nil {
		return err
	}
	if err := d.sink.Ack(ctx, d.event); err != nil {
		return fmt.Errorf("pulse ack after dead-letter: %w", err)
	}
	d.release(ctx)
	return nil
}

// settle marks the delivery settled, reporting whether this call won.
func (d *delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.settled = true
	return true
}

// release clears the dedup reservation and the depth counter slot.
func (d *delivery) release(ctx context.Context) {
	if d.env.IdempotencyKey != "" {
		d.broker.redis.Del(ctx, dedupKey(d.queue, d.env.IdempotencyKey))
	}
	d.broker.redis.Decr(ctx, depthKey(d.queue))
}

// DeadLetterQueue returns the dead-letter stream name for a queue.
func DeadLetterQueue(name string) string { return name + ".dlq" }

func dedupKey(queue, key string) string { return "planq:dedup:" + queue + ":" + key }

func depthKey(queue string) string { return "planq:depth:" + queue }
