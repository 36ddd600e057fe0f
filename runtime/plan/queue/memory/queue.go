// Package memory provides an in-process implementation of the queue adapter.
//
// It is the reference broker: suitable for tests, local development, and
// single-process deployments. Delivery is at-least-once within the process
// (retries redeliver, tests can force redelivery) but messages do not survive
// a process crash; production deployments use a broker-backed driver from
// features/queue.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oss-agent-tool/planq/runtime/plan/queue"
)

type (
	// Broker is an in-memory queue adapter. Safe for concurrent use.
	Broker struct {
		mu     sync.Mutex
		queues map[string]*queueState
		closed bool

		// wg tracks in-flight handler invocations so Close can drain them.
		wg sync.WaitGroup
	}

	// DeadLettered is a message moved to a queue's dead-letter list.
	DeadLettered struct {
		// ID is the broker-assigned message identifier.
		ID string
		// Payload is the original message body.
		Payload []byte
		// Headers are the original message headers.
		Headers map[string]string
		// Reason describes why the message was abandoned.
		Reason string
		// Attempts is the number of prior deliveries at dead-letter time.
		Attempts int
	}

	queueState struct {
		pending  []*message
		inflight map[string]*message // message ID -> message
		dedup    map[string]string   // idempotency key -> message ID
		handler  queue.Handler
		dlq      []DeadLettered
		timers   map[*time.Timer]struct{}
	}

	message struct {
		id         string
		payload    []byte
		headers    map[string]string
		idemKey    string
		deliveries int // total deliveries so far
	}

	delivery struct {
		broker   *Broker
		queue    string
		msg      *message
		attempts int // prior deliveries at delivery time
		settled  bool
		mu       sync.Mutex
	}

	subscription struct {
		broker *Broker
		queue  string
		once   sync.Once
	}
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("memory broker closed")

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{queues: make(map[string]*queueState)}
}

// Enqueue implements queue.Adapter. Messages with an idempotency key already
// in flight on the queue are dropped silently.
func (b *Broker) Enqueue(_ context.Context, name string, payload []byte, opts queue.EnqueueOptions) error {
	if name == "" {
		return errors.New("queue name is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	q := b.queue(name)
	if opts.IdempotencyKey != "" {
		if _, dup := q.dedup[opts.IdempotencyKey]; dup {
			return nil
		}
	}
	msg := &message{
		id:      uuid.NewString(),
		payload: append([]byte(nil), payload...),
		headers: cloneHeaders(opts.Headers),
		idemKey: opts.IdempotencyKey,
	}
	if msg.idemKey != "" {
		q.dedup[msg.idemKey] = msg.id
	}
	q.pending = append(q.pending, msg)
	b.dispatchLocked(name, q)
	return nil
}

// Consume implements queue.Adapter. A queue supports a single handler; a
// second Consume on the same queue replaces the handler for new deliveries.
func (b *Broker) Consume(_ context.Context, name string, handler queue.Handler) (queue.Subscription, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	q := b.queue(name)
	q.handler = handler
	b.dispatchLocked(name, q)
	return &subscription{broker: b, queue: name}, nil
}

// Depth implements queue.Adapter: pending plus in-flight messages.
func (b *Broker) Depth(_ context.Context, name string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	return len(q.pending) + len(q.inflight), nil
}

// DeadLetters returns a snapshot of the queue's dead-letter list.
func (b *Broker) DeadLetters(name string) []DeadLettered {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]DeadLettered(nil), q.dlq...)
}

// Redeliver forces a duplicate delivery of an in-flight message, simulating
// at-least-once broker behavior (visibility timeout expiry, consumer crash).
// The prior delivery count is incremented as a real broker would.
func (b *Broker) Redeliver(name, msgID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return errors.New("unknown queue")
	}
	msg, ok := q.inflight[msgID]
	if !ok {
		return errors.New("message not in flight")
	}
	b.deliverLocked(name, q, msg)
	return nil
}

// InFlight returns the IDs of messages currently in flight on the queue.
func (b *Broker) InFlight(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(q.inflight))
	for id := range q.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Close stops all consumers and waits for in-flight handlers to complete or
// the context to expire. Pending messages and timers are discarded.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		q.handler = nil
		for t := range q.timers {
			t.Stop()
		}
		q.timers = nil
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) queue(name string) *queueState {
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{
			inflight: make(map[string]*message),
			dedup:    make(map[string]string),
			timers:   make(map[*time.Timer]struct{}),
		}
		b.queues[name] = q
	}
	return q
}

// dispatchLocked moves every pending message to in-flight and hands each to
// the handler in its own goroutine. Callers must hold b.mu.
func (b *Broker) dispatchLocked(name string, q *queueState) {
	if q.handler == nil {
		return
	}
	for _, msg := range q.pending {
		q.inflight[msg.id] = msg
		b.deliverLocked(name, q, msg)
	}
	q.pending = nil
}

// deliverLocked invokes the handler for one message. Callers must hold b.mu.
func (b *Broker) deliverLocked(name string, q *queueState, msg *message) {
	handler := q.handler
	if handler == nil {
		return
	}
	d := &delivery{broker: b, queue: name, msg: msg, attempts: msg.deliveries}
	msg.deliveries++
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		handler(context.Background(), d)
	}()
}

func (d *delivery) ID() string      { return d.msg.id }
func (d *delivery) Payload() []byte { return d.msg.payload }
func (d *delivery) Headers() map[string]string {
	return cloneHeaders(d.msg.headers)
}
func (d *delivery) Attempts() int { return d.attempts }

// Ack removes the message from the in-flight set and releases its
// idempotency key.
func (d *delivery) Ack(context.Context) error {
	return d.settle(func(q *queueState) {
		d.forgetLocked(q)
	})
}

// Retry schedules a redelivery of the message after the configured delay,
// incrementing the delivery count. The idempotency key stays reserved.
func (d *delivery) Retry(_ context.Context, opts queue.RetryOptions) error {
	return d.settle(func(q *queueState) {
		msg := d.msg
		if opts.Delay <= 0 {
			d.broker.deliverLocked(d.queue, q, msg)
			return
		}
		var timer *time.Timer
		timer = time.AfterFunc(opts.Delay, func() {
			d.broker.mu.Lock()
			defer d.broker.mu.Unlock()
			delete(q.timers, timer)
			if d.broker.closed {
				return
			}
			d.broker.deliverLocked(d.queue, q, msg)
		})
		q.timers[timer] = struct{}{}
	})
}

// DeadLetter records the message on the queue's dead-letter list and releases
// its idempotency key.
func (d *delivery) DeadLetter(_ context.Context, opts queue.DeadLetterOptions) error {
	return d.settle(func(q *queueState) {
		q.dlq = append(q.dlq, DeadLettered{
			ID:       d.msg.id,
			Payload:  d.msg.payload,
			Headers:  cloneHeaders(d.msg.headers),
			Reason:   opts.Reason,
			Attempts: d.attempts,
		})
		d.forgetLocked(q)
	})
}

// settle applies fn under the broker lock exactly once per delivery.
func (d *delivery) settle(fn func(q *queueState)) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return nil
	}
	d.settled = true
	d.mu.Unlock()

	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	q, ok := d.broker.queues[d.queue]
	if !ok {
		return nil
	}
	fn(q)
	return nil
}

// forgetLocked removes the message and its idempotency reservation.
func (d *delivery) forgetLocked(q *queueState) {
	delete(q.inflight, d.msg.id)
	if d.msg.idemKey != "" {
		if id, ok := q.dedup[d.msg.idemKey]; ok && id == d.msg.id {
			delete(q.dedup, d.msg.idemKey)
		}
	}
}

func (s *subscription) Close(context.Context) error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if q, ok := s.broker.queues[s.queue]; ok {
			q.handler = nil
		}
		s.broker.mu.Unlock()
	})
	return nil
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	dup := make(map[string]string, len(h))
	for k, v := range h {
		dup[k] = v
	}
	return dup
}
