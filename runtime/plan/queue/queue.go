// Package queue defines the pluggable at-least-once message broker contract
// used by the plan queue runtime. Implementations provide delivery with
// redelivery on crash or retry, and deduplicate enqueues by idempotency key
// while a message for that key is in flight.
//
// The reference in-process implementation lives in queue/memory; broker-backed
// drivers live under features/queue.
package queue

import (
	"context"
	"time"
)

// Queue names used by the runtime.
const (
	// StepsQueue carries released plan steps to the step consumer.
	StepsQueue = "plan.steps"
	// CompletionsQueue carries step outcome reports, from in-process
	// consumers or external workers.
	CompletionsQueue = "plan.completions"
)

// TraceIDHeader is the message header carrying the correlation trace ID.
const TraceIDHeader = "trace-id"

type (
	// Adapter is a pluggable at-least-once broker. Implementations must be
	// safe for concurrent use.
	Adapter interface {
		// Enqueue publishes a payload onto the named queue. When the options
		// carry an idempotency key and a message with the same key is already
		// in flight on that queue, the enqueue is dropped silently.
		Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error

		// Consume registers a handler for the named queue and starts
		// delivering messages. Each delivery runs the handler to completion;
		// the handler settles the message through the Delivery methods and
		// never returns an error past the broker.
		Consume(ctx context.Context, queue string, handler Handler) (Subscription, error)

		// Depth reports the number of messages pending or in flight on the
		// named queue.
		Depth(ctx context.Context, queue string) (int, error)
	}

	// EnqueueOptions carries per-message publication settings.
	EnqueueOptions struct {
		// IdempotencyKey deduplicates enqueues within the in-flight window.
		// Empty disables deduplication for this message.
		IdempotencyKey string
		// Headers are delivered verbatim alongside the payload.
		Headers map[string]string
	}

	// Handler processes a single delivery. The handler owns settlement: it
	// must call exactly one of Ack, Retry, or DeadLetter before returning.
	Handler func(ctx context.Context, d Delivery)

	// Delivery is a single message delivery. Attempts reports the number of
	// prior deliveries of this message (zero on first delivery), so it lines
	// up with the zero-based attempt counter carried in job payloads.
	Delivery interface {
		// ID is the broker-assigned message identifier.
		ID() string
		// Payload returns the message body.
		Payload() []byte
		// Headers returns the message headers.
		Headers() map[string]string
		// Attempts is the number of prior deliveries (0 on first delivery).
		Attempts() int

		// Ack marks the message as successfully processed.
		Ack(ctx context.Context) error
		// Retry requests redelivery after the given options' delay.
		Retry(ctx context.Context, opts RetryOptions) error
		// DeadLetter moves the message to the adapter's dead-letter queue.
		DeadLetter(ctx context.Context, opts DeadLetterOptions) error
	}

	// RetryOptions configures a redelivery request.
	RetryOptions struct {
		// Delay postpones the redelivery. Zero redelivers immediately.
		Delay time.Duration
	}

	// DeadLetterOptions configures a dead-letter request.
	DeadLetterOptions struct {
		// Reason describes why the message was abandoned.
		Reason string
	}

	// Subscription represents an active consumer registration. Close stops
	// delivery; in-flight handlers are allowed to complete.
	Subscription interface {
		Close(ctx context.Context) error
	}
)
