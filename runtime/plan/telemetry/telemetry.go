// Package telemetry integrates the plan queue runtime with Clue logging and
// OpenTelemetry metrics and tracing. The interfaces are intentionally small
// so tests can provide lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging used throughout the runtime.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer, and gauge helpers for runtime
	// instrumentation. Tags are flat key/value string pairs.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so runtime code stays agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span represents an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the runtime.
const (
	MetricStepsCompleted    = "plan_steps_completed"
	MetricStepsFailed       = "plan_steps_failed"
	MetricStepsRejected     = "plan_steps_rejected"
	MetricStepsRetried      = "plan_steps_retried"
	MetricStepsDeadLettered = "plan_steps_dead_lettered"
	MetricQueueDepth        = "plan_queue_depth"
	MetricStepDuration      = "plan_step_duration"
)
