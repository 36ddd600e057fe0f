// Package audit defines the passive audit sink written to on every policy
// deny, approval decision, and dead-letter.
package audit

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

// Event names recorded by the runtime.
const (
	EventPolicyDeny       = "plan.policy.deny"
	EventApprovalGranted  = "plan.approval.granted"
	EventApprovalRejected = "plan.approval.rejected"
	EventDeadLettered     = "plan.step.dead_lettered"
)

type (
	// Entry is a single audit record.
	Entry struct {
		// Time is the occurrence time (UTC).
		Time time.Time
		// Event is one of the Event* names.
		Event string
		// PlanID and StepID locate the affected step.
		PlanID string
		StepID string
		// Capability is the capability token involved, if any.
		Capability string
		// TraceID is the correlation ID.
		TraceID string
		// Subject is the acting identity, if known.
		Subject *plan.Subject
		// Details carries event-specific structured context.
		Details map[string]any
	}

	// Sink receives audit entries. Implementations must not block the
	// runtime; failures are swallowed by the caller.
	Sink interface {
		Record(ctx context.Context, entry Entry)
	}

	// LogSink writes audit entries as structured clue log lines.
	LogSink struct{}

	// NoopSink discards all entries.
	NoopSink struct{}
)

// NewLogSink returns a sink that records entries via goa.design/clue/log.
func NewLogSink() *LogSink { return &LogSink{} }

// Record implements Sink.
func (*LogSink) Record(ctx context.Context, entry Entry) {
	fields := []log.Fielder{
		log.KV{K: "audit_event", V: entry.Event},
		log.KV{K: "plan_id", V: entry.PlanID},
		log.KV{K: "step_id", V: entry.StepID},
		log.KV{K: "trace_id", V: entry.TraceID},
	}
	if entry.Capability != "" {
		fields = append(fields, log.KV{K: "capability", V: entry.Capability})
	}
	if entry.Subject != nil {
		fields = append(fields, log.KV{K: "tenant_id", V: entry.Subject.TenantID},
			log.KV{K: "user_id", V: entry.Subject.UserID})
	}
	for k, v := range entry.Details {
		fields = append(fields, log.KV{K: k, V: v})
	}
	log.Info(ctx, fields...)
}

// Record implements Sink.
func (NoopSink) Record(context.Context, Entry) {}
