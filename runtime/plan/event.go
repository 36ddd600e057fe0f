package plan

import (
	"maps"
	"reflect"
	"time"
)

// StepEvent is the record published for every observable step transition.
// Events are consumed by SSE subscribers via the event bus; PlanID and StepID
// are opaque strings that the runtime never parses.
type StepEvent struct {
	PlanID           string            `json:"planId"`
	StepID           string            `json:"stepId"`
	State            StepState         `json:"state"`
	Capability       string            `json:"capability,omitempty"`
	CapabilityLabel  string            `json:"capabilityLabel,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
	Tool             string            `json:"tool,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool              `json:"approvalRequired,omitempty"`
	Attempt          int               `json:"attempt"`
	Summary          string            `json:"summary,omitempty"`
	Output           map[string]any    `json:"output,omitempty"`
	Approvals        map[string]bool   `json:"approvals,omitempty"`
	TraceID          string            `json:"traceId,omitempty"`
	OccurredAt       time.Time         `json:"occurredAt"`
}

// Clone returns a deep copy of the event.
func (e StepEvent) Clone() StepEvent {
	dup := e
	dup.Labels = maps.Clone(e.Labels)
	dup.Output = cloneValueMap(e.Output)
	dup.Approvals = maps.Clone(e.Approvals)
	return dup
}

// Equivalent reports whether two events are duplicates for publication
// purposes: same state, same summary, structurally equal output, and an
// identical occurrence time. Structural equality only; reference identity is
// never consulted.
func (e StepEvent) Equivalent(other StepEvent) bool {
	return e.PlanID == other.PlanID &&
		e.StepID == other.StepID &&
		e.State == other.State &&
		e.Summary == other.Summary &&
		e.OccurredAt.Equal(other.OccurredAt) &&
		reflect.DeepEqual(e.Output, other.Output)
}
