// Package toolagent defines the contract for dispatching plan steps to remote
// tool agents.
//
// ExecuteTool returns the ordered sequence of events the tool produced.
// Incremental transports must materialize events in emission order before
// returning so republication preserves ordering. Errors carry a retryable
// flag consumed by the runtime's bounded retry loop; the gRPC-backed
// implementation lives in features/toolagent/grpc.
package toolagent

import (
	"context"
	"errors"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

type (
	// Invocation describes one tool dispatch.
	Invocation struct {
		// InvocationID uniquely identifies this attempt.
		InvocationID string `json:"invocationId"`
		// PlanID and StepID locate the step being executed.
		PlanID string `json:"planId"`
		StepID string `json:"stepId"`
		// Tool names the handler the agent should run.
		Tool string `json:"tool"`
		// Capability and CapabilityLabel mirror the step's policy token.
		Capability      string `json:"capability"`
		CapabilityLabel string `json:"capabilityLabel,omitempty"`
		// Labels carries the step's annotations.
		Labels map[string]string `json:"labels,omitempty"`
		// TimeoutSeconds is the step's execution bound.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
		// ApprovalRequired mirrors the step's approval gate.
		ApprovalRequired bool `json:"approvalRequired,omitempty"`
		// Input is the free-form tool input mapping.
		Input map[string]any `json:"input,omitempty"`
		// Metadata is the step's free-form annotation mapping.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// CallOptions carries per-call transport settings.
	CallOptions struct {
		// Timeout bounds the invocation end to end. Zero uses the client
		// default.
		Timeout time.Duration
		// Headers are propagated as transport metadata (e.g. trace-id).
		Headers map[string]string
	}

	// Event is one record emitted by the tool during execution. The final
	// terminal event (if any) determines the step outcome.
	Event struct {
		// State is the step state reported by the tool (e.g. running,
		// completed, failed).
		State plan.StepState `json:"state"`
		// Summary is a human-readable progress or outcome line.
		Summary string `json:"summary,omitempty"`
		// Output is the structured result payload, if any.
		Output map[string]any `json:"output,omitempty"`
	}

	// Client dispatches tool invocations. Implementations must be safe for
	// concurrent use.
	Client interface {
		// ExecuteTool runs the invocation and returns the ordered events the
		// tool produced. A non-nil error may still be accompanied by events
		// emitted before the failure.
		ExecuteTool(ctx context.Context, inv Invocation, opts CallOptions) ([]Event, error)
	}

	// RetryableError wraps an error and marks it as retryable.
	RetryableError struct {
		Err error
	}

	// TerminalError wraps an error and marks it as non-retryable.
	TerminalError struct {
		Err error
	}
)

// Error implements error.
func (e *RetryableError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks the error as retryable.
func (e *RetryableError) Retryable() bool { return true }

// Error implements error.
func (e *TerminalError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *TerminalError) Unwrap() error { return e.Err }

// Retryable marks the error as non-retryable.
func (e *TerminalError) Retryable() bool { return false }

// IsRetryable classifies an ExecuteTool error. Errors exposing a
// Retryable() bool method decide for themselves; deadline expiry is
// retryable; everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var flagged interface{ Retryable() bool }
	if errors.As(err, &flagged) {
		return flagged.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
