// Package policy defines the enforcement contract evaluated before a plan
// step is released and again before it executes.
//
// The policy engine is an external collaborator; this package carries the
// adapter contract and the decision types. A deny with the special reason
// "approval_required" marks the step as pending an operator approval rather
// than blocked.
package policy

import (
	"context"
	"strings"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

// ReasonApprovalRequired is the deny reason that marks a step as pending an
// operator approval. It never blocks release by itself; the runtime routes
// the step through the approval gate instead.
const ReasonApprovalRequired = "approval_required"

type (
	// Input carries the evaluation context for one step.
	Input struct {
		// PlanID identifies the enclosing plan.
		PlanID string
		// TraceID is the correlation ID propagated across the pipeline.
		TraceID string
		// Approvals maps capability tokens to granted approvals for the step.
		Approvals map[string]bool
		// Subject is the identity the plan runs on behalf of. May be nil.
		Subject *plan.Subject
	}

	// Deny is a single structured deny reason.
	Deny struct {
		// Reason is the machine-readable deny code.
		Reason string `json:"reason"`
		// Capability optionally names the capability the deny applies to.
		Capability string `json:"capability,omitempty"`
		// Message is an optional human-readable explanation.
		Message string `json:"message,omitempty"`
	}

	// Decision is the outcome of a policy evaluation.
	Decision struct {
		// Allow reports whether the step may proceed as-is.
		Allow bool `json:"allow"`
		// Denies lists the structured reasons when Allow is false.
		Denies []Deny `json:"deny,omitempty"`
	}

	// Enforcer evaluates whether a plan step may execute for a subject.
	Enforcer interface {
		// EnforcePlanStep returns the decision for the step. A returned error
		// means the engine itself failed; the runtime treats engine failures
		// as persistence-class errors, not denies.
		EnforcePlanStep(ctx context.Context, step plan.Step, input Input) (Decision, error)
	}
)

// Blocking returns the denies that are fatal, i.e. everything except
// approval_required.
func (d Decision) Blocking() []Deny {
	var out []Deny
	for _, deny := range d.Denies {
		if deny.Reason != ReasonApprovalRequired {
			out = append(out, deny)
		}
	}
	return out
}

// PendingApproval reports whether the decision denies solely because an
// approval has not been granted yet.
func (d Decision) PendingApproval() bool {
	if d.Allow || len(d.Denies) == 0 {
		return false
	}
	return len(d.Blocking()) == 0
}

// Summary renders the deny reasons as a single human-readable line, used as
// the summary of rejected events.
func (d Decision) Summary() string {
	if len(d.Denies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(d.Denies))
	for _, deny := range d.Denies {
		part := deny.Reason
		if deny.Capability != "" {
			part += " (" + deny.Capability + ")"
		}
		if deny.Message != "" {
			part += ": " + deny.Message
		}
		parts = append(parts, part)
	}
	return "Policy denied: " + strings.Join(parts, "; ")
}
