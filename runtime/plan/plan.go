// Package plan defines the value types shared by the plan queue runtime and
// its collaborators: plans, steps, subjects, step states, queue payloads, and
// the published step events.
//
// Plans are immutable after submission. Subjects cross many boundaries (queue
// payloads, persisted entries, published events) and are deep-cloned at every
// crossing so no two components share mutable state.
package plan

import (
	"fmt"
	"maps"
	"time"
)

type (
	// Plan is a totally-ordered sequence of steps describing an automation
	// goal. Plans are immutable after submission.
	Plan struct {
		// ID is the stable plan identifier. Opaque to the runtime.
		ID string `json:"planId"`
		// Goal is the human-readable objective the plan works toward.
		Goal string `json:"goal"`
		// Steps are executed strictly in declaration order.
		Steps []Step `json:"steps"`
	}

	// Step is a single tool invocation with a capability requirement and an
	// optional approval gate.
	Step struct {
		// ID is the stable step identifier, unique within the plan.
		ID string `json:"id"`
		// Action is the human-readable name of the operation.
		Action string `json:"action"`
		// Tool identifies the tool agent handler to dispatch.
		Tool string `json:"tool"`
		// Capability is the permission token consumed by the policy engine.
		Capability string `json:"capability"`
		// CapabilityLabel is the human-readable capability description.
		CapabilityLabel string `json:"capabilityLabel,omitempty"`
		// Labels carries optional routing/display annotations.
		Labels map[string]string `json:"labels,omitempty"`
		// TimeoutSeconds bounds the tool invocation. Zero uses the client default.
		TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
		// ApprovalRequired gates execution on an explicit operator approval.
		ApprovalRequired bool `json:"approvalRequired,omitempty"`
		// Input is the free-form tool input mapping.
		Input map[string]any `json:"input,omitempty"`
		// Metadata is a free-form annotation mapping, opaque to the runtime.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Subject is the identity on whose behalf a plan executes. It drives
	// policy decisions and is retained for auditability after the plan
	// terminates.
	Subject struct {
		SessionID string   `json:"sessionId"`
		TenantID  string   `json:"tenantId"`
		UserID    string   `json:"userId"`
		Email     string   `json:"email,omitempty"`
		Name      string   `json:"name,omitempty"`
		Roles     []string `json:"roles,omitempty"`
		Scopes    []string `json:"scopes,omitempty"`
	}

	// Job is the payload enqueued on the steps queue for each released step.
	Job struct {
		PlanID    string    `json:"planId"`
		Step      Step      `json:"step"`
		Attempt   int       `json:"attempt"`
		CreatedAt time.Time `json:"createdAt"`
		TraceID   string    `json:"traceId"`
		Subject   *Subject  `json:"subject,omitempty"`
	}
)

// StepKey builds the canonical "{planId}:{stepId}" key used for registry
// lookups, approval caches, and queue idempotency keys.
func StepKey(planID, stepID string) string {
	return fmt.Sprintf("%s:%s", planID, stepID)
}

// Clone returns a deep copy of the step. Input, Metadata, and Labels maps are
// copied one level deep; values are treated as immutable JSON-like data.
func (s Step) Clone() Step {
	dup := s
	dup.Labels = maps.Clone(s.Labels)
	dup.Input = cloneValueMap(s.Input)
	dup.Metadata = cloneValueMap(s.Metadata)
	return dup
}

// Clone returns a deep copy of the subject, or nil when the receiver is nil.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Roles = append([]string(nil), s.Roles...)
	dup.Scopes = append([]string(nil), s.Scopes...)
	return &dup
}

// Clone returns a deep copy of the job, including its subject and step.
func (j Job) Clone() Job {
	dup := j
	dup.Step = j.Step.Clone()
	dup.Subject = j.Subject.Clone()
	return dup
}

// CloneOutput deep-copies a free-form JSON-like output mapping.
func CloneOutput(m map[string]any) map[string]any {
	return cloneValueMap(m)
}

func cloneValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			dup[k] = cloneValueMap(val)
		case []any:
			dup[k] = cloneValueSlice(val)
		default:
			dup[k] = v
		}
	}
	return dup
}

func cloneValueSlice(s []any) []any {
	dup := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			dup[i] = cloneValueMap(val)
		case []any:
			dup[i] = cloneValueSlice(val)
		default:
			dup[i] = v
		}
	}
	return dup
}
