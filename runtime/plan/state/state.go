// Package state defines the durable plan state store contract: per-step
// entries and per-plan metadata with atomic read-modify-write per key.
//
// The store is the authoritative record. In-memory runtime caches (registry,
// approval cache, subject cache) are secondary indexes rebuilt from the store
// on cold start. Entries exist if and only if the step is non-terminal.
//
// Backends: state/inmem (tests, development), state/file (single node),
// features/state/postgres (relational), features/state/mongo (document).
package state

import (
	"context"
	"maps"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

type (
	// StepEntry is the persisted record for one live (non-terminal) step.
	StepEntry struct {
		PlanID    string          `json:"planId"`
		StepID    string          `json:"stepId"`
		Step      plan.Step       `json:"step"`
		TraceID   string          `json:"traceId"`
		State     plan.StepState  `json:"state"`
		Attempt   int             `json:"attempt"`
		CreatedAt time.Time       `json:"createdAt"`
		UpdatedAt time.Time       `json:"updatedAt"`
		Summary   string          `json:"summary,omitempty"`
		Output    map[string]any  `json:"output,omitempty"`
		Approvals map[string]bool `json:"approvals,omitempty"`
		Subject   *plan.Subject   `json:"subject,omitempty"`
	}

	// StepRecord is one step slot inside plan metadata.
	StepRecord struct {
		Step      plan.Step     `json:"step"`
		Attempt   int           `json:"attempt"`
		CreatedAt time.Time     `json:"createdAt"`
		Subject   *plan.Subject `json:"subject,omitempty"`
	}

	// PlanMetadata is the persisted per-plan scheduling record. It is the
	// source of truth for release ordering:
	//
	//	0 <= LastCompletedIndex+1 <= NextStepIndex <= len(Steps)
	PlanMetadata struct {
		PlanID             string       `json:"planId"`
		TraceID            string       `json:"traceId"`
		Steps              []StepRecord `json:"steps"`
		NextStepIndex      int          `json:"nextStepIndex"`
		LastCompletedIndex int          `json:"lastCompletedIndex"`
	}

	// RememberOptions configures the initial entry created by RememberStep.
	RememberOptions struct {
		// State is the initial step state (queued or waiting_approval).
		State plan.StepState
		// Attempt is the initial zero-based attempt counter.
		Attempt int
		// Subject is an optional subject snapshot; stored as a deep clone.
		Subject *plan.Subject
		// Approvals seeds the approvals map (used during rehydration).
		Approvals map[string]bool
	}

	// SetStateOptions carries optional fields for SetStepState. Nil pointer
	// fields leave the persisted value untouched.
	SetStateOptions struct {
		Summary *string
		Output  map[string]any
		Attempt *int
	}

	// Store is the durable plan state store. All operations are atomic per
	// (planID, stepID) or per planID key. Implementations must be safe for
	// concurrent use.
	//
	// Load operations return (nil, nil) when the key is absent: absence is a
	// normal condition for terminal steps, not an error.
	Store interface {
		// RememberStep idempotently inserts a new entry for the step at the
		// given initial state. An existing entry is left untouched.
		RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts RememberOptions) error

		// LoadStep returns the entry for the step, or (nil, nil) when absent.
		LoadStep(ctx context.Context, planID, stepID string) (*StepEntry, error)

		// SetStepState upserts state on an existing entry. It is a silent
		// no-op when the entry is absent.
		SetStepState(ctx context.Context, planID, stepID string, st plan.StepState, opts SetStateOptions) error

		// RecordApproval atomically merges the capability grant into the
		// entry's approvals map.
		RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error

		// ForgetStep deletes the entry. Deleting an absent entry is a no-op.
		ForgetStep(ctx context.Context, planID, stepID string) error

		// ListActiveSteps returns every live entry; the cold-start replay
		// source for rehydration.
		ListActiveSteps(ctx context.Context) ([]*StepEntry, error)

		// RememberPlan upserts the plan metadata.
		RememberPlan(ctx context.Context, planID string, md *PlanMetadata) error

		// LoadPlan returns the plan metadata, or (nil, nil) when absent.
		LoadPlan(ctx context.Context, planID string) (*PlanMetadata, error)

		// ForgetPlan deletes the plan metadata.
		ForgetPlan(ctx context.Context, planID string) error

		// ListPlans returns metadata for every live plan.
		ListPlans(ctx context.Context) ([]*PlanMetadata, error)

		// Sweep purges entries and metadata last updated before the cutoff.
		// Runs off the hot path; returns the number of records removed.
		Sweep(ctx context.Context, cutoff time.Time) (int, error)
	}
)

// Clone returns a deep copy of the entry.
func (e *StepEntry) Clone() *StepEntry {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Step = e.Step.Clone()
	dup.Output = plan.CloneOutput(e.Output)
	dup.Approvals = maps.Clone(e.Approvals)
	dup.Subject = e.Subject.Clone()
	return &dup
}

// Clone returns a deep copy of the metadata.
func (m *PlanMetadata) Clone() *PlanMetadata {
	if m == nil {
		return nil
	}
	dup := *m
	dup.Steps = make([]StepRecord, len(m.Steps))
	for i, rec := range m.Steps {
		dup.Steps[i] = StepRecord{
			Step:      rec.Step.Clone(),
			Attempt:   rec.Attempt,
			CreatedAt: rec.CreatedAt,
			Subject:   rec.Subject.Clone(),
		}
	}
	return &dup
}

// StepIndex returns the index of the step in the metadata, or -1.
func (m *PlanMetadata) StepIndex(stepID string) int {
	for i, rec := range m.Steps {
		if rec.Step.ID == stepID {
			return i
		}
	}
	return -1
}

// Complete reports whether every step of the plan has completed.
func (m *PlanMetadata) Complete() bool {
	return m.LastCompletedIndex == len(m.Steps)-1
}
