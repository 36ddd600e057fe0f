// Package inmem provides an in-memory implementation of state.Store.
//
// It is intended for tests and local development. Production deployments use
// a durable implementation (state/file, features/state/postgres, or
// features/state/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

// Store is an in-memory implementation of state.Store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*state.StepEntry   // step key -> entry
	plans   map[string]*state.PlanMetadata // plan ID -> metadata
	updated map[string]time.Time           // plan ID -> metadata update time
	clock   func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		entries: make(map[string]*state.StepEntry),
		plans:   make(map[string]*state.PlanMetadata),
		updated: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// RememberStep implements state.Store.
func (s *Store) RememberStep(_ context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	if planID == "" || step.ID == "" {
		return errors.New("plan id and step id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := plan.StepKey(planID, step.ID)
	if _, ok := s.entries[key]; ok {
		return nil
	}
	now := s.clock().UTC()
	approvals := opts.Approvals
	if approvals == nil {
		approvals = make(map[string]bool)
	}
	s.entries[key] = &state.StepEntry{
		PlanID:    planID,
		StepID:    step.ID,
		Step:      step.Clone(),
		TraceID:   traceID,
		State:     opts.State,
		Attempt:   opts.Attempt,
		CreatedAt: now,
		UpdatedAt: now,
		Approvals: approvals,
		Subject:   opts.Subject.Clone(),
	}
	return nil
}

// LoadStep implements state.Store.
func (s *Store) LoadStep(_ context.Context, planID, stepID string) (*state.StepEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[plan.StepKey(planID, stepID)]
	if !ok {
		return nil, nil
	}
	return entry.Clone(), nil
}

// SetStepState implements state.Store.
func (s *Store) SetStepState(_ context.Context, planID, stepID string, st plan.StepState, opts state.SetStateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[plan.StepKey(planID, stepID)]
	if !ok {
		return nil
	}
	entry.State = st
	entry.UpdatedAt = s.clock().UTC()
	if opts.Summary != nil {
		entry.Summary = *opts.Summary
	}
	if opts.Output != nil {
		entry.Output = plan.CloneOutput(opts.Output)
	}
	if opts.Attempt != nil {
		entry.Attempt = *opts.Attempt
	}
	return nil
}

// RecordApproval implements state.Store.
func (s *Store) RecordApproval(_ context.Context, planID, stepID, capability string, granted bool) error {
	if capability == "" {
		return errors.New("capability is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[plan.StepKey(planID, stepID)]
	if !ok {
		return nil
	}
	if entry.Approvals == nil {
		entry.Approvals = make(map[string]bool)
	}
	entry.Approvals[capability] = granted
	entry.UpdatedAt = s.clock().UTC()
	return nil
}

// ForgetStep implements state.Store.
func (s *Store) ForgetStep(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, plan.StepKey(planID, stepID))
	return nil
}

// ListActiveSteps implements state.Store.
func (s *Store) ListActiveSteps(context.Context) ([]*state.StepEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.StepEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Clone())
	}
	return out, nil
}

// RememberPlan implements state.Store.
func (s *Store) RememberPlan(_ context.Context, planID string, md *state.PlanMetadata) error {
	if planID == "" || md == nil {
		return errors.New("plan id and metadata are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[planID] = md.Clone()
	s.updated[planID] = s.clock().UTC()
	return nil
}

// LoadPlan implements state.Store.
func (s *Store) LoadPlan(_ context.Context, planID string) (*state.PlanMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.plans[planID]
	if !ok {
		return nil, nil
	}
	return md.Clone(), nil
}

// ForgetPlan implements state.Store.
func (s *Store) ForgetPlan(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.plans, planID)
	delete(s.updated, planID)
	return nil
}

// ListPlans implements state.Store.
func (s *Store) ListPlans(context.Context) ([]*state.PlanMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*state.PlanMetadata, 0, len(s.plans))
	for _, md := range s.plans {
		out = append(out, md.Clone())
	}
	return out, nil
}

// Sweep implements state.Store.
func (s *Store) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.UpdatedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	for planID, at := range s.updated {
		if at.Before(cutoff) {
			delete(s.plans, planID)
			delete(s.updated, planID)
			removed++
		}
	}
	return removed, nil
}
