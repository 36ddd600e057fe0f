// Package mongo implements the plan state store on MongoDB by delegating to
// the typed client in clients/mongo.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/oss-agent-tool/planq/features/state/mongo/clients/mongo"
	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

// Store implements state.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// RememberStep implements state.Store.
func (s *Store) RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	return s.client.RememberStep(ctx, planID, step, traceID, opts)
}

// LoadStep implements state.Store.
func (s *Store) LoadStep(ctx context.Context, planID, stepID string) (*state.StepEntry, error) {
	return s.client.LoadStep(ctx, planID, stepID)
}

// SetStepState implements state.Store.
func (s *Store) SetStepState(ctx context.Context, planID, stepID string, st plan.StepState, opts state.SetStateOptions) error {
	return s.client.SetStepState(ctx, planID, stepID, st, opts)
}

// RecordApproval implements state.Store.
func (s *Store) RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error {
	return s.client.RecordApproval(ctx, planID, stepID, capability, granted)
}

// ForgetStep implements state.Store.
func (s *Store) ForgetStep(ctx context.Context, planID, stepID string) error {
	return s.client.ForgetStep(ctx, planID, stepID)
}

// ListActiveSteps implements state.Store.
func (s *Store) ListActiveSteps(ctx context.Context) ([]*state.StepEntry, error) {
	return s.client.ListActiveSteps(ctx)
}

// RememberPlan implements state.Store.
func (s *Store) RememberPlan(ctx context.Context, planID string, md *state.PlanMetadata) error {
	return s.client.RememberPlan(ctx, planID, md)
}

// LoadPlan implements state.Store.
func (s *Store) LoadPlan(ctx context.Context, planID string) (*state.PlanMetadata, error) {
	return s.client.LoadPlan(ctx, planID)
}

// ForgetPlan implements state.Store.
func (s *Store) ForgetPlan(ctx context.Context, planID string) error {
	return s.client.ForgetPlan(ctx, planID)
}

// ListPlans implements state.Store.
func (s *Store) ListPlans(ctx context.Context) ([]*state.PlanMetadata, error) {
	return s.client.ListPlans(ctx)
}

// Sweep implements state.Store.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	return s.client.Sweep(ctx, cutoff)
}
