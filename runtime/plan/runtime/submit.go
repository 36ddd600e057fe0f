package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

// SubmitPlan persists the plan and releases its first eligible step(s). The
// subject, when given, is stored for policy evaluation and auditability; nil
// clears any prior subject for the plan ID. An empty trace ID is replaced
// with a generated one.
//
// Submission is idempotent: a plan ID with live metadata is left untouched.
func (rt *Runtime) SubmitPlan(ctx context.Context, p plan.Plan, traceID string, subject *plan.Subject) error {
	if !rt.isInitialized() {
		return ErrNotInitialized
	}
	if p.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	if traceID == "" {
		traceID = "trace-" + uuid.NewString()
	}

	unlock := rt.locks.Lock(p.ID)
	defer unlock()

	existing, err := rt.store.LoadPlan(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("%w: load plan %q: %v", ErrPersistence, p.ID, err)
	}
	if existing != nil {
		rt.logger.Info(ctx, "duplicate plan submission ignored",
			"plan_id", p.ID, "trace_id", existing.TraceID)
		return nil
	}

	rt.storeSubject(p.ID, subject)

	md := &state.PlanMetadata{
		PlanID:             p.ID,
		TraceID:            traceID,
		Steps:              make([]state.StepRecord, len(p.Steps)),
		NextStepIndex:      0,
		LastCompletedIndex: -1,
	}
	now := rt.clock()
	for i, step := range p.Steps {
		md.Steps[i] = state.StepRecord{
			Step:      step.Clone(),
			Attempt:   0,
			CreatedAt: now,
			Subject:   subject.Clone(),
		}
	}
	if err := rt.store.RememberPlan(ctx, p.ID, md); err != nil {
		return fmt.Errorf("%w: remember plan %q: %v", ErrPersistence, p.ID, err)
	}
	rt.logger.Info(ctx, "plan submitted",
		"plan_id", p.ID, "steps", len(p.Steps), "trace_id", traceID)

	return rt.releaseLocked(ctx, p.ID)
}
