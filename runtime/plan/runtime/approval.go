package runtime

import (
	"context"
	"fmt"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/audit"
	"github.com/oss-agent-tool/planq/runtime/plan/policy"
	"github.com/oss-agent-tool/planq/runtime/plan/telemetry"
)

// ResolveApproval records an operator decision for a step waiting on its
// approval gate. Rejection terminates the step and halts the plan. Approval
// grants the step's capability, re-runs policy with the grant in place, and
// re-enters the release loop — approvals never enqueue directly, so enqueue
// stays a single code path.
func (rt *Runtime) ResolveApproval(ctx context.Context, planID, stepID string, decision plan.Decision, summary string) error {
	if !rt.isInitialized() {
		return ErrNotInitialized
	}
	if !decision.Valid() {
		return fmt.Errorf("invalid approval decision %q", decision)
	}

	unlock := rt.locks.Lock(planID)
	defer unlock()

	key := plan.StepKey(planID, stepID)
	entry, ok := rt.lookupEntry(key)
	if !ok {
		// Cold registry: rebuild from the store.
		persisted, err := rt.store.LoadStep(ctx, planID, stepID)
		if err != nil {
			return fmt.Errorf("%w: load step %s: %v", ErrPersistence, key, err)
		}
		if persisted == nil {
			return fmt.Errorf("%w: %s", ErrStepUnavailable, key)
		}
		rt.rememberEntry(key, persisted.Step, persisted.TraceID, persisted.State, persisted.Attempt)
		rt.cacheApprovals(key, persisted.Approvals)
		entry, _ = rt.lookupEntry(key)
	}
	step := entry.step
	subject := rt.subjectFor(planID)

	if decision == plan.DecisionRejected {
		if summary == "" {
			summary = "Approval rejected"
		}
		rt.publishStepEvent(ctx, planID, step, plan.StateRejected,
			entry.attempt, entry.traceID, summary, nil, nil)
		rt.audit.Record(ctx, audit.Entry{
			Time:       rt.clock(),
			Event:      audit.EventApprovalRejected,
			PlanID:     planID,
			StepID:     stepID,
			Capability: step.Capability,
			TraceID:    entry.traceID,
			Subject:    subject,
			Details:    map[string]any{"summary": summary},
		})
		rt.metrics.IncCounter(telemetry.MetricStepsRejected, 1, "reason", "approval")
		rt.haltPlanLocked(ctx, planID, stepID)
		return nil
	}

	approvals, err := rt.approvalsFor(ctx, planID, stepID)
	if err != nil {
		return fmt.Errorf("%w: load approvals %s: %v", ErrPersistence, key, err)
	}
	approvals[step.Capability] = true

	// Re-run policy with the tentative grant before persisting it.
	outcome, err := rt.policy.EnforcePlanStep(ctx, step, policy.Input{
		PlanID:    planID,
		TraceID:   entry.traceID,
		Approvals: approvals,
		Subject:   subject,
	})
	if err != nil {
		return fmt.Errorf("%w: enforce step %s: %v", ErrPersistence, key, err)
	}
	if blocking := outcome.Blocking(); !outcome.Allow && len(blocking) > 0 {
		rt.rejectStepLocked(ctx, planID, step, entry.traceID, entry.attempt, outcome, subject)
		return &PolicyDeniedError{PlanID: planID, StepID: stepID, Denies: outcome.Denies}
	}

	if err := rt.store.RecordApproval(ctx, planID, stepID, step.Capability, true); err != nil {
		return fmt.Errorf("%w: record approval %s: %v", ErrPersistence, key, err)
	}
	rt.cacheApprovals(key, approvals)
	rt.setEntryState(key, plan.StateApproved, entry.attempt)

	rt.publishStepEvent(ctx, planID, step, plan.StateApproved,
		entry.attempt, entry.traceID, summary, nil, approvals)
	rt.audit.Record(ctx, audit.Entry{
		Time:       rt.clock(),
		Event:      audit.EventApprovalGranted,
		PlanID:     planID,
		StepID:     stepID,
		Capability: step.Capability,
		TraceID:    entry.traceID,
		Subject:    subject,
	})

	// The release window never advanced past this step; releasing now
	// re-evaluates it with the approval in place and enqueues it.
	return rt.releaseLocked(ctx, planID)
}
