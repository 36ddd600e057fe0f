package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/audit"
	"github.com/oss-agent-tool/planq/runtime/plan/policy"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
	"github.com/oss-agent-tool/planq/runtime/plan/telemetry"
)

// releaseLocked is the scheduler: the single choke point deciding which step
// of the plan enters the queue next. Steps are released strictly in index
// order; the loop stops at an approval gate, at a step already released by
// another path, or when the release window (lastCompletedIndex+1) is
// exhausted. Callers must hold the plan lock.
func (rt *Runtime) releaseLocked(ctx context.Context, planID string) error {
	md, err := rt.store.LoadPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("%w: load plan %q: %v", ErrPersistence, planID, err)
	}
	if md == nil {
		// Plan already complete.
		return nil
	}

	for md.NextStepIndex < len(md.Steps) && md.NextStepIndex <= md.LastCompletedIndex+1 {
		rec := md.Steps[md.NextStepIndex]
		step := rec.Step
		key := plan.StepKey(planID, step.ID)

		entry, err := rt.store.LoadStep(ctx, planID, step.ID)
		if err != nil {
			return fmt.Errorf("%w: load step %s: %v", ErrPersistence, key, err)
		}
		if entry != nil {
			switch entry.State {
			case plan.StateQueued, plan.StateRunning, plan.StateRetrying:
				// Another path already released it.
				return rt.persistMetadataLocked(ctx, md)
			}
		}

		approvals, err := rt.approvalsFor(ctx, planID, step.ID)
		if err != nil {
			return fmt.Errorf("%w: load approvals %s: %v", ErrPersistence, key, err)
		}
		subject := rt.subjectFor(planID)

		decision, err := rt.policy.EnforcePlanStep(ctx, step, policy.Input{
			PlanID:    planID,
			TraceID:   md.TraceID,
			Approvals: approvals,
			Subject:   subject,
		})
		if err != nil {
			return fmt.Errorf("%w: enforce step %s: %v", ErrPersistence, key, err)
		}
		if blocking := decision.Blocking(); !decision.Allow && len(blocking) > 0 {
			rt.rejectStepLocked(ctx, planID, step, md.TraceID, rec.Attempt, decision, subject)
			return &PolicyDeniedError{PlanID: planID, StepID: step.ID, Denies: decision.Denies}
		}

		if step.ApprovalRequired && !approvals[step.Capability] {
			// Approval gate: persist waiting_approval, stop without
			// advancing. ResolveApproval re-enters this loop.
			err := rt.store.RememberStep(ctx, planID, step, md.TraceID, state.RememberOptions{
				State:     plan.StateWaitingApproval,
				Attempt:   rec.Attempt,
				Subject:   subject,
				Approvals: approvals,
			})
			if err != nil {
				return fmt.Errorf("%w: remember step %s: %v", ErrPersistence, key, err)
			}
			rt.rememberEntry(key, step, md.TraceID, plan.StateWaitingApproval, rec.Attempt)
			rt.cacheApprovals(key, approvals)
			rt.publishStepEvent(ctx, planID, step, plan.StateWaitingApproval,
				rec.Attempt, md.TraceID, "", nil, approvals)
			return rt.persistMetadataLocked(ctx, md)
		}

		if err := rt.enqueueStepLocked(ctx, md, rec, subject, approvals); err != nil {
			return err
		}
		md.NextStepIndex++
	}
	return rt.persistMetadataLocked(ctx, md)
}

// enqueueStepLocked persists the step entry as queued and publishes the job
// onto the steps queue. On enqueue failure the step fails terminally and the
// chain halts.
func (rt *Runtime) enqueueStepLocked(ctx context.Context, md *state.PlanMetadata, rec state.StepRecord, subject *plan.Subject, approvals map[string]bool) error {
	planID := md.PlanID
	step := rec.Step
	key := plan.StepKey(planID, step.ID)

	err := rt.store.RememberStep(ctx, planID, step, md.TraceID, state.RememberOptions{
		State:     plan.StateQueued,
		Attempt:   rec.Attempt,
		Subject:   subject,
		Approvals: approvals,
	})
	if err != nil {
		return fmt.Errorf("%w: remember step %s: %v", ErrPersistence, key, err)
	}
	// The entry may predate this release (approval gate); force it to
	// queued either way.
	attempt := rec.Attempt
	err = rt.store.SetStepState(ctx, planID, step.ID, plan.StateQueued, state.SetStateOptions{
		Attempt: &attempt,
	})
	if err != nil {
		return fmt.Errorf("%w: set step %s queued: %v", ErrPersistence, key, err)
	}

	job := plan.Job{
		PlanID:    planID,
		Step:      step.Clone(),
		Attempt:   rec.Attempt,
		CreatedAt: rt.clock(),
		TraceID:   md.TraceID,
		Subject:   subject,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", key, err)
	}
	err = rt.queue.Enqueue(ctx, queue.StepsQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: key,
		Headers:        map[string]string{queue.TraceIDHeader: md.TraceID},
	})
	if err != nil {
		rt.publishStepEvent(ctx, planID, step, plan.StateFailed, rec.Attempt,
			md.TraceID, fmt.Sprintf("Enqueue failed: %v", err), nil, nil)
		rt.metrics.IncCounter(telemetry.MetricStepsFailed, 1, "reason", "enqueue")
		rt.haltPlanLocked(ctx, planID, step.ID)
		return fmt.Errorf("%w: %s: %v", ErrEnqueue, key, err)
	}

	rt.rememberEntry(key, step, md.TraceID, plan.StateQueued, rec.Attempt)
	rt.cacheApprovals(key, approvals)
	rt.publishStepEvent(ctx, planID, step, plan.StateQueued, rec.Attempt,
		md.TraceID, "", nil, approvals)
	return nil
}

// rejectStepLocked handles a fatal policy deny: publishes the rejected event,
// writes an audit entry, and halts the chain.
func (rt *Runtime) rejectStepLocked(ctx context.Context, planID string, step plan.Step, traceID string, attempt int, decision policy.Decision, subject *plan.Subject) {
	rt.publishStepEvent(ctx, planID, step, plan.StateRejected, attempt,
		traceID, decision.Summary(), nil, nil)
	rt.audit.Record(ctx, audit.Entry{
		Time:       rt.clock(),
		Event:      audit.EventPolicyDeny,
		PlanID:     planID,
		StepID:     step.ID,
		Capability: step.Capability,
		TraceID:    traceID,
		Subject:    subject,
		Details:    map[string]any{"denies": decision.Denies},
	})
	rt.metrics.IncCounter(telemetry.MetricStepsRejected, 1, "reason", "policy")
	rt.haltPlanLocked(ctx, planID, step.ID)
}

// haltPlanLocked removes the step entry and the plan metadata after a
// chain-halting terminal outcome, then retires the subject. Callers must
// hold the plan lock.
func (rt *Runtime) haltPlanLocked(ctx context.Context, planID, stepID string) {
	key := plan.StepKey(planID, stepID)
	if err := rt.store.ForgetStep(ctx, planID, stepID); err != nil {
		rt.logger.Warn(ctx, "forget step failed", "key", key, "error", err.Error())
	}
	rt.forgetEntry(key)
	if err := rt.store.ForgetPlan(ctx, planID); err != nil {
		rt.logger.Warn(ctx, "forget plan failed", "plan_id", planID, "error", err.Error())
	}
	rt.forgetPlanEntries(planID)
	rt.pruneSubject(ctx, planID)
	rt.refreshQueueDepth(ctx)
}

// persistMetadataLocked writes the metadata back, or deletes it when every
// step has completed, then refreshes the depth gauge.
func (rt *Runtime) persistMetadataLocked(ctx context.Context, md *state.PlanMetadata) error {
	if md.Complete() {
		if err := rt.store.ForgetPlan(ctx, md.PlanID); err != nil {
			return fmt.Errorf("%w: forget plan %q: %v", ErrPersistence, md.PlanID, err)
		}
		rt.forgetPlanEntries(md.PlanID)
		rt.pruneSubject(ctx, md.PlanID)
	} else {
		if err := rt.store.RememberPlan(ctx, md.PlanID, md); err != nil {
			return fmt.Errorf("%w: remember plan %q: %v", ErrPersistence, md.PlanID, err)
		}
	}
	rt.refreshQueueDepth(ctx)
	return nil
}
