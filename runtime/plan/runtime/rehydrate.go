package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

// rehydrate rebuilds the in-memory caches from the state store after a cold
// start. Entries found running are reset to queued (their in-flight worker is
// known dead; the broker redelivers the message), the last known event of
// every live step is republished so subscribers re-sync, and every live plan
// re-enters the release loop.
func (rt *Runtime) rehydrate(ctx context.Context) error {
	entries, err := rt.store.ListActiveSteps(ctx)
	if err != nil {
		return fmt.Errorf("%w: list active steps: %v", ErrPersistence, err)
	}
	for _, entry := range entries {
		if entry.State == plan.StateRunning {
			err := rt.store.SetStepState(ctx, entry.PlanID, entry.StepID,
				plan.StateQueued, state.SetStateOptions{})
			if err != nil {
				return fmt.Errorf("%w: reset step %s:%s: %v",
					ErrPersistence, entry.PlanID, entry.StepID, err)
			}
			entry.State = plan.StateQueued
		}

		key := plan.StepKey(entry.PlanID, entry.StepID)
		rt.rememberEntry(key, entry.Step, entry.TraceID, entry.State, entry.Attempt)
		if len(entry.Approvals) > 0 {
			rt.cacheApprovals(key, entry.Approvals)
		}
		if entry.Subject != nil && rt.subjectFor(entry.PlanID) == nil {
			rt.storeSubject(entry.PlanID, entry.Subject)
		}

		rt.publishStepEvent(ctx, entry.PlanID, entry.Step, entry.State,
			entry.Attempt, entry.TraceID, entry.Summary, entry.Output, entry.Approvals)
	}

	mds, err := rt.store.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("%w: list plans: %v", ErrPersistence, err)
	}
	for _, md := range mds {
		if rt.subjectFor(md.PlanID) == nil {
			for _, rec := range md.Steps {
				if rec.Subject != nil {
					rt.storeSubject(md.PlanID, rec.Subject)
					break
				}
			}
		}
		unlock := rt.locks.Lock(md.PlanID)
		err := rt.releaseLocked(ctx, md.PlanID)
		unlock()
		var denied *PolicyDeniedError
		switch {
		case err == nil:
		case errors.As(err, &denied), errors.Is(err, ErrEnqueue):
			// The plan halted terminally during replay; others proceed.
			rt.logger.Warn(ctx, "plan halted during rehydration",
				"plan_id", md.PlanID, "error", err.Error())
		default:
			return fmt.Errorf("release plan %q: %w", md.PlanID, err)
		}
	}

	rt.logger.Info(ctx, "rehydration complete",
		"steps", len(entries), "plans", len(mds))
	return nil
}
