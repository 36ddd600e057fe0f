package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

// storeSubject replaces the live subject for the plan. A nil subject clears
// any prior value. A pending retained copy for the plan is dropped.
func (rt *Runtime) storeSubject(planID string, subject *plan.Subject) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if ret := rt.retained[planID]; ret != nil {
		ret.timer.Stop()
		delete(rt.retained, planID)
	}
	if subject == nil {
		delete(rt.subjects, planID)
		return
	}
	rt.subjects[planID] = subject.Clone()
}

// subjectFor returns a clone of the live subject for the plan, or nil.
func (rt *Runtime) subjectFor(planID string) *plan.Subject {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.subjects[planID].Clone()
}

// pruneSubject retires the live subject once the plan has no persisted
// metadata left: the subject moves to the retained cache for the history
// retention window, then evicts. Plans that are still live keep their
// subject untouched.
func (rt *Runtime) pruneSubject(ctx context.Context, planID string) {
	md, err := rt.store.LoadPlan(ctx, planID)
	if err != nil {
		rt.logger.Warn(ctx, "subject prune: load plan failed",
			"plan_id", planID, "error", err.Error())
		return
	}
	if md != nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	subject := rt.subjects[planID]
	if subject == nil {
		return
	}
	delete(rt.subjects, planID)
	if prior := rt.retained[planID]; prior != nil {
		prior.timer.Stop()
	}
	rt.retained[planID] = &retainedSubject{
		subject: subject,
		timer:   rt.newEvictionTimer(planID),
	}
}

// newEvictionTimer schedules the retained subject's eviction at the end of
// the history retention window.
func (rt *Runtime) newEvictionTimer(planID string) *time.Timer {
	return time.AfterFunc(rt.cfg.HistoryRetention, func() {
		rt.evictRetained(planID)
	})
}

func (rt *Runtime) evictRetained(planID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.retained, planID)
}

// GetPlanSubject returns the subject the plan runs on behalf of: the live
// subject while any step remains active, the retained subject for the
// history retention window after the plan terminates, or the subject
// recovered from the state store. The result is always a deep clone.
func (rt *Runtime) GetPlanSubject(ctx context.Context, planID string) (*plan.Subject, error) {
	rt.mu.Lock()
	if subject := rt.subjects[planID]; subject != nil {
		out := subject.Clone()
		rt.mu.Unlock()
		return out, nil
	}
	if ret := rt.retained[planID]; ret != nil {
		out := ret.subject.Clone()
		rt.mu.Unlock()
		return out, nil
	}
	rt.mu.Unlock()

	// Cold caches: fall back to the store.
	md, err := rt.store.LoadPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("%w: load plan %q: %v", ErrPersistence, planID, err)
	}
	if md != nil {
		for _, rec := range md.Steps {
			if rec.Subject != nil {
				return rec.Subject.Clone(), nil
			}
		}
	}
	entries, err := rt.store.ListActiveSteps(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list active steps: %v", ErrPersistence, err)
	}
	for _, entry := range entries {
		if entry.PlanID == planID && entry.Subject != nil {
			return entry.Subject.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: plan %q", ErrSubjectNotFound, planID)
}

// planKeyPrefix returns the registry key prefix for the plan.
func planKeyPrefix(planID string) string { return planID + ":" }

// forgetPlanEntries drops every registry and approval record for the plan.
func (rt *Runtime) forgetPlanEntries(planID string) {
	prefix := planKeyPrefix(planID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for key := range rt.registry {
		if strings.HasPrefix(key, prefix) {
			delete(rt.registry, key)
		}
	}
	for key := range rt.approvals {
		if strings.HasPrefix(key, prefix) {
			delete(rt.approvals, key)
		}
	}
}
