package runtime

import (
	"context"
	"maps"

	"github.com/oss-agent-tool/planq/runtime/plan"
)

// The registry, approval cache, and subject cache are secondary indexes over
// the state store: they speed up the hot path but the store stays
// authoritative. On disagreement the store is re-read.

// rememberEntry upserts the registry record for the step.
func (rt *Runtime) rememberEntry(key string, step plan.Step, traceID string, st plan.StepState, attempt int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e := rt.registry[key]
	if e == nil {
		e = &registryEntry{step: step.Clone(), traceID: traceID}
		rt.registry[key] = e
	}
	e.state = st
	e.attempt = attempt
}

// lookupEntry returns a snapshot of the registry record, if any.
func (rt *Runtime) lookupEntry(key string) (registryEntry, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e := rt.registry[key]
	if e == nil {
		return registryEntry{}, false
	}
	snap := *e
	snap.step = e.step.Clone()
	return snap, true
}

// checkOut marks the step in flight for the given attempt. It reports false
// when another delivery of an equal or higher attempt already holds the step
// (the duplicate-delivery barrier's first check).
func (rt *Runtime) checkOut(key string, job plan.Job, attempt int) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	e := rt.registry[key]
	if e != nil && e.inFlight && e.attempt >= attempt {
		return false
	}
	if e == nil {
		e = &registryEntry{step: job.Step.Clone(), traceID: job.TraceID}
		rt.registry[key] = e
	}
	e.inFlight = true
	e.state = plan.StateRunning
	e.attempt = attempt
	return true
}

// checkIn releases the in-flight flag set by checkOut.
func (rt *Runtime) checkIn(key string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if e := rt.registry[key]; e != nil {
		e.inFlight = false
	}
}

// setEntryState updates the registry copy of the step state and attempt.
func (rt *Runtime) setEntryState(key string, st plan.StepState, attempt int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if e := rt.registry[key]; e != nil {
		e.state = st
		e.attempt = attempt
	}
}

// forgetEntry drops the registry record and approval cache for a terminal
// step.
func (rt *Runtime) forgetEntry(key string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.registry, key)
	delete(rt.approvals, key)
}

// approvalsFor returns a copy of the cached approvals for the step, falling
// back to the persisted entry when the cache is cold.
func (rt *Runtime) approvalsFor(ctx context.Context, planID, stepID string) (map[string]bool, error) {
	key := plan.StepKey(planID, stepID)
	rt.mu.Lock()
	if cached, ok := rt.approvals[key]; ok {
		out := maps.Clone(cached)
		rt.mu.Unlock()
		return out, nil
	}
	rt.mu.Unlock()

	entry, err := rt.store.LoadStep(ctx, planID, stepID)
	if err != nil {
		return nil, err
	}
	if entry == nil || len(entry.Approvals) == 0 {
		return map[string]bool{}, nil
	}
	out := maps.Clone(entry.Approvals)
	rt.cacheApprovals(key, out)
	return maps.Clone(out), nil
}

// cacheApprovals replaces the cached approvals for the step.
func (rt *Runtime) cacheApprovals(key string, approvals map[string]bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.approvals[key] = maps.Clone(approvals)
}

// publishStepEvent builds and publishes an event for the step, applying
// content-capture redaction to the output.
func (rt *Runtime) publishStepEvent(ctx context.Context, planID string, step plan.Step, st plan.StepState, attempt int, traceID, summary string, output map[string]any, approvals map[string]bool) {
	if rt.cfg.DisableContentCapture {
		output = nil
	}
	event := plan.StepEvent{
		PlanID:           planID,
		StepID:           step.ID,
		State:            st,
		Capability:       step.Capability,
		CapabilityLabel:  step.CapabilityLabel,
		Labels:           maps.Clone(step.Labels),
		Tool:             step.Tool,
		TimeoutSeconds:   step.TimeoutSeconds,
		ApprovalRequired: step.ApprovalRequired,
		Attempt:          attempt,
		Summary:          summary,
		Output:           plan.CloneOutput(output),
		Approvals:        maps.Clone(approvals),
		TraceID:          traceID,
		OccurredAt:       rt.clock(),
	}
	if err := rt.bus.Publish(ctx, event); err != nil {
		rt.logger.Warn(ctx, "publish step event failed",
			"plan_id", planID, "step_id", step.ID, "state", string(st), "error", err.Error())
	}
}
