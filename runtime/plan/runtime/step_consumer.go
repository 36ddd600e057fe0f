package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/audit"
	"github.com/oss-agent-tool/planq/runtime/plan/policy"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
	"github.com/oss-agent-tool/planq/runtime/plan/telemetry"
	"github.com/oss-agent-tool/planq/runtime/plan/toolagent"
)

// handleStepDelivery processes one delivery from the steps queue. The handler
// owns settlement: every path acks, retries, or dead-letters the message;
// errors never propagate past the broker.
//
// Duplicate deliveries are resolved by a three-check barrier: the in-flight
// registry flag, the attempt comparison against the persisted entry, and the
// lastCompletedIndex gate in plan metadata.
func (rt *Runtime) handleStepDelivery(ctx context.Context, d queue.Delivery) {
	var job plan.Job
	if err := json.Unmarshal(d.Payload(), &job); err != nil {
		rt.logger.Error(ctx, "malformed step payload", "message_id", d.ID(), "error", err.Error())
		rt.settleDeadLetter(ctx, d, fmt.Sprintf("malformed step payload: %v", err))
		return
	}

	attempt := job.Attempt
	if d.Attempts() > attempt {
		attempt = d.Attempts()
	}
	ctx, span := rt.tracer.Start(ctx, "plan.step.consume", trace.WithAttributes(
		attribute.String("queue", queue.StepsQueue),
		attribute.String("plan.id", job.PlanID),
		attribute.String("plan.step_id", job.Step.ID),
		attribute.String("trace.id", job.TraceID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	key := plan.StepKey(job.PlanID, job.Step.ID)

	// Barrier 1: in-flight registry flag.
	if !rt.checkOut(key, job, attempt) {
		rt.logger.Debug(ctx, "duplicate delivery already in flight", "key", key, "attempt", attempt)
		rt.settleAck(ctx, d)
		return
	}
	defer rt.checkIn(key)

	// The job carries the subject for cold-cache redeliveries.
	if job.Subject != nil && rt.subjectFor(job.PlanID) == nil {
		rt.storeSubject(job.PlanID, job.Subject)
	}

	// Barrier 3: lastCompletedIndex gate, under the plan lock.
	unlock := rt.locks.Lock(job.PlanID)
	md, err := rt.store.LoadPlan(ctx, job.PlanID)
	unlock()
	if err != nil {
		rt.logger.Warn(ctx, "load plan failed, redelivering", "key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	}
	if md != nil {
		if idx := md.StepIndex(job.Step.ID); idx >= 0 && idx <= md.LastCompletedIndex {
			rt.logger.Debug(ctx, "step already completed, dropping delivery", "key", key)
			rt.settleAck(ctx, d)
			return
		}
	}

	// Barrier 2: attempt comparison against the persisted entry.
	entry, err := rt.store.LoadStep(ctx, job.PlanID, job.Step.ID)
	if err != nil {
		rt.logger.Warn(ctx, "load step failed, redelivering", "key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	}
	if entry != nil && entry.State == plan.StateRunning && entry.Attempt >= attempt {
		rt.logger.Debug(ctx, "duplicate delivery of running step", "key", key, "attempt", attempt)
		rt.settleAck(ctx, d)
		return
	}

	if err := rt.markRunning(ctx, job, attempt); err != nil {
		rt.logger.Warn(ctx, "persist running failed, redelivering", "key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	}
	rt.publishStepEvent(ctx, job.PlanID, job.Step, plan.StateRunning, attempt,
		job.TraceID, "", nil, nil)

	// Second policy pass: approvals or subject may have changed since
	// release, and external producers can reach this queue directly.
	approvals, err := rt.approvalsFor(ctx, job.PlanID, job.Step.ID)
	if err != nil {
		rt.logger.Warn(ctx, "load approvals failed, redelivering", "key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	}
	subject := rt.subjectFor(job.PlanID)
	decision, err := rt.policy.EnforcePlanStep(ctx, job.Step, policy.Input{
		PlanID:    job.PlanID,
		TraceID:   job.TraceID,
		Approvals: approvals,
		Subject:   subject,
	})
	if err != nil {
		rt.logger.Warn(ctx, "policy enforcement failed, redelivering", "key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	}
	if !decision.Allow {
		unlock := rt.locks.Lock(job.PlanID)
		rt.rejectStepLocked(ctx, job.PlanID, job.Step, job.TraceID, attempt, decision, subject)
		unlock()
		rt.settleAck(ctx, d)
		return
	}

	started := rt.clock()
	events, execErr := rt.executeTool(ctx, job, attempt)
	rt.metrics.RecordTimer(telemetry.MetricStepDuration, rt.clock().Sub(started),
		"tool", job.Step.Tool)

	// Republish tool progress with the current attempt; the terminal
	// outcome is published exactly once below.
	var lastSummary string
	var lastOutput map[string]any
	outcome := plan.StepEvent{State: plan.StateCompleted}
	for _, ev := range events {
		lastSummary, lastOutput = ev.Summary, ev.Output
		if ev.State.Terminal() {
			outcome = plan.StepEvent{State: ev.State, Summary: ev.Summary, Output: ev.Output}
			continue
		}
		if ev.State == plan.StateRunning && ev.Summary == "" && ev.Output == nil {
			// Already published before dispatch.
			continue
		}
		rt.publishStepEvent(ctx, job.PlanID, job.Step, ev.State, attempt,
			job.TraceID, ev.Summary, ev.Output, nil)
	}
	if outcome.Summary == "" && outcome.Output == nil {
		outcome.Summary, outcome.Output = lastSummary, lastOutput
	}

	if execErr != nil {
		rt.handleToolError(ctx, d, job, attempt, execErr)
		return
	}

	if outcome.State == plan.StateCompleted {
		rt.completeStep(ctx, d, job, attempt, outcome.Summary, outcome.Output)
		return
	}

	// The tool reported a terminal failure state itself.
	rt.publishStepEvent(ctx, job.PlanID, job.Step, outcome.State, attempt,
		job.TraceID, outcome.Summary, outcome.Output, nil)
	rt.metrics.IncCounter(telemetry.MetricStepsFailed, 1, "reason", "tool")
	rt.settleAck(ctx, d)
	unlock = rt.locks.Lock(job.PlanID)
	rt.haltPlanLocked(ctx, job.PlanID, job.Step.ID)
	unlock()
}

// markRunning upserts the persisted entry into running at the given attempt.
func (rt *Runtime) markRunning(ctx context.Context, job plan.Job, attempt int) error {
	err := rt.store.RememberStep(ctx, job.PlanID, job.Step, job.TraceID, state.RememberOptions{
		State:   plan.StateRunning,
		Attempt: attempt,
		Subject: job.Subject,
	})
	if err != nil {
		return err
	}
	if err := rt.store.SetStepState(ctx, job.PlanID, job.Step.ID, plan.StateRunning, state.SetStateOptions{
		Attempt: &attempt,
	}); err != nil {
		return err
	}
	rt.rememberEntry(plan.StepKey(job.PlanID, job.Step.ID), job.Step, job.TraceID,
		plan.StateRunning, attempt)
	return nil
}

// executeTool dispatches the step to the tool agent with the step's timeout
// and the trace header.
func (rt *Runtime) executeTool(ctx context.Context, job plan.Job, attempt int) ([]toolagent.Event, error) {
	inv := toolagent.Invocation{
		InvocationID:     uuid.NewString(),
		PlanID:           job.PlanID,
		StepID:           job.Step.ID,
		Tool:             job.Step.Tool,
		Capability:       job.Step.Capability,
		CapabilityLabel:  job.Step.CapabilityLabel,
		Labels:           job.Step.Labels,
		TimeoutSeconds:   job.Step.TimeoutSeconds,
		ApprovalRequired: job.Step.ApprovalRequired,
		Input:            job.Step.Input,
		Metadata:         job.Step.Metadata,
	}
	opts := toolagent.CallOptions{
		Timeout: time.Duration(job.Step.TimeoutSeconds) * time.Second,
		Headers: map[string]string{queue.TraceIDHeader: job.TraceID},
	}
	rt.logger.Debug(ctx, "dispatching tool", "tool", inv.Tool,
		"invocation_id", inv.InvocationID, "attempt", attempt)
	return rt.tools.ExecuteTool(ctx, inv, opts)
}

// completeStep finalizes a successful attempt: terminal event, ack, entry
// deletion, metadata advancement, and release of the next step.
func (rt *Runtime) completeStep(ctx context.Context, d queue.Delivery, job plan.Job, attempt int, summary string, output map[string]any) {
	key := plan.StepKey(job.PlanID, job.Step.ID)
	rt.publishStepEvent(ctx, job.PlanID, job.Step, plan.StateCompleted, attempt,
		job.TraceID, summary, output, nil)
	rt.settleAck(ctx, d)

	if err := rt.store.ForgetStep(ctx, job.PlanID, job.Step.ID); err != nil {
		rt.logger.Warn(ctx, "forget step failed", "key", key, "error", err.Error())
	}
	rt.forgetEntry(key)
	rt.metrics.IncCounter(telemetry.MetricStepsCompleted, 1, "tool", job.Step.Tool)

	unlock := rt.locks.Lock(job.PlanID)
	defer unlock()
	if err := rt.advanceAndReleaseLocked(ctx, job.PlanID, job.Step.ID); err != nil {
		rt.logger.Error(ctx, "release after completion failed",
			"plan_id", job.PlanID, "error", err.Error())
	}
	rt.pruneSubject(ctx, job.PlanID)
	rt.refreshQueueDepth(ctx)
}

// advanceAndReleaseLocked moves the completion pointer past the step and
// releases the next one. Callers must hold the plan lock.
func (rt *Runtime) advanceAndReleaseLocked(ctx context.Context, planID, stepID string) error {
	md, err := rt.store.LoadPlan(ctx, planID)
	if err != nil {
		return fmt.Errorf("%w: load plan %q: %v", ErrPersistence, planID, err)
	}
	if md == nil {
		return nil
	}
	idx := md.StepIndex(stepID)
	if idx < 0 {
		return nil
	}
	if idx > md.LastCompletedIndex {
		md.LastCompletedIndex = idx
	}
	if md.NextStepIndex < idx+1 {
		md.NextStepIndex = idx + 1
	}
	if err := rt.store.RememberPlan(ctx, planID, md); err != nil {
		return fmt.Errorf("%w: remember plan %q: %v", ErrPersistence, planID, err)
	}
	return rt.releaseLocked(ctx, planID)
}

// handleToolError classifies the failure and routes it to retry,
// dead-letter, or terminal failure.
func (rt *Runtime) handleToolError(ctx context.Context, d queue.Delivery, job plan.Job, attempt int, execErr error) {
	key := plan.StepKey(job.PlanID, job.Step.ID)

	if !toolagent.IsRetryable(execErr) {
		rt.publishStepEvent(ctx, job.PlanID, job.Step, plan.StateFailed, attempt,
			job.TraceID, execErr.Error(), nil, nil)
		rt.metrics.IncCounter(telemetry.MetricStepsFailed, 1, "reason", "tool")
		rt.settleAck(ctx, d)
		unlock := rt.locks.Lock(job.PlanID)
		rt.haltPlanLocked(ctx, job.PlanID, job.Step.ID)
		unlock()
		return
	}

	if attempt < rt.cfg.RetryMax {
		rt.publishStepEvent(ctx, job.PlanID, job.Step, plan.StateRetrying, attempt,
			job.TraceID, execErr.Error(), nil, nil)
		next := attempt + 1
		if err := rt.store.SetStepState(ctx, job.PlanID, job.Step.ID, plan.StateQueued, state.SetStateOptions{
			Attempt: &next,
		}); err != nil {
			rt.logger.Warn(ctx, "persist retry state failed, redelivering",
				"key", key, "error", err.Error())
			rt.settleRetry(ctx, d, 0)
			return
		}
		rt.setEntryState(key, plan.StateQueued, next)
		rt.publishStepEvent(ctx, job.PlanID, job.Step, plan.StateQueued, next,
			job.TraceID, "", nil, nil)
		rt.metrics.IncCounter(telemetry.MetricStepsRetried, 1, "tool", job.Step.Tool)
		rt.settleRetry(ctx, d, backoffDelay(rt.cfg.RetryBackoff, attempt))
		return
	}

	reason := fmt.Sprintf("Retries exhausted after %d attempts: %s", attempt, execErr)
	rt.publishStepEvent(ctx, job.PlanID, job.Step, plan.StateDeadLettered, attempt,
		job.TraceID, reason, nil, nil)
	rt.settleDeadLetter(ctx, d, reason)
	rt.audit.Record(ctx, audit.Entry{
		Time:       rt.clock(),
		Event:      audit.EventDeadLettered,
		PlanID:     job.PlanID,
		StepID:     job.Step.ID,
		Capability: job.Step.Capability,
		TraceID:    job.TraceID,
		Subject:    rt.subjectFor(job.PlanID),
		Details:    map[string]any{"reason": reason, "attempt": attempt},
	})
	rt.metrics.IncCounter(telemetry.MetricStepsDeadLettered, 1, "tool", job.Step.Tool)
	unlock := rt.locks.Lock(job.PlanID)
	rt.haltPlanLocked(ctx, job.PlanID, job.Step.ID)
	unlock()
}

func (rt *Runtime) settleAck(ctx context.Context, d queue.Delivery) {
	if err := d.Ack(ctx); err != nil {
		rt.logger.Warn(ctx, "ack failed", "message_id", d.ID(), "error", err.Error())
	}
}

func (rt *Runtime) settleRetry(ctx context.Context, d queue.Delivery, delay time.Duration) {
	if err := d.Retry(ctx, queue.RetryOptions{Delay: delay}); err != nil {
		rt.logger.Warn(ctx, "retry request failed", "message_id", d.ID(), "error", err.Error())
	}
}

func (rt *Runtime) settleDeadLetter(ctx context.Context, d queue.Delivery, reason string) {
	if err := d.DeadLetter(ctx, queue.DeadLetterOptions{Reason: reason}); err != nil {
		rt.logger.Warn(ctx, "dead-letter request failed", "message_id", d.ID(), "error", err.Error())
	}
}
