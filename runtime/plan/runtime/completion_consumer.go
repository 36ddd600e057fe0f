package runtime

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
	"github.com/oss-agent-tool/planq/runtime/plan/telemetry"
)

//go:embed completion_schema.json
var completionSchemaJSON []byte

// Completion is the payload published on the completions queue by in-process
// consumers or external workers reporting a step outcome.
type Completion struct {
	PlanID  string         `json:"planId"`
	StepID  string         `json:"stepId"`
	State   plan.StepState `json:"state"`
	Summary string         `json:"summary,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
	Attempt int            `json:"attempt"`
}

// compileCompletionSchema compiles the embedded completion payload schema.
// Completion payloads cross a process boundary, so they are validated before
// touching the state machine.
func compileCompletionSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(completionSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("completion.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("completion.json")
}

// handleCompletionDelivery reconciles an externally reported step outcome
// into the state machine: persist the reported state, publish the merged
// event, and on a terminal state advance or halt the plan.
func (rt *Runtime) handleCompletionDelivery(ctx context.Context, d queue.Delivery) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(d.Payload()))
	if err != nil {
		rt.settleDeadLetter(ctx, d, fmt.Sprintf("malformed completion payload: %v", err))
		return
	}
	if err := rt.completionSchema.Validate(doc); err != nil {
		rt.logger.Warn(ctx, "invalid completion payload",
			"message_id", d.ID(), "error", err.Error())
		rt.settleDeadLetter(ctx, d, fmt.Sprintf("invalid completion payload: %v", err))
		return
	}
	var c Completion
	if err := json.Unmarshal(d.Payload(), &c); err != nil {
		rt.settleDeadLetter(ctx, d, fmt.Sprintf("malformed completion payload: %v", err))
		return
	}

	key := plan.StepKey(c.PlanID, c.StepID)

	// Merge the step snapshot from the registry or the persisted entry; the
	// payload may omit tool, capability, labels, and the rest.
	step := plan.Step{ID: c.StepID}
	traceID := ""
	if entry, ok := rt.lookupEntry(key); ok {
		step = entry.step
		traceID = entry.traceID
	} else if persisted, err := rt.store.LoadStep(ctx, c.PlanID, c.StepID); err != nil {
		rt.logger.Warn(ctx, "load step failed, redelivering", "key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	} else if persisted != nil {
		step = persisted.Step
		traceID = persisted.TraceID
	}

	output := c.Output
	if rt.cfg.DisableContentCapture {
		output = nil
	}
	attempt := c.Attempt
	err = rt.store.SetStepState(ctx, c.PlanID, c.StepID, c.State, state.SetStateOptions{
		Summary: &c.Summary,
		Output:  output,
		Attempt: &attempt,
	})
	if err != nil {
		rt.logger.Warn(ctx, "persist completion failed, redelivering",
			"key", key, "error", err.Error())
		rt.settleRetry(ctx, d, 0)
		return
	}
	rt.setEntryState(key, c.State, c.Attempt)

	rt.publishStepEvent(ctx, c.PlanID, step, c.State, c.Attempt,
		traceID, c.Summary, c.Output, nil)

	if c.State.Terminal() {
		if err := rt.store.ForgetStep(ctx, c.PlanID, c.StepID); err != nil {
			rt.logger.Warn(ctx, "forget step failed", "key", key, "error", err.Error())
		}
		rt.forgetEntry(key)

		unlock := rt.locks.Lock(c.PlanID)
		if c.State == plan.StateCompleted {
			rt.metrics.IncCounter(telemetry.MetricStepsCompleted, 1, "tool", step.Tool)
			if err := rt.advanceAndReleaseLocked(ctx, c.PlanID, c.StepID); err != nil {
				rt.logger.Error(ctx, "release after completion failed",
					"plan_id", c.PlanID, "error", err.Error())
			}
			rt.pruneSubject(ctx, c.PlanID)
			rt.refreshQueueDepth(ctx)
		} else {
			rt.metrics.IncCounter(telemetry.MetricStepsFailed, 1, "reason", "completion")
			rt.haltPlanLocked(ctx, c.PlanID, c.StepID)
		}
		unlock()
	}
	rt.settleAck(ctx, d)
}
