package plan

// StepState identifies the lifecycle state of a plan step. It is string-backed
// for JSON friendliness; values appear verbatim in persisted entries and
// published events.
type StepState string

const (
	// StateQueued marks a step released onto the steps queue.
	StateQueued StepState = "queued"
	// StateWaitingApproval marks a step blocked on an operator approval.
	StateWaitingApproval StepState = "waiting_approval"
	// StateRunning marks a step whose tool invocation is in flight.
	StateRunning StepState = "running"
	// StateRetrying marks a step whose attempt failed retryably and will be
	// redelivered.
	StateRetrying StepState = "retrying"
	// StateApproved marks a step whose approval was just granted. Transient:
	// the release loop immediately moves the step to queued.
	StateApproved StepState = "approved"
	// StateCompleted is terminal: the step succeeded.
	StateCompleted StepState = "completed"
	// StateFailed is terminal: the step failed with a non-retryable error.
	StateFailed StepState = "failed"
	// StateRejected is terminal: policy or an operator rejected the step.
	StateRejected StepState = "rejected"
	// StateDeadLettered is terminal: retries were exhausted and the message
	// was moved to the dead-letter queue.
	StateDeadLettered StepState = "dead_lettered"
)

// Terminal reports whether the state ends the step's lifecycle. No further
// events are published for a step after a terminal event.
func (s StepState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateDeadLettered:
		return true
	}
	return false
}

// Valid reports whether s is a recognized step state.
func (s StepState) Valid() bool {
	switch s {
	case StateQueued, StateWaitingApproval, StateRunning, StateRetrying,
		StateApproved, StateCompleted, StateFailed, StateRejected, StateDeadLettered:
		return true
	}
	return false
}

// Decision is the outcome of an operator approval request.
type Decision string

const (
	// DecisionApproved grants the step's capability for this step only.
	DecisionApproved Decision = "approved"
	// DecisionRejected terminates the step and halts the plan.
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is a recognized approval decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}
