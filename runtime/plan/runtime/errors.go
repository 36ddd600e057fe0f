package runtime

import (
	"errors"
	"fmt"

	"github.com/oss-agent-tool/planq/runtime/plan/policy"
)

// Sentinel errors returned by the runtime API. Callers match them with
// errors.Is; the dynamic message carries the cause.
var (
	// ErrNotInitialized reports an API call before Initialize completed.
	ErrNotInitialized = errors.New("plan queue runtime not initialized")

	// ErrStepUnavailable reports an approval targeting a step that is
	// terminal or unknown.
	ErrStepUnavailable = errors.New("plan step unavailable")

	// ErrPersistence reports a state store (or policy engine) failure. The
	// operation may be retried.
	ErrPersistence = errors.New("plan state persistence failed")

	// ErrEnqueue reports a broker failure while releasing a step. A failed
	// event has already been published when this surfaces.
	ErrEnqueue = errors.New("plan step enqueue failed")

	// ErrSubjectNotFound reports that no subject is known for the plan:
	// either none was submitted or the retention window has elapsed.
	ErrSubjectNotFound = errors.New("plan subject not found")
)

// PolicyDeniedError carries the structured deny list when policy blocks a
// step. It is returned untouched through SubmitPlan and ResolveApproval.
type PolicyDeniedError struct {
	PlanID string
	StepID string
	Denies []policy.Deny
}

// Error implements error.
func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied step %s of plan %s: %s",
		e.StepID, e.PlanID, policy.Decision{Denies: e.Denies}.Summary())
}
