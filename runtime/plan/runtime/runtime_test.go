package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/audit"
	"github.com/oss-agent-tool/planq/runtime/plan/eventbus"
	"github.com/oss-agent-tool/planq/runtime/plan/policy"
	"github.com/oss-agent-tool/planq/runtime/plan/policy/basic"
	"github.com/oss-agent-tool/planq/runtime/plan/queue"
	memqueue "github.com/oss-agent-tool/planq/runtime/plan/queue/memory"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
	"github.com/oss-agent-tool/planq/runtime/plan/state/inmem"
	"github.com/oss-agent-tool/planq/runtime/plan/toolagent"
)

const eventWait = 5 * time.Second

type (
	// toolFunc scripts the fake tool agent's behavior for one step.
	toolFunc func(inv toolagent.Invocation) ([]toolagent.Event, error)

	// fakeTools is a scriptable toolagent.Client. Steps without a script
	// complete silently.
	fakeTools struct {
		mu       sync.Mutex
		handlers map[string]toolFunc
		calls    map[string]int
	}

	// recordingAudit captures audit entries for assertions.
	recordingAudit struct {
		mu      sync.Mutex
		entries []audit.Entry
	}

	// policyFunc adapts a function to policy.Enforcer.
	policyFunc func(step plan.Step, input policy.Input) (policy.Decision, error)

	// enqueueFailQueue delegates to the embedded adapter but fails every
	// Enqueue.
	enqueueFailQueue struct {
		queue.Adapter
		err error
	}

	fixture struct {
		broker *memqueue.Broker
		store  *inmem.Store
		bus    *eventbus.Bus
		tools  *fakeTools
		audit  *recordingAudit
		rt     *Runtime
	}
)

func newFakeTools() *fakeTools {
	return &fakeTools{handlers: make(map[string]toolFunc), calls: make(map[string]int)}
}

func (f *fakeTools) script(stepID string, fn toolFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[stepID] = fn
}

func (f *fakeTools) callCount(stepID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stepID]
}

func (f *fakeTools) ExecuteTool(_ context.Context, inv toolagent.Invocation, _ toolagent.CallOptions) ([]toolagent.Event, error) {
	f.mu.Lock()
	f.calls[inv.StepID]++
	fn := f.handlers[inv.StepID]
	f.mu.Unlock()
	if fn == nil {
		return []toolagent.Event{{State: plan.StateCompleted}}, nil
	}
	return fn(inv)
}

func (a *recordingAudit) Record(_ context.Context, entry audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAudit) byEvent(name string) []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Entry
	for _, e := range a.entries {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func (fn policyFunc) EnforcePlanStep(_ context.Context, step plan.Step, input policy.Input) (policy.Decision, error) {
	return fn(step, input)
}

func (q enqueueFailQueue) Enqueue(context.Context, string, []byte, queue.EnqueueOptions) error {
	return q.err
}

// newFixture builds an initialized runtime on the in-memory collaborators.
// Zero fields in opts are filled with defaults; the fixture is torn down with
// the test.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		broker: memqueue.New(),
		store:  inmem.New(),
		bus:    eventbus.New(eventbus.Options{}),
		tools:  newFakeTools(),
		audit:  &recordingAudit{},
	}
	if opts.Queue == nil {
		opts.Queue = f.broker
	}
	if opts.Store == nil {
		opts.Store = f.store
	} else if s, ok := opts.Store.(*inmem.Store); ok {
		f.store = s
	}
	if opts.Bus == nil {
		opts.Bus = f.bus
	}
	if opts.Policy == nil {
		opts.Policy = basic.New(basic.Options{})
	}
	if opts.Tools == nil {
		opts.Tools = f.tools
	}
	if opts.Audit == nil {
		opts.Audit = f.audit
	}
	rt, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))
	f.rt = rt
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.rt.Shutdown(ctx)
		_ = f.broker.Close(ctx)
		f.bus.Close()
	})
	return f
}

// watch subscribes to the plan's event stream.
func (f *fixture) watch(t *testing.T, planID string) <-chan plan.StepEvent {
	t.Helper()
	ch, cancel := f.bus.Subscribe(context.Background(), planID)
	t.Cleanup(cancel)
	return ch
}

// nextEvent reads the next event or fails the test.
func nextEvent(t *testing.T, ch <-chan plan.StepEvent) plan.StepEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for event")
		return plan.StepEvent{}
	}
}

// expectEvent asserts the next event's step, state, and attempt.
func expectEvent(t *testing.T, ch <-chan plan.StepEvent, stepID string, st plan.StepState, attempt int) plan.StepEvent {
	t.Helper()
	ev := nextEvent(t, ch)
	require.Equal(t, stepID, ev.StepID, "unexpected step for state %s", ev.State)
	require.Equal(t, st, ev.State)
	require.Equal(t, attempt, ev.Attempt)
	return ev
}

func twoStepPlan(id string) plan.Plan {
	return plan.Plan{
		ID:   id,
		Goal: "rotate credentials",
		Steps: []plan.Step{
			{ID: "s1", Action: "fetch keys", Tool: "vault.read", Capability: "vault:read"},
			{ID: "s2", Action: "rotate", Tool: "vault.write", Capability: "vault:write"},
		},
	}
}

func testSubject() *plan.Subject {
	return &plan.Subject{
		SessionID: "sess-1",
		TenantID:  "acme",
		UserID:    "u-7",
		Scopes:    []string{"vault:read", "vault:write"},
	}
}

func TestTwoStepPlanCompletes(t *testing.T) {
	f := newFixture(t, Options{})
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		return []toolagent.Event{{
			State:   plan.StateCompleted,
			Summary: "fetched 2 keys",
			Output:  map[string]any{"keys": []any{"a", "b"}},
		}}, nil
	})

	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), twoStepPlan("p1"), "trace-1", testSubject()))

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	done := expectEvent(t, ch, "s1", plan.StateCompleted, 0)
	require.Equal(t, "fetched 2 keys", done.Summary)
	require.Equal(t, map[string]any{"keys": []any{"a", "b"}}, done.Output)
	require.Equal(t, "trace-1", done.TraceID)

	expectEvent(t, ch, "s2", plan.StateQueued, 0)
	expectEvent(t, ch, "s2", plan.StateRunning, 0)
	expectEvent(t, ch, "s2", plan.StateCompleted, 0)

	// The plan's durable footprint is gone once every step completed.
	require.Eventually(t, func() bool {
		md, err := f.store.LoadPlan(context.Background(), "p1")
		return err == nil && md == nil
	}, eventWait, 10*time.Millisecond)
	entries, err := f.store.ListActiveSteps(context.Background())
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSubmitPlanIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "cap", ApprovalRequired: true},
	}}

	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))
	expectEvent(t, ch, "s1", plan.StateWaitingApproval, 0)

	// The duplicate submission is dropped without touching stored state.
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-2", nil))
	md, err := f.store.LoadPlan(context.Background(), "p1")
	require.NoError(t, err)
	require.NotNil(t, md)
	require.Equal(t, "trace-1", md.TraceID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after duplicate submission: %s/%s", ev.StepID, ev.State)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitPlanRequiresInitialize(t *testing.T) {
	rt, err := New(Options{
		Queue:  memqueue.New(),
		Store:  inmem.New(),
		Bus:    eventbus.New(eventbus.Options{}),
		Policy: basic.New(basic.Options{}),
		Tools:  newFakeTools(),
	})
	require.NoError(t, err)
	err = rt.SubmitPlan(context.Background(), twoStepPlan("p1"), "", nil)
	require.ErrorIs(t, err, ErrNotInitialized)
	err = rt.ResolveApproval(context.Background(), "p1", "s1", plan.DecisionApproved, "")
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestApprovalGrantReleasesStep(t *testing.T) {
	f := newFixture(t, Options{})
	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "deploy:prod", ApprovalRequired: true},
		{ID: "s2", Tool: "t", Capability: "verify"},
	}}

	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", testSubject()))
	expectEvent(t, ch, "s1", plan.StateWaitingApproval, 0)
	require.Zero(t, f.tools.callCount("s1"))

	require.NoError(t, f.rt.ResolveApproval(context.Background(), "p1", "s1", plan.DecisionApproved, "lgtm"))

	approved := expectEvent(t, ch, "s1", plan.StateApproved, 0)
	require.Equal(t, "lgtm", approved.Summary)
	require.True(t, approved.Approvals["deploy:prod"])
	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	expectEvent(t, ch, "s1", plan.StateCompleted, 0)
	expectEvent(t, ch, "s2", plan.StateQueued, 0)
	expectEvent(t, ch, "s2", plan.StateRunning, 0)
	expectEvent(t, ch, "s2", plan.StateCompleted, 0)

	granted := f.audit.byEvent(audit.EventApprovalGranted)
	require.Len(t, granted, 1)
	require.Equal(t, "deploy:prod", granted[0].Capability)
}

func TestApprovalRejectionHaltsPlan(t *testing.T) {
	f := newFixture(t, Options{})
	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "deploy:prod", ApprovalRequired: true},
		{ID: "s2", Tool: "t", Capability: "verify"},
	}}

	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))
	expectEvent(t, ch, "s1", plan.StateWaitingApproval, 0)

	require.NoError(t, f.rt.ResolveApproval(context.Background(), "p1", "s1", plan.DecisionRejected, "too risky"))
	rejected := expectEvent(t, ch, "s1", plan.StateRejected, 0)
	require.Equal(t, "too risky", rejected.Summary)

	// The chain halts: s2 never runs and the metadata is gone.
	md, err := f.store.LoadPlan(context.Background(), "p1")
	require.NoError(t, err)
	require.Nil(t, md)
	require.Zero(t, f.tools.callCount("s2"))
	require.Len(t, f.audit.byEvent(audit.EventApprovalRejected), 1)
}

func TestResolveApprovalUnknownStep(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.rt.ResolveApproval(context.Background(), "p1", "nope", plan.DecisionApproved, "")
	require.ErrorIs(t, err, ErrStepUnavailable)

	err = f.rt.ResolveApproval(context.Background(), "p1", "s1", plan.Decision("maybe"), "")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrStepUnavailable)
}

func TestRetryThenSucceed(t *testing.T) {
	f := newFixture(t, Options{})
	var mu sync.Mutex
	failures := 2
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, &toolagent.RetryableError{Err: errors.New("upstream flake")}
		}
		return []toolagent.Event{{State: plan.StateCompleted, Summary: "ok"}}, nil
	})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{{ID: "s1", Tool: "t", Capability: "cap"}}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	retrying := expectEvent(t, ch, "s1", plan.StateRetrying, 0)
	require.Equal(t, "upstream flake", retrying.Summary)
	expectEvent(t, ch, "s1", plan.StateQueued, 1)
	expectEvent(t, ch, "s1", plan.StateRunning, 1)
	expectEvent(t, ch, "s1", plan.StateRetrying, 1)
	expectEvent(t, ch, "s1", plan.StateQueued, 2)
	expectEvent(t, ch, "s1", plan.StateRunning, 2)
	expectEvent(t, ch, "s1", plan.StateCompleted, 2)
	require.Equal(t, 3, f.tools.callCount("s1"))
}

func TestRetriesExhaustedDeadLetters(t *testing.T) {
	f := newFixture(t, Options{Config: Config{RetryMax: 2}})
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		return nil, &toolagent.RetryableError{Err: errors.New("boom")}
	})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "cap"},
		{ID: "s2", Tool: "t", Capability: "cap"},
	}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))

	for attempt := 0; attempt < 2; attempt++ {
		expectEvent(t, ch, "s1", plan.StateQueued, attempt)
		expectEvent(t, ch, "s1", plan.StateRunning, attempt)
		expectEvent(t, ch, "s1", plan.StateRetrying, attempt)
	}
	expectEvent(t, ch, "s1", plan.StateQueued, 2)
	expectEvent(t, ch, "s1", plan.StateRunning, 2)
	dead := expectEvent(t, ch, "s1", plan.StateDeadLettered, 2)
	require.Equal(t, "Retries exhausted after 2 attempts: boom", dead.Summary)

	require.Eventually(t, func() bool {
		return len(f.broker.DeadLetters(queue.StepsQueue)) == 1
	}, eventWait, 10*time.Millisecond)
	dlq := f.broker.DeadLetters(queue.StepsQueue)
	require.Equal(t, "Retries exhausted after 2 attempts: boom", dlq[0].Reason)

	// The chain halts: s2 never runs.
	require.Zero(t, f.tools.callCount("s2"))
	md, err := f.store.LoadPlan(context.Background(), "p1")
	require.NoError(t, err)
	require.Nil(t, md)
	require.Len(t, f.audit.byEvent(audit.EventDeadLettered), 1)
}

func TestTerminalToolErrorFailsStep(t *testing.T) {
	f := newFixture(t, Options{})
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		return nil, &toolagent.TerminalError{Err: errors.New("bad input")}
	})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "cap"},
		{ID: "s2", Tool: "t", Capability: "cap"},
	}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	failed := expectEvent(t, ch, "s1", plan.StateFailed, 0)
	require.Equal(t, "bad input", failed.Summary)
	require.Equal(t, 1, f.tools.callCount("s1"))
	require.Zero(t, f.tools.callCount("s2"))
}

func TestPolicyDenyRejectsSubmission(t *testing.T) {
	f := newFixture(t, Options{
		Policy: basic.New(basic.Options{BlockCapabilities: []string{"vault:read"}}),
	})
	ch := f.watch(t, "p1")
	err := f.rt.SubmitPlan(context.Background(), twoStepPlan("p1"), "trace-1", nil)

	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	require.Equal(t, "p1", denied.PlanID)
	require.Equal(t, "s1", denied.StepID)

	rejected := expectEvent(t, ch, "s1", plan.StateRejected, 0)
	require.Contains(t, rejected.Summary, "Policy denied:")
	require.Contains(t, rejected.Summary, "capability_blocked")
	require.Zero(t, f.tools.callCount("s1"))
	require.Len(t, f.audit.byEvent(audit.EventPolicyDeny), 1)
}

func TestPolicyDenyOnApprovalResolution(t *testing.T) {
	// The engine flips to a hard deny between the gate and the grant,
	// simulating a policy change while the step waited.
	var mu sync.Mutex
	hardDeny := false
	enforcer := policyFunc(func(step plan.Step, input policy.Input) (policy.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		if hardDeny {
			return policy.Decision{Denies: []policy.Deny{{Reason: "capability_revoked", Capability: step.Capability}}}, nil
		}
		if step.ApprovalRequired && !input.Approvals[step.Capability] {
			return policy.Decision{Denies: []policy.Deny{{Reason: policy.ReasonApprovalRequired, Capability: step.Capability}}}, nil
		}
		return policy.Decision{Allow: true}, nil
	})
	f := newFixture(t, Options{Policy: enforcer})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "cap", ApprovalRequired: true},
	}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))
	expectEvent(t, ch, "s1", plan.StateWaitingApproval, 0)

	mu.Lock()
	hardDeny = true
	mu.Unlock()

	err := f.rt.ResolveApproval(context.Background(), "p1", "s1", plan.DecisionApproved, "lgtm")
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	rejected := expectEvent(t, ch, "s1", plan.StateRejected, 0)
	require.Contains(t, rejected.Summary, "capability_revoked")
	require.Zero(t, f.tools.callCount("s1"))
}

func TestDuplicateDeliveryRunsToolOnce(t *testing.T) {
	f := newFixture(t, Options{})
	started := make(chan struct{})
	gate := make(chan struct{})
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		close(started)
		<-gate
		return []toolagent.Event{{State: plan.StateCompleted}}, nil
	})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{{ID: "s1", Tool: "t", Capability: "cap"}}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))
	<-started

	// Force a duplicate delivery while the first is mid-execution.
	inflight := f.broker.InFlight(queue.StepsQueue)
	require.Len(t, inflight, 1)
	require.NoError(t, f.broker.Redeliver(queue.StepsQueue, inflight[0]))

	// The duplicate hits the in-flight barrier and acks; only then release
	// the original execution.
	require.Eventually(t, func() bool {
		return len(f.broker.InFlight(queue.StepsQueue)) == 0
	}, eventWait, 10*time.Millisecond)
	close(gate)

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	expectEvent(t, ch, "s1", plan.StateCompleted, 0)
	require.Equal(t, 1, f.tools.callCount("s1"))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after completion: %s/%s", ev.StepID, ev.State)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestToolProgressEventsRepublished(t *testing.T) {
	f := newFixture(t, Options{})
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		return []toolagent.Event{
			{State: plan.StateRunning, Summary: "step 1 of 3"},
			{State: plan.StateRunning, Summary: "step 2 of 3"},
			{State: plan.StateCompleted, Summary: "done", Output: map[string]any{"n": float64(3)}},
		}, nil
	})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{{ID: "s1", Tool: "t", Capability: "cap"}}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	first := expectEvent(t, ch, "s1", plan.StateRunning, 0)
	require.Equal(t, "step 1 of 3", first.Summary)
	second := expectEvent(t, ch, "s1", plan.StateRunning, 0)
	require.Equal(t, "step 2 of 3", second.Summary)
	done := expectEvent(t, ch, "s1", plan.StateCompleted, 0)
	require.Equal(t, "done", done.Summary)
	require.Equal(t, map[string]any{"n": float64(3)}, done.Output)
}

func TestEnqueueFailureFailsStepTerminally(t *testing.T) {
	broker := memqueue.New()
	f := newFixture(t, Options{
		Queue: enqueueFailQueue{Adapter: broker, err: errors.New("broker down")},
	})
	ch := f.watch(t, "p1")

	err := f.rt.SubmitPlan(context.Background(), twoStepPlan("p1"), "trace-1", nil)
	require.ErrorIs(t, err, ErrEnqueue)

	failed := expectEvent(t, ch, "s1", plan.StateFailed, 0)
	require.Contains(t, failed.Summary, "Enqueue failed")
	md, loadErr := f.store.LoadPlan(context.Background(), "p1")
	require.NoError(t, loadErr)
	require.Nil(t, md)
}

func TestCompletionAdvancesPlan(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Seed a plan whose first step is running under an external worker: the
	// runtime only learns its outcome through the completions queue.
	s1 := plan.Step{ID: "s1", Tool: "ext", Capability: "cap"}
	s2 := plan.Step{ID: "s2", Tool: "t", Capability: "cap"}
	require.NoError(t, f.store.RememberPlan(ctx, "p1", &state.PlanMetadata{
		PlanID:  "p1",
		TraceID: "trace-1",
		Steps: []state.StepRecord{
			{Step: s1, CreatedAt: time.Now()},
			{Step: s2, CreatedAt: time.Now()},
		},
		NextStepIndex:      1,
		LastCompletedIndex: -1,
	}))
	require.NoError(t, f.store.RememberStep(ctx, "p1", s1, "trace-1", state.RememberOptions{
		State: plan.StateRunning,
	}))

	ch := f.watch(t, "p1")
	payload, err := json.Marshal(Completion{
		PlanID:  "p1",
		StepID:  "s1",
		State:   plan.StateCompleted,
		Summary: "external worker done",
		Output:  map[string]any{"rows": float64(10)},
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, queue.CompletionsQueue, payload, queue.EnqueueOptions{}))

	done := expectEvent(t, ch, "s1", plan.StateCompleted, 0)
	require.Equal(t, "external worker done", done.Summary)
	require.Equal(t, map[string]any{"rows": float64(10)}, done.Output)

	expectEvent(t, ch, "s2", plan.StateQueued, 0)
	expectEvent(t, ch, "s2", plan.StateRunning, 0)
	expectEvent(t, ch, "s2", plan.StateCompleted, 0)
}

func TestCompletionFailureHaltsPlan(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s1 := plan.Step{ID: "s1", Tool: "ext", Capability: "cap"}
	s2 := plan.Step{ID: "s2", Tool: "t", Capability: "cap"}
	require.NoError(t, f.store.RememberPlan(ctx, "p1", &state.PlanMetadata{
		PlanID:  "p1",
		TraceID: "trace-1",
		Steps: []state.StepRecord{
			{Step: s1, CreatedAt: time.Now()},
			{Step: s2, CreatedAt: time.Now()},
		},
		NextStepIndex:      1,
		LastCompletedIndex: -1,
	}))
	require.NoError(t, f.store.RememberStep(ctx, "p1", s1, "trace-1", state.RememberOptions{
		State: plan.StateRunning,
	}))

	ch := f.watch(t, "p1")
	payload, err := json.Marshal(Completion{
		PlanID: "p1", StepID: "s1", State: plan.StateFailed, Summary: "disk full",
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Enqueue(ctx, queue.CompletionsQueue, payload, queue.EnqueueOptions{}))

	failed := expectEvent(t, ch, "s1", plan.StateFailed, 0)
	require.Equal(t, "disk full", failed.Summary)
	require.Eventually(t, func() bool {
		md, err := f.store.LoadPlan(ctx, "p1")
		return err == nil && md == nil
	}, eventWait, 10*time.Millisecond)
	require.Zero(t, f.tools.callCount("s2"))
}

func TestInvalidCompletionDeadLetters(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Missing required fields.
	require.NoError(t, f.broker.Enqueue(ctx, queue.CompletionsQueue,
		[]byte(`{"planId":"p1"}`), queue.EnqueueOptions{}))
	// Unknown state value.
	require.NoError(t, f.broker.Enqueue(ctx, queue.CompletionsQueue,
		[]byte(`{"planId":"p1","stepId":"s1","state":"paused"}`), queue.EnqueueOptions{}))
	// Not JSON at all.
	require.NoError(t, f.broker.Enqueue(ctx, queue.CompletionsQueue,
		[]byte(`not json`), queue.EnqueueOptions{}))

	require.Eventually(t, func() bool {
		return len(f.broker.DeadLetters(queue.CompletionsQueue)) == 3
	}, eventWait, 10*time.Millisecond)
}

func TestContentCaptureDisabled(t *testing.T) {
	f := newFixture(t, Options{Config: Config{DisableContentCapture: true}})
	f.tools.script("s1", func(toolagent.Invocation) ([]toolagent.Event, error) {
		return []toolagent.Event{{
			State:   plan.StateCompleted,
			Summary: "done",
			Output:  map[string]any{"secret": "hunter2"},
		}}, nil
	})

	p := plan.Plan{ID: "p1", Steps: []plan.Step{{ID: "s1", Tool: "t", Capability: "cap"}}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(context.Background(), p, "trace-1", nil))

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	done := expectEvent(t, ch, "s1", plan.StateCompleted, 0)
	require.Equal(t, "done", done.Summary)
	require.Nil(t, done.Output)
}

func TestGetPlanSubjectRetention(t *testing.T) {
	f := newFixture(t, Options{Config: Config{HistoryRetention: 150 * time.Millisecond}})
	ctx := context.Background()
	subject := testSubject()

	p := plan.Plan{ID: "p1", Steps: []plan.Step{{ID: "s1", Tool: "t", Capability: "cap"}}}
	ch := f.watch(t, "p1")
	require.NoError(t, f.rt.SubmitPlan(ctx, p, "trace-1", subject))

	got, err := f.rt.GetPlanSubject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, subject.UserID, got.UserID)

	expectEvent(t, ch, "s1", plan.StateQueued, 0)
	expectEvent(t, ch, "s1", plan.StateRunning, 0)
	expectEvent(t, ch, "s1", plan.StateCompleted, 0)

	// Still resolvable inside the retention window.
	got, err = f.rt.GetPlanSubject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, subject.TenantID, got.TenantID)

	// Evicted after the window ends.
	require.Eventually(t, func() bool {
		_, err := f.rt.GetPlanSubject(ctx, "p1")
		return errors.Is(err, ErrSubjectNotFound)
	}, eventWait, 20*time.Millisecond)
}

func TestRehydrationResumesApprovalGate(t *testing.T) {
	ctx := context.Background()
	broker := memqueue.New()
	store := inmem.New()
	bus1 := eventbus.New(eventbus.Options{})
	tools := newFakeTools()

	rt1, err := New(Options{
		Queue:  broker,
		Store:  store,
		Bus:    bus1,
		Policy: basic.New(basic.Options{}),
		Tools:  tools,
	})
	require.NoError(t, err)
	require.NoError(t, rt1.Initialize(ctx))

	p := plan.Plan{ID: "p1", Steps: []plan.Step{
		{ID: "s1", Tool: "t", Capability: "deploy:prod", ApprovalRequired: true},
		{ID: "s2", Tool: "t", Capability: "verify"},
	}}
	ch1, cancel1 := bus1.Subscribe(ctx, "p1")
	require.NoError(t, rt1.SubmitPlan(ctx, p, "trace-1", testSubject()))
	expectEvent(t, ch1, "s1", plan.StateWaitingApproval, 0)
	cancel1()
	require.NoError(t, rt1.Shutdown(ctx))
	bus1.Close()

	// A fresh runtime over the same store and broker picks the plan back up.
	bus2 := eventbus.New(eventbus.Options{})
	rt2, err := New(Options{
		Queue:  broker,
		Store:  store,
		Bus:    bus2,
		Policy: basic.New(basic.Options{}),
		Tools:  tools,
	})
	require.NoError(t, err)
	require.NoError(t, rt2.Initialize(ctx))
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt2.Shutdown(cctx)
		_ = broker.Close(cctx)
		bus2.Close()
	})

	// Rehydration republished the last known event.
	latest, ok := bus2.Latest("p1", "s1")
	require.True(t, ok)
	require.Equal(t, plan.StateWaitingApproval, latest.State)

	// The subject survived the restart through the store.
	subject, err := rt2.GetPlanSubject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "acme", subject.TenantID)

	// Rehydration publishes the entry's last known state and the release
	// loop re-evaluates the gate, so two waiting_approval events replay.
	ch2, cancel2 := bus2.Subscribe(ctx, "p1")
	defer cancel2()
	expectEvent(t, ch2, "s1", plan.StateWaitingApproval, 0)
	expectEvent(t, ch2, "s1", plan.StateWaitingApproval, 0)

	require.NoError(t, rt2.ResolveApproval(ctx, "p1", "s1", plan.DecisionApproved, ""))
	expectEvent(t, ch2, "s1", plan.StateApproved, 0)
	expectEvent(t, ch2, "s1", plan.StateQueued, 0)
	expectEvent(t, ch2, "s1", plan.StateRunning, 0)
	expectEvent(t, ch2, "s1", plan.StateCompleted, 0)
	expectEvent(t, ch2, "s2", plan.StateQueued, 0)
	expectEvent(t, ch2, "s2", plan.StateRunning, 0)
	expectEvent(t, ch2, "s2", plan.StateCompleted, 0)
}

func TestRehydrationResetsRunningSteps(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	s1 := plan.Step{ID: "s1", Tool: "t", Capability: "cap"}
	require.NoError(t, store.RememberStep(ctx, "p1", s1, "trace-1", state.RememberOptions{
		State:   plan.StateRunning,
		Attempt: 1,
		Subject: testSubject(),
	}))

	f := newFixture(t, Options{Store: store})
	_ = f

	entry, err := store.LoadStep(ctx, "p1", "s1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, plan.StateQueued, entry.State)

	latest, ok := f.bus.Latest("p1", "s1")
	require.True(t, ok)
	require.Equal(t, plan.StateQueued, latest.State)
	require.Equal(t, 1, latest.Attempt)
}

func TestInitializeRetriesConsumerRegistration(t *testing.T) {
	broker := memqueue.New()
	flaky := &flakyQueue{Adapter: broker, failures: 2}
	rt, err := New(Options{
		Queue:  flaky,
		Store:  inmem.New(),
		Bus:    eventbus.New(eventbus.Options{}),
		Policy: basic.New(basic.Options{}),
		Tools:  newFakeTools(),
		Config: Config{InitMaxAttempts: 5},
	})
	require.NoError(t, err)
	require.NoError(t, rt.Initialize(context.Background()))
	require.True(t, rt.isInitialized())
	require.NoError(t, rt.Shutdown(context.Background()))
}

func TestInitializeGivesUpAfterMaxAttempts(t *testing.T) {
	broker := memqueue.New()
	flaky := &flakyQueue{Adapter: broker, failures: 100}
	rt, err := New(Options{
		Queue:  flaky,
		Store:  inmem.New(),
		Bus:    eventbus.New(eventbus.Options{}),
		Policy: basic.New(basic.Options{}),
		Tools:  newFakeTools(),
		Config: Config{InitMaxAttempts: 3},
	})
	require.NoError(t, err)
	err = rt.Initialize(context.Background())
	require.Error(t, err)
	require.False(t, rt.isInitialized())
	require.Equal(t, 3, flaky.attempts())
}

// flakyQueue fails Consume a fixed number of times before delegating.
type flakyQueue struct {
	queue.Adapter
	mu       sync.Mutex
	failures int
	calls    int
}

func (q *flakyQueue) Consume(ctx context.Context, name string, handler queue.Handler) (queue.Subscription, error) {
	q.mu.Lock()
	q.calls++
	fail := q.failures > 0
	if fail {
		q.failures--
	}
	q.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("transient consume failure on %s", name)
	}
	return q.Adapter.Consume(ctx, name, handler)
}

func (q *flakyQueue) attempts() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.calls
}
