package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

func TestRememberStepIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	step := plan.Step{ID: "s1", Tool: "t", Capability: "cap"}

	require.NoError(t, s.RememberStep(ctx, "p1", step, "trace-1", state.RememberOptions{
		State:   plan.StateQueued,
		Subject: &plan.Subject{UserID: "u1"},
	}))
	// A second insert leaves the existing entry untouched.
	require.NoError(t, s.RememberStep(ctx, "p1", step, "trace-2", state.RememberOptions{
		State:   plan.StateRunning,
		Attempt: 3,
	}))

	entry, err := s.LoadStep(ctx, "p1", "s1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "trace-1", entry.TraceID)
	require.Equal(t, plan.StateQueued, entry.State)
	require.Zero(t, entry.Attempt)
	require.Equal(t, "u1", entry.Subject.UserID)

	require.Error(t, s.RememberStep(ctx, "", step, "", state.RememberOptions{}))
}

func TestLoadStepAbsent(t *testing.T) {
	s := New()
	entry, err := s.LoadStep(context.Background(), "p1", "nope")
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestSetStepStatePartialUpdate(t *testing.T) {
	s := New()
	ctx := context.Background()
	step := plan.Step{ID: "s1", Capability: "cap"}
	require.NoError(t, s.RememberStep(ctx, "p1", step, "t", state.RememberOptions{State: plan.StateQueued}))

	summary := "halfway"
	require.NoError(t, s.SetStepState(ctx, "p1", "s1", plan.StateRunning, state.SetStateOptions{
		Summary: &summary,
		Output:  map[string]any{"pct": 50},
	}))
	entry, err := s.LoadStep(ctx, "p1", "s1")
	require.NoError(t, err)
	require.Equal(t, plan.StateRunning, entry.State)
	require.Equal(t, "halfway", entry.Summary)
	require.Equal(t, map[string]any{"pct": 50}, entry.Output)

	// Nil option fields leave persisted values untouched.
	attempt := 2
	require.NoError(t, s.SetStepState(ctx, "p1", "s1", plan.StateRetrying, state.SetStateOptions{
		Attempt: &attempt,
	}))
	entry, err = s.LoadStep(ctx, "p1", "s1")
	require.NoError(t, err)
	require.Equal(t, plan.StateRetrying, entry.State)
	require.Equal(t, "halfway", entry.Summary)
	require.Equal(t, 2, entry.Attempt)

	// Absent entries are a silent no-op.
	require.NoError(t, s.SetStepState(ctx, "p1", "ghost", plan.StateFailed, state.SetStateOptions{}))
}

func TestRecordApprovalMerges(t *testing.T) {
	s := New()
	ctx := context.Background()
	step := plan.Step{ID: "s1", Capability: "cap"}
	require.NoError(t, s.RememberStep(ctx, "p1", step, "t", state.RememberOptions{
		State: plan.StateWaitingApproval,
	}))

	require.NoError(t, s.RecordApproval(ctx, "p1", "s1", "deploy:prod", true))
	require.NoError(t, s.RecordApproval(ctx, "p1", "s1", "other:cap", false))
	entry, err := s.LoadStep(ctx, "p1", "s1")
	require.NoError(t, err)
	require.True(t, entry.Approvals["deploy:prod"])
	require.False(t, entry.Approvals["other:cap"])

	require.Error(t, s.RecordApproval(ctx, "p1", "s1", "", true))
	require.NoError(t, s.RecordApproval(ctx, "p1", "ghost", "cap", true))
}

func TestForgetAndList(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.RememberStep(ctx, "p1", plan.Step{ID: "s1"}, "t", state.RememberOptions{State: plan.StateQueued}))
	require.NoError(t, s.RememberStep(ctx, "p2", plan.Step{ID: "s1"}, "t", state.RememberOptions{State: plan.StateRunning}))

	entries, err := s.ListActiveSteps(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, s.ForgetStep(ctx, "p1", "s1"))
	require.NoError(t, s.ForgetStep(ctx, "p1", "s1")) // absent is fine
	entries, err = s.ListActiveSteps(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "p2", entries[0].PlanID)
}

func TestPlanMetadataRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	md := &state.PlanMetadata{
		PlanID:             "p1",
		TraceID:            "trace-1",
		Steps:              []state.StepRecord{{Step: plan.Step{ID: "s1"}}},
		NextStepIndex:      1,
		LastCompletedIndex: 0,
	}
	require.NoError(t, s.RememberPlan(ctx, "p1", md))

	// Mutating the caller's copy does not leak into the store.
	md.NextStepIndex = 99
	loaded, err := s.LoadPlan(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.NextStepIndex)

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	require.NoError(t, s.ForgetPlan(ctx, "p1"))
	loaded, err = s.LoadPlan(ctx, "p1")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestSweepPurgesStaleRecords(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	s.clock = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, s.RememberStep(ctx, "p1", plan.Step{ID: "old"}, "t", state.RememberOptions{State: plan.StateQueued}))
	require.NoError(t, s.RememberPlan(ctx, "p1", &state.PlanMetadata{PlanID: "p1"}))

	s.clock = func() time.Time { return now }
	require.NoError(t, s.RememberStep(ctx, "p2", plan.Step{ID: "fresh"}, "t", state.RememberOptions{State: plan.StateQueued}))

	removed, err := s.Sweep(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	entry, err := s.LoadStep(ctx, "p1", "old")
	require.NoError(t, err)
	require.Nil(t, entry)
	entry, err = s.LoadStep(ctx, "p2", "fresh")
	require.NoError(t, err)
	require.NotNil(t, entry)
}
