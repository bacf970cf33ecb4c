package blackboard

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStepPlan() []StepSpec {
	return []StepSpec{
		{Kind: KindToolCall, Payload: Payload{Tool: "add", Params: map[string]any{"a": 2, "b": 2}}},
		{Kind: KindCode, Payload: Payload{Code: "multiply(4, 3)"}},
		{Kind: KindFinalAnswer, Payload: Payload{Answer: "12"}},
	}
}

func TestParseStepKind(t *testing.T) {
	k, err := ParseStepKind("TOOL_CALL")
	require.NoError(t, err)
	assert.Equal(t, KindToolCall, k)

	_, err = ParseStepKind("tool_call")
	assert.Error(t, err)
	_, err = ParseStepKind("SEARCH")
	assert.Error(t, err)
}

func TestStepStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		ok       bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusSkipped, true},
		{StatusPending, StatusRunning, false},
		{StatusApproved, StatusRunning, true},
		{StatusApproved, StatusPending, false},
		{StatusRunning, StatusDone, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusPending, false},
		{StatusDone, StatusPending, false},
		{StatusSkipped, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestBlackboard_SetPlanAssignsMonotonicIDs(t *testing.T) {
	bb := New("run-1", "sess-1", "2 + 2", HITLConfig{})
	assert.False(t, bb.HasPlan())

	steps := bb.SetPlan(threeStepPlan())
	require.Len(t, steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{steps[0].ID, steps[1].ID, steps[2].ID})
	assert.True(t, bb.HasPlan())

	for _, s := range bb.View().Plan {
		assert.Equal(t, StatusPending, s.Status)
	}
}

func TestBlackboard_ReplaceRemainingStepsKeepsCompleted(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetPlan(threeStepPlan())

	require.NoError(t, bb.Transition(1, StatusApproved))
	require.NoError(t, bb.Transition(1, StatusRunning))
	require.NoError(t, bb.Complete(1, Outcome{Value: 4.0}))
	require.NoError(t, bb.Transition(2, StatusSkipped))

	added := bb.ReplaceRemainingSteps([]StepSpec{
		{Kind: KindFinalAnswer, Payload: Payload{Answer: "4"}},
	})
	require.Len(t, added, 1)
	assert.Equal(t, 4, added[0].ID, "ids are never reused")

	v := bb.View()
	require.Len(t, v.Plan, 3)
	assert.Equal(t, StatusDone, v.Plan[0].Status)
	assert.Equal(t, 4.0, v.Plan[0].Result)
	assert.Equal(t, StatusSkipped, v.Plan[1].Status)
	assert.Nil(t, v.Plan[1].Result)
	assert.Equal(t, 4, v.Plan[2].ID)

	require.Len(t, v.Superseded, 1)
	assert.Equal(t, 3, v.Superseded[0].ID)
	assert.Equal(t, 2, v.PlanVersion)
}

func TestBlackboard_TransitionErrors(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetPlan(threeStepPlan())

	err := bb.Transition(1, StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = bb.Transition(99, StatusApproved)
	assert.ErrorIs(t, err, ErrStepNotFound)

	require.NoError(t, bb.Transition(1, StatusSkipped))
	err = bb.Transition(1, StatusApproved)
	assert.ErrorIs(t, err, ErrStepFinalized)

	err = bb.Complete(1, Outcome{Value: 1})
	assert.ErrorIs(t, err, ErrStepFinalized)
}

func TestBlackboard_OnlyOneRunningStep(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetPlan(threeStepPlan())

	require.NoError(t, bb.Transition(1, StatusApproved))
	require.NoError(t, bb.Transition(2, StatusApproved))
	require.NoError(t, bb.Transition(1, StatusRunning))

	err := bb.Transition(2, StatusRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBlackboard_CompleteWithError(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetPlan(threeStepPlan())
	require.NoError(t, bb.Transition(1, StatusApproved))
	require.NoError(t, bb.Transition(1, StatusRunning))

	require.NoError(t, bb.Complete(1, Outcome{Err: NewError(ExecutionTimeout, "step exceeded %s", "3s")}))

	s, err := bb.Step(1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s.Status)
	require.NotNil(t, s.Error)
	assert.Equal(t, ExecutionTimeout, s.Error.Kind)
	assert.Nil(t, s.Result)
}

func TestBlackboard_FeedbackConsumedOnce(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetFeedback("skip step 2")

	assert.Equal(t, "skip step 2", bb.View().Feedback)
	assert.Equal(t, "skip step 2", bb.ConsumeFeedback())
	assert.Empty(t, bb.ConsumeFeedback())
}

func TestBlackboard_ResultOnce(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	_, ok := bb.Result()
	assert.False(t, ok)

	require.NoError(t, bb.SetResult("4"))
	assert.ErrorIs(t, bb.SetResult("5"), ErrResultSet)

	r, ok := bb.Result()
	assert.True(t, ok)
	assert.Equal(t, "4", r)
}

func TestBlackboard_SnapshotAndFacts(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.UpdateSnapshot(Snapshot{Facts: []string{"a"}, Summary: "s"})
	bb.AddFact("b")
	bb.AddFact("a")

	assert.Equal(t, []string{"a", "b"}, bb.View().Snapshot.Facts)

	bb.UpdateSnapshot(Snapshot{Summary: "fresh"})
	assert.Empty(t, bb.View().Snapshot.Facts)
	assert.NotNil(t, bb.View().Snapshot.Facts)
}

func TestBlackboard_SetContextNilIsEmpty(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetContext([]Snippet{{Tier: TierEpisodic, Text: "x", Score: 0.9}})
	bb.SetContext(nil)

	ctx := bb.View().Context
	assert.NotNil(t, ctx)
	assert.Empty(t, ctx)
}

func TestBlackboard_ViewIsDeepCopy(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetPlan(threeStepPlan())
	bb.UpdateSnapshot(Snapshot{Facts: []string{"a"}})

	v := bb.View()
	v.Plan[0].Payload.Params["a"] = 100
	v.Plan[0].Status = StatusDone
	v.Snapshot.Facts[0] = "mutated"

	fresh := bb.View()
	assert.Equal(t, 2, fresh.Plan[0].Payload.Params["a"])
	assert.Equal(t, StatusPending, fresh.Plan[0].Status)
	assert.Equal(t, "a", fresh.Snapshot.Facts[0])
}

func TestBlackboard_HistoryMonotonicUnderConcurrentReads(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			bb.AppendHistory(Turn{Role: RoleTool, Text: "x"})
		}
	}()

	last := 0
	for i := 0; i < 100; i++ {
		n := len(bb.View().History)
		assert.GreaterOrEqual(t, n, last)
		last = n
	}
	wg.Wait()
	assert.Len(t, bb.View().History, 100)
	assert.False(t, bb.View().History[0].Time.IsZero())
}

func TestHITLConfig_Mutable(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{PlanApproval: true})
	assert.True(t, bb.HITLConfig().PlanApproval)

	bb.SetHITLConfig(HITLConfig{StepApproval: true})
	assert.Equal(t, HITLConfig{StepApproval: true}, bb.HITLConfig())
}

func TestStepError(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := WrapError(StorageUnavailable, cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StorageUnavailable, KindOf(err))
	assert.Equal(t, ErrorKind(""), KindOf(cause))
	assert.Contains(t, err.Error(), "StorageUnavailable")

	assert.True(t, PlanExhausted.Terminal())
	assert.True(t, Stopped.Terminal())
	assert.False(t, ExecutionTimeout.Terminal())
}

func TestView_Helpers(t *testing.T) {
	bb := New("run-1", "", "q", HITLConfig{})
	bb.SetPlan(threeStepPlan())
	require.NoError(t, bb.Transition(1, StatusSkipped))

	v := bb.View()
	assert.Len(t, v.Pending(), 2)
	assert.Len(t, v.Completed(), 1)
	s, ok := v.StepByID(3)
	assert.True(t, ok)
	assert.Equal(t, KindFinalAnswer, s.Kind)
	assert.Contains(t, FormatPlan(v.Plan), "#1 TOOL_CALL add")
}
