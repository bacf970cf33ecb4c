package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubToolbox struct {
	call func(ctx context.Context, name string, params map[string]any) (any, error)
}

func (s stubToolbox) Call(ctx context.Context, name string, params map[string]any) (any, error) {
	return s.call(ctx, name, params)
}

func (s stubToolbox) Evaluate(ctx context.Context, _ string) (any, error) {
	return s.call(ctx, "code", nil)
}

func toolStep(tool string, params map[string]any) blackboard.Step {
	return blackboard.Step{ID: 1, Kind: blackboard.KindToolCall, Payload: blackboard.Payload{Tool: tool, Params: params}, Status: blackboard.StatusRunning}
}

func TestExecutor_ToolCall(t *testing.T) {
	e := NewExecutor(newRegistry(t), ExecutorConfig{Timeout: time.Second}, nil)

	out := e.Run(context.Background(), toolStep("add", map[string]any{"a": 2, "b": 2}))
	require.False(t, out.Failed(), "unexpected error: %v", out.Err)
	assert.Equal(t, 4.0, out.Value)
}

func TestExecutor_Code(t *testing.T) {
	e := NewExecutor(newRegistry(t), ExecutorConfig{Timeout: time.Second}, nil)

	step := blackboard.Step{ID: 2, Kind: blackboard.KindCode, Payload: blackboard.Payload{Code: "factorial(3) + power(2, 3)"}}
	out := e.Run(context.Background(), step)
	require.False(t, out.Failed(), "unexpected error: %v", out.Err)
	assert.Equal(t, 14.0, out.Value)
}

func TestExecutor_ToolError(t *testing.T) {
	e := NewExecutor(newRegistry(t), ExecutorConfig{Timeout: time.Second}, nil)

	out := e.Run(context.Background(), toolStep("divide", map[string]any{"a": 1, "b": 0}))
	require.True(t, out.Failed())
	assert.Equal(t, blackboard.ExecutionError, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "division by zero")
	assert.Nil(t, out.Value)
}

func TestExecutor_Timeout(t *testing.T) {
	slow := stubToolbox{call: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	e := NewExecutor(slow, ExecutorConfig{Timeout: 10 * time.Millisecond, Floor: 20 * time.Millisecond}, nil)

	start := time.Now()
	out := e.Run(context.Background(), toolStep("slow", nil))
	require.True(t, out.Failed())
	assert.Equal(t, blackboard.ExecutionTimeout, out.Err.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecutor_TimeoutIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := stubToolbox{call: func(context.Context, string, map[string]any) (any, error) {
		<-release
		return nil, nil
	}}
	e := NewExecutor(stuck, ExecutorConfig{Floor: 20 * time.Millisecond}, nil)

	out := e.Run(context.Background(), toolStep("stuck", nil))
	require.True(t, out.Failed())
	assert.Equal(t, blackboard.ExecutionTimeout, out.Err.Kind)
}

func TestExecutor_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	block := stubToolbox{call: func(ctx context.Context, _ string, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := NewExecutor(block, ExecutorConfig{Timeout: time.Second}, nil)

	out := e.Run(ctx, toolStep("block", nil))
	require.True(t, out.Failed())
	assert.Equal(t, blackboard.Cancelled, out.Err.Kind)
}

func TestExecutor_Panic(t *testing.T) {
	boom := stubToolbox{call: func(context.Context, string, map[string]any) (any, error) {
		panic("tool exploded")
	}}
	e := NewExecutor(boom, ExecutorConfig{Timeout: time.Second}, nil)

	out := e.Run(context.Background(), toolStep("boom", nil))
	require.True(t, out.Failed())
	assert.Equal(t, blackboard.ExecutionError, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "tool exploded")
}

func TestExecutor_RejectsNonExecutableKinds(t *testing.T) {
	called := false
	tb := stubToolbox{call: func(context.Context, string, map[string]any) (any, error) {
		called = true
		return nil, errors.New("unreachable")
	}}
	e := NewExecutor(tb, ExecutorConfig{}, nil)

	for _, kind := range []blackboard.StepKind{blackboard.KindAskUser, blackboard.KindFinalAnswer} {
		out := e.Run(context.Background(), blackboard.Step{ID: 1, Kind: kind})
		require.True(t, out.Failed())
		assert.Equal(t, blackboard.ExecutionError, out.Err.Kind)
	}
	assert.False(t, called)
}

func TestExecutor_Budget(t *testing.T) {
	e := NewExecutor(stubToolbox{}, ExecutorConfig{Timeout: 30 * time.Second, PerCall: 2 * time.Second}, nil)

	assert.Equal(t, 30*time.Second, e.Budget(toolStep("add", nil)))

	code := blackboard.Step{Kind: blackboard.KindCode, Payload: blackboard.Payload{Code: "add(1, multiply(2, 3))"}}
	assert.Equal(t, 4*time.Second, e.Budget(code))

	plain := blackboard.Step{Kind: blackboard.KindCode, Payload: blackboard.Payload{Code: "1 + 1"}}
	assert.Equal(t, MinStepTimeout, e.Budget(plain))

	floorless := NewExecutor(stubToolbox{}, ExecutorConfig{}, nil)
	assert.Equal(t, MinStepTimeout, floorless.Budget(toolStep("add", nil)))
}
