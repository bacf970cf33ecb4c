package stages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"go.uber.org/zap"
)

// MinStepTimeout is the default lower bound on any step's time budget.
const MinStepTimeout = 3 * time.Second

var callPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*\s*\(`)

// Toolbox is what the executor needs from the tool registry.
type Toolbox interface {
	Call(ctx context.Context, name string, params map[string]any) (any, error)
	Evaluate(ctx context.Context, code string) (any, error)
}

var _ Toolbox = (*tools.Registry)(nil)

// ExecutorConfig bounds step execution.
type ExecutorConfig struct {
	// Timeout applies to TOOL_CALL steps and to CODE steps when PerCall is zero.
	Timeout time.Duration
	// PerCall, when set, budgets CODE steps by the number of function calls they make.
	PerCall time.Duration
	// Floor is the minimum budget for any step. Zero means MinStepTimeout.
	Floor time.Duration
}

// Executor runs CODE and TOOL_CALL steps.
type Executor struct {
	toolbox Toolbox
	config  ExecutorConfig
	logger  *zap.Logger
}

// NewExecutor returns an Executor over toolbox.
func NewExecutor(toolbox Toolbox, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.Floor <= 0 {
		cfg.Floor = MinStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{toolbox: toolbox, config: cfg, logger: logger}
}

// Budget returns the time allowed for step.
func (e *Executor) Budget(step blackboard.Step) time.Duration {
	budget := e.config.Timeout
	if step.Kind == blackboard.KindCode && e.config.PerCall > 0 {
		calls := len(callPattern.FindAllStringIndex(step.Payload.Code, -1))
		budget = time.Duration(calls) * e.config.PerCall
	}
	return max(budget, e.config.Floor)
}

type runResult struct {
	value any
	err   error
}

// Run executes step under its budget. Failures, including timeouts, come back
// as an Outcome carrying a StepError; Run never panics on tool misbehavior.
func (e *Executor) Run(ctx context.Context, step blackboard.Step) blackboard.Outcome {
	if step.Kind != blackboard.KindCode && step.Kind != blackboard.KindToolCall {
		return blackboard.Outcome{Err: blackboard.NewError(blackboard.ExecutionError, "step kind %s is not executable", step.Kind)}
	}

	budget := e.Budget(step)
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		var res runResult
		if step.Kind == blackboard.KindCode {
			res.value, res.err = e.toolbox.Evaluate(runCtx, step.Payload.Code)
		} else {
			res.value, res.err = e.toolbox.Call(runCtx, step.Payload.Tool, step.Payload.Params)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return blackboard.Outcome{Value: res.value}
		}
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return e.timeout(step, budget)
		}
		if ctx.Err() != nil {
			return blackboard.Outcome{Err: blackboard.WrapError(blackboard.Cancelled, ctx.Err())}
		}
		return blackboard.Outcome{Err: blackboard.WrapError(blackboard.ExecutionError, res.err)}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return blackboard.Outcome{Err: blackboard.WrapError(blackboard.Cancelled, ctx.Err())}
		}
		return e.timeout(step, budget)
	}
}

func (e *Executor) timeout(step blackboard.Step, budget time.Duration) blackboard.Outcome {
	e.logger.Warn("step timed out", zap.Int("step_id", step.ID), zap.Duration("budget", budget))
	return blackboard.Outcome{Err: blackboard.NewError(blackboard.ExecutionTimeout, "step %d exceeded %s", step.ID, budget)}
}
