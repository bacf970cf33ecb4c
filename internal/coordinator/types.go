// Package coordinator runs the control loop that sequences perception,
// decision and execution around one blackboard, applying the HITL gates and
// deciding termination.
package coordinator

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/memory"
	"github.com/fyrsmithlabs/agentloop/internal/stages"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
)

// State is a position in the run state machine.
type State string

const (
	StateInit              State = "INIT"
	StatePlanning          State = "PLANNING"
	StateAwaitPlanApproval State = "AWAIT_PLAN_APPROVAL"
	StateStepSelect        State = "STEP_SELECT"
	StateAwaitStepApproval State = "AWAIT_STEP_APPROVAL"
	StateExecuting         State = "EXECUTING"
	StatePerceiving        State = "PERCEIVING"
	StateReplanCheck       State = "REPLAN_CHECK"
	StateTerminated        State = "TERMINATED"
)

// ErrStopRequested is the cancellation cause that turns a context
// cancellation into a Stopped run instead of a Cancelled one.
var ErrStopRequested = errors.New("stop requested")

// Perception is the perception stage contract.
type Perception interface {
	Perceive(ctx context.Context, view blackboard.View, latest *blackboard.Outcome) (blackboard.Snapshot, *blackboard.StepError)
}

// Decision is the decision stage contract.
type Decision interface {
	Plan(ctx context.Context, view blackboard.View) ([]blackboard.StepSpec, error)
	Replan(ctx context.Context, view blackboard.View, feedback string) (*stages.Revision, error)
	NextStep(view blackboard.View) (blackboard.Step, bool)
}

// Executor is the executor stage contract.
type Executor interface {
	Run(ctx context.Context, step blackboard.Step) blackboard.Outcome
}

// Memory is the slice of the memory gateway the loop uses.
type Memory interface {
	WriteSessionTurn(ctx context.Context, sessionID string, turn blackboard.Turn) error
	RetrieveContext(ctx context.Context, query, sessionID string, k int) ([]blackboard.Snippet, error)
	CommitEpisodic(ctx context.Context, query, answer string, prov memory.Provenance) (bool, error)
}

// ToolLookup resolves tool names to their registry entries.
type ToolLookup interface {
	Get(name string) (*tools.Tool, error)
}

// Config bounds a run.
type Config struct {
	// MaxSteps bounds non-final steps selected (executed, skipped or asked).
	MaxSteps int
	// MaxReplans bounds replans, plan rejections and malformed decisions.
	MaxReplans int
	// TopK is how many snippets retrieval returns.
	TopK int
	// Tools classifies the tools a run used when its answer is committed.
	// Without it every tool call counts as a local tool.
	Tools ToolLookup
}

// DefaultConfig returns the stock budgets.
func DefaultConfig() Config {
	return Config{MaxSteps: 20, MaxReplans: 5, TopK: 5}
}

// Result is how a run ended.
type Result struct {
	RunID     string                `json:"run_id"`
	Answer    string                `json:"answer,omitempty"`
	Err       *blackboard.StepError `json:"error,omitempty"`
	Committed bool                  `json:"committed"`
	Steps     int                   `json:"steps"`
	Replans   int                   `json:"replans"`
}

// Succeeded reports whether the run produced an answer.
func (r Result) Succeeded() bool { return r.Err == nil }
