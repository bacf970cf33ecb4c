// Package events carries run progress from the coordinator to front ends and
// other services.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
)

// Kind names an outbound event.
type Kind string

const (
	KindPlanProposed    Kind = "plan_proposed"
	KindStepProposed    Kind = "step_proposed"
	KindStepResult      Kind = "step_result"
	KindSnapshotUpdated Kind = "snapshot_updated"
	KindFinalAnswer     Kind = "final_answer"
	KindRunFailed       Kind = "run_failed"
	KindStateChanged    Kind = "state_changed"
	KindAwaitingInput   Kind = "awaiting_input"
)

// Event is one outbound notification. Seq is assigned by the Bus and is
// strictly increasing per run.
type Event struct {
	Seq   int64     `json:"seq"`
	RunID string    `json:"run_id"`
	Kind  Kind      `json:"kind"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// Terminal reports whether no further events follow for the run.
func (e Event) Terminal() bool {
	return e.Kind == KindFinalAnswer || e.Kind == KindRunFailed
}

// PlanProposed carries the full plan after planning or replanning.
type PlanProposed struct {
	Version int               `json:"version"`
	Steps   []blackboard.Step `json:"steps"`
}

// StepProposed carries the step about to run or be gated.
type StepProposed struct {
	Step blackboard.Step `json:"step"`
}

// StepResult carries a finished step.
type StepResult struct {
	Step   blackboard.Step       `json:"step"`
	Result any                   `json:"result,omitempty"`
	Error  *blackboard.StepError `json:"error,omitempty"`
}

// SnapshotUpdated carries the latest perception snapshot.
type SnapshotUpdated struct {
	Snapshot blackboard.Snapshot `json:"snapshot"`
}

// FinalAnswer carries the result of a successful run.
type FinalAnswer struct {
	Text string `json:"text"`
}

// RunFailed carries the terminal error of an unsuccessful run.
type RunFailed struct {
	Kind    blackboard.ErrorKind `json:"error_kind"`
	Detail  string               `json:"detail"`
	Summary string               `json:"summary,omitempty"`
}

// StateChanged records a coordinator state transition.
type StateChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AwaitingInput announces a suspension point.
type AwaitingInput struct {
	Request hitl.Request `json:"request"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Multi fans one event out to several sinks. Every sink is attempted.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
