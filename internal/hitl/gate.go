// Package hitl implements the human-in-the-loop suspension points of a run:
// the plan gate, the step gate and ASK_USER questions.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
)

var (
	// ErrNoPending is returned when a decision arrives while nothing is awaited.
	ErrNoPending = errors.New("no pending gate")

	// ErrWrongGate is returned when a decision targets a different gate than the pending one.
	ErrWrongGate = errors.New("decision does not match pending gate")

	// ErrInvalidAction is returned for an action the gate kind does not accept.
	ErrInvalidAction = errors.New("invalid action for gate")

	// ErrAlreadyWaiting is returned when Await is called while another request is pending.
	ErrAlreadyWaiting = errors.New("gate already awaiting a decision")
)

// Kind names a suspension point.
type Kind string

const (
	KindPlan Kind = "plan"
	KindStep Kind = "step"
	KindAsk  Kind = "ask_user"
)

// Action is the external decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionSkip    Action = "skip"
	ActionStop    Action = "stop"
	ActionAnswer  Action = "answer"
)

var allowed = map[Kind][]Action{
	KindPlan: {ActionApprove, ActionReject, ActionStop},
	KindStep: {ActionApprove, ActionSkip, ActionStop},
	KindAsk:  {ActionAnswer, ActionStop},
}

// Request describes what the loop is waiting on.
type Request struct {
	Kind     Kind              `json:"kind"`
	Plan     []blackboard.Step `json:"plan,omitempty"`
	Step     *blackboard.Step  `json:"step,omitempty"`
	Question string            `json:"question,omitempty"`
}

// Decision resolves a Request.
type Decision struct {
	Action   Action `json:"action"`
	Feedback string `json:"feedback,omitempty"`
	Answer   string `json:"answer,omitempty"`
}

// Waiter is a registered request. Decisions delivered after Open and before
// Wait are buffered.
type Waiter struct {
	gate *Gate
	req  Request
	ch   chan Decision
}

// Gate holds at most one pending request for a run. The loop opens a request
// and waits on it; Resolve is called from other goroutines.
type Gate struct {
	mu      sync.Mutex
	pending *Waiter
}

// New returns an idle gate.
func New() *Gate {
	return &Gate{}
}

// Open registers req as the pending request. Resolve accepts decisions for it
// as soon as Open returns.
func (g *Gate) Open(req Request) (*Waiter, error) {
	w := &Waiter{gate: g, req: req, ch: make(chan Decision, 1)}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending != nil {
		return nil, ErrAlreadyWaiting
	}
	g.pending = w
	return w, nil
}

// Await opens req and blocks until it is resolved or ctx ends.
func (g *Gate) Await(ctx context.Context, req Request) (Decision, error) {
	w, err := g.Open(req)
	if err != nil {
		return Decision{}, err
	}
	return w.Wait(ctx)
}

// Wait blocks until the request is resolved or ctx ends. On ctx end the
// request is withdrawn.
func (w *Waiter) Wait(ctx context.Context) (Decision, error) {
	select {
	case d := <-w.ch:
		return d, nil
	case <-ctx.Done():
		w.Cancel()
		select {
		case d := <-w.ch:
			return d, nil
		default:
		}
		return Decision{}, ctx.Err()
	}
}

// Cancel withdraws the request if it is still pending.
func (w *Waiter) Cancel() {
	w.gate.mu.Lock()
	if w.gate.pending == w {
		w.gate.pending = nil
	}
	w.gate.mu.Unlock()
}

// Pending returns the request currently awaited, if any.
func (g *Gate) Pending() (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Request{}, false
	}
	return g.pending.req, true
}

// Resolve delivers d to the pending request of the given kind.
func (g *Gate) Resolve(kind Kind, d Decision) error {
	if !accepts(kind, d.Action) {
		return fmt.Errorf("%w: %s cannot %s", ErrInvalidAction, kind, d.Action)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return ErrNoPending
	}
	if g.pending.req.Kind != kind {
		return fmt.Errorf("%w: pending %s, got %s", ErrWrongGate, g.pending.req.Kind, kind)
	}
	g.pending.ch <- d
	g.pending = nil
	return nil
}

// ResolvePlan approves or rejects the pending plan.
func (g *Gate) ResolvePlan(approve bool, feedback string) error {
	if approve {
		return g.Resolve(KindPlan, Decision{Action: ActionApprove})
	}
	return g.Resolve(KindPlan, Decision{Action: ActionReject, Feedback: feedback})
}

// ResolveStep applies approve, skip or stop to the pending step.
func (g *Gate) ResolveStep(action Action) error {
	return g.Resolve(KindStep, Decision{Action: action})
}

// ResolveAsk answers the pending ASK_USER question.
func (g *Gate) ResolveAsk(answer string) error {
	return g.Resolve(KindAsk, Decision{Action: ActionAnswer, Answer: answer})
}

// Stop resolves whatever is pending with a stop decision. It reports whether
// anything was pending.
func (g *Gate) Stop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return false
	}
	g.pending.ch <- Decision{Action: ActionStop}
	g.pending = nil
	return true
}

func accepts(kind Kind, a Action) bool {
	for _, ok := range allowed[kind] {
		if ok == a {
			return true
		}
	}
	return false
}

// ParseAction validates a wire action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionApprove, ActionReject, ActionSkip, ActionStop, ActionAnswer:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidAction, s)
}
