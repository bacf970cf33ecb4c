package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/xid"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/coordinator"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
)

var errInputClosed = errors.New("input closed")

// terminal drives runs from stdin/stdout. It is the events.Sink of the
// coordinator it drives and answers gates from typed lines.
type terminal struct {
	runner   runs.Runner
	out      io.Writer
	lines    <-chan string
	render   renderer
	mu       sync.Mutex
	requests chan hitl.Request
}

func newTerminal(in io.Reader, out io.Writer, verbose bool) *terminal {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &terminal{
		out:      out,
		lines:    lines,
		render:   renderer{verbose: verbose},
		requests: make(chan hitl.Request, 1),
	}
}

// Publish renders e and hands suspension requests to the prompt loop.
func (t *terminal) Publish(_ context.Context, e events.Event) error {
	if text := t.render.render(e); text != "" {
		t.println(text)
	}
	if d, ok := e.Data.(events.AwaitingInput); ok {
		t.requests <- d.Request
	}
	return nil
}

func (t *terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, s)
}

// readLine waits for the next input line.
func (t *terminal) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			return "", errInputClosed
		}
		return strings.TrimSpace(line), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// run executes one query to completion, prompting at every gate.
func (t *terminal) run(ctx context.Context, query, sessionID string, cfg blackboard.HITLConfig) coordinator.Result {
	runID := xid.New().String()
	bb := blackboard.New(runID, sessionID, query, cfg)
	gate := hitl.New()

	// A request announced by a cancelled run never reached its prompt.
	select {
	case <-t.requests:
	default:
	}

	// Input closing mid-run stops the run instead of leaving it suspended.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	t.println(header(runID, sessionID))
	done := make(chan coordinator.Result, 1)
	go func() {
		done <- t.runner.Run(runCtx, bb, gate)
	}()

	for {
		select {
		case res := <-done:
			return res
		case req := <-t.requests:
			if err := t.answer(runCtx, gate, req); err != nil {
				cause := err
				if errors.Is(err, errInputClosed) {
					cause = coordinator.ErrStopRequested
				}
				cancel(cause)
			}
		}
	}
}

// answer prompts until a valid decision for req is accepted by the gate.
func (t *terminal) answer(ctx context.Context, gate *hitl.Gate, req hitl.Request) error {
	for {
		t.println(promptFor(req))
		line, err := t.readLine(ctx)
		if err != nil {
			return err
		}
		d, err := parseReply(req.Kind, line)
		if err != nil {
			t.println(errorStyle.Render(err.Error()))
			continue
		}
		return gate.Resolve(req.Kind, d)
	}
}

// parseReply maps a typed line to a gate decision.
//
//	plan: "" y yes approve -> approve; stop -> stop; anything else rejects with it as feedback
//	step: "" y yes approve -> approve; s skip -> skip; stop -> stop
//	ask:  /stop -> stop; any non-empty text is the answer
func parseReply(kind hitl.Kind, line string) (hitl.Decision, error) {
	line = strings.TrimSpace(line)
	word := strings.ToLower(line)
	switch kind {
	case hitl.KindPlan:
		switch word {
		case "", "y", "yes", "approve":
			return hitl.Decision{Action: hitl.ActionApprove}, nil
		case "stop":
			return hitl.Decision{Action: hitl.ActionStop}, nil
		}
		return hitl.Decision{Action: hitl.ActionReject, Feedback: line}, nil
	case hitl.KindStep:
		switch word {
		case "", "y", "yes", "approve":
			return hitl.Decision{Action: hitl.ActionApprove}, nil
		case "s", "skip":
			return hitl.Decision{Action: hitl.ActionSkip}, nil
		case "stop":
			return hitl.Decision{Action: hitl.ActionStop}, nil
		}
		return hitl.Decision{}, fmt.Errorf("expected approve, skip or stop, got %q", line)
	case hitl.KindAsk:
		if word == "/stop" {
			return hitl.Decision{Action: hitl.ActionStop}, nil
		}
		if line == "" {
			return hitl.Decision{}, errors.New("an answer is required (/stop to end the run)")
		}
		return hitl.Decision{Action: hitl.ActionAnswer, Answer: line}, nil
	}
	return hitl.Decision{}, fmt.Errorf("unknown gate %q", kind)
}

// summarize renders the footer printed after a run.
func summarize(res coordinator.Result) string {
	parts := []string{
		fmt.Sprintf("steps %d", res.Steps),
		fmt.Sprintf("replans %d", res.Replans),
	}
	if res.Committed {
		parts = append(parts, "saved to memory")
	}
	return dimStyle.Render(strings.Join(parts, " · "))
}
