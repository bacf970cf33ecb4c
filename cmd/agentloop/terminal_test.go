package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/coordinator"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		kind    hitl.Kind
		line    string
		want    hitl.Decision
		wantErr bool
	}{
		{"plan enter approves", hitl.KindPlan, "", hitl.Decision{Action: hitl.ActionApprove}, false},
		{"plan yes approves", hitl.KindPlan, "Yes", hitl.Decision{Action: hitl.ActionApprove}, false},
		{"plan stop", hitl.KindPlan, "stop", hitl.Decision{Action: hitl.ActionStop}, false},
		{"plan feedback rejects", hitl.KindPlan, "use the factorial tool", hitl.Decision{Action: hitl.ActionReject, Feedback: "use the factorial tool"}, false},
		{"step enter approves", hitl.KindStep, "  ", hitl.Decision{Action: hitl.ActionApprove}, false},
		{"step skip", hitl.KindStep, "s", hitl.Decision{Action: hitl.ActionSkip}, false},
		{"step stop", hitl.KindStep, "STOP", hitl.Decision{Action: hitl.ActionStop}, false},
		{"step free text rejected", hitl.KindStep, "maybe", hitl.Decision{}, true},
		{"ask answer", hitl.KindAsk, " 42 ", hitl.Decision{Action: hitl.ActionAnswer, Answer: "42"}, false},
		{"ask stop", hitl.KindAsk, "/stop", hitl.Decision{Action: hitl.ActionStop}, false},
		{"ask empty", hitl.KindAsk, "", hitl.Decision{}, true},
		{"unknown gate", hitl.Kind("other"), "", hitl.Decision{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReply(tt.kind, tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyCommand(t *testing.T) {
	cfg := blackboard.HITLConfig{}

	quit, msg := applyCommand("/hitl on", &cfg)
	assert.False(t, quit)
	assert.Equal(t, "plan approval enabled", msg)
	assert.True(t, cfg.PlanApproval)

	_, _ = applyCommand("/step on", &cfg)
	assert.True(t, cfg.StepApproval)

	_, msg = applyCommand("/hitl status", &cfg)
	assert.Equal(t, "plan approval on · step approval on", msg)

	_, _ = applyCommand("/HITL OFF", &cfg)
	_, _ = applyCommand("/step off", &cfg)
	assert.Equal(t, blackboard.HITLConfig{}, cfg)

	quit, msg = applyCommand("what is 2 + 2?", &cfg)
	assert.False(t, quit)
	assert.Empty(t, msg)

	quit, _ = applyCommand("exit", &cfg)
	assert.True(t, quit)
}

func TestRender(t *testing.T) {
	r := renderer{}
	step := blackboard.Step{
		ID:      2,
		Kind:    blackboard.KindToolCall,
		Payload: blackboard.Payload{Tool: "add", Params: map[string]any{"a": 2, "b": 2}},
		Status:  blackboard.StatusDone,
		Result:  4.0,
	}

	t.Run("plan lists every step", func(t *testing.T) {
		out := r.render(events.Event{Kind: events.KindPlanProposed, Data: events.PlanProposed{
			Version: 1,
			Steps: []blackboard.Step{step, {
				ID: 3, Kind: blackboard.KindFinalAnswer, Payload: blackboard.Payload{Answer: "4"},
			}},
		}})
		assert.Contains(t, out, "Plan v1")
		assert.Contains(t, out, "[2] TOOL_CALL")
		assert.Contains(t, out, `add({"a":2,"b":2})`)
		assert.Contains(t, out, "[3] FINAL_ANSWER")
	})

	t.Run("step result", func(t *testing.T) {
		out := r.render(events.Event{Kind: events.KindStepResult, Data: events.StepResult{Step: step, Result: step.Result}})
		assert.Contains(t, out, "step 2")
		assert.Contains(t, out, "4")
	})

	t.Run("failed step shows error kind", func(t *testing.T) {
		failed := step
		failed.Status = blackboard.StatusFailed
		serr := blackboard.NewError(blackboard.ExecutionTimeout, "exceeded 3s")
		out := r.render(events.Event{Kind: events.KindStepResult, Data: events.StepResult{Step: failed, Error: serr}})
		assert.Contains(t, out, "ExecutionTimeout")
		assert.Contains(t, out, "exceeded 3s")
	})

	t.Run("skipped step", func(t *testing.T) {
		skipped := step
		skipped.Status = blackboard.StatusSkipped
		out := r.render(events.Event{Kind: events.KindStepResult, Data: events.StepResult{Step: skipped}})
		assert.Contains(t, out, "skipped")
	})

	t.Run("final answer and failure", func(t *testing.T) {
		assert.Contains(t, r.render(events.Event{Kind: events.KindFinalAnswer, Data: events.FinalAnswer{Text: "the answer is 4"}}), "the answer is 4")
		out := r.render(events.Event{Kind: events.KindRunFailed, Data: events.RunFailed{Kind: blackboard.PlanExhausted, Detail: "no steps left"}})
		assert.Contains(t, out, "PlanExhausted")
		assert.Contains(t, out, "no steps left")
	})

	t.Run("state changes only when verbose", func(t *testing.T) {
		e := events.Event{Kind: events.KindStateChanged, Data: events.StateChanged{From: "INIT", To: "PLANNING"}}
		assert.Empty(t, r.render(e))
		assert.Contains(t, renderer{verbose: true}.render(e), "INIT → PLANNING")
	})

	t.Run("long results are truncated", func(t *testing.T) {
		long := step
		long.Result = strings.Repeat("x", 500)
		out := r.render(events.Event{Kind: events.KindStepResult, Data: events.StepResult{Step: long, Result: long.Result}})
		assert.NotContains(t, out, strings.Repeat("x", maxResultWidth))
		assert.Contains(t, out, "…")
	})
}

// gateRunner opens one request, announces it, waits on the gate and reports
// what it got.
type gateRunner struct {
	term  *terminal
	req   hitl.Request
	got   hitl.Decision
	cause error
}

func (g *gateRunner) Run(ctx context.Context, bb *blackboard.Blackboard, gate *hitl.Gate) coordinator.Result {
	runID := bb.View().RunID
	w, err := gate.Open(g.req)
	if err != nil {
		return coordinator.Result{RunID: runID, Err: blackboard.WrapError(blackboard.ExecutionError, err)}
	}
	_ = g.term.Publish(ctx, events.Event{RunID: runID, Kind: events.KindAwaitingInput, Data: events.AwaitingInput{Request: g.req}})
	d, err := w.Wait(ctx)
	if err != nil {
		g.cause = context.Cause(ctx)
		return coordinator.Result{RunID: runID, Err: blackboard.NewError(blackboard.Stopped, "stopped")}
	}
	g.got = d
	_ = g.term.Publish(ctx, events.Event{RunID: runID, Kind: events.KindFinalAnswer, Data: events.FinalAnswer{Text: "done: " + d.Answer}})
	return coordinator.Result{RunID: runID, Answer: d.Answer}
}

// syncBuffer guards a bytes.Buffer written from the run goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTerminal_AnswersGateFromInput(t *testing.T) {
	out := &syncBuffer{}
	term := newTerminal(strings.NewReader("\n42\n"), out, false)
	runner := &gateRunner{term: term, req: hitl.Request{Kind: hitl.KindAsk, Question: "which number?"}}
	term.runner = runner

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := term.run(ctx, "pick a number", "s1", blackboard.HITLConfig{})

	require.True(t, res.Succeeded())
	assert.Equal(t, "42", res.Answer)
	assert.Equal(t, hitl.Decision{Action: hitl.ActionAnswer, Answer: "42"}, runner.got)

	text := out.String()
	assert.Contains(t, text, "which number?")
	assert.Contains(t, text, "an answer is required")
	assert.Contains(t, text, "done: 42")
}

func TestTerminal_ClosedInputStopsRun(t *testing.T) {
	term := newTerminal(strings.NewReader(""), &syncBuffer{}, false)
	runner := &gateRunner{term: term, req: hitl.Request{Kind: hitl.KindPlan}}
	term.runner = runner

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := term.run(ctx, "q", "s1", blackboard.HITLConfig{PlanApproval: true})

	require.NotNil(t, res.Err)
	assert.ErrorIs(t, runner.cause, coordinator.ErrStopRequested)
}

func TestSummarize(t *testing.T) {
	out := summarize(coordinator.Result{Steps: 3, Replans: 1, Committed: true})
	assert.Contains(t, out, "steps 3")
	assert.Contains(t, out, "replans 1")
	assert.Contains(t, out, "saved to memory")
	assert.NotContains(t, summarize(coordinator.Result{}), "saved")
}

type recordingIngester struct {
	docs map[string]string
}

func (r *recordingIngester) Ingest(_ context.Context, docID, text string) (int, error) {
	if r.docs == nil {
		r.docs = make(map[string]string)
	}
	r.docs[docID] = text
	return 1, nil
}

func TestIngestPath(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
	write("notes.md", "# Notes")
	write("sub/report.TXT", "quarterly numbers")
	write("main.go", "package main")
	write(".git/HEAD.md", "ignored")

	g := &recordingIngester{}
	var seen []string
	n, err := ingestPath(context.Background(), g, dir, nil, func(doc string, _ int) { seen = append(seen, doc) })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "notes.md"),
		filepath.Join(dir, "sub", "report.TXT"),
	}, seen)

	n, err = ingestPath(context.Background(), g, "-", strings.NewReader("from a pipe"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "from a pipe", g.docs["stdin"])

	_, err = ingestPath(context.Background(), g, filepath.Join(dir, "missing.md"), nil, nil)
	assert.Error(t, err)
}

func TestPrintTools(t *testing.T) {
	r := tools.NewRegistry(zap.NewNop())
	require.NoError(t, tools.RegisterBuiltins(r, nil))

	var buf bytes.Buffer
	require.NoError(t, printTools(&buf, r.List()))
	assert.Contains(t, buf.String(), "NAME")
	assert.Contains(t, buf.String(), "factorial")

	buf.Reset()
	require.NoError(t, printSearch(&buf, r.Search("factorial")))
	assert.Contains(t, buf.String(), "exact name match")

	buf.Reset()
	require.NoError(t, printSearch(&buf, r.Search("no-such-tool-anywhere")))
	assert.Equal(t, "no matching tools\n", buf.String())
}

func TestRootCommand(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0)
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "ask", "chat", "ingest", "tools", "version"})

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "Version:    dev")
}
