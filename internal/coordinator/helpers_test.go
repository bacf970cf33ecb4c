package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/memory"
	"github.com/fyrsmithlabs/agentloop/internal/stages"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakePerception answers from fn; the default never achieves the goal.
type fakePerception struct {
	mu     sync.Mutex
	fn     func(view blackboard.View, latest *blackboard.Outcome) (blackboard.Snapshot, *blackboard.StepError)
	latest []*blackboard.Outcome
}

func (p *fakePerception) Perceive(_ context.Context, view blackboard.View, latest *blackboard.Outcome) (blackboard.Snapshot, *blackboard.StepError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = append(p.latest, latest)
	if p.fn == nil {
		return blackboard.Snapshot{Facts: []string{}, Summary: "working"}, nil
	}
	return p.fn(view, latest)
}

// achievedAfterStep reports the goal once any step outcome arrives.
func achievedAfterStep(answer string) func(blackboard.View, *blackboard.Outcome) (blackboard.Snapshot, *blackboard.StepError) {
	return func(_ blackboard.View, latest *blackboard.Outcome) (blackboard.Snapshot, *blackboard.StepError) {
		if latest == nil {
			return blackboard.Snapshot{Facts: []string{}, Summary: "need a tool"}, nil
		}
		return blackboard.Snapshot{Facts: []string{"result seen"}, GoalAchieved: true, Summary: "done", Answer: answer}, nil
	}
}

type planReply struct {
	specs []blackboard.StepSpec
	err   error
}

type replanReply struct {
	rev *stages.Revision
	err error
}

// fakeDecision replays scripted plans and revisions. An empty replan queue
// keeps the plan.
type fakeDecision struct {
	mu        sync.Mutex
	plans     []planReply
	replans   []replanReply
	always    func(view blackboard.View) *stages.Revision
	planViews []blackboard.View
	feedback  []string
}

func (d *fakeDecision) Plan(_ context.Context, view blackboard.View) ([]blackboard.StepSpec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.planViews = append(d.planViews, view)
	if len(d.plans) == 0 {
		return nil, blackboard.NewError(blackboard.DecisionFormatError, "no scripted plan")
	}
	r := d.plans[0]
	d.plans = d.plans[1:]
	return r.specs, r.err
}

func (d *fakeDecision) Replan(_ context.Context, view blackboard.View, feedback string) (*stages.Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feedback = append(d.feedback, feedback)
	if d.always != nil {
		return d.always(view), nil
	}
	if len(d.replans) == 0 {
		return &stages.Revision{Keep: true}, nil
	}
	r := d.replans[0]
	d.replans = d.replans[1:]
	return r.rev, r.err
}

func (d *fakeDecision) NextStep(view blackboard.View) (blackboard.Step, bool) {
	return stages.NextStep(view)
}

func (d *fakeDecision) planCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.planViews)
}

// countingExecutor wraps another executor and counts calls.
type countingExecutor struct {
	mu    sync.Mutex
	next  Executor
	calls []blackboard.Step
}

func (e *countingExecutor) Run(ctx context.Context, step blackboard.Step) blackboard.Outcome {
	e.mu.Lock()
	e.calls = append(e.calls, step)
	e.mu.Unlock()
	return e.next.Run(ctx, step)
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type mockMemory struct {
	mock.Mock
}

func (m *mockMemory) WriteSessionTurn(ctx context.Context, sessionID string, turn blackboard.Turn) error {
	return m.Called(ctx, sessionID, turn).Error(0)
}

func (m *mockMemory) RetrieveContext(ctx context.Context, query, sessionID string, k int) ([]blackboard.Snippet, error) {
	args := m.Called(ctx, query, sessionID, k)
	snippets, _ := args.Get(0).([]blackboard.Snippet)
	return snippets, args.Error(1)
}

func (m *mockMemory) CommitEpisodic(ctx context.Context, query, answer string, prov memory.Provenance) (bool, error) {
	args := m.Called(ctx, query, answer, prov)
	return args.Bool(0), args.Error(1)
}

// healthyMemory accepts every call.
func healthyMemory() *mockMemory {
	m := &mockMemory{}
	m.On("WriteSessionTurn", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m.On("RetrieveContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]blackboard.Snippet{}, nil)
	m.On("CommitEpisodic", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	return m
}

// recorder captures events and the blackboard as seen at each one.
type recorder struct {
	mu      sync.Mutex
	bb      *blackboard.Blackboard
	events  []events.Event
	history []int
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.bb != nil {
		r.history = append(r.history, len(r.bb.View().History))
	}
	return nil
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Kind
	for _, e := range r.events {
		if e.Kind != events.KindStateChanged {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *recorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) states() []string {
	var out []string
	for _, e := range r.ofKind(events.KindStateChanged) {
		out = append(out, e.Data.(events.StateChanged).To)
	}
	return out
}

type harness struct {
	t          *testing.T
	perception *fakePerception
	decision   *fakeDecision
	executor   *countingExecutor
	memory     *mockMemory
	events     *recorder
	config     Config
	hitl       blackboard.HITLConfig
	query      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(registry, nil))
	return &harness{
		t:          t,
		perception: &fakePerception{},
		decision:   &fakeDecision{},
		executor:   &countingExecutor{next: stages.NewExecutor(registry, stages.ExecutorConfig{Timeout: time.Second}, nil)},
		memory:     healthyMemory(),
		events:     &recorder{},
		config:     Config{MaxSteps: 10, MaxReplans: 3, TopK: 5},
		query:      "2 + 2",
	}
}

type started struct {
	bb   *blackboard.Blackboard
	gate *hitl.Gate
	done chan Result
}

func (h *harness) start(ctx context.Context) *started {
	h.t.Helper()
	c, err := New(h.perception, h.decision, h.executor, h.memory, h.events, h.config, nil)
	require.NoError(h.t, err)
	bb := blackboard.New("run-1", "sess-1", h.query, h.hitl)
	h.events.bb = bb
	s := &started{bb: bb, gate: hitl.New(), done: make(chan Result, 1)}
	go func() { s.done <- c.Run(ctx, bb, s.gate) }()
	return s
}

func (h *harness) run() (Result, *blackboard.Blackboard) {
	h.t.Helper()
	s := h.start(context.Background())
	return s.wait(h.t), s.bb
}

func (s *started) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-s.done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("run did not terminate")
		return Result{}
	}
}

func (s *started) waitGate(t *testing.T, kind hitl.Kind) hitl.Request {
	t.Helper()
	var req hitl.Request
	require.Eventually(t, func() bool {
		r, ok := s.gate.Pending()
		req = r
		return ok && r.Kind == kind
	}, 2*time.Second, time.Millisecond)
	return req
}

func toolCall(tool string, params map[string]any) blackboard.StepSpec {
	return blackboard.StepSpec{Kind: blackboard.KindToolCall, Payload: blackboard.Payload{Tool: tool, Params: params}}
}

func add(a, b float64) blackboard.StepSpec {
	return toolCall("add", map[string]any{"a": a, "b": b})
}

func answer(text string) blackboard.StepSpec {
	return blackboard.StepSpec{Kind: blackboard.KindFinalAnswer, Payload: blackboard.Payload{Answer: text}}
}

func ask(question string) blackboard.StepSpec {
	return blackboard.StepSpec{Kind: blackboard.KindAskUser, Payload: blackboard.Payload{Question: question}}
}

var errBackend = errors.New("backend unreachable")
