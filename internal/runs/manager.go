// Package runs owns the set of live and recently finished runs and routes
// inbound control signals to them.
package runs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/coordinator"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/logging"
	"github.com/rs/xid"
	"go.uber.org/zap"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunFinished is returned when signalling a run that has terminated.
	ErrRunFinished = errors.New("run already finished")
	// ErrEmptyQuery is returned by Submit for a blank query.
	ErrEmptyQuery = errors.New("query is required")
	// ErrShuttingDown is returned by Submit after Shutdown began.
	ErrShuttingDown = errors.New("manager is shutting down")
)

// Runner drives one run to completion.
type Runner interface {
	Run(ctx context.Context, bb *blackboard.Blackboard, gate *hitl.Gate) coordinator.Result
}

// Status is the coarse lifecycle of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusAwaiting  Status = "awaiting_input"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request submits a query.
type Request struct {
	Query     string
	SessionID string
	// HITL overrides the manager defaults when non-nil.
	HITL *blackboard.HITLConfig
}

// Summary describes a run for listings.
type Summary struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"session_id"`
	Query      string              `json:"query"`
	Status     Status              `json:"status"`
	State      coordinator.State   `json:"state"`
	Pending    *hitl.Request       `json:"pending,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Result     *coordinator.Result `json:"result,omitempty"`
}

// Detail is a Summary plus the full blackboard.
type Detail struct {
	Summary
	Blackboard blackboard.View `json:"blackboard"`
}

// DefaultRetention bounds how long a finished run is kept when Options leaves
// Retention unset.
const DefaultRetention = time.Hour

// Options configures a Manager.
type Options struct {
	// HITL is applied to runs submitted without an explicit config.
	HITL blackboard.HITLConfig
	// Retention is how long finished runs and their event logs stay
	// queryable. Zero means DefaultRetention; a negative value keeps them
	// until Shutdown.
	Retention time.Duration
}

type entry struct {
	id        string
	bb        *blackboard.Blackboard
	gate      *hitl.Gate
	cancel    context.CancelCauseFunc
	done      chan struct{}
	createdAt time.Time

	mu         sync.Mutex
	state      coordinator.State
	result     *coordinator.Result
	finishedAt time.Time
}

// Manager starts runs on a Runner and tracks them. It is an events.Sink:
// the Runner publishes into it, it records each run's state and forwards the
// event to next.
type Manager struct {
	runner Runner
	next   events.Sink
	opts   Options
	logger *logging.Logger
	now    func() time.Time

	mu      sync.RWMutex
	runs    map[string]*entry
	closing bool

	base   context.Context
	stop   context.CancelCauseFunc
	wg     sync.WaitGroup
	forget func(runID string)
}

// NewManager returns a Manager forwarding events to next (which may be nil).
// Bind must be called before Submit.
func NewManager(next events.Sink, opts Options, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	base, stop := context.WithCancelCause(context.Background())
	m := &Manager{
		next:   next,
		opts:   opts,
		logger: logger.Named("runs"),
		now:    time.Now,
		runs:   make(map[string]*entry),
		base:   base,
		stop:   stop,
	}
	if bus, ok := next.(*events.Bus); ok {
		m.forget = bus.Forget
	}
	return m
}

// Bind sets the runner. The runner usually publishes into m, so it is built
// after the Manager.
func (m *Manager) Bind(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runner = r
}

// Publish implements events.Sink.
func (m *Manager) Publish(ctx context.Context, e events.Event) error {
	if e.Kind == events.KindStateChanged {
		if sc, ok := e.Data.(events.StateChanged); ok {
			if en, err := m.lookup(e.RunID); err == nil {
				en.mu.Lock()
				en.state = coordinator.State(sc.To)
				en.mu.Unlock()
			}
		}
	}
	if m.next == nil {
		return nil
	}
	return m.next.Publish(ctx, e)
}

// Submit starts a run in the background and returns its summary.
func (m *Manager) Submit(ctx context.Context, req Request) (Summary, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Summary{}, ErrEmptyQuery
	}
	cfg := m.opts.HITL
	if req.HITL != nil {
		cfg = *req.HITL
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = xid.New().String()
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return Summary{}, ErrShuttingDown
	}
	if m.runner == nil {
		m.mu.Unlock()
		return Summary{}, fmt.Errorf("runs: no runner bound")
	}
	id := xid.New().String()
	runCtx, cancel := context.WithCancelCause(m.base)
	en := &entry{
		id:        id,
		bb:        blackboard.New(id, sessionID, query, cfg),
		gate:      hitl.New(),
		cancel:    cancel,
		done:      make(chan struct{}),
		createdAt: m.now(),
		state:     coordinator.StateInit,
	}
	m.runs[id] = en
	runner := m.runner
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info(ctx, "run submitted", zap.String("run_id", id), zap.String("session_id", sessionID))
	go m.drive(runCtx, runner, en)
	return m.summarize(en), nil
}

func (m *Manager) drive(ctx context.Context, runner Runner, en *entry) {
	defer m.wg.Done()
	defer close(en.done)
	defer en.cancel(nil)

	res := runner.Run(ctx, en.bb, en.gate)

	en.mu.Lock()
	en.result = &res
	en.finishedAt = m.now()
	en.mu.Unlock()

	if m.opts.Retention > 0 {
		m.wg.Add(1)
		go m.expire(en)
	}
}

func (m *Manager) expire(en *entry) {
	defer m.wg.Done()
	t := time.NewTimer(m.opts.Retention)
	defer t.Stop()
	select {
	case <-t.C:
	case <-m.base.Done():
		return
	}
	m.mu.Lock()
	delete(m.runs, en.id)
	m.mu.Unlock()
	if m.forget != nil {
		m.forget(en.id)
	}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	en, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return en, nil
}

// live returns the entry when the run has not terminated.
func (m *Manager) live(id string) (*entry, error) {
	en, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-en.done:
		return nil, fmt.Errorf("%w: %s", ErrRunFinished, id)
	default:
		return en, nil
	}
}

func (m *Manager) summarize(en *entry) Summary {
	en.mu.Lock()
	s := Summary{
		ID:        en.id,
		SessionID: en.bb.SessionID(),
		Query:     en.bb.Query(),
		State:     en.state,
		CreatedAt: en.createdAt,
	}
	if en.result != nil {
		res := *en.result
		s.Result = &res
		finished := en.finishedAt
		s.FinishedAt = &finished
	}
	en.mu.Unlock()

	switch {
	case s.Result != nil && s.Result.Succeeded():
		s.Status = StatusSucceeded
	case s.Result != nil:
		s.Status = StatusFailed
	default:
		s.Status = StatusRunning
		if req, ok := en.gate.Pending(); ok {
			s.Pending = &req
			s.Status = StatusAwaiting
		}
	}
	return s
}

// Get returns the run with its blackboard.
func (m *Manager) Get(id string) (Detail, error) {
	en, err := m.lookup(id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Summary: m.summarize(en), Blackboard: en.bb.View()}, nil
}

// List returns every tracked run, newest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.runs))
	for _, en := range m.runs {
		entries = append(entries, en)
	}
	m.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, en := range entries {
		out = append(out, m.summarize(en))
	}
	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

// Wait blocks until the run terminates and returns its result.
func (m *Manager) Wait(ctx context.Context, id string) (coordinator.Result, error) {
	en, err := m.lookup(id)
	if err != nil {
		return coordinator.Result{}, err
	}
	select {
	case <-en.done:
	case <-ctx.Done():
		return coordinator.Result{}, ctx.Err()
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return *en.result, nil
}

// SetHITLConfig replaces the run's gate configuration. The loop reads it at
// its next gate checkpoint.
func (m *Manager) SetHITLConfig(id string, cfg blackboard.HITLConfig) error {
	en, err := m.live(id)
	if err != nil {
		return err
	}
	en.bb.SetHITLConfig(cfg)
	m.logger.Info(m.base, "hitl config changed", zap.String("run_id", id),
		zap.Bool("plan_approval", cfg.PlanApproval), zap.Bool("step_approval", cfg.StepApproval))
	return nil
}

// ResolvePlanGate approves the pending plan or rejects it with feedback.
func (m *Manager) ResolvePlanGate(id string, approve bool, feedback string) error {
	en, err := m.live(id)
	if err != nil {
		return err
	}
	return en.gate.ResolvePlan(approve, feedback)
}

// ResolveStepGate applies approve, skip or stop to the pending step.
func (m *Manager) ResolveStepGate(id string, action hitl.Action) error {
	en, err := m.live(id)
	if err != nil {
		return err
	}
	return en.gate.ResolveStep(action)
}

// ResolveAskUser answers the pending question.
func (m *Manager) ResolveAskUser(id, answer string) error {
	en, err := m.live(id)
	if err != nil {
		return err
	}
	return en.gate.ResolveAsk(answer)
}

// Stop ends the run with a Stopped failure, wherever it is.
func (m *Manager) Stop(id string) error {
	en, err := m.live(id)
	if err != nil {
		return err
	}
	en.cancel(coordinator.ErrStopRequested)
	return nil
}

// Shutdown cancels every run and waits for their goroutines, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.stop(errors.New("manager shutdown"))

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
