package blackboard

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Blackboard is the state of a single run. The coordinator goroutine is the
// only writer; other goroutines read through View.
type Blackboard struct {
	mu sync.RWMutex

	runID     string
	sessionID string
	query     string

	history     []Turn
	plan        []*Step
	superseded  []Step
	planVersion int
	nextID      int

	snapshot Snapshot
	context  []Snippet
	feedback string
	hitl     HITLConfig
	result   *string
}

// New creates an empty blackboard for one query.
func New(runID, sessionID, query string, hitl HITLConfig) *Blackboard {
	return &Blackboard{
		runID:     runID,
		sessionID: sessionID,
		query:     query,
		hitl:      hitl,
		nextID:    1,
		snapshot:  Snapshot{Facts: []string{}},
		context:   []Snippet{},
	}
}

// RunID returns the owning run's id.
func (b *Blackboard) RunID() string { return b.runID }

// SessionID returns the session the run belongs to.
func (b *Blackboard) SessionID() string { return b.sessionID }

// Query returns the user request that started the run.
func (b *Blackboard) Query() string { return b.query }

// AppendHistory adds a turn. A zero Time is stamped with the current time.
func (b *Blackboard) AppendHistory(t Turn) {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, t)
}

// SetPlan installs the first plan. Any previous plan's pending steps are
// superseded, exactly as ReplaceRemainingSteps would.
func (b *Blackboard) SetPlan(specs []StepSpec) []Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaceLocked(specs)
}

// ReplaceRemainingSteps swaps the PENDING suffix of the plan for specs.
// Steps that have left PENDING are kept untouched and in order.
func (b *Blackboard) ReplaceRemainingSteps(specs []StepSpec) []Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaceLocked(specs)
}

func (b *Blackboard) replaceLocked(specs []StepSpec) []Step {
	kept := make([]*Step, 0, len(b.plan)+len(specs))
	for _, s := range b.plan {
		if s.Status == StatusPending {
			b.superseded = append(b.superseded, s.clone())
			continue
		}
		kept = append(kept, s)
	}

	added := make([]Step, 0, len(specs))
	for _, spec := range specs {
		s := &Step{
			ID:      b.nextID,
			Kind:    spec.Kind,
			Payload: spec.Payload.clone(),
			Status:  StatusPending,
		}
		b.nextID++
		kept = append(kept, s)
		added = append(added, s.clone())
	}

	b.plan = kept
	b.planVersion++
	return added
}

// HasPlan reports whether planning has happened.
func (b *Blackboard) HasPlan() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.plan != nil
}

// Transition moves step id to status next.
func (b *Blackboard) Transition(id int, next StepStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.stepLocked(id)
	if err != nil {
		return err
	}
	return b.transitionLocked(s, next)
}

func (b *Blackboard) transitionLocked(s *Step, next StepStatus) error {
	if s.Status.Final() {
		return fmt.Errorf("%w: step %d is %s", ErrStepFinalized, s.ID, s.Status)
	}
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: step %d %s -> %s", ErrInvalidTransition, s.ID, s.Status, next)
	}
	if next == StatusRunning {
		for _, other := range b.plan {
			if other.Status == StatusRunning {
				return fmt.Errorf("%w: step %d is already running", ErrInvalidTransition, other.ID)
			}
		}
	}
	s.Status = next
	return nil
}

// Complete records the outcome of a RUNNING step, marking it DONE or FAILED.
func (b *Blackboard) Complete(id int, out Outcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.stepLocked(id)
	if err != nil {
		return err
	}
	next := StatusDone
	if out.Failed() {
		next = StatusFailed
	}
	if err := b.transitionLocked(s, next); err != nil {
		return err
	}
	if out.Failed() {
		e := *out.Err
		s.Error = &e
	} else {
		s.Result = out.Value
	}
	return nil
}

func (b *Blackboard) stepLocked(id int) (*Step, error) {
	for _, s := range b.plan {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrStepNotFound, id)
}

// Step returns a copy of step id.
func (b *Blackboard) Step(id int) (Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, err := b.stepLocked(id)
	if err != nil {
		return Step{}, err
	}
	return s.clone(), nil
}

// UpdateSnapshot overwrites the snapshot.
func (b *Blackboard) UpdateSnapshot(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = s.clone()
}

// AddFact appends fact to the current snapshot unless already present.
func (b *Blackboard) AddFact(fact string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.snapshot.HasFact(fact) {
		b.snapshot.Facts = append(b.snapshot.Facts, fact)
	}
}

// SetContext replaces the retrieved snippets. Nil becomes empty.
func (b *Blackboard) SetContext(snippets []Snippet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.context = slices.Clone(snippets)
	if b.context == nil {
		b.context = []Snippet{}
	}
}

// SetFeedback stores user feedback for the next replan.
func (b *Blackboard) SetFeedback(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feedback = text
}

// ConsumeFeedback returns and clears pending feedback.
func (b *Blackboard) ConsumeFeedback() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.feedback
	b.feedback = ""
	return f
}

// ClearFeedback drops pending feedback.
func (b *Blackboard) ClearFeedback() {
	b.SetFeedback("")
}

// HITLConfig returns the current gate configuration.
func (b *Blackboard) HITLConfig() HITLConfig {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hitl
}

// SetHITLConfig may be called from any goroutine; it takes effect at the next gate.
func (b *Blackboard) SetHITLConfig(c HITLConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hitl = c
}

// SetResult records the final answer once.
func (b *Blackboard) SetResult(answer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.result != nil {
		return ErrResultSet
	}
	b.result = &answer
	return nil
}

// Result returns the final answer, if any.
func (b *Blackboard) Result() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.result == nil {
		return "", false
	}
	return *b.result, true
}

// View returns a deep copy of the current state.
func (b *Blackboard) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := View{
		RunID:       b.runID,
		SessionID:   b.sessionID,
		Query:       b.query,
		History:     slices.Clone(b.history),
		Superseded:  make([]Step, len(b.superseded)),
		PlanVersion: b.planVersion,
		Snapshot:    b.snapshot.clone(),
		Context:     slices.Clone(b.context),
		Feedback:    b.feedback,
		HITL:        b.hitl,
	}
	if b.plan != nil {
		v.Plan = make([]Step, len(b.plan))
		for i, s := range b.plan {
			v.Plan[i] = s.clone()
		}
	}
	for i, s := range b.superseded {
		v.Superseded[i] = s.clone()
	}
	if b.result != nil {
		r := *b.result
		v.Result = &r
	}
	return v
}
