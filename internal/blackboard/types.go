// Package blackboard holds the per-run shared state read and written by the
// coordinator stages: history, plan, snapshot, retrieved context, feedback,
// HITL configuration and the final result.
package blackboard

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// StepKind enumerates what a plan step does.
type StepKind string

const (
	KindCode        StepKind = "CODE"
	KindToolCall    StepKind = "TOOL_CALL"
	KindAskUser     StepKind = "ASK_USER"
	KindFinalAnswer StepKind = "FINAL_ANSWER"
)

// ParseStepKind accepts the canonical upper-case names only.
func ParseStepKind(s string) (StepKind, error) {
	switch k := StepKind(s); k {
	case KindCode, KindToolCall, KindAskUser, KindFinalAnswer:
		return k, nil
	}
	return "", fmt.Errorf("unknown step kind %q", s)
}

// StepStatus is a step's lifecycle position.
type StepStatus string

const (
	StatusPending  StepStatus = "PENDING"
	StatusApproved StepStatus = "APPROVED"
	StatusSkipped  StepStatus = "SKIPPED"
	StatusRunning  StepStatus = "RUNNING"
	StatusDone     StepStatus = "DONE"
	StatusFailed   StepStatus = "FAILED"
)

var transitions = map[StepStatus][]StepStatus{
	StatusPending:  {StatusApproved, StatusSkipped},
	StatusApproved: {StatusRunning},
	StatusRunning:  {StatusDone, StatusFailed},
}

// CanTransition reports whether moving from s to next is a legal forward move.
func (s StepStatus) CanTransition(next StepStatus) bool {
	return slices.Contains(transitions[s], next)
}

// Final reports whether no further transition is possible.
func (s StepStatus) Final() bool {
	return s == StatusDone || s == StatusSkipped || s == StatusFailed
}

// Payload carries the kind-specific body of a step.
type Payload struct {
	Code     string         `json:"code,omitempty"`
	Tool     string         `json:"tool,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Question string         `json:"question,omitempty"`
	Answer   string         `json:"answer,omitempty"`
}

func (p Payload) clone() Payload {
	p.Params = maps.Clone(p.Params)
	return p
}

// StepSpec is a step as proposed by the decision stage, before an id is assigned.
type StepSpec struct {
	Kind    StepKind `json:"kind"`
	Payload Payload  `json:"payload"`
}

// Step is one entry of the plan.
type Step struct {
	ID      int        `json:"id"`
	Kind    StepKind   `json:"kind"`
	Payload Payload    `json:"payload"`
	Status  StepStatus `json:"status"`
	Result  any        `json:"result,omitempty"`
	Error   *StepError `json:"error,omitempty"`
}

func (s Step) clone() Step {
	s.Payload = s.Payload.clone()
	if s.Error != nil {
		e := *s.Error
		s.Error = &e
	}
	return s
}

// Describe renders the step for prompts and logs.
func (s Step) Describe() string {
	switch s.Kind {
	case KindCode:
		return fmt.Sprintf("#%d CODE %s", s.ID, s.Payload.Code)
	case KindToolCall:
		return fmt.Sprintf("#%d TOOL_CALL %s(%v)", s.ID, s.Payload.Tool, s.Payload.Params)
	case KindAskUser:
		return fmt.Sprintf("#%d ASK_USER %q", s.ID, s.Payload.Question)
	default:
		return fmt.Sprintf("#%d FINAL_ANSWER %q", s.ID, s.Payload.Answer)
	}
}

// Outcome is what the executor hands back for one step: a value or a typed error.
type Outcome struct {
	Value any        `json:"value,omitempty"`
	Err   *StepError `json:"error,omitempty"`
}

// Failed reports whether the outcome carries an error.
func (o Outcome) Failed() bool { return o.Err != nil }

// Snapshot is the perception stage's structured view of progress.
type Snapshot struct {
	Facts        []string `json:"facts"`
	GoalAchieved bool     `json:"goal_achieved"`
	Summary      string   `json:"summary"`
	Answer       string   `json:"answer,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Facts = slices.Clone(s.Facts)
	if s.Facts == nil {
		s.Facts = []string{}
	}
	return s
}

// HasFact reports whether fact is already recorded.
func (s Snapshot) HasFact(fact string) bool {
	return slices.Contains(s.Facts, fact)
}

// Role of a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Turn is one history entry.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// Tier names a memory tier.
type Tier string

const (
	TierSession  Tier = "session"
	TierEpisodic Tier = "episodic"
	TierDocument Tier = "document"
)

// Snippet is a retrieved piece of memory with its relevance score.
type Snippet struct {
	Tier      Tier      `json:"tier"`
	Text      string    `json:"text"`
	Score     float64   `json:"score"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HITLConfig toggles the two human approval gates.
type HITLConfig struct {
	PlanApproval bool `json:"plan_approval"`
	StepApproval bool `json:"step_approval"`
}

// FormatPlan renders steps one per line.
func FormatPlan(steps []Step) string {
	var b strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&b, "%s [%s]\n", s.Describe(), s.Status)
	}
	return b.String()
}
