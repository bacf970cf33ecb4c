package blackboard

// View is a read-only copy of a Blackboard handed to stages and readers.
type View struct {
	RunID       string     `json:"run_id"`
	SessionID   string     `json:"session_id"`
	Query       string     `json:"query"`
	History     []Turn     `json:"history"`
	Plan        []Step     `json:"plan"`
	Superseded  []Step     `json:"superseded,omitempty"`
	PlanVersion int        `json:"plan_version"`
	Snapshot    Snapshot   `json:"snapshot"`
	Context     []Snippet  `json:"context"`
	Feedback    string     `json:"feedback,omitempty"`
	HITL        HITLConfig `json:"hitl"`
	Result      *string    `json:"result,omitempty"`
}

// Pending returns the PENDING steps in id order.
func (v View) Pending() []Step {
	var out []Step
	for _, s := range v.Plan {
		if s.Status == StatusPending {
			out = append(out, s)
		}
	}
	return out
}

// Completed returns steps that have reached a final status.
func (v View) Completed() []Step {
	var out []Step
	for _, s := range v.Plan {
		if s.Status.Final() {
			out = append(out, s)
		}
	}
	return out
}

// StepByID finds a step in the current plan.
func (v View) StepByID(id int) (Step, bool) {
	for _, s := range v.Plan {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}
