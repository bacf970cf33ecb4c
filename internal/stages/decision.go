package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/llm"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"go.uber.org/zap"
)

// MaxPlanSteps caps how many steps one decision may propose.
const MaxPlanSteps = 12

type stepDoc struct {
	Kind     string         `json:"kind" validate:"required,oneof=CODE TOOL_CALL ASK_USER FINAL_ANSWER"`
	Code     string         `json:"code,omitempty" validate:"required_if=Kind CODE,excluded_unless=Kind CODE"`
	Tool     string         `json:"tool,omitempty" validate:"required_if=Kind TOOL_CALL,excluded_unless=Kind TOOL_CALL"`
	Params   map[string]any `json:"params,omitempty"`
	Question string         `json:"question,omitempty" validate:"required_if=Kind ASK_USER,excluded_unless=Kind ASK_USER"`
	Answer   string         `json:"answer,omitempty" validate:"required_if=Kind FINAL_ANSWER,excluded_unless=Kind FINAL_ANSWER"`
}

type planDoc struct {
	Reasoning string    `json:"reasoning"`
	Steps     []stepDoc `json:"steps" validate:"required,min=1,max=12,dive"`
}

type revisionDoc struct {
	Reasoning string    `json:"reasoning"`
	Keep      *bool     `json:"keep" validate:"required"`
	Steps     []stepDoc `json:"steps" validate:"max=12,dive"`
}

// Revision is the answer to a replan check.
type Revision struct {
	Keep      bool
	Steps     []blackboard.StepSpec
	Reasoning string
}

// ToolCatalog is what decision needs from the tool registry.
type ToolCatalog interface {
	Describe() string
	Validate(name string, params map[string]any) error
	CheckCode(code string) error
}

var _ ToolCatalog = (*tools.Registry)(nil)

// Decider plans against the tool catalog.
type Decider struct {
	model   llm.Completer
	catalog ToolCatalog
	logger  *zap.Logger
}

// NewDecider returns a Decider backed by model.
func NewDecider(model llm.Completer, catalog ToolCatalog, logger *zap.Logger) *Decider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decider{model: model, catalog: catalog, logger: logger}
}

// Plan proposes the initial plan. Any malformed output is a DecisionFormatError.
func (d *Decider) Plan(ctx context.Context, view blackboard.View) ([]blackboard.StepSpec, error) {
	raw, err := d.ask(ctx, "plan_user", promptData{View: view, Feedback: view.Feedback})
	if err != nil {
		return nil, err
	}
	specs, err := d.ParsePlan(raw)
	if err != nil {
		d.logger.Warn("plan rejected", zap.String("run_id", view.RunID), zap.Error(err))
		return nil, err
	}
	return specs, nil
}

// Replan asks whether the PENDING suffix should be replaced given feedback.
// A revision that keeps nothing and proposes nothing is rejected.
func (d *Decider) Replan(ctx context.Context, view blackboard.View, feedback string) (*Revision, error) {
	raw, err := d.ask(ctx, "replan_user", promptData{View: view, Feedback: feedback})
	if err != nil {
		return nil, err
	}
	rev, err := d.ParseRevision(raw)
	if err != nil {
		d.logger.Warn("revision rejected", zap.String("run_id", view.RunID), zap.Error(err))
		return nil, err
	}
	// Feedback must change something.
	if feedback != "" && rev.Keep && len(view.Pending()) > 0 {
		return nil, blackboard.NewError(blackboard.DecisionFormatError, "feedback given but plan kept unchanged")
	}
	return rev, nil
}

// NextStep returns the first PENDING step by id.
func (d *Decider) NextStep(view blackboard.View) (blackboard.Step, bool) {
	return NextStep(view)
}

// NextStep returns the first PENDING step by id.
func NextStep(view blackboard.View) (blackboard.Step, bool) {
	pending := view.Pending()
	if len(pending) == 0 {
		return blackboard.Step{}, false
	}
	return pending[0], true
}

func (d *Decider) ask(ctx context.Context, tmpl string, data promptData) (string, error) {
	data.Tools = d.catalog.Describe()
	system, err := render("decision_system", data)
	if err != nil {
		return "", blackboard.WrapError(blackboard.DecisionFormatError, err)
	}
	user, err := render(tmpl, data)
	if err != nil {
		return "", blackboard.WrapError(blackboard.DecisionFormatError, err)
	}
	raw, err := d.model.Complete(ctx, llm.Prompt{System: system, User: user, JSON: true})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", blackboard.WrapError(blackboard.DecisionFormatError, fmt.Errorf("model call: %w", err))
	}
	return raw, nil
}

// ParsePlan strictly decodes and checks a plan response.
func (d *Decider) ParsePlan(raw string) ([]blackboard.StepSpec, error) {
	var doc planDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, blackboard.WrapError(blackboard.DecisionFormatError, err)
	}
	return d.specs(doc.Steps)
}

// ParseRevision strictly decodes and checks a replan response.
func (d *Decider) ParseRevision(raw string) (*Revision, error) {
	var doc revisionDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, blackboard.WrapError(blackboard.DecisionFormatError, err)
	}
	rev := &Revision{Keep: *doc.Keep, Reasoning: doc.Reasoning}
	if rev.Keep {
		if len(doc.Steps) > 0 {
			return nil, blackboard.NewError(blackboard.DecisionFormatError, "keep is true but steps were given")
		}
		return rev, nil
	}
	if len(doc.Steps) == 0 {
		return nil, blackboard.NewError(blackboard.DecisionFormatError, "keep is false but no steps were given")
	}
	specs, err := d.specs(doc.Steps)
	if err != nil {
		return nil, err
	}
	rev.Steps = specs
	return rev, nil
}

func (d *Decider) specs(docs []stepDoc) ([]blackboard.StepSpec, error) {
	specs := make([]blackboard.StepSpec, 0, len(docs))
	var errs []error
	for i, sd := range docs {
		spec, err := d.spec(sd)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, err))
			continue
		}
		specs = append(specs, spec)
	}
	if len(errs) > 0 {
		return nil, blackboard.WrapError(blackboard.DecisionFormatError, errors.Join(errs...))
	}
	return specs, nil
}

func (d *Decider) spec(sd stepDoc) (blackboard.StepSpec, error) {
	kind, err := blackboard.ParseStepKind(sd.Kind)
	if err != nil {
		return blackboard.StepSpec{}, err
	}
	if sd.Params != nil && kind != blackboard.KindToolCall {
		return blackboard.StepSpec{}, fmt.Errorf("params only apply to TOOL_CALL")
	}
	spec := blackboard.StepSpec{Kind: kind}
	switch kind {
	case blackboard.KindToolCall:
		if err := d.catalog.Validate(sd.Tool, sd.Params); err != nil {
			return blackboard.StepSpec{}, err
		}
		spec.Payload = blackboard.Payload{Tool: sd.Tool, Params: sd.Params}
	case blackboard.KindCode:
		if err := d.catalog.CheckCode(sd.Code); err != nil {
			return blackboard.StepSpec{}, fmt.Errorf("code does not parse: %w", err)
		}
		spec.Payload = blackboard.Payload{Code: sd.Code}
	case blackboard.KindAskUser:
		spec.Payload = blackboard.Payload{Question: sd.Question}
	case blackboard.KindFinalAnswer:
		spec.Payload = blackboard.Payload{Answer: sd.Answer}
	}
	return spec, nil
}
