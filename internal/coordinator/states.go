package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/stages"
	"go.uber.org/zap"
)

type stateFunc func(ctx context.Context) (State, *blackboard.StepError)

// start seeds the snapshot and context, then plans unless perception already
// has the answer.
func (r *run) start(ctx context.Context) (State, *blackboard.StepError) {
	query := r.bb.Query()
	r.bb.AppendHistory(blackboard.Turn{Role: blackboard.RoleUser, Text: query})
	r.writeSession(ctx, blackboard.RoleUser, query)

	snap, perr := r.c.perception.Perceive(ctx, r.bb.View(), nil)
	if serr := r.interrupted(ctx); serr != nil {
		return "", serr
	}
	r.bb.UpdateSnapshot(snap)
	if perr != nil {
		r.absorb(ctx, perr)
	}
	r.emit(ctx, events.KindSnapshotUpdated, events.SnapshotUpdated{Snapshot: r.bb.View().Snapshot})

	snippets, err := r.c.memory.RetrieveContext(ctx, query, r.bb.SessionID(), r.c.config.TopK)
	if serr := r.interrupted(ctx); serr != nil {
		return "", serr
	}
	if err != nil {
		r.absorb(ctx, blackboard.WrapError(blackboard.StorageUnavailable, err))
	}
	r.bb.SetContext(snippets)

	if snap.GoalAchieved && snap.Answer != "" {
		r.c.logger.Info(ctx, "answered without planning")
		r.propose(ctx, r.bb.SetPlan([]blackboard.StepSpec{finalAnswer(snap.Answer)}))
		return StateStepSelect, nil
	}
	return StatePlanning, nil
}

// planning asks for the initial plan, retrying malformed output as a replan
// with the rejection as feedback.
func (r *run) planning(ctx context.Context) (State, *blackboard.StepError) {
	for {
		specs, err := r.c.decision.Plan(ctx, r.bb.View())
		if serr := r.interrupted(ctx); serr != nil {
			return "", serr
		}
		if err != nil {
			if serr := r.spendReplan("format_error"); serr != nil {
				return "", serr
			}
			r.absorb(ctx, asStepError(err))
			r.bb.SetFeedback(err.Error())
			continue
		}
		r.bb.ClearFeedback()
		r.propose(ctx, r.bb.SetPlan(specs))
		if r.bb.HITLConfig().PlanApproval {
			return StateAwaitPlanApproval, nil
		}
		return StateStepSelect, nil
	}
}

// awaitPlanApproval holds the loop until the plan is approved; each rejection
// replans with the reviewer's feedback and asks again.
func (r *run) awaitPlanApproval(ctx context.Context) (State, *blackboard.StepError) {
	for {
		if !r.bb.HITLConfig().PlanApproval {
			return StateStepSelect, nil
		}
		view := r.bb.View()
		d, serr := r.await(ctx, hitl.Request{Kind: hitl.KindPlan, Plan: view.Plan})
		if serr != nil {
			return "", serr
		}
		switch d.Action {
		case hitl.ActionApprove:
			return StateStepSelect, nil
		case hitl.ActionStop:
			return "", blackboard.NewError(blackboard.Stopped, "stopped at plan gate")
		}

		if serr := r.spendReplan("plan_rejected"); serr != nil {
			return "", serr
		}
		rev, serr := r.reviseRejected(ctx, d.Feedback)
		if serr != nil {
			return "", serr
		}
		if !rev.Keep {
			r.bb.ReplaceRemainingSteps(rev.Steps)
			r.propose(ctx, r.bb.View().Plan)
		}
	}
}

// stepSelect picks the next PENDING step and routes it.
func (r *run) stepSelect(ctx context.Context) (State, *blackboard.StepError) {
	step, ok := r.c.decision.NextStep(r.bb.View())
	if !ok {
		return "", blackboard.NewError(blackboard.PlanExhausted, "no pending steps remain after %d steps", r.steps)
	}
	r.current = step.ID

	if step.Kind == blackboard.KindFinalAnswer {
		return r.finish(ctx, step)
	}

	if r.steps >= r.c.config.MaxSteps {
		return "", blackboard.NewError(blackboard.StepBudgetExceeded, "step budget of %d exhausted", r.c.config.MaxSteps)
	}
	r.steps++
	r.emit(ctx, events.KindStepProposed, events.StepProposed{Step: step})

	if step.Kind == blackboard.KindAskUser {
		return r.askUser(ctx, step)
	}
	if r.bb.HITLConfig().StepApproval {
		return StateAwaitStepApproval, nil
	}
	if err := r.bb.Transition(step.ID, blackboard.StatusApproved); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	return StateExecuting, nil
}

// finish runs a FINAL_ANSWER step, which bypasses both gates.
func (r *run) finish(ctx context.Context, step blackboard.Step) (State, *blackboard.StepError) {
	r.emit(ctx, events.KindStepProposed, events.StepProposed{Step: step})
	for _, s := range []blackboard.StepStatus{blackboard.StatusApproved, blackboard.StatusRunning} {
		if err := r.bb.Transition(step.ID, s); err != nil {
			return "", blackboard.WrapError(blackboard.ExecutionError, err)
		}
	}
	if err := r.bb.Complete(step.ID, blackboard.Outcome{Value: step.Payload.Answer}); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	if err := r.bb.SetResult(step.Payload.Answer); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	r.stepDone(ctx, step.ID)
	return StateTerminated, nil
}

// awaitStepApproval gates the current step.
func (r *run) awaitStepApproval(ctx context.Context) (State, *blackboard.StepError) {
	step, err := r.bb.Step(r.current)
	if err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	if !r.bb.HITLConfig().StepApproval {
		if err := r.bb.Transition(step.ID, blackboard.StatusApproved); err != nil {
			return "", blackboard.WrapError(blackboard.ExecutionError, err)
		}
		return StateExecuting, nil
	}

	d, serr := r.await(ctx, hitl.Request{Kind: hitl.KindStep, Step: &step})
	if serr != nil {
		return "", serr
	}
	switch d.Action {
	case hitl.ActionApprove:
		if err := r.bb.Transition(step.ID, blackboard.StatusApproved); err != nil {
			return "", blackboard.WrapError(blackboard.ExecutionError, err)
		}
		return StateExecuting, nil
	case hitl.ActionSkip:
		if err := r.bb.Transition(step.ID, blackboard.StatusSkipped); err != nil {
			return "", blackboard.WrapError(blackboard.ExecutionError, err)
		}
		r.bb.AppendHistory(blackboard.Turn{Role: blackboard.RoleSystem, Text: "skipped " + step.Describe()})
		r.stepDone(ctx, step.ID)
		return StateStepSelect, nil
	default:
		return "", blackboard.NewError(blackboard.Stopped, "stopped at step %d", step.ID)
	}
}

// askUser suspends like a step gate, but the reply becomes the step result.
func (r *run) askUser(ctx context.Context, step blackboard.Step) (State, *blackboard.StepError) {
	if err := r.bb.Transition(step.ID, blackboard.StatusApproved); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	r.transition(ctx, StateAwaitStepApproval)
	d, serr := r.await(ctx, hitl.Request{Kind: hitl.KindAsk, Step: &step, Question: step.Payload.Question})
	if serr != nil {
		return "", serr
	}
	if d.Action == hitl.ActionStop {
		return "", blackboard.NewError(blackboard.Stopped, "stopped at question %d", step.ID)
	}
	if err := r.bb.Transition(step.ID, blackboard.StatusRunning); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	out := blackboard.Outcome{Value: d.Answer}
	if err := r.bb.Complete(step.ID, out); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	r.bb.AppendHistory(blackboard.Turn{Role: blackboard.RoleUser, Text: d.Answer})
	r.writeSession(ctx, blackboard.RoleUser, d.Answer)
	r.latest = out
	r.stepDone(ctx, step.ID)
	return StatePerceiving, nil
}

// executing runs the current step. Failures become the step's error and are
// handed to perception; they never end the run.
func (r *run) executing(ctx context.Context) (State, *blackboard.StepError) {
	if err := r.bb.Transition(r.current, blackboard.StatusRunning); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	step, err := r.bb.Step(r.current)
	if err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}

	sctx, span := tracer.Start(ctx, "coordinator.execute")
	start := time.Now()
	out := r.c.executor.Run(sctx, step)
	stepDuration.WithLabelValues(string(step.Kind)).Observe(time.Since(start).Seconds())
	span.End()

	if err := r.bb.Complete(step.ID, out); err != nil {
		return "", blackboard.WrapError(blackboard.ExecutionError, err)
	}
	if serr := r.interrupted(ctx); serr != nil {
		r.stepDone(ctx, step.ID)
		return "", serr
	}
	if out.Failed() {
		r.c.logger.Warn(ctx, "step failed", zap.Int("step_id", step.ID), zap.String("kind", string(out.Err.Kind)), zap.String("detail", out.Err.Message))
	}
	r.bb.AppendHistory(blackboard.Turn{Role: blackboard.RoleTool, Text: describeOutcome(step, out)})
	r.latest = out
	r.stepDone(ctx, step.ID)
	return StatePerceiving, nil
}

// perceiving folds the latest outcome into a new snapshot.
func (r *run) perceiving(ctx context.Context) (State, *blackboard.StepError) {
	snap, perr := r.c.perception.Perceive(ctx, r.bb.View(), &r.latest)
	if serr := r.interrupted(ctx); serr != nil {
		return "", serr
	}
	r.bb.UpdateSnapshot(snap)
	if r.latest.Failed() {
		r.bb.AddFact(fmt.Sprintf("step %d failed: %s", r.current, r.latest.Err))
	}
	if perr != nil {
		r.absorb(ctx, perr)
	}
	r.emit(ctx, events.KindSnapshotUpdated, events.SnapshotUpdated{Snapshot: r.bb.View().Snapshot})

	if snap.GoalAchieved && snap.Answer != "" {
		r.propose(ctx, r.replace([]blackboard.StepSpec{finalAnswer(snap.Answer)}))
		return StateStepSelect, nil
	}
	return StateReplanCheck, nil
}

// reviseRejected replans after a plan rejection. Malformed output is retried
// with the reviewer's feedback plus the error, so the gate never sees the
// rejected plan again unchanged. The feedback stays on the board until a
// revision arrives.
func (r *run) reviseRejected(ctx context.Context, feedback string) (*stages.Revision, *blackboard.StepError) {
	r.bb.SetFeedback(feedback)
	prompt := feedback
	for {
		rev, err := r.c.decision.Replan(ctx, r.bb.View(), prompt)
		if serr := r.interrupted(ctx); serr != nil {
			return nil, serr
		}
		if err == nil {
			r.bb.ClearFeedback()
			return rev, nil
		}
		if serr := r.spendReplan("format_error"); serr != nil {
			return nil, serr
		}
		r.absorb(ctx, asStepError(err))
		prompt = withError(feedback, err)
		r.bb.SetFeedback(prompt)
	}
}

// replanCheck asks whether the PENDING suffix still fits. A malformed answer
// keeps the current plan while steps remain; with nothing pending it is
// retried with the error as feedback.
func (r *run) replanCheck(ctx context.Context) (State, *blackboard.StepError) {
	feedback := r.bb.ConsumeFeedback()
	for {
		rev, err := r.c.decision.Replan(ctx, r.bb.View(), feedback)
		if serr := r.interrupted(ctx); serr != nil {
			return "", serr
		}
		if err != nil {
			if serr := r.spendReplan("format_error"); serr != nil {
				return "", serr
			}
			r.absorb(ctx, asStepError(err))
			if len(r.bb.View().Pending()) > 0 {
				return StateStepSelect, nil
			}
			feedback = withError(feedback, err)
			continue
		}
		if rev.Keep {
			return StateStepSelect, nil
		}
		if serr := r.spendReplan("replan"); serr != nil {
			return "", serr
		}
		r.propose(ctx, r.replace(rev.Steps))
		return StateStepSelect, nil
	}
}

func withError(feedback string, err error) string {
	if feedback == "" {
		return err.Error()
	}
	return feedback + "\n" + err.Error()
}

func (r *run) replace(specs []blackboard.StepSpec) []blackboard.Step {
	r.bb.ReplaceRemainingSteps(specs)
	return r.bb.View().Plan
}

func (r *run) propose(ctx context.Context, plan []blackboard.Step) {
	r.emit(ctx, events.KindPlanProposed, events.PlanProposed{Version: r.bb.View().PlanVersion, Steps: plan})
}

// await registers the request on the gate, announces it and blocks. The
// request is open before awaiting_input is published.
func (r *run) await(ctx context.Context, req hitl.Request) (hitl.Decision, *blackboard.StepError) {
	w, err := r.gate.Open(req)
	if err != nil {
		return hitl.Decision{}, blackboard.WrapError(blackboard.ExecutionError, err)
	}
	r.emit(ctx, events.KindAwaitingInput, events.AwaitingInput{Request: req})
	d, err := w.Wait(ctx)
	if err != nil {
		if serr := r.interrupted(ctx); serr != nil {
			return hitl.Decision{}, serr
		}
		return hitl.Decision{}, blackboard.WrapError(blackboard.ExecutionError, err)
	}
	return d, nil
}

// stepDone emits step_result and counts the step.
func (r *run) stepDone(ctx context.Context, id int) {
	step, err := r.bb.Step(id)
	if err != nil {
		return
	}
	stepsTotal.WithLabelValues(string(step.Kind), string(step.Status)).Inc()
	r.emit(ctx, events.KindStepResult, events.StepResult{Step: step, Result: step.Result, Error: step.Error})
}

func finalAnswer(answer string) blackboard.StepSpec {
	return blackboard.StepSpec{Kind: blackboard.KindFinalAnswer, Payload: blackboard.Payload{Answer: answer}}
}

func asStepError(err error) *blackboard.StepError {
	var serr *blackboard.StepError
	if errors.As(err, &serr) {
		return serr
	}
	return blackboard.WrapError(blackboard.DecisionFormatError, err)
}
