package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("agentloop.coordinator")

// Coordinator holds the stages shared by every run. Per-run state lives on
// the Blackboard and Gate passed to Run, so one Coordinator serves many
// concurrent runs.
type Coordinator struct {
	perception Perception
	decision   Decision
	executor   Executor
	memory     Memory
	sink       events.Sink
	config     Config
	logger     *logging.Logger
}

// New wires the stages. sink and logger may be nil.
func New(p Perception, d Decision, e Executor, m Memory, sink events.Sink, cfg Config, logger *logging.Logger) (*Coordinator, error) {
	if p == nil || d == nil || e == nil || m == nil {
		return nil, fmt.Errorf("perception, decision, executor and memory are required")
	}
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = def.MaxReplans
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if sink == nil {
		sink = events.Multi{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{
		perception: p,
		decision:   d,
		executor:   e,
		memory:     m,
		sink:       sink,
		config:     cfg,
		logger:     logger.Named("coordinator"),
	}, nil
}

// run is the loop state of one request.
type run struct {
	c     *Coordinator
	bb    *blackboard.Blackboard
	gate  *hitl.Gate
	state State

	current   int
	latest    blackboard.Outcome
	steps     int
	replans   int
	committed bool
}

// Run drives bb to a terminal state and returns how it ended. It always emits
// exactly one terminal event (final_answer or run_failed) and never returns
// an error: failures are carried on Result.Err.
func (c *Coordinator) Run(ctx context.Context, bb *blackboard.Blackboard, gate *hitl.Gate) Result {
	ctx = logging.WithRunID(ctx, bb.RunID())
	ctx = logging.WithSessionID(ctx, bb.SessionID())
	ctx, span := tracer.Start(ctx, "coordinator.Run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", bb.RunID()))

	activeRuns.Inc()
	defer activeRuns.Dec()

	r := &run{c: c, bb: bb, gate: gate, state: StateInit}
	c.logger.Info(ctx, "run started", zap.String("query", bb.Query()))

	serr := r.loop(ctx)

	// Terminal bookkeeping must survive cancellation of the run context.
	done := context.WithoutCancel(ctx)
	r.transition(done, StateTerminated)
	res := Result{RunID: bb.RunID(), Steps: r.steps, Replans: r.replans}
	if serr != nil {
		res.Err = serr
		r.fail(done, serr)
		span.SetStatus(codes.Error, serr.Error())
		runsTotal.WithLabelValues(string(serr.Kind)).Inc()
		return res
	}

	answer, _ := bb.Result()
	res.Answer = answer
	r.succeed(done, answer)
	res.Committed = r.committed
	runsTotal.WithLabelValues("success").Inc()
	return res
}

func (r *run) loop(ctx context.Context) *blackboard.StepError {
	var next stateFunc = r.start
	for {
		if serr := r.interrupted(ctx); serr != nil {
			return serr
		}
		state, serr := next(ctx)
		if serr != nil {
			return serr
		}
		r.transition(ctx, state)
		switch state {
		case StatePlanning:
			next = r.planning
		case StateAwaitPlanApproval:
			next = r.awaitPlanApproval
		case StateStepSelect:
			next = r.stepSelect
		case StateAwaitStepApproval:
			next = r.awaitStepApproval
		case StateExecuting:
			next = r.executing
		case StatePerceiving:
			next = r.perceiving
		case StateReplanCheck:
			next = r.replanCheck
		case StateTerminated:
			return nil
		default:
			return blackboard.NewError(blackboard.ExecutionError, "unknown state %s", state)
		}
	}
}

// interrupted maps a done context to Stopped or Cancelled.
func (r *run) interrupted(ctx context.Context) *blackboard.StepError {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrStopRequested) {
		return blackboard.NewError(blackboard.Stopped, "stopped in %s", r.state)
	}
	return blackboard.WrapError(blackboard.Cancelled, ctx.Err())
}

func (r *run) transition(ctx context.Context, to State) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	r.c.logger.Debug(ctx, "state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	r.emit(ctx, events.KindStateChanged, events.StateChanged{From: string(from), To: string(to)})
}

func (r *run) emit(ctx context.Context, kind events.Kind, data any) {
	e := events.Event{RunID: r.bb.RunID(), Kind: kind, Data: data}
	if err := r.c.sink.Publish(ctx, e); err != nil {
		r.c.logger.Warn(ctx, "event publish failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// absorb records a recoverable error as a fact for the next decision.
func (r *run) absorb(ctx context.Context, serr *blackboard.StepError) {
	r.c.logger.Warn(ctx, "recoverable error absorbed", zap.String("kind", string(serr.Kind)), zap.String("detail", serr.Message))
	r.bb.AddFact(serr.Error())
}

// spendReplan charges one unit of the replan budget.
func (r *run) spendReplan(trigger string) *blackboard.StepError {
	if r.replans >= r.c.config.MaxReplans {
		return blackboard.NewError(blackboard.StepBudgetExceeded, "replan budget of %d exhausted (%s)", r.c.config.MaxReplans, trigger)
	}
	r.replans++
	replansTotal.WithLabelValues(trigger).Inc()
	return nil
}

func (r *run) writeSession(ctx context.Context, role blackboard.Role, text string) {
	turn := blackboard.Turn{Role: role, Text: text}
	if err := r.c.memory.WriteSessionTurn(ctx, r.bb.SessionID(), turn); err != nil {
		r.c.logger.Warn(ctx, "session write failed, continuing without persistence", zap.Error(err))
	}
}

func (r *run) succeed(ctx context.Context, answer string) {
	r.bb.AppendHistory(blackboard.Turn{Role: blackboard.RoleAssistant, Text: answer})
	r.emit(ctx, events.KindFinalAnswer, events.FinalAnswer{Text: answer})
	r.writeSession(ctx, blackboard.RoleAssistant, answer)

	committed, err := r.c.memory.CommitEpisodic(ctx, r.bb.Query(), answer, r.provenance())
	if err != nil {
		r.c.logger.Warn(ctx, "episodic commit failed", zap.Error(err))
		return
	}
	r.committed = committed
	r.c.logger.Info(ctx, "run succeeded", zap.Int("steps", r.steps), zap.Int("replans", r.replans), zap.Bool("committed", committed))
}

func (r *run) fail(ctx context.Context, serr *blackboard.StepError) {
	summary := r.bb.View().Snapshot.Summary
	r.emit(ctx, events.KindRunFailed, events.RunFailed{Kind: serr.Kind, Detail: serr.Message, Summary: summary})
	r.c.logger.Info(ctx, "run failed", zap.String("kind", string(serr.Kind)), zap.String("detail", serr.Message))
}
