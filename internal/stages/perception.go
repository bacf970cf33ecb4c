// Package stages implements the perception, decision and executor stages the
// coordinator sequences around a blackboard.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/llm"
	"go.uber.org/zap"
)

// UnparsedSummary is the summary of the fallback snapshot.
const UnparsedSummary = "could not parse result"

// FallbackSnapshot is what perception reports when it cannot read its input.
func FallbackSnapshot() blackboard.Snapshot {
	return blackboard.Snapshot{Facts: []string{}, GoalAchieved: false, Summary: UnparsedSummary}
}

type snapshotDoc struct {
	Facts        []string `json:"facts" validate:"required,dive,required"`
	GoalAchieved *bool    `json:"goal_achieved" validate:"required"`
	Summary      string   `json:"summary" validate:"required"`
	Answer       string   `json:"answer"`
	Confidence   *float64 `json:"confidence" validate:"omitempty,gte=0,lte=1"`
}

// Perceiver turns the latest input into a snapshot.
type Perceiver struct {
	model  llm.Completer
	logger *zap.Logger
}

// NewPerceiver returns a Perceiver backed by model.
func NewPerceiver(model llm.Completer, logger *zap.Logger) *Perceiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Perceiver{model: model, logger: logger}
}

// Perceive reads view plus the latest outcome (nil for the seed pass over the
// query) and returns a snapshot. It never fails the caller: an unreadable
// model response yields FallbackSnapshot together with a PerceptionParseError.
func (p *Perceiver) Perceive(ctx context.Context, view blackboard.View, latest *blackboard.Outcome) (blackboard.Snapshot, *blackboard.StepError) {
	data := promptData{View: view, InputKind: "user_query", Input: view.Query}
	if latest != nil {
		data.InputKind = "step_result"
		data.Input = describeOutcome(*latest)
	}
	user, err := render("perception_user", data)
	if err != nil {
		return FallbackSnapshot(), blackboard.WrapError(blackboard.PerceptionParseError, err)
	}

	raw, err := p.model.Complete(ctx, llm.Prompt{System: perceptionSystem, User: user, JSON: true})
	if err != nil {
		p.logger.Warn("perception model call failed", zap.String("run_id", view.RunID), zap.Error(err))
		return FallbackSnapshot(), blackboard.WrapError(blackboard.PerceptionParseError, err)
	}

	snap, err := ParseSnapshot(raw)
	if err != nil {
		p.logger.Warn("perception output rejected", zap.String("run_id", view.RunID), zap.Error(err))
		return FallbackSnapshot(), blackboard.WrapError(blackboard.PerceptionParseError, err)
	}
	return snap, nil
}

// ParseSnapshot strictly decodes a perception response.
func ParseSnapshot(raw string) (blackboard.Snapshot, error) {
	var doc snapshotDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return blackboard.Snapshot{}, err
	}
	if *doc.GoalAchieved && strings.TrimSpace(doc.Answer) == "" {
		return blackboard.Snapshot{}, errors.New("goal_achieved is true but answer is empty")
	}
	snap := blackboard.Snapshot{
		Facts:        dedupe(doc.Facts),
		GoalAchieved: *doc.GoalAchieved,
		Summary:      doc.Summary,
		Answer:       doc.Answer,
	}
	if doc.Confidence != nil {
		snap.Confidence = *doc.Confidence
	}
	return snap, nil
}

func describeOutcome(o blackboard.Outcome) string {
	if o.Failed() {
		return "FAILED " + o.Err.Error()
	}
	switch v := o.Value.(type) {
	case nil:
		return "(no output)"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
