package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/llm"
	"github.com/fyrsmithlabs/agentloop/internal/stages"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routedModel answers perception, planning and replanning prompts from
// separate scripts.
type routedModel struct {
	mu         sync.Mutex
	perception []string
	plan       []string
	replan     []string
	prompts    []llm.Prompt
}

func (m *routedModel) Complete(_ context.Context, p llm.Prompt) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, p)

	var queue *[]string
	switch {
	case strings.HasPrefix(p.System, "You are the perception"):
		queue = &m.perception
	case strings.Contains(p.User, "Produce the initial plan"):
		queue = &m.plan
	default:
		queue = &m.replan
	}
	if len(*queue) == 0 {
		return "", errors.New("script exhausted")
	}
	out := (*queue)[0]
	*queue = (*queue)[1:]
	return out, nil
}

func newPipeline(t *testing.T, model *routedModel, sink events.Sink, mem Memory) *Coordinator {
	t.Helper()
	registry := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(registry, nil))
	c, err := New(
		stages.NewPerceiver(model, nil),
		stages.NewDecider(model, registry, nil),
		stages.NewExecutor(registry, stages.ExecutorConfig{Timeout: time.Second}, nil),
		mem,
		sink,
		Config{MaxSteps: 5, MaxReplans: 2, TopK: 3},
		nil,
	)
	require.NoError(t, err)
	return c
}

func TestPipeline_CodeStepAnswersQuery(t *testing.T) {
	model := &routedModel{
		perception: []string{
			`{"facts": [], "goal_achieved": false, "summary": "need to add", "answer": "", "confidence": 0.2}`,
			"```json\n{\"facts\": [\"2 + 2 = 4\"], \"goal_achieved\": true, \"summary\": \"added\", \"answer\": \"4\", \"confidence\": 0.95}\n```",
		},
		plan: []string{
			`{"reasoning": "one addition", "steps": [{"kind": "CODE", "code": "add(2, 2)"}]}`,
		},
	}
	rec := &recorder{}
	mem := healthyMemory()
	c := newPipeline(t, model, rec, mem)

	bb := blackboard.New("run-p", "sess-p", "what is 2 + 2?", blackboard.HITLConfig{})
	res := c.Run(context.Background(), bb, hitl.New())

	require.True(t, res.Succeeded(), "run failed: %v", res.Err)
	assert.Equal(t, "4", res.Answer)
	assert.True(t, res.Committed)

	view := bb.View()
	assert.Equal(t, blackboard.KindCode, view.Plan[0].Kind)
	assert.Equal(t, 4.0, view.Plan[0].Result)
	assert.Contains(t, view.Snapshot.Facts, "2 + 2 = 4")
	requireTerminal(t, rec, events.KindFinalAnswer)
}

func TestPipeline_GarbledModelOutputIsRecoverable(t *testing.T) {
	model := &routedModel{
		perception: []string{
			"I think we should add the numbers.",
			`{"facts": [], "goal_achieved": true, "summary": "done", "answer": "5", "confidence": 1}`,
		},
		plan: []string{
			`{"steps": [{"kind": "TOOL_CALL", "tool": "no_such_tool", "params": {}}]}`,
			`{"reasoning": "retry", "steps": [{"kind": "TOOL_CALL", "tool": "add", "params": {"a": 2, "b": 3}}]}`,
		},
	}
	rec := &recorder{}
	c := newPipeline(t, model, rec, healthyMemory())

	bb := blackboard.New("run-q", "sess-q", "2 + 3", blackboard.HITLConfig{})
	res := c.Run(context.Background(), bb, hitl.New())

	require.True(t, res.Succeeded(), "run failed: %v", res.Err)
	assert.Equal(t, "5", res.Answer)
	assert.Equal(t, 1, res.Replans)

	var replanned bool
	for _, p := range model.prompts {
		if strings.Contains(p.User, "PREVIOUS ATTEMPT WAS REJECTED") {
			replanned = true
		}
	}
	assert.True(t, replanned)
}
