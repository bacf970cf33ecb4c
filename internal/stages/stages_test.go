package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/llm"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/stretchr/testify/require"
)

// scripted returns canned responses in order and records every prompt.
type scripted struct {
	responses []string
	err       error
	prompts   []llm.Prompt
}

func (s *scripted) Complete(_ context.Context, p llm.Prompt) (string, error) {
	s.prompts = append(s.prompts, p)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(r, nil))
	return r
}

func testView(query string) blackboard.View {
	return blackboard.New("run-1", "sess-1", query, blackboard.HITLConfig{}).View()
}

func requireKind(t *testing.T, err error, kind blackboard.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, blackboard.KindOf(err), "error: %v", err)
}
