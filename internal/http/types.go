package http

import (
	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitRequest is the request body for POST /api/v1/runs.
type SubmitRequest struct {
	Query     string                 `json:"query"`
	SessionID string                 `json:"session_id,omitempty"`
	HITL      *blackboard.HITLConfig `json:"hitl_config,omitempty"`
}

// ListResponse is the response body for GET /api/v1/runs.
type ListResponse struct {
	Runs []runs.Summary `json:"runs"`
}

// PlanGateRequest resolves a plan gate: action is approve, reject or stop.
type PlanGateRequest struct {
	Action   string `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

// StepGateRequest resolves a step gate: action is approve, skip or stop.
type StepGateRequest struct {
	Action string `json:"action"`
}

// AnswerRequest answers an ASK_USER question.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// ToolInfo describes one tool for GET /api/v1/tools.
type ToolInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Params      []string `json:"params"`
	Score       int      `json:"score,omitempty"`
	MatchReason string   `json:"match_reason,omitempty"`
}

// ToolsResponse is the response body for GET /api/v1/tools.
type ToolsResponse struct {
	Tools []ToolInfo `json:"tools"`
}

// Signal is an inbound websocket message. Type is one of hitl_config,
// plan_gate, step_gate, answer or stop.
type Signal struct {
	Type         string `json:"type"`
	Action       string `json:"action,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
	Answer       string `json:"answer,omitempty"`
	PlanApproval bool   `json:"plan_approval,omitempty"`
	StepApproval bool   `json:"step_approval,omitempty"`
}

// SignalError is sent back over the websocket when a signal is refused.
type SignalError struct {
	Type   string `json:"type"`
	Signal string `json:"signal"`
	Error  string `json:"error"`
}
