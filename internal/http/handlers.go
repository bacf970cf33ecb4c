package http

import (
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	summary, err := s.runs.Submit(c.Request().Context(), runs.Request{
		Query:     req.Query,
		SessionID: req.SessionID,
		HITL:      req.HITL,
	})
	if err != nil {
		return apiError(err)
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/runs/"+summary.ID)
	return c.JSON(http.StatusAccepted, summary)
}

func (s *Server) handleList(c echo.Context) error {
	return c.JSON(http.StatusOK, ListResponse{Runs: s.runs.List()})
}

func (s *Server) handleGet(c echo.Context) error {
	d, err := s.runs.Get(c.Param("id"))
	if err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.runs.Stop(c.Param("id")); err != nil {
		return apiError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleSetHITL(c echo.Context) error {
	var cfg blackboard.HITLConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.runs.SetHITLConfig(c.Param("id"), cfg); err != nil {
		return apiError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (s *Server) handlePlanGate(c echo.Context) error {
	var req PlanGateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.resolvePlan(c.Param("id"), req.Action, req.Feedback)
	s.metrics.RecordSignal(c.Request().Context(), hitl.KindPlan, "http", err)
	if err != nil {
		return apiError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleStepGate(c echo.Context) error {
	var req StepGateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.resolveStep(c.Param("id"), req.Action)
	s.metrics.RecordSignal(c.Request().Context(), hitl.KindStep, "http", err)
	if err != nil {
		return apiError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAnswer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	err := s.runs.ResolveAskUser(c.Param("id"), req.Answer)
	s.metrics.RecordSignal(c.Request().Context(), hitl.KindAsk, "http", err)
	if err != nil {
		return apiError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTools(c echo.Context) error {
	if s.catalog == nil {
		return c.JSON(http.StatusOK, ToolsResponse{Tools: []ToolInfo{}})
	}
	out := make([]ToolInfo, 0)
	if q := strings.TrimSpace(c.QueryParam("q")); q != "" {
		for _, r := range s.catalog.Search(q) {
			info := toolInfo(r.Tool)
			info.Score = r.Score
			info.MatchReason = r.MatchReason
			out = append(out, info)
		}
	} else {
		for _, t := range s.catalog.List() {
			out = append(out, toolInfo(t))
		}
	}
	return c.JSON(http.StatusOK, ToolsResponse{Tools: out})
}

func toolInfo(t *tools.Tool) ToolInfo {
	return ToolInfo{
		Name:        t.Name,
		Description: t.Description,
		Category:    string(t.Category),
		Params:      t.Params,
	}
}

// resolvePlan routes a plan gate action. Stop is accepted here too and ends
// the run.
func (s *Server) resolvePlan(id, action, feedback string) error {
	a, err := hitl.ParseAction(action)
	if err != nil {
		return err
	}
	switch a {
	case hitl.ActionApprove:
		return s.runs.ResolvePlanGate(id, true, "")
	case hitl.ActionReject:
		return s.runs.ResolvePlanGate(id, false, feedback)
	case hitl.ActionStop:
		return s.runs.Stop(id)
	default:
		return hitl.ErrInvalidAction
	}
}

func (s *Server) resolveStep(id, action string) error {
	a, err := hitl.ParseAction(action)
	if err != nil {
		return err
	}
	return s.runs.ResolveStepGate(id, a)
}
