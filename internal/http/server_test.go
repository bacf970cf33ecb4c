package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/coordinator"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// planRunner proposes a one-step plan, waits at the plan gate and answers
// "4" once approved.
type planRunner struct {
	sink events.Sink
}

func (r planRunner) Run(ctx context.Context, bb *blackboard.Blackboard, gate *hitl.Gate) coordinator.Result {
	emit := func(kind events.Kind, data any) {
		_ = r.sink.Publish(ctx, events.Event{RunID: bb.RunID(), Kind: kind, Data: data})
	}
	plan := bb.SetPlan([]blackboard.StepSpec{{Kind: blackboard.KindFinalAnswer, Payload: blackboard.Payload{Answer: "4"}}})
	emit(events.KindPlanProposed, events.PlanProposed{Version: 1, Steps: plan})

	req := hitl.Request{Kind: hitl.KindPlan, Plan: plan}
	w, err := gate.Open(req)
	if err != nil {
		return coordinator.Result{RunID: bb.RunID(), Err: blackboard.WrapError(blackboard.ExecutionError, err)}
	}
	emit(events.KindAwaitingInput, events.AwaitingInput{Request: req})
	d, err := w.Wait(ctx)
	if err != nil || d.Action != hitl.ActionApprove {
		kind := blackboard.Stopped
		if err != nil && !errors.Is(context.Cause(ctx), coordinator.ErrStopRequested) {
			kind = blackboard.Cancelled
		}
		serr := blackboard.NewError(kind, "plan not approved")
		emit(events.KindRunFailed, events.RunFailed{Kind: serr.Kind, Detail: serr.Message})
		return coordinator.Result{RunID: bb.RunID(), Err: serr}
	}
	_ = bb.SetResult("4")
	emit(events.KindFinalAnswer, events.FinalAnswer{Text: "4"})
	return coordinator.Result{RunID: bb.RunID(), Answer: "4"}
}

func setupTestServer(t *testing.T) (*Server, *runs.Manager) {
	t.Helper()
	bus := events.NewBus(nil, nil)
	mgr := runs.NewManager(bus, runs.Options{HITL: blackboard.HITLConfig{PlanApproval: true}}, nil)
	mgr.Bind(planRunner{sink: mgr})

	registry := tools.NewRegistry(nil)
	require.NoError(t, tools.RegisterBuiltins(registry, nil))

	server, err := NewServer(mgr, bus, registry, zap.NewNop(), &Config{Heartbeat: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, mgr.Shutdown(ctx))
	})
	return server, mgr
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, s *Server, query string) runs.Summary {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/runs", SubmitRequest{Query: query})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var summary runs.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	return summary
}

func waitAwaiting(t *testing.T, mgr *runs.Manager, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := mgr.Get(id)
		return err == nil && d.Status == runs.StatusAwaiting
	}, 2*time.Second, time.Millisecond)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestNewServer(t *testing.T) {
	bus := events.NewBus(nil, nil)
	mgr := runs.NewManager(bus, runs.Options{}, nil)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(mgr, bus, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
		assert.Equal(t, 30*time.Second, server.config.Heartbeat)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(mgr, bus, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when runs are nil", func(t *testing.T) {
		_, err := NewServer(nil, bus, nil, zap.NewNop(), nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunLifecycle(t *testing.T) {
	server, mgr := setupTestServer(t)

	t.Run("rejects an empty query", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/runs", SubmitRequest{Query: " "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decodeError(t, rec), "query is required")
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("approves the plan and finishes", func(t *testing.T) {
		summary := submit(t, server, "2 + 2")
		assert.Equal(t, "2 + 2", summary.Query)
		waitAwaiting(t, mgr, summary.ID)

		rec := do(t, server, http.MethodGet, "/api/v1/runs/"+summary.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var detail runs.Detail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
		assert.Equal(t, runs.StatusAwaiting, detail.Status)
		require.NotNil(t, detail.Pending)
		assert.Equal(t, hitl.KindPlan, detail.Pending.Kind)
		assert.Len(t, detail.Blackboard.Plan, 1)

		rec = do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/step-gate", StepGateRequest{Action: "approve"})
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/plan-gate", PlanGateRequest{Action: "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/plan-gate", PlanGateRequest{Action: "approve"})
		require.Equal(t, http.StatusNoContent, rec.Code)

		res, err := mgr.Wait(context.Background(), summary.ID)
		require.NoError(t, err)
		assert.Equal(t, "4", res.Answer)

		rec = do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/plan-gate", PlanGateRequest{Action: "approve"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("lists runs", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/runs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var list ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
		assert.NotEmpty(t, list.Runs)
	})

	t.Run("unknown run is not found", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/runs/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(t, server, http.MethodPost, "/api/v1/runs/missing/answer", AnswerRequest{Answer: "x"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStopAndHITL(t *testing.T) {
	server, mgr := setupTestServer(t)
	summary := submit(t, server, "q")
	waitAwaiting(t, mgr, summary.ID)

	rec := do(t, server, http.MethodPut, "/api/v1/runs/"+summary.ID+"/hitl", blackboard.HITLConfig{StepApproval: true})
	require.Equal(t, http.StatusOK, rec.Code)
	d, err := mgr.Get(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, blackboard.HITLConfig{StepApproval: true}, d.Blackboard.HITL)

	rec = do(t, server, http.MethodDelete, "/api/v1/runs/"+summary.ID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	res, err := mgr.Wait(context.Background(), summary.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Err)
	assert.Equal(t, blackboard.Stopped, res.Err.Kind)
}

func TestPlanGateReject(t *testing.T) {
	server, mgr := setupTestServer(t)
	summary := submit(t, server, "q")
	waitAwaiting(t, mgr, summary.ID)

	rec := do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/plan-gate", PlanGateRequest{Action: "reject", Feedback: "no"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	res, err := mgr.Wait(context.Background(), summary.ID)
	require.NoError(t, err)
	assert.Equal(t, blackboard.Stopped, res.Err.Kind)
}

func TestGateSignalsAreCounted(t *testing.T) {
	server, mgr := setupTestServer(t)
	metrics, reader := newTestMetrics(t)
	server.metrics = metrics

	summary := submit(t, server, "q")
	waitAwaiting(t, mgr, summary.ID)

	rec := do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/step-gate", StepGateRequest{Action: "approve"})
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/v1/runs/"+summary.ID+"/plan-gate", PlanGateRequest{Action: "approve"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err := mgr.Wait(context.Background(), summary.ID)
	require.NoError(t, err)

	signals, ok := collect(t, reader)["agentloop.http.gate_signals_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	got := map[string]int64{}
	for _, dp := range signals.DataPoints {
		got[attr(dp.Attributes, "gate")+"/"+attr(dp.Attributes, "result")] += dp.Value
	}
	assert.Equal(t, map[string]int64{"step/wrong_gate": 1, "plan/accepted": 1}, got)
}

func TestHandleTools(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all ToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all.Tools, 11)

	rec = do(t, server, http.MethodGet, "/api/v1/tools?q=factorial", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found ToolsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.NotEmpty(t, found.Tools)
	assert.Equal(t, "factorial", found.Tools[0].Name)
	assert.Positive(t, found.Tools[0].Score)
}

func TestHandleSSE(t *testing.T) {
	server, mgr := setupTestServer(t)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	summary := submit(t, server, "2 + 2")
	waitAwaiting(t, mgr, summary.ID)

	resp, err := http.Get(srv.URL + "/api/v1/runs/" + summary.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var kinds []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		kind, ok := strings.CutPrefix(line, "event: ")
		if !ok {
			continue
		}
		kinds = append(kinds, kind)
		if kind == string(events.KindAwaitingInput) {
			require.NoError(t, mgr.ResolvePlanGate(summary.ID, true, ""))
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"plan_proposed", "awaiting_input", "final_answer"}, kinds)
}

func TestHandleWebSocket(t *testing.T) {
	server, mgr := setupTestServer(t)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	summary := submit(t, server, "2 + 2")
	waitAwaiting(t, mgr, summary.ID)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + summary.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	read := func() map[string]any {
		t.Helper()
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	assert.Equal(t, "plan_proposed", read()["kind"])
	assert.Equal(t, "awaiting_input", read()["kind"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	reply := read()
	assert.Equal(t, "error", reply["type"])
	assert.Contains(t, reply["error"], "malformed signal")

	require.NoError(t, conn.WriteJSON(Signal{Type: "step_gate", Action: "approve"}))
	reply = read()
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "step_gate", reply["signal"])

	require.NoError(t, conn.WriteJSON(Signal{Type: "plan_gate", Action: "approve"}))
	final := read()
	assert.Equal(t, "final_answer", final["kind"])

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestWebSocket_UnknownRun(t *testing.T) {
	server, _ := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/api/v1/runs/missing/ws", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{runs.ErrRunNotFound, http.StatusNotFound},
		{runs.ErrRunFinished, http.StatusConflict},
		{hitl.ErrNoPending, http.StatusConflict},
		{hitl.ErrWrongGate, http.StatusConflict},
		{hitl.ErrInvalidAction, http.StatusBadRequest},
		{runs.ErrEmptyQuery, http.StatusBadRequest},
		{runs.ErrShuttingDown, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), "%v", tt.err)
	}
}
