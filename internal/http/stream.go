package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxSignalSize = 64 << 10
)

var errUnknownSignal = errors.New("unknown signal")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket streams a run's events (replay first, then live) and
// accepts control signals on the same connection. The socket is closed
// after the terminal event.
//
//	GET /api/v1/runs/{id}/ws
//
//	<- {"seq":1,"run_id":"...","kind":"state_changed","data":{...}}
//	-> {"type":"plan_gate","action":"reject","feedback":"skip step 2"}
//	<- {"type":"error","signal":"step_gate","error":"no pending decision"}
func (s *Server) handleWebSocket(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.runs.Get(id); err != nil {
		return apiError(err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("run_id", id), zap.Error(err))
		return nil
	}
	defer ws.Close()

	replay, live, cancel := s.stream.Subscribe(id)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	replies := make(chan SignalError, 8)
	readerGone := make(chan struct{})
	go s.readSignals(c.Request().Context(), ws, id, replies, done, readerGone)

	for _, e := range replay {
		if err := writeJSON(ws, e); err != nil {
			return nil
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-live:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return nil
			}
			if err := writeJSON(ws, e); err != nil {
				return nil
			}
		case r := <-replies:
			if err := writeJSON(ws, r); err != nil {
				return nil
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-readerGone:
			return nil
		}
	}
}

func (s *Server) readSignals(ctx context.Context, ws *websocket.Conn, id string, replies chan<- SignalError, done <-chan struct{}, gone chan<- struct{}) {
	defer close(gone)
	ws.SetReadLimit(maxSignalSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			err = fmt.Errorf("malformed signal: %w", err)
			if !reply(replies, done, SignalError{Type: "error", Error: err.Error()}) {
				return
			}
			continue
		}
		if err := s.apply(ctx, id, sig); err != nil {
			s.logger.Debug("signal refused", zap.String("run_id", id), zap.String("signal", sig.Type), zap.Error(err))
			if !reply(replies, done, SignalError{Type: "error", Signal: sig.Type, Error: err.Error()}) {
				return
			}
		}
	}
}

func reply(replies chan<- SignalError, done <-chan struct{}, r SignalError) bool {
	select {
	case replies <- r:
		return true
	case <-done:
		return false
	}
}

// apply routes an inbound signal to the run.
func (s *Server) apply(ctx context.Context, id string, sig Signal) error {
	var (
		gate hitl.Kind
		err  error
	)
	switch sig.Type {
	case "hitl_config":
		return s.runs.SetHITLConfig(id, blackboard.HITLConfig{PlanApproval: sig.PlanApproval, StepApproval: sig.StepApproval})
	case "plan_gate":
		gate, err = hitl.KindPlan, s.resolvePlan(id, sig.Action, sig.Feedback)
	case "step_gate":
		gate, err = hitl.KindStep, s.resolveStep(id, sig.Action)
	case "answer":
		gate, err = hitl.KindAsk, s.runs.ResolveAskUser(id, sig.Answer)
	case "stop":
		return s.runs.Stop(id)
	default:
		return fmt.Errorf("%w: %q", errUnknownSignal, sig.Type)
	}
	s.metrics.RecordSignal(ctx, gate, "websocket", err)
	return err
}

func writeJSON(ws *websocket.Conn, v any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
}

// handleSSE streams a run's events as Server-Sent Events. The stream ends
// after the terminal event or when the client disconnects.
//
//	GET /api/v1/runs/{id}/events
//
//	id: 3
//	event: plan_proposed
//	data: {"seq":3,"run_id":"...","kind":"plan_proposed","data":{...}}
func (s *Server) handleSSE(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.runs.Get(id); err != nil {
		return apiError(err)
	}

	replay, live, cancel := s.stream.Subscribe(id)
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, e := range replay {
		if err := writeSSE(w, e); err != nil {
			return nil
		}
	}
	w.Flush()

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if err := writeSSE(w, e); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			w.Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func writeSSE(w io.Writer, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Kind, data)
	return err
}
