// Package http serves the agentloop control API: run submission, HITL
// signals and live event streams.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/events"
	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runs is the run registry the API drives.
type Runs interface {
	Submit(ctx context.Context, req runs.Request) (runs.Summary, error)
	Get(id string) (runs.Detail, error)
	List() []runs.Summary
	Stop(id string) error
	SetHITLConfig(id string, cfg blackboard.HITLConfig) error
	ResolvePlanGate(id string, approve bool, feedback string) error
	ResolveStepGate(id string, action hitl.Action) error
	ResolveAskUser(id, answer string) error
}

// Stream replays and follows a run's events.
type Stream interface {
	Subscribe(runID string) (replay []events.Event, live <-chan events.Event, cancel func())
}

// Catalog lists the tools available to plans.
type Catalog interface {
	List() []*tools.Tool
	Search(query string) []*tools.SearchResult
}

// Server provides HTTP endpoints for agentloop.
type Server struct {
	echo    *echo.Echo
	runs    Runs
	stream  Stream
	catalog Catalog
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Heartbeat is the SSE keepalive interval.
	Heartbeat time.Duration
}

// NewServer creates a new HTTP server.
func NewServer(r Runs, stream Stream, catalog Catalog, logger *zap.Logger, cfg *Config) (*Server, error) {
	if r == nil || stream == nil {
		return nil, fmt.Errorf("runs and stream cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		runs:    r,
		stream:  stream,
		catalog: catalog,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit)
	v1.GET("/runs", s.handleList)
	v1.GET("/runs/:id", s.handleGet)
	v1.DELETE("/runs/:id", s.handleStop)
	v1.PUT("/runs/:id/hitl", s.handleSetHITL)
	v1.POST("/runs/:id/plan-gate", s.handlePlanGate)
	v1.POST("/runs/:id/step-gate", s.handleStepGate)
	v1.POST("/runs/:id/answer", s.handleAnswer)
	v1.GET("/runs/:id/ws", s.handleWebSocket)
	v1.GET("/runs/:id/events", s.handleSSE)
	v1.GET("/tools", s.handleTools)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runs.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrRunFinished),
		errors.Is(err, hitl.ErrNoPending),
		errors.Is(err, hitl.ErrWrongGate):
		return http.StatusConflict
	case errors.Is(err, runs.ErrEmptyQuery),
		errors.Is(err, hitl.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, runs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// apiError converts a domain error to an echo error with a mapped status.
func apiError(err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		return echo.NewHTTPError(code, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(http.StatusInternalServerError, "internal error")
		}
		msg := fmt.Sprint(he.Message)
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, ErrorResponse{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
