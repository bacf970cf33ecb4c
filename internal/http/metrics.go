package http

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/agentloop/internal/hitl"
	"github.com/fyrsmithlabs/agentloop/internal/runs"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/agentloop/internal/http"

// Route classes. Streams stay open for a whole run, so their lifetime is
// recorded apart from request latency.
const (
	classControl = "control"
	classSignal  = "signal"
	classStream  = "stream"
)

// HTTPMetrics instruments the control API.
type HTTPMetrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	requests    metric.Int64Counter
	latency     metric.Float64Histogram
	streamsOpen metric.Int64UpDownCounter
	streamLife  metric.Float64Histogram
	signals     metric.Int64Counter
}

// NewHTTPMetrics registers the API instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter(
		"agentloop.http.requests_total",
		metric.WithDescription("API requests by method, route, route class and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.latency, err = m.meter.Float64Histogram(
		"agentloop.http.request_duration_seconds",
		metric.WithDescription("Latency of control and signal requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		m.logger.Warn("failed to create latency histogram", zap.Error(err))
	}

	m.streamsOpen, err = m.meter.Int64UpDownCounter(
		"agentloop.http.streams_open",
		metric.WithDescription("Event streams currently attached to runs, by transport"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		m.logger.Warn("failed to create open streams gauge", zap.Error(err))
	}

	m.streamLife, err = m.meter.Float64Histogram(
		"agentloop.http.stream_duration_seconds",
		metric.WithDescription("How long event streams stayed attached, by transport"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		m.logger.Warn("failed to create stream duration histogram", zap.Error(err))
	}

	m.signals, err = m.meter.Int64Counter(
		"agentloop.http.gate_signals_total",
		metric.WithDescription("HITL decisions received, by gate, transport and result"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		m.logger.Warn("failed to create gate signals counter", zap.Error(err))
	}
}

// MetricsMiddleware counts every request. Control and signal requests feed
// the latency histogram; streams feed the open-stream gauge and their own
// duration histogram.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			route := normalizePath(c.Path())
			class := routeClass(route)

			var transport attribute.KeyValue
			if class == classStream {
				transport = attribute.String("transport", streamTransport(route))
				if m.streamsOpen != nil {
					m.streamsOpen.Add(ctx, 1, metric.WithAttributes(transport))
				}
			}

			err := next(c)
			elapsed := time.Since(start).Seconds()

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", route),
				attribute.String("class", class),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}

			if class == classStream {
				if m.streamsOpen != nil {
					m.streamsOpen.Add(ctx, -1, metric.WithAttributes(transport))
				}
				if m.streamLife != nil {
					m.streamLife.Record(ctx, elapsed, metric.WithAttributes(transport))
				}
				return err
			}
			if m.latency != nil {
				m.latency.Record(ctx, elapsed, attrs)
			}
			return err
		}
	}
}

// RecordSignal counts one gate decision and how the run took it.
func (m *HTTPMetrics) RecordSignal(ctx context.Context, gate hitl.Kind, transport string, err error) {
	if m == nil || m.signals == nil {
		return
	}
	m.signals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gate", string(gate)),
		attribute.String("transport", transport),
		attribute.String("result", signalResult(err)),
	))
}

func signalResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, hitl.ErrNoPending):
		return "no_pending"
	case errors.Is(err, hitl.ErrWrongGate):
		return "wrong_gate"
	case errors.Is(err, hitl.ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, runs.ErrRunNotFound):
		return "unknown_run"
	case errors.Is(err, runs.ErrRunFinished):
		return "finished"
	}
	return "error"
}

// normalizePath maps the matched route to an endpoint label. Echo reports the
// route template (/api/v1/runs/:id), so run ids never reach the label set.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func routeClass(route string) string {
	switch {
	case strings.HasSuffix(route, "/ws"), strings.HasSuffix(route, "/events"):
		return classStream
	case strings.HasSuffix(route, "/plan-gate"), strings.HasSuffix(route, "/step-gate"), strings.HasSuffix(route, "/answer"):
		return classSignal
	}
	return classControl
}

func streamTransport(route string) string {
	if strings.HasSuffix(route, "/ws") {
		return "websocket"
	}
	return "sse"
}
