package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/agentloop/internal/tools"

// Metrics records tool invocations. A nil *Metrics is a no-op.
type Metrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	active      metric.Int64UpDownCounter
}

// NewMetrics registers the tool instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.invocations, err = meter.Int64Counter(
		"agentloop.tool.invocations_total",
		metric.WithDescription("Total number of tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"agentloop.tool.duration_seconds",
		metric.WithDescription("Duration of tool invocations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"agentloop.tool.errors_total",
		metric.WithDescription("Total number of failed tool invocations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.active, err = meter.Int64UpDownCounter(
		"agentloop.tool.active_requests",
		metric.WithDescription("Number of tool invocations in flight"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
	return m
}

// RecordInvocation records one finished call.
func (m *Metrics) RecordInvocation(ctx context.Context, tool string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("reason", categorizeError(err)),
		))
	}
}

func (m *Metrics) IncrementActive(ctx context.Context, tool string) {
	if m != nil && m.active != nil {
		m.active.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func (m *Metrics) DecrementActive(ctx context.Context, tool string) {
	if m != nil && m.active != nil {
		m.active.Add(ctx, -1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func categorizeError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return "validation_error"
	case errors.Is(err, ErrUnknownTool):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "division by zero") || strings.Contains(s, "out of range"):
		return "domain_error"
	case strings.Contains(s, "mcp"):
		return "external_error"
	default:
		return "internal_error"
	}
}
