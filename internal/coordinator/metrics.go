package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentloop_coordinator_runs_total",
		Help: "Finished runs by outcome (success or error kind).",
	}, []string{"outcome"})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentloop_coordinator_steps_total",
		Help: "Finished steps by kind and final status.",
	}, []string{"kind", "status"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentloop_coordinator_step_duration_seconds",
		Help:    "Executor wall time per step.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"kind"})

	replansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentloop_coordinator_replans_total",
		Help: "Replan attempts by trigger.",
	}, []string{"trigger"})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentloop_coordinator_active_runs",
		Help: "Runs currently inside the control loop.",
	})
)
