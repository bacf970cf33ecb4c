package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks store call latency.
	// Labels: provider (chromem, qdrant), operation
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentloop",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// OperationErrors counts failed store calls.
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Subsystem: "vectorstore",
			Name:      "operation_errors_total",
			Help:      "Total number of failed vector store operations",
		},
		[]string{"provider", "operation"},
	)
)

// observe records duration and failure of one operation.
func observe(provider, operation string, start time.Time, err error) {
	OperationDuration.WithLabelValues(provider, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationErrors.WithLabelValues(provider, operation).Inc()
	}
}
