package memory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EpisodicCommits counts commit attempts.
	// Labels: result (committed, duplicate, error)
	EpisodicCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Subsystem: "memory",
			Name:      "episodic_commits_total",
			Help:      "Total number of episodic memory commits by result",
		},
		[]string{"result"},
	)

	// RetrievalFailures counts tier failures during context retrieval.
	// Labels: tier (session, episodic, document)
	RetrievalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentloop",
			Subsystem: "memory",
			Name:      "retrieval_failures_total",
			Help:      "Total number of failed memory tier lookups",
		},
		[]string{"tier"},
	)
)
