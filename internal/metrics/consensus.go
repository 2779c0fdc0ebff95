package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decision metrics
	DecisionsDecided = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_decided_total",
		Help:      "Total number of consensus decisions finalized",
	})

	DecisionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decision_latency_seconds",
		Help:      "Wall-clock time from PRE-PREPARE receipt to Decided",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	LastExecution = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_execution_seq",
		Help:      "Highest sequence number delivered to the executor",
	})

	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_size_requests",
		Help:      "Number of client requests per ordered batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// Message disposition counters (spec error taxonomy)
	MessagesStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_stale_total",
		Help:      "Total messages dropped for carrying an old seq or view",
	})

	MessagesBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_buffered_total",
		Help:      "Total messages buffered for a future seq or view",
	})

	DuplicateVotes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_votes_total",
		Help:      "Total duplicate PREPARE/COMMIT votes detected",
	})

	InvalidSignatures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invalid_signatures_total",
		Help:      "Total messages dropped for a bad signature or digest",
	})
)
