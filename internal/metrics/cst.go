package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CstRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cst_rounds_total",
		Help:      "Total state-transfer rounds started",
	})

	CstRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cst_retries_total",
		Help:      "Total state-transfer rounds retried after a timeout",
	})

	CheckpointsInstalled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_installed_total",
		Help:      "Total checkpoints installed from a peer via state transfer",
	})

	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkpoints_written_total",
		Help:      "Total checkpoints produced locally and persisted",
	})
)
