package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CurrentView = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_view_seq",
		Help:      "Sequence number of the installed view",
	})

	ViewChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total completed view changes",
	})

	QuorumJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "quorum_joins_total",
		Help:      "Total nodes admitted through the quorum-join track",
	})

	StopsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stops_received_total",
		Help:      "Total STOP messages received",
	})

	SoundnessFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "soundness_failures_total",
		Help:      "Total view changes that proceeded despite unsound evidence",
	})
)
