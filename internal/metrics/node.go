package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_published_total",
		Help:      "Total protocol messages published, by kind",
	}, []string{"kind"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total protocol messages received, by kind",
	}, []string{"kind"})

	RequestsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_pending",
		Help:      "Client requests waiting to be proposed",
	})

	RequestsTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_timed_out_total",
		Help:      "Client request timeouts, by phase (forwarded or stopped)",
	}, []string{"phase"})
)
