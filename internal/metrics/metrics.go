// Package metrics exposes the engine's Prometheus instrumentation,
// one file per subsystem, all registered under the bftsmr namespace.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bftsmr"

// Handler returns the scrape endpoint handler served by cmd/bftnode.
func Handler() http.Handler {
	return promhttp.Handler()
}
