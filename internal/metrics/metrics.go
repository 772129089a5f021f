// Package metrics exposes the daemon's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_runs_total",
		Help: "Agent runs by backend and result.",
	}, []string{"backend", "result"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_active_runs",
		Help: "Agent processes currently running.",
	})

	EventsDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentd_events_decoded_total",
		Help: "Canonical events decoded from backend output.",
	}, []string{"backend", "kind"})

	BusPublishes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentd_bus_publishes_total",
		Help: "Updates published to the project bus.",
	})

	BusDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentd_bus_dropped_total",
		Help: "Updates dropped from slow subscriber queues.",
	})

	QueuedRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentd_queued_runs",
		Help: "Runs waiting behind an active run on the same project.",
	})
)

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
