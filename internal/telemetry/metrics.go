package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// APIRequestsTotal counts HTTP requests by method, endpoint and status.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallsync_api_requests_total",
		Help: "Total HTTP API requests",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency in seconds.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallsync_api_request_duration_seconds",
		Help:    "HTTP API request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections gauges in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallsync_api_active_connections",
		Help: "In-flight HTTP API requests",
	})

	// ActiveSessions gauges sessions in a non-terminal state.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wallsync_active_sessions",
		Help: "Sync sessions in a non-terminal state",
	})

	// ElectionsTotal counts master election outcomes.
	// result: changed | unchanged | skipped | lost_race
	ElectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallsync_elections_total",
		Help: "Master election evaluations by outcome",
	}, []string{"result"})

	// CommandsEnqueued counts outbox inserts by command type.
	CommandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallsync_commands_enqueued_total",
		Help: "Device commands enqueued to the outbox",
	}, []string{"type"})

	// CommandsResolved counts command acknowledgements by final status.
	CommandsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallsync_commands_resolved_total",
		Help: "Device commands resolved by final status",
	}, []string{"status"})

	// ReportsIngested counts device runtime reports.
	ReportsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallsync_reports_ingested_total",
		Help: "Device runtime reports processed",
	})

	// BarrierFirings counts readiness barrier firings.
	BarrierFirings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wallsync_barrier_firings_total",
		Help: "Readiness barrier firings",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
