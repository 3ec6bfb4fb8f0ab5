package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_connections_total",
			Help: "Total number of client connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_connections_current",
			Help: "Current number of active proxied sessions",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_connections_rejected_total",
			Help: "Total number of client connections rejected",
		},
		[]string{"reason"}, // "no_backend", "dial_failed", "limit"
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferry_connection_duration_seconds",
			Help:    "Duration of proxied sessions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 3600},
		},
	)

	BytesThroughput = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_bytes_total",
			Help: "Total bytes relayed between clients and backends",
		},
		[]string{"direction"}, // "in" (client to backend), "out" (backend to client)
	)
)

// Backend metrics
var (
	BackendUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_backend_up",
			Help: "Whether a backend is currently considered alive (1) or dead (0)",
		},
		[]string{"backend"},
	)

	BackendActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_backend_active_connections",
			Help: "Number of open sessions per backend",
		},
		[]string{"backend"},
	)

	BackendDialFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_backend_dial_failures_total",
			Help: "Total number of failed backend dial attempts",
		},
		[]string{"backend"},
	)

	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_health_probes_total",
			Help: "Total number of health probes against dead backends",
		},
		[]string{"backend", "result"}, // result: "success", "failure"
	)
)
