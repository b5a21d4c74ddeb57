// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendCalls counts backend session calls by operation and status.
	BackendCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsgate_backend_calls_total",
			Help: "Total number of backend session calls",
		},
		[]string{"operation", "status"},
	)
	// BackendCallDuration is the latency of backend session calls.
	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsgate_backend_call_duration_seconds",
			Help:    "Backend session call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	// ImportChunks counts chunks uploaded by the import pipeline.
	ImportChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsgate_import_chunks_total",
		Help: "Total number of import chunks uploaded",
	})
	// ImportBytes counts bytes uploaded by the import pipeline.
	ImportBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsgate_import_bytes_total",
		Help: "Total number of import bytes uploaded",
	})
	// Imports counts import calls by result (success, degraded, failure).
	Imports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsgate_imports_total",
			Help: "Total number of import calls",
		},
		[]string{"result"},
	)
	// ExportRows counts rows written to export sinks.
	ExportRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsgate_export_rows_total",
		Help: "Total number of rows streamed by exports",
	})
	// ExportDisconnects counts exports ended early by the client.
	ExportDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tsgate_export_disconnects_total",
		Help: "Total number of exports ended by a client disconnect",
	})
	// RequestTotal counts HTTP requests by method, route and status.
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	// RequestDuration is the latency of HTTP requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveBackendCall records one backend call.
func ObserveBackendCall(op string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackendCalls.WithLabelValues(op, status).Inc()
	BackendCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
