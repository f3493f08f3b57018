// Package observability provides Prometheus metrics, health checks, and the
// HTTP server that exposes them.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event log metrics
	eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_events_appended_total",
			Help: "Total number of events appended to the log",
		},
		[]string{"channel"},
	)

	appendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_append_failures_total",
			Help: "Total number of failed event appends",
		},
		[]string{"channel"},
	)

	appendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_append_duration_seconds",
			Help:    "Event append duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_active_streams",
			Help: "Number of initialized event streams",
		},
	)

	// Session metrics
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sessions_total",
			Help: "Total number of sessions created",
		},
		[]string{"kind"},
	)

	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_sessions_active",
			Help: "Number of sessions by status",
		},
		[]string{"status"},
	)

	// Transport metrics
	connectedSockets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_connected_sockets",
			Help: "Number of connected websocket clients",
		},
	)

	wireRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_wire_requests_total",
			Help: "Total number of wire protocol requests",
		},
		[]string{"op", "status"},
	)

	replayBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_replay_batch_size",
			Help:    "Number of events delivered per attach replay",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			eventsAppendedTotal,
			appendFailuresTotal,
			appendDuration,
			activeStreams,
			sessionsTotal,
			sessionsActive,
			connectedSockets,
			wireRequestsTotal,
			replayBatchSize,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEventAppended records a successful append.
func RecordEventAppended(channel string, duration time.Duration) {
	eventsAppendedTotal.WithLabelValues(channel).Inc()
	appendDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordAppendFailure records a failed append.
func RecordAppendFailure(channel string) {
	appendFailuresTotal.WithLabelValues(channel).Inc()
}

// SetActiveStreams sets the initialized-streams gauge.
func SetActiveStreams(count int) {
	activeStreams.Set(float64(count))
}

// RecordSessionCreated records a session creation.
func RecordSessionCreated(kind string) {
	sessionsTotal.WithLabelValues(kind).Inc()
}

// SetSessionsActive sets the per-status session gauge.
func SetSessionsActive(status string, count int) {
	sessionsActive.WithLabelValues(status).Set(float64(count))
}

// SetConnectedSockets sets the connected-clients gauge.
func SetConnectedSockets(count int) {
	connectedSockets.Set(float64(count))
}

// RecordWireRequest records one wire protocol request and its outcome.
func RecordWireRequest(op, status string) {
	wireRequestsTotal.WithLabelValues(op, status).Inc()
}

// RecordReplayBatch records the size of an attach replay batch.
func RecordReplayBatch(n int) {
	replayBatchSize.Observe(float64(n))
}
