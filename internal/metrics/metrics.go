// Package metrics provides Prometheus metrics for the termsync server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termsync_sessions_active",
			Help: "Number of sessions with a running shell",
		},
	)

	sessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termsync_sessions_created_total",
			Help: "Total sessions created",
		},
	)

	sessionsEndedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termsync_sessions_ended_total",
			Help: "Total sessions destroyed, by reason",
		},
		[]string{"reason"},
	)

	commandsBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termsync_commands_blocked_total",
			Help: "Total command lines refused by the filter, by verb",
		},
		[]string{"verb"},
	)

	// Sync metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termsync_sync_runs_total",
			Help: "Total synchronizer runs, by result",
		},
		[]string{"result"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "termsync_sync_duration_seconds",
			Help:    "Synchronizer run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "termsync_sync_records",
			Help: "Records persisted by the last successful run, per user",
		},
		[]string{"user"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordSessionCreated counts a new session.
func RecordSessionCreated() {
	sessionsCreatedTotal.Inc()
}

// RecordSessionStarted marks a shell as running.
func RecordSessionStarted() {
	sessionsActive.Inc()
}

// RecordSessionEnded counts a destroyed session. wasActive reports whether
// its shell had started.
func RecordSessionEnded(reason string, wasActive bool) {
	sessionsEndedTotal.WithLabelValues(reason).Inc()
	if wasActive {
		sessionsActive.Dec()
	}
}

// RecordCommandBlocked counts a refused command line.
func RecordCommandBlocked(verb string) {
	commandsBlockedTotal.WithLabelValues(verb).Inc()
}

// RecordSyncRun records one synchronizer run. records is ignored on failure.
func RecordSyncRun(user string, records int, duration time.Duration, err error) {
	syncDuration.Observe(duration.Seconds())
	if err != nil {
		syncRunsTotal.WithLabelValues("error").Inc()
		return
	}
	syncRunsTotal.WithLabelValues("ok").Inc()
	syncRecords.WithLabelValues(user).Set(float64(records))
}
