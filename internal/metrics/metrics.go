// Package metrics provides Prometheus instrumentation for the fill reconciler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FillsIngested counts broker activities by ingest outcome
	// (inserted, duplicate, skipped).
	FillsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fillrecon_fills_ingested_total",
		Help: "Broker activities processed by ingest, by result",
	}, []string{"broker", "result"})

	// ReconcileUpdates counts applied reconcile updates by status.
	ReconcileUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fillrecon_reconcile_updates_total",
		Help: "Reconcile updates applied to journal entries, by status",
	}, []string{"asset_class", "status"})

	// LedgerWrites counts ledger write attempts (written, duplicate, failed).
	LedgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fillrecon_ledger_writes_total",
		Help: "Ledger write attempts, by result",
	}, []string{"result"})

	// EntriesCreated counts journal entries created from unmatched fills.
	EntriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fillrecon_entries_auto_created_total",
		Help: "Journal entries created from unmatched broker fills",
	})

	// SyncDuration tracks reconciliation batch latency.
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fillrecon_sync_duration_seconds",
		Help:    "Reconciliation batch duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"dry_run"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fillrecon_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fillrecon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fillrecon_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the chi route pattern over the raw path so entry ids
// and broker names do not become label values.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
