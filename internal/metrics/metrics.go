// Package metrics provides Prometheus instrumentation for the battle engine.
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
	// BattlesCreated counts battles created, partitioned by tier.
	BattlesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_battles_created_total",
		Help: "Total number of battles created",
	}, []string{"tier"})

	// BattlesSettled counts settled battles, partitioned by winner.
	BattlesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_battles_settled_total",
		Help: "Total number of battles settled",
	}, []string{"winner"})

	// ProofsAccepted counts solvency proofs accepted, partitioned by side.
	ProofsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_proofs_accepted_total",
		Help: "Total solvency proofs accepted",
	}, []string{"side"})

	// ProofsRejected counts solvency proofs rejected, partitioned by reason.
	ProofsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_proofs_rejected_total",
		Help: "Total solvency proofs rejected",
	}, []string{"reason"})

	// Liquidations counts position liquidations, partitioned by reason.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_liquidations_total",
		Help: "Total position liquidations",
	}, []string{"reason"})

	// BetsPlaced counts bets placed, partitioned by side.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_bets_placed_total",
		Help: "Total bets placed",
	}, []string{"side"})

	// BetVolume tracks cumulative bet volume per side. Per-battle volume
	// lives in the cache projection; a battle_id label here would mint an
	// unbounded number of series.
	BetVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_bet_volume_total",
		Help: "Cumulative bet volume",
	}, []string{"side"})

	// ReconcileRepairs counts cache entries repaired by the reconciler.
	ReconcileRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_reconcile_repairs_total",
		Help: "Cache entries repaired against the authoritative ledger",
	})

	// ReconcileFailures counts authoritative fetches that failed during
	// reconciliation; the affected entries are retried on the next pass.
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_reconcile_failures_total",
		Help: "Authoritative fetch failures during reconciliation",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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
