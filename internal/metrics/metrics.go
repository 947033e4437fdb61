// Package metrics provides Prometheus instrumentation for the valuation engine.
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
	// TradesTotal counts committed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_trades_total",
		Help: "Total number of trades committed",
	}, []string{"side"})

	// TradeVolume tracks cumulative traded shares per side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"side"})

	// SettlementsTotal counts match settlements by outcome. Replays of an
	// already settled match are counted under outcome "duplicate".
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_settlements_total",
		Help: "Total number of match settlements",
	}, []string{"outcome"})

	// Rejections counts orders and settlements refused without retry.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_rejections_total",
		Help: "Operations rejected as invalid",
	}, []string{"op", "reason"})

	// TxRetries counts transaction attempts retried after a lost race.
	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_tx_retries_total",
		Help: "Transaction retries after concurrency conflicts",
	}, []string{"op"})

	// TxConflicts counts operations that exhausted their retries.
	TxConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_tx_conflicts_total",
		Help: "Operations that failed after exhausting retries",
	}, []string{"op"})

	// OpLatency tracks engine operation latency.
	OpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "valuation_op_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Entities tracks the number of initialized entities.
	Entities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "valuation_entities",
		Help: "Number of entities with a valuation",
	})

	// FixtureMessages counts inbound match results by handling result.
	FixtureMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_fixture_messages_total",
		Help: "Inbound match result messages by result",
	}, []string{"result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "valuation_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "valuation_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so ids stay out of labels.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
