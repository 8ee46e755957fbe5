// Package metrics provides Prometheus instrumentation for the lending indexer.
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
	// EventsProcessed counts events applied, partitioned by kind and result.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendidx_events_processed_total",
		Help: "Total number of events handled",
	}, []string{"kind", "result"})

	// HandlerLatency tracks time spent applying one event, store commit included.
	HandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lendidx_handler_latency_seconds",
		Help:    "Event handler latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// EventsDropped counts events skipped because a referenced entity could
	// not be resolved.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendidx_events_dropped_total",
		Help: "Events dropped without effect",
	}, []string{"reason"})

	// RevertedCalls counts optional contract reads that reverted and were
	// replaced by a default.
	RevertedCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendidx_reverted_calls_total",
		Help: "Optional contract calls that reverted",
	}, []string{"method"})

	// MarketRefreshes counts refresh attempts by result (refreshed|skipped).
	MarketRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendidx_market_refreshes_total",
		Help: "Market refresh attempts",
	}, []string{"result"})

	// DuplicateRecords counts history records and markers that already existed.
	DuplicateRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendidx_duplicate_records_total",
		Help: "Replayed history records and markers left untouched",
	}, []string{"kind"})

	// TrackedMarkets tracks the number of markets materialized.
	TrackedMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lendidx_tracked_markets",
		Help: "Number of markets known to the indexer",
	})

	// StreamPending tracks entries read but not yet acknowledged.
	StreamPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lendidx_stream_pending",
		Help: "Stream entries delivered to this consumer and not yet acknowledged",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lendidx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lendidx_http_request_duration_seconds",
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
