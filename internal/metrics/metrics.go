package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treepot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treepot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treepot_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Ledger metrics
	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treepot_revshare_allocations_total",
			Help: "Total number of revenue-share allocation passes",
		},
		[]string{"status"},
	)

	AllocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treepot_revshare_allocation_duration_seconds",
			Help:    "Duration of revenue-share allocation passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	RevenueDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treepot_revenue_deferred_units_total",
			Help: "Revenue injected into branches, in currency units",
		},
	)

	RevenueForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treepot_revenue_forwarded_units_total",
			Help: "Revenue forwarded by allocation, in currency units",
		},
		[]string{"target"}, // "parent", "winner"
	)

	AllocationBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treepot_revshare_allocation_batch_size",
			Help: "Dirty branches picked up by the last allocation sweep, capped at the sweep limit",
		},
	)
)

// Middleware records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordAllocation records one allocation pass.
func RecordAllocation(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	AllocationsTotal.WithLabelValues(status).Inc()
	AllocationDuration.Observe(duration.Seconds())
}
