// Package metrics provides Prometheus instrumentation for the execution engine.
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
	// IntentsTotal counts trade intents accepted into the pipeline.
	IntentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_trade_intents_total",
		Help: "Total trade intents accepted",
	})

	// OrdersCreated counts net orders produced by aggregation.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_net_orders_created_total",
		Help: "Total net orders created by the aggregator",
	})

	// OrdersCompleted counts completed orders by fill classification.
	OrdersCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_net_orders_completed_total",
		Help: "Total net orders completed, by fill classification",
	}, []string{"fill_info"})

	// FillsProcessed counts broker fills applied to orders.
	FillsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_fills_processed_total",
		Help: "Total broker fills processed",
	})

	// FillsBuffered counts fills parked because they arrived before the
	// order's SENT state was durable.
	FillsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_fills_buffered_total",
		Help: "Fills buffered awaiting order state catch-up",
	})

	// DistributionsTotal counts distribution records written.
	DistributionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_distributions_total",
		Help: "Total fill distributions written",
	})

	// DiscrepanciesTotal counts fatal desynchronization faults by kind.
	DiscrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_discrepancies_total",
		Help: "Fatal discrepancies routed to manual review, by kind",
	}, []string{"kind"})

	// RealizedGains counts realized gain/loss records by holding period.
	RealizedGains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_realized_gains_total",
		Help: "Realized gain/loss records written, by holding period",
	}, []string{"period"})

	// BatchDuration tracks end-to-end batch run latency.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_batch_duration_seconds",
		Help:    "Batch aggregation+send duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
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
