package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stash_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stash_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds, by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	wsSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stash_ws_subscribers",
			Help: "Live change-feed subscribers.",
		},
	)

	uploadSessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stash_upload_sessions_open",
			Help: "In-flight chunked upload sessions.",
		},
	)
)

// WithMetrics records request counts and latencies. Routes are labeled with
// the chi route pattern, not the raw path, so item ids never blow up metric
// cardinality.
func WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		mrw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(mrw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}

		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(mrw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// ObserveGauges samples the business gauges. Called on a timer from the app
// loop.
func ObserveGauges(subscribers, openSessions int) {
	wsSubscribers.Set(float64(subscribers))
	uploadSessionsOpen.Set(float64(openSessions))
}
