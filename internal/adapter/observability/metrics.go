package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs accepted into the pending queue",
		},
		[]string{"service"},
	)
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_claimed_total",
			Help: "Total number of successful job claims",
		},
		[]string{"service"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"service"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of terminal job failures",
		},
		[]string{"service"},
	)
	JobsRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_requeued_total",
			Help: "Total number of jobs returned to the pending queue",
		},
		[]string{"reason"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Currently open WebSocket and SSE connections by kind",
		},
		[]string{"kind"},
	)
	EventsFanoutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_fanout_total",
			Help: "Domain events delivered to downstream audiences",
		},
		[]string{"type", "audience"},
	)
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Domain events dropped due to slow or dead consumers",
		},
		[]string{"audience"},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "workers_active",
			Help: "Workers with a live heartbeat at the last janitor pass",
		},
	)
	PendingQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_pending_depth",
			Help: "Size of the pending sorted set at the last janitor pass",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRequeuedTotal)
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(EventsFanoutTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(PendingQueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
