package metrics

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
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	campaignsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_campaigns_created_total",
			Help: "Campaigns created by the generator",
		},
		[]string{"channel"},
	)

	dispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_dispatch_attempts_total",
			Help: "Dispatch attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	eventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_events_total",
			Help: "Provider events by type and result",
		},
		[]string{"type", "result"},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retention_scheduler_phase_duration_seconds",
			Help:    "Duration of scheduler phases",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	cycleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_scheduler_phase_failures_total",
			Help: "Scheduler phases aborted by store errors",
		},
		[]string{"phase"},
	)
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency keyed by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordCampaignCreated(channel string) {
	campaignsCreated.WithLabelValues(channel).Inc()
}

func RecordDispatch(channel, outcome string) {
	dispatchAttempts.WithLabelValues(channel, outcome).Inc()
}

func RecordEvent(eventType, result string) {
	eventsApplied.WithLabelValues(eventType, result).Inc()
}

func ObservePhase(phase string, d time.Duration) {
	cycleDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func RecordPhaseFailure(phase string) {
	cycleFailures.WithLabelValues(phase).Inc()
}
