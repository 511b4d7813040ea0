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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsrelay_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsrelay_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsrelay_events_ingested_total",
			Help: "Events accepted by ingestion source",
		},
		[]string{"source"},
	)

	triggersMatched = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smsrelay_triggers_matched",
			Help:    "Triggers matched per ingested event",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25},
		},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsrelay_jobs_enqueued_total",
			Help: "Dispatch jobs enqueued, first attempts and retries",
		},
		[]string{"kind"},
	)

	dispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsrelay_dispatch_outcomes_total",
			Help: "Dispatch results by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	carrierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smsrelay_carrier_send_duration_seconds",
			Help:    "Carrier send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"carrier", "result"},
	)

	jobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smsrelay_jobs_in_flight",
			Help: "Dispatch jobs currently being processed",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smsrelay_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsrelay_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"tenant_id"},
	)

	statusCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smsrelay_status_callbacks_total",
			Help: "Carrier status updates by status and whether they changed the message",
		},
		[]string{"status", "applied"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smsrelay_circuit_breaker_state",
			Help: "Carrier circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"carrier"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordEventIngested(source string, matched int) {
	eventsIngested.WithLabelValues(source).Inc()
	triggersMatched.Observe(float64(matched))
}

// RecordJobEnqueued counts an enqueue; kind is "initial", "retry" or "replay".
func RecordJobEnqueued(kind string) {
	jobsEnqueued.WithLabelValues(kind).Inc()
}

// RecordDispatch counts a dispatch result: sent, skipped, failed, retried or
// duplicate, with the skip or failure reason.
func RecordDispatch(outcome, reason string) {
	dispatchOutcomes.WithLabelValues(outcome, reason).Inc()
}

func RecordCarrierSend(carrier string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	carrierLatency.WithLabelValues(carrier, result).Observe(d.Seconds())
}

func IncJobsInFlight() { jobsInFlight.Inc() }
func DecJobsInFlight() { jobsInFlight.Dec() }

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

func RecordStatusCallback(status string, applied bool) {
	statusCallbacks.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

// SetCircuitState records a breaker transition. Its signature matches
// circuitbreaker.Config.OnStateChange once the state is converted to int.
func SetCircuitState(carrier string, state int) {
	circuitState.WithLabelValues(carrier).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// path parameters (including API keys in webhook URLs) never become labels.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
