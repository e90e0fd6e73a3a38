package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the console. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Rules backend metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge

	// Console metrics
	ListFetchesTotal        *prometheus.CounterVec
	ValidationFailuresTotal *prometheus.CounterVec
	MutationsTotal          *prometheus.CounterVec
	MutationDuration        *prometheus.HistogramVec
	DuplicateSubmitsTotal   prometheus.Counter
	ExportsTotal            *prometheus.CounterVec
	ActiveConsoles          prometheus.Gauge

	// Cache metrics
	AccessCacheHitsTotal     prometheus.Counter
	AccessCacheMissesTotal   prometheus.Counter
	MetadataCacheHitsTotal   prometheus.Counter
	MetadataCacheMissesTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesconsole_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesconsole_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesconsole_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesconsole_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesconsole_backend_requests_total",
			Help: "Total number of rules backend requests.",
		}, []string{"operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesconsole_backend_request_duration_seconds",
			Help:    "Rules backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulesconsole_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Console
		ListFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesconsole_list_fetches_total",
			Help: "Total number of rule list fetches by outcome (applied, failed, superseded).",
		}, []string{"outcome"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesconsole_validation_failures_total",
			Help: "Total number of blocked submissions by offending field.",
		}, []string{"field"}),
		MutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesconsole_mutations_total",
			Help: "Total number of rule create/update calls.",
		}, []string{"operation", "outcome"}),
		MutationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulesconsole_mutation_duration_seconds",
			Help:    "Rule create/update duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		DuplicateSubmitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulesconsole_duplicate_submits_total",
			Help: "Total number of submissions answered from the idempotency store.",
		}),
		ExportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulesconsole_exports_total",
			Help: "Total number of CSV exports by outcome.",
		}, []string{"outcome"}),
		ActiveConsoles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulesconsole_active_consoles",
			Help: "Number of live console sessions.",
		}),

		// Cache
		AccessCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulesconsole_access_cache_hits_total",
			Help: "Total access cache hits.",
		}),
		AccessCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulesconsole_access_cache_misses_total",
			Help: "Total access cache misses.",
		}),
		MetadataCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulesconsole_metadata_cache_hits_total",
			Help: "Total field metadata cache hits.",
		}),
		MetadataCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulesconsole_metadata_cache_misses_total",
			Help: "Total field metadata cache misses.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		// Console
		m.ListFetchesTotal,
		m.ValidationFailuresTotal,
		m.MutationsTotal,
		m.MutationDuration,
		m.DuplicateSubmitsTotal,
		m.ExportsTotal,
		m.ActiveConsoles,
		// Cache
		m.AccessCacheHitsTotal,
		m.AccessCacheMissesTotal,
		m.MetadataCacheHitsTotal,
		m.MetadataCacheMissesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordBackendRequest records a rules backend request. status is 0 when no
// response was received.
func (m *Metrics) RecordBackendRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordListFetch records the outcome of one list fetch.
func (m *Metrics) RecordListFetch(outcome string) {
	if m == nil {
		return
	}
	m.ListFetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordValidationFailure records one field that blocked a submission.
func (m *Metrics) RecordValidationFailure(field string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(field).Inc()
}

// RecordMutation records a create or update call.
func (m *Metrics) RecordMutation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, outcome).Inc()
	m.MutationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDuplicateSubmit records a submission answered from the idempotency store.
func (m *Metrics) RecordDuplicateSubmit() {
	if m == nil {
		return
	}
	m.DuplicateSubmitsTotal.Inc()
}

// RecordExport records the outcome of a CSV export.
func (m *Metrics) RecordExport(outcome string) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveConsoles sets the number of live console sessions.
func (m *Metrics) SetActiveConsoles(n int) {
	if m == nil {
		return
	}
	m.ActiveConsoles.Set(float64(n))
}

// RecordAccessCacheHit records an access cache hit.
func (m *Metrics) RecordAccessCacheHit() {
	if m == nil {
		return
	}
	m.AccessCacheHitsTotal.Inc()
}

// RecordAccessCacheMiss records an access cache miss.
func (m *Metrics) RecordAccessCacheMiss() {
	if m == nil {
		return
	}
	m.AccessCacheMissesTotal.Inc()
}

// RecordMetadataCacheHit records a field metadata cache hit.
func (m *Metrics) RecordMetadataCacheHit() {
	if m == nil {
		return
	}
	m.MetadataCacheHitsTotal.Inc()
}

// RecordMetadataCacheMiss records a field metadata cache miss.
func (m *Metrics) RecordMetadataCacheMiss() {
	if m == nil {
		return
	}
	m.MetadataCacheMissesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &recordingWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// recordingWriter captures the status and body size written by a handler.
// The metrics and tracing middleware both wrap responses with it.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush lets streamed responses such as CSV exports pass through.
func (w *recordingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
