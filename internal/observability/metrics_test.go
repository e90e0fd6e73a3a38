package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Record a value for each vector so it appears in Gather.
	m.RecordHTTPRequest("GET", "/ui/console", 200, time.Millisecond, 0, 100)
	m.RecordBackendRequest("list_rules", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState(0)
	m.RecordListFetch("applied")
	m.RecordValidationFailure("quantity")
	m.RecordMutation("create", "success", time.Millisecond)
	m.RecordDuplicateSubmit()
	m.RecordExport("success")
	m.SetActiveConsoles(1)
	m.RecordAccessCacheHit()
	m.RecordAccessCacheMiss()
	m.RecordMetadataCacheHit()
	m.RecordMetadataCacheMiss()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"rulesconsole_http_requests_total",
		"rulesconsole_http_request_duration_seconds",
		"rulesconsole_http_request_size_bytes",
		"rulesconsole_http_response_size_bytes",
		"rulesconsole_backend_requests_total",
		"rulesconsole_backend_request_duration_seconds",
		"rulesconsole_backend_circuit_breaker_state",
		"rulesconsole_list_fetches_total",
		"rulesconsole_validation_failures_total",
		"rulesconsole_mutations_total",
		"rulesconsole_mutation_duration_seconds",
		"rulesconsole_duplicate_submits_total",
		"rulesconsole_exports_total",
		"rulesconsole_active_consoles",
		"rulesconsole_access_cache_hits_total",
		"rulesconsole_access_cache_misses_total",
		"rulesconsole_metadata_cache_hits_total",
		"rulesconsole_metadata_cache_misses_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestNilMetrics_recordsNothing(t *testing.T) {
	var m *Metrics
	m.RecordListFetch("applied")
	m.RecordMutation("update", "failure", time.Millisecond)
	m.SetActiveConsoles(3)
}

func TestRecordListFetch(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordListFetch("applied")
	m.RecordListFetch("superseded")
	m.RecordListFetch("superseded")

	if got := testutil.ToFloat64(m.ListFetchesTotal.WithLabelValues("superseded")); got != 2 {
		t.Errorf("superseded fetches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ListFetchesTotal.WithLabelValues("applied")); got != 1 {
		t.Errorf("applied fetches = %v, want 1", got)
	}
}

func TestRecordMutation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordMutation("create", "success", 150*time.Millisecond)
	m.RecordMutation("update", "failure", 50*time.Millisecond)

	if got := testutil.ToFloat64(m.MutationsTotal.WithLabelValues("create", "success")); got != 1 {
		t.Errorf("create success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MutationsTotal.WithLabelValues("update", "failure")); got != 1 {
		t.Errorf("update failure = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.MutationDuration); count != 2 {
		t.Errorf("mutation duration series = %d, want 2", count)
	}
}

func TestRecordValidationFailure(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordValidationFailure("quantity")
	m.RecordValidationFailure("quantity")

	if got := testutil.ToFloat64(m.ValidationFailuresTotal.WithLabelValues("quantity")); got != 2 {
		t.Errorf("validation failures = %v, want 2", got)
	}
}

func TestSetBackendCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState(2)
	if got := testutil.ToFloat64(m.BackendCircuitBreakerState); got != 2 {
		t.Errorf("circuit breaker state = %v, want 2", got)
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ui/console/rules/{ruleId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ui/console/rules/r-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/console/rules/{ruleId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/ui/console/editor/submit", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/ui/console/editor/submit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/console/editor/submit", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}
