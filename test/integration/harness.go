// Package integration provides a reusable test harness for end-to-end
// testing of the rules console. It starts the full HTTP server against an
// in-process rules backend, in-memory stores, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/rulesconsole/internal/audit"
	"github.com/pitabwire/rulesconsole/internal/config"
	"github.com/pitabwire/rulesconsole/internal/console"
	"github.com/pitabwire/rulesconsole/internal/export"
	"github.com/pitabwire/rulesconsole/internal/fieldmeta"
	"github.com/pitabwire/rulesconsole/internal/mutation"
	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/internal/query"
	"github.com/pitabwire/rulesconsole/internal/rulesapi"
	"github.com/pitabwire/rulesconsole/internal/transport"
	"github.com/pitabwire/rulesconsole/internal/validation"
	"github.com/pitabwire/rulesconsole/model"
)

// ConsolePath is the mount point of the console routes.
const ConsolePath = "/ui/console"

// TestHarness is a fully wired console server with a mock backend.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	Backend  *MockBackend
	Client   *rulesapi.Client
	Consoles *console.Manager
	Audit    *audit.MemoryStore
	Metrics  *observability.Metrics

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	handlerTimeout     time.Duration
	backendTimeout     time.Duration
	breakerThreshold   int
	idempotencyEnabled bool
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithBackendTimeout sets the rules client timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.backendTimeout = d }
}

// WithBreakerThreshold sets how many backend failures open the breaker.
func WithBreakerThreshold(n int) HarnessOption {
	return func(c *harnessConfig) { c.breakerThreshold = n }
}

// WithIdempotency enables submission dedupe with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) { c.idempotencyEnabled = true }
}

// NewTestHarness creates and starts a console server. It is closed when the
// test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:   10 * time.Second,
		backendTimeout:   5 * time.Second,
		breakerThreshold: 5,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t)
	h := &TestHarness{
		t:       t,
		Backend: newMockBackend(t),
		issuer:  newTokenIssuer(t),
		Audit:   audit.NewMemoryStore(100),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
	}

	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.issuer
	cfg.Identity.Audience = h.issuer.audience
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Backend.BaseURL = h.Backend.URL()
	cfg.Backend.Timeout = hc.backendTimeout
	cfg.Backend.CircuitBreaker.FailureThreshold = hc.breakerThreshold
	h.cfg = cfg

	h.Client = rulesapi.New(cfg.Backend,
		rulesapi.WithLogger(logger),
		rulesapi.WithMetrics(h.Metrics),
	)

	gateOpts := []mutation.GateOption{
		mutation.WithGateLogger(logger),
		mutation.WithGateMetrics(h.Metrics),
		mutation.WithObserver(mutation.MetricsObserver{Metrics: h.Metrics}),
		mutation.WithObserver(audit.NewRecorder(h.Audit, logger)),
	}
	if hc.idempotencyEnabled {
		gateOpts = append(gateOpts, mutation.WithIdempotencyStore(mutation.NewMemoryIdempotencyStore(), time.Minute))
	}

	h.Consoles = console.NewManager(console.Deps{
		Access:   h.Client,
		Metadata: fieldmeta.NewProvider(h.Client, time.Minute, logger, h.Metrics),
		Rules:    h.Client,
		Gate:     mutation.NewGate(h.Client, gateOpts...),
		Engine:   validation.Default(logger),
		Exporter: export.NewExporter(h.Client, logger, h.Metrics),
		Query: query.Options{
			PageSizes:        cfg.Query.PageSizeOptions,
			DefaultPageSize:  cfg.Query.DefaultPageSize,
			DefaultSortField: cfg.Query.DefaultSortField,
		},
		Logger:  logger,
		Metrics: h.Metrics,
	}, time.Hour)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      h.Metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Consoles:     h.Consoles,
		Audit:        h.Audit,
		Readiness:    observability.ReadinessChecks{RulesBackend: h.Client},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// LoginWriter grants full write access to subject and returns its token.
func (h *TestHarness) LoginWriter(subject string) string {
	h.Backend.GrantAccess(subject, model.UserAccess{
		Role:        model.RoleWriteAccess,
		Permissions: []string{model.PermissionCreate, model.PermissionEdit, model.PermissionExport},
	})
	return h.GenerateToken(TestClaims{SubjectID: subject, Email: subject + "@rules.test", Role: model.RoleWriteAccess})
}

// LoginReader returns a token for subject with read-only access.
func (h *TestHarness) LoginReader(subject string) string {
	h.Backend.GrantAccess(subject, model.UserAccess{Role: model.RoleReadOnly, Permissions: []string{}})
	return h.GenerateToken(TestClaims{SubjectID: subject, Email: subject + "@rules.test", Role: model.RoleReadOnly})
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPost, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPut, path, body, token, nil)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.Do(http.MethodPatch, path, body, token, nil)
}

// Do performs a request against the console server.
func (h *TestHarness) Do(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		// Keep Content-Encoding visible to the test.
		Transport: &http.Transport{DisableCompression: true},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertJSON checks the status and parses the body into target.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorBody is the console's error response shape.
type ErrorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// RuleFixture returns a complete, valid rule.
func RuleFixture(seq, ruleType, mdState string) model.Rule {
	return model.Rule{SequenceNumber: seq, RuleType: ruleType, MDState: mdState, ShipToState: mdState}
}
