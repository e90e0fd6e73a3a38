// Package rulesapi is the HTTP client for the regulatory rules backend.
package rulesapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/config"
	"github.com/pitabwire/rulesconsole/internal/observability"
	"github.com/pitabwire/rulesconsole/model"
)

// Backend operation names, used for metrics, spans and logs.
const (
	OpFieldMetadata = "field_metadata"
	OpListRules     = "list_rules"
	OpCreateRule    = "create_rule"
	OpUpdateRule    = "update_rule"
	OpExportRules   = "export_rules"
	OpUserAccess    = "user_access"
)

const defaultMaxBodyBytes = 10 << 20

// Client calls the rules backend. A single breaker guards every operation.
// There is no retry.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
	maxBody int64
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics enables backend request metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for the backend described by cfg.
func New(cfg config.BackendConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Timeout,
		),
		maxBody: maxBody,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.OnStateChange(func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(s))
		c.logger.Warn("rules backend circuit breaker state changed", zap.String("state", s.String()))
	})
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// HealthCheck reports the backend unhealthy while the breaker is open.
func (c *Client) HealthCheck(context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// FieldMetadata fetches the field schema.
func (c *Client) FieldMetadata(ctx context.Context) (model.FieldMetadata, error) {
	var fields model.FieldMetadata
	if err := c.doJSON(ctx, OpFieldMetadata, http.MethodGet, "/rules/fields", nil, nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// ListRules fetches one page of rules.
func (c *Client) ListRules(ctx context.Context, q model.QueryDescriptor) (model.RulePage, error) {
	var page model.RulePage
	if err := c.doJSON(ctx, OpListRules, http.MethodGet, "/rules", q.Values(), nil, &page); err != nil {
		return model.RulePage{}, err
	}
	if page.Content == nil {
		page.Content = []model.Rule{}
	}
	return page, nil
}

// CreateRule posts a new rule. Any id on the input is dropped.
func (c *Client) CreateRule(ctx context.Context, rule model.Rule) (model.Rule, error) {
	rule.ID = ""
	var created model.Rule
	if err := c.doJSON(ctx, OpCreateRule, http.MethodPost, "/rules", nil, rule, &created); err != nil {
		return model.Rule{}, err
	}
	return created, nil
}

// UpdateRule replaces the rule with the given id.
func (c *Client) UpdateRule(ctx context.Context, id string, rule model.Rule) (model.Rule, error) {
	if id == "" {
		return model.Rule{}, errors.New("rulesapi: update requires an id")
	}
	rule.ID = id
	var updated model.Rule
	path := "/rules/" + url.PathEscape(id)
	if err := c.doJSON(ctx, OpUpdateRule, http.MethodPut, path, nil, rule, &updated); err != nil {
		return model.Rule{}, err
	}
	return updated, nil
}

// UserAccess fetches the caller's role and permissions.
func (c *Client) UserAccess(ctx context.Context) (model.UserAccess, error) {
	var ua model.UserAccess
	if err := c.doJSON(ctx, OpUserAccess, http.MethodGet, "/rules/user/access", nil, nil, &ua); err != nil {
		return model.UserAccess{}, err
	}
	return ua, nil
}

// ExportRules streams the CSV export for the given filters into w and
// returns the number of bytes copied. The stream is not size-capped.
func (c *Client) ExportRules(ctx context.Context, filters model.FilterMap, w io.Writer) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "rulesapi."+OpExportRules,
		observability.AttrOperation.String(OpExportRules))
	n, err := c.exportRules(ctx, filters, w)
	observability.EndSpanWithError(span, err)
	return n, err
}

func (c *Client) exportRules(ctx context.Context, filters model.FilterMap, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, OpExportRules, http.MethodGet, "/rules/extract", filters.Values(), nil, "text/csv")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("rulesapi: stream export: %w", err)
	}
	return n, nil
}

// doJSON executes a request and decodes a JSON response into out.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	ctx, span := observability.StartSpan(ctx, "rulesapi."+op, observability.AttrOperation.String(op))
	err := c.doJSONSpan(ctx, op, method, path, query, body, out)
	observability.EndSpanWithError(span, err)
	return err
}

func (c *Client) doJSONSpan(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rulesapi: marshal body: %w", err)
		}
	}

	resp, err := c.send(ctx, op, method, path, query, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return fmt.Errorf("rulesapi: read response: %w", err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rulesapi: decode %s response: %w", op, err)
	}
	return nil
}

// send performs one request under the circuit breaker. On a 2xx status the
// caller owns the response body; any other status is turned into an
// *APIError and the body is closed.
func (c *Client) send(ctx context.Context, op, method, path string, query url.Values, payload []byte, accept string) (*http.Response, error) {
	logger := observability.RequestLogger(ctx, c.logger)

	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordBackendRequest(op, 0, 0)
		logger.Warn("rules backend call rejected", zap.String("operation", op), zap.Error(err))
		return nil, model.NewBackendUnavailableError()
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("rulesapi: build request: %w", err)
	}
	req.Header = buildRequestHeaders(model.RequestContextFrom(ctx), method, accept)
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(op, 0, time.Since(start))
		logger.Error("rules backend request failed", zap.String("operation", op), zap.Error(err))
		if ctx.Err() != nil || isTimeout(err) {
			return nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return nil, model.NewBackendUnavailableError()
		}
		return nil, fmt.Errorf("rulesapi: request failed: %w", err)
	}
	c.metrics.RecordBackendRequest(op, resp.StatusCode, time.Since(start))

	// 4xx are caller problems, not backend failures.
	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
	case resp.StatusCode < 400:
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	apiErr := decodeAPIError(resp.StatusCode, data)
	logStatus(logger, op, apiErr)
	return nil, apiErr
}

// decodeAPIError builds an APIError from a non-2xx body. Bodies that are not
// the backend's JSON error shape are kept as plain text.
func decodeAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var se model.ServerError
		if err := json.Unmarshal(trimmed, &se); err == nil {
			if se.Status == 0 {
				se.Status = status
			}
			apiErr.Server = &se
			return apiErr
		}
	}
	if len(trimmed) > 0 && len(trimmed) <= 512 {
		apiErr.Message = string(trimmed)
	} else {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func buildRequestHeaders(rctx *model.RequestContext, method, accept string) http.Header {
	h := make(http.Header)
	h.Set("Accept", accept)
	if method == http.MethodPost || method == http.MethodPut {
		h.Set("Content-Type", "application/json")
	}
	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
