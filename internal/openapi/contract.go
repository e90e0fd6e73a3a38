// Package openapi checks the rules backend's published OpenAPI document for
// the operations the console calls.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
)

// Endpoint is a backend operation identified by method and path template.
type Endpoint struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func (e Endpoint) String() string { return e.Method + " " + e.Path }

// RequiredEndpoints are the backend operations the console depends on.
var RequiredEndpoints = []Endpoint{
	{Method: http.MethodGet, Path: "/rules/fields"},
	{Method: http.MethodGet, Path: "/rules"},
	{Method: http.MethodPost, Path: "/rules"},
	{Method: http.MethodPut, Path: "/rules/{id}"},
	{Method: http.MethodGet, Path: "/rules/extract"},
	{Method: http.MethodGet, Path: "/rules/user/access"},
}

var pathParam = regexp.MustCompile(`\{[^}/]+\}`)

// normalizePath replaces every path parameter name with "{}" so that
// /rules/{ruleId} and /rules/{id} compare equal.
func normalizePath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		p = "/"
	}
	return pathParam.ReplaceAllString(p, "{}")
}

// Contract is the indexed set of operations a backend document declares.
type Contract struct {
	operations map[string]string // "METHOD normalized-path" -> operationId
	paths      []string
}

// LoadContract parses and validates the document at path.
func LoadContract(ctx context.Context, path string) (*Contract, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: validating %s: %w", path, err)
	}

	c := &Contract{operations: make(map[string]string)}
	for p, item := range doc.Paths.Map() {
		norm := normalizePath(p)
		c.paths = append(c.paths, norm)
		for method, op := range item.Operations() {
			c.operations[strings.ToUpper(method)+" "+norm] = op.OperationID
		}
	}
	sort.Strings(c.paths)
	return c, nil
}

// Has reports whether the document declares method on path. Document paths
// may carry a prefix such as /api ahead of the template.
func (c *Contract) Has(method, path string) bool {
	want := normalizePath(path)
	method = strings.ToUpper(method)
	for key := range c.operations {
		m, p, _ := strings.Cut(key, " ")
		if m == method && (p == want || strings.HasSuffix(p, want)) {
			return true
		}
	}
	return false
}

// Missing returns the endpoints not declared by the document, in the order
// given.
func (c *Contract) Missing(endpoints []Endpoint) []Endpoint {
	var out []Endpoint
	for _, e := range endpoints {
		if !c.Has(e.Method, e.Path) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of declared operations.
func (c *Contract) Len() int { return len(c.operations) }

// ErrContractMismatch is returned when the document lacks required
// endpoints.
var ErrContractMismatch = errors.New("openapi: backend contract is missing required operations")

// Checker verifies the backend contract and serves as a readiness check.
// With no document configured every check passes.
type Checker struct {
	path      string
	endpoints []Endpoint
	logger    *zap.Logger

	mu     sync.Mutex
	passed bool
}

// NewChecker creates a checker for the document at path.
func NewChecker(path string, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{path: path, endpoints: RequiredEndpoints, logger: logger}
}

// Enabled reports whether a document is configured.
func (c *Checker) Enabled() bool { return c.path != "" }

// Check loads the document and verifies it. A passing result is remembered;
// a failing one is retried on the next call.
func (c *Checker) Check(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.passed {
		return nil
	}

	contract, err := LoadContract(ctx, c.path)
	if err != nil {
		c.logger.Error("backend contract could not be loaded", zap.String("path", c.path), zap.Error(err))
		return err
	}

	missing := contract.Missing(c.endpoints)
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, e := range missing {
			names[i] = e.String()
		}
		c.logger.Error("backend contract is missing operations",
			zap.String("path", c.path),
			zap.Strings("missing", names),
		)
		return fmt.Errorf("%w: %s", ErrContractMismatch, strings.Join(names, ", "))
	}

	c.logger.Info("backend contract verified",
		zap.String("path", c.path),
		zap.Int("operations", contract.Len()),
	)
	c.passed = true
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (c *Checker) HealthCheck(ctx context.Context) error {
	return c.Check(ctx)
}
