package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check. Critical checks take
// the console out of rotation when they fail; the others only degrade it.
type CheckResult struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks are the console's dependencies. Nil checkers are skipped.
//
// The rules backend, its contract and the idempotency store are critical:
// without them no list can load or no submission can be deduplicated. The
// audit store is not, since a failed audit write never fails a submission.
type ReadinessChecks struct {
	BackendContract  HealthChecker
	RulesBackend     HealthChecker
	IdempotencyStore HealthChecker
	AuditStore       HealthChecker
}

type namedCheck struct {
	checker  HealthChecker
	critical bool
}

func (c ReadinessChecks) named() map[string]namedCheck {
	out := map[string]namedCheck{}
	add := func(name string, hc HealthChecker, critical bool) {
		if hc != nil {
			out[name] = namedCheck{checker: hc, critical: critical}
		}
	}
	add("backend_contract", c.BackendContract, true)
	add("rules_backend", c.RulesBackend, true)
	add("idempotency_store", c.IdempotencyStore, true)
	add("audit_store", c.AuditStore, false)
	return out
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady serves the readiness endpoint, running every check
// concurrently under its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make(map[string]CheckResult, len(named))
		var mu sync.Mutex
		var wg sync.WaitGroup

		for name, nc := range named {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := runCheck(r.Context(), nc.checker)
				result.Critical = nc.critical
				mu.Lock()
				results[name] = result
				mu.Unlock()
			}()
		}
		wg.Wait()

		status := readiness(results)
		code := http.StatusOK
		if status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func readiness(results map[string]CheckResult) string {
	status := StatusReady
	for _, res := range results {
		if res.Status == "ok" {
			continue
		}
		if res.Critical {
			return StatusNotReady
		}
		status = StatusDegraded
	}
	return status
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
