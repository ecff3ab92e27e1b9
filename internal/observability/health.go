package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck implements HealthChecker.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what must hold before the service takes traffic.
// Definitions and regions are always checked; a nil func counts as not
// loaded. Database and Redis are checked only when set. A stale region
// snapshot still counts as loaded.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool
	RegionsLoaded     func() bool

	Database HealthChecker
	Redis    HealthChecker
}

const checkTimeout = 2 * time.Second

func (c ReadinessChecks) checkers() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"definitions": loaded(c.DefinitionsLoaded, "no definitions loaded"),
		"regions":     loaded(c.RegionsLoaded, "no regions loaded"),
	}
	if c.Database != nil {
		out["database"] = c.Database
	}
	if c.Redis != nil {
		out["redis"] = c.Redis
	}
	return out
}

func loaded(fn func() bool, msg string) HealthChecker {
	return HealthCheckFunc(func(context.Context) error {
		if fn == nil || !fn() {
			return errors.New(msg)
		}
		return nil
	})
}

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every check concurrently, each under its own timeout, and
// answers 503 if any fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := checks.checkers()
		results := make(map[string]CheckResult, len(checkers))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, c := range checkers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), c)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status, res.Error = "error", err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
