// Package health provides liveness and readiness reporting for the emulator.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one named check.
type Result struct {
	Status  Status        `json:"status"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsedNs"`
}

// CheckFunc checks one dependency.
type CheckFunc func(ctx context.Context) (Status, string)

// Report aggregates a full check run.
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]Result `json:"checks"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Checker manages health checks for the emulator's dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    Report
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: DefaultTimeout,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// SetTimeout overrides the per-check timeout.
func (c *Checker) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Register adds or replaces a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Names returns the registered check names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.checks))
	for n := range c.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunAll executes all checks concurrently and remembers the report.
func (c *Checker) RunAll(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	timeout := c.timeout
	c.mu.RUnlock()

	results := make(map[string]Result, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			s, detail := f(checkCtx)
			if s != StatusOK {
				c.logger.Warn().Str("check", n).Str("status", string(s)).Str("detail", detail).Msg("health check not ok")
			}
			mu.Lock()
			results[n] = Result{Status: s, Detail: detail, Elapsed: time.Since(start)}
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{Status: "ready", Checks: results, CheckedAt: time.Now().UTC()}
	if !ready(results) {
		report.Status = "not_ready"
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// Last returns the most recent report without running any checks.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// IsReady returns true unless some check reports StatusDown.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.RunAll(ctx).Status == "ready"
}

func ready(results map[string]Result) bool {
	for _, r := range results {
		if r.Status == StatusDown {
			return false
		}
	}
	return true
}

// LivenessHandler returns an HTTP handler for /health (liveness).
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /ready (readiness).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		report := c.RunAll(r.Context())
		if report.Status == "ready" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	}
}

// Pinger is satisfied by storage backends such as the delivery ledger.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports StatusDown when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		if err := p.Ping(ctx); err != nil {
			return StatusDown, err.Error()
		}
		return StatusOK, ""
	}
}

// CapacityCheck reports StatusDegraded once count() exceeds soft.
// A non-positive soft limit disables the threshold.
func CapacityCheck(count func() int, soft int) CheckFunc {
	return func(ctx context.Context) (Status, string) {
		n := count()
		if soft > 0 && n > soft {
			return StatusDegraded, "above soft limit"
		}
		return StatusOK, ""
	}
}
