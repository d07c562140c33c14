package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CheckFunc reports whether a component is healthy. It returns nil when
// healthy and an error describing the problem otherwise.
type CheckFunc func(ctx context.Context) error

// Check result and overall statuses.
const (
	StatusOK        = "ok"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusDegraded  = "degraded"
)

// CheckResult is the result of a single health check.
type CheckResult struct {
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Status is the overall health of the gateway.
type Status struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Mode      string                 `json:"mode,omitempty"`
	Uptime    float64                `json:"uptime_seconds"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ErrCheckTimeout is reported when a check does not return within the
// checker timeout.
var ErrCheckTimeout = errors.New("health check timeout")

// Options configure a Checker.
type Options struct {
	// Timeout bounds each check. Default: 5s.
	Timeout time.Duration

	// Version is reported by every status.
	Version string

	// Mode reports the current enforcement mode. Optional.
	Mode func() string
}

// Checker runs the registered readiness checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc

	timeout time.Duration
	version string
	mode    func() string
	started time.Time
}

// New creates a checker.
func New(opts Options) *Checker {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: opts.Timeout,
		version: opts.Version,
		mode:    opts.Mode,
		started: time.Now(),
	}
}

// RegisterCheck registers check under name, replacing any previous one.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// ListChecks returns the registered check names in sorted order.
func (c *Checker) ListChecks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckLiveness reports that the process is up. It runs no checks.
func (c *Checker) CheckLiveness(_ context.Context) Status {
	return c.status(StatusOK, nil)
}

// CheckReadiness runs every registered check concurrently. The gateway is
// ready when all of them pass and degraded otherwise.
func (c *Checker) CheckReadiness(ctx context.Context) Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
		g       errgroup.Group
	)
	for name, check := range checks {
		g.Go(func() error {
			res := c.runCheck(ctx, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := StatusReady
	for _, res := range results {
		if res.Status != StatusOK {
			overall = StatusDegraded
			break
		}
	}
	return c.status(overall, results)
}

func (c *Checker) status(overall string, checks map[string]CheckResult) Status {
	s := Status{
		Status:    overall,
		Version:   c.version,
		Uptime:    time.Since(c.started).Seconds(),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	}
	if c.mode != nil {
		s.Mode = c.mode()
	}
	return s
}

// runCheck runs check with the checker timeout. A check that ignores its
// context is abandoned, not waited for.
func (c *Checker) runCheck(ctx context.Context, check CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- check(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ErrCheckTimeout
	}

	res := CheckResult{
		Status:     StatusOK,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}
