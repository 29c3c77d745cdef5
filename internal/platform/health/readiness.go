// Package health runs dependency probes for the readiness endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultCheckTimeout = 1500 * time.Millisecond

// Status summarises the outcome of a probe or of the whole report.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Check probes a single dependency. Optional checks degrade the report instead of failing it.
type Check struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Probe    func(context.Context) error
}

// Result records one probe execution.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latencyMs"`
}

// Report aggregates the results of every configured check.
type Report struct {
	Status      Status    `json:"status"`
	Checks      []Result  `json:"checks"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Ready reports whether the service should receive traffic.
func (r Report) Ready() bool {
	return r.Status != StatusError
}

// Option customises a Checker.
type Option func(*Checker)

// WithDefaultTimeout overrides the timeout applied when a check omits its own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) {
		if now != nil {
			c.now = now
		}
	}
}

// Checker evaluates its checks concurrently, each under its own deadline.
type Checker struct {
	checks         []Check
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewChecker validates the check set and returns a Checker.
func NewChecker(checks []Check, opts ...Option) (*Checker, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: at least one check is required")
	}
	seen := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		if name == "" {
			return nil, errors.New("health: check name is required")
		}
		if check.Probe == nil {
			return nil, fmt.Errorf("health: check %s has no probe", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("health: duplicate check %s", name)
		}
		seen[name] = struct{}{}
	}

	c := &Checker{
		checks:         append([]Check(nil), checks...),
		defaultTimeout: defaultCheckTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run executes every probe and returns the aggregated report sorted by check name.
func (c *Checker) Run(ctx context.Context) Report {
	results := make([]Result, len(c.checks))
	var wg sync.WaitGroup
	wg.Add(len(c.checks))
	for i, check := range c.checks {
		go func(i int, check Check) {
			defer wg.Done()
			results[i] = c.probe(ctx, check)
		}(i, check)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	status := StatusOK
	for _, r := range results {
		switch r.Status {
		case StatusError:
			status = StatusError
		case StatusDegraded:
			if status == StatusOK {
				status = StatusDegraded
			}
		}
	}
	return Report{Status: status, Checks: results, GeneratedAt: c.now().UTC()}
}

func (c *Checker) probe(ctx context.Context, check Check) Result {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	err := check.Probe(checkCtx)
	if err == nil && checkCtx.Err() != nil {
		err = checkCtx.Err()
	}
	elapsed := c.now().Sub(start)

	result := Result{Name: check.Name, Status: StatusOK, Latency: elapsed, LatencyMS: elapsed.Milliseconds()}
	if err == nil {
		return result
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result.Error = "timeout"
	case errors.Is(err, context.Canceled):
		result.Error = "canceled"
	default:
		result.Error = err.Error()
	}
	if check.Optional {
		result.Status = StatusDegraded
	} else {
		result.Status = StatusError
	}
	return result
}
