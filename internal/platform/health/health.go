// Package health runs dependency probes for the readiness endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultCheckTimeout = 1500 * time.Millisecond

// Report and check statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// Dependency describes a probe executed during readiness checks. Check returns an optional
// detail for a healthy dependency, or an error when it is not.
type Dependency struct {
	Name    string
	Timeout time.Duration
	Check   func(context.Context) (string, error)
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// Report aggregates dependency results.
type Report struct {
	Status      string
	Checks      map[string]CheckResult
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// Option customises a Checker.
type Option func(*Checker)

// WithTimeout overrides the timeout applied when a dependency omits its own.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Checker) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithClock injects a custom clock primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Checker) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithBuildInfo attaches build metadata to every report.
func WithBuildInfo(info BuildInfo) Option {
	return func(c *Checker) {
		c.build = info
	}
}

// Checker evaluates a fixed dependency set.
type Checker struct {
	deps           []Dependency
	defaultTimeout time.Duration
	now            func() time.Time
	build          BuildInfo
}

// NewChecker validates deps and returns a Checker.
func NewChecker(deps []Dependency, opts ...Option) (*Checker, error) {
	if len(deps) == 0 {
		return nil, errors.New("health: at least one dependency is required")
	}
	for _, dep := range deps {
		if strings.TrimSpace(dep.Name) == "" {
			return nil, errors.New("health: dependency missing name")
		}
		if dep.Check == nil {
			return nil, fmt.Errorf("health: dependency %s missing check function", dep.Name)
		}
	}

	c := &Checker{
		deps:           append([]Dependency(nil), deps...),
		defaultTimeout: defaultCheckTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.build.StartedAt.IsZero() {
		c.build.StartedAt = c.now()
	}
	return c, nil
}

// Build returns the build metadata.
func (c *Checker) Build() BuildInfo { return c.build }

// Collect runs every probe concurrently and aggregates the results. Any error result makes the
// report an error; otherwise any degraded result makes it degraded.
func (c *Checker) Collect(ctx context.Context) Report {
	results := make(map[string]CheckResult, len(c.deps))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	wg.Add(len(c.deps))
	for _, dep := range c.deps {
		go func(dep Dependency) {
			defer wg.Done()
			result := c.run(ctx, dep)
			mu.Lock()
			results[dep.Name] = result
			mu.Unlock()
		}(dep)
	}
	wg.Wait()

	status := StatusOK
	for _, result := range results {
		switch result.Status {
		case StatusError:
			status = StatusError
		case StatusDegraded:
			if status == StatusOK {
				status = StatusDegraded
			}
		}
	}

	now := c.now()
	return Report{
		Status:      status,
		Checks:      results,
		Version:     c.build.Version,
		CommitSHA:   c.build.CommitSHA,
		Environment: c.build.Environment,
		Uptime:      now.Sub(c.build.StartedAt),
		GeneratedAt: now,
	}
}

func (c *Checker) run(ctx context.Context, dep Dependency) CheckResult {
	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	detail, err := dep.Check(checkCtx)
	end := c.now()

	result := CheckResult{
		Status:    StatusOK,
		Detail:    detail,
		Latency:   end.Sub(start),
		CheckedAt: end,
	}
	if result.Detail == "" {
		result.Detail = "ok"
	}

	switch {
	case err == nil && checkCtx.Err() != nil:
		// Returned nil after its deadline passed.
		result.Status = StatusError
		result.Detail = checkCtx.Err().Error()
		result.Error = checkCtx.Err().Error()
	case err == nil:
	case errors.Is(err, context.Canceled):
		result.Status = StatusError
		result.Detail = "cancelled"
		result.Error = err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = StatusError
		result.Detail = "timeout"
		result.Error = err.Error()
	default:
		result.Status = StatusDegraded
		result.Detail = err.Error()
		result.Error = err.Error()
	}
	return result
}
