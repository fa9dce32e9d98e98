// Package health aggregates component probes for the admin endpoints.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a full round of checks.
const DefaultTimeout = 5 * time.Second

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		timeout:     timeout,
		started:     time.Now(),
		now:         time.Now,
	}
}

// Register adds a health check. Health checks report on the process as a
// whole and feed /health.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// RegisterReadiness adds a check that must pass before the process accepts
// work. Readiness checks feed /ready.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyChecks[name] = check
}

func (c *Checker) Check(ctx context.Context) Response {
	return c.run(ctx, c.snapshot(c.checks))
}

func (c *Checker) CheckReadiness(ctx context.Context) Response {
	return c.run(ctx, c.snapshot(c.readyChecks))
}

func (c *Checker) snapshot(m map[string]CheckFunc) map[string]CheckFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckFunc, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// run executes the checks concurrently. The worst status wins.
func (c *Checker) run(ctx context.Context, checks map[string]CheckFunc) Response {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	now := c.now()
	response := Response{
		Status:    StatusHealthy,
		Timestamp: now,
		Checks:    make(map[string]Check, len(checks)),
		Uptime:    now.Sub(c.started),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			check := fn(ctx)
			check.Name = name
			check.Duration = time.Since(start)
			check.LastChecked = start

			mu.Lock()
			defer mu.Unlock()
			response.Checks[name] = check
			response.Status = worse(response.Status, check.Status)
		}()
	}
	wg.Wait()
	return response
}

func worse(a, b Status) Status {
	rank := func(s Status) int {
		switch s {
		case StatusHealthy:
			return 0
		case StatusDegraded:
			return 1
		}
		return 2
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
