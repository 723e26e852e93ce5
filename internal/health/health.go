// Package health aggregates readiness checks over the orchestrator's
// dependencies. Critical check failures make the service not ready; the rest
// only show up in the report.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const checkTimeout = 5 * time.Second

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Result is the outcome of one check.
type Result struct {
	Name      string        `json:"name"`
	Healthy   bool          `json:"healthy"`
	Critical  bool          `json:"critical"`
	Error     string        `json:"error,omitempty"`
	LatencyMS int64         `json:"latency_ms"`
	Duration  time.Duration `json:"-"`
}

// Report is a full readiness snapshot.
type Report struct {
	Ready  bool     `json:"ready"`
	Checks []Result `json:"checks"`
}

// Registry holds the registered checks.
type Registry struct {
	mu     sync.RWMutex
	checks []check
	log    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{log: log}
}

// Register adds a check. Critical checks gate readiness.
func (r *Registry) Register(name string, critical bool, fn CheckFunc) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, critical: critical, fn: fn})
	r.mu.Unlock()
}

// Run executes every check concurrently and aggregates the report.
func (r *Registry) Run(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.fn(cctx)
			res := Result{
				Name:      c.name,
				Healthy:   err == nil,
				Critical:  c.critical,
				LatencyMS: time.Since(start).Milliseconds(),
				Duration:  time.Since(start),
			}
			if err != nil {
				res.Error = err.Error()
				r.log.Warn("health check failed",
					zap.String("check", c.name),
					zap.Bool("critical", c.critical),
					zap.Error(err))
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	report := Report{Ready: true, Checks: results}
	for _, res := range results {
		if res.Critical && !res.Healthy {
			report.Ready = false
		}
	}
	return report
}
