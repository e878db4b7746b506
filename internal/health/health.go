// Package health provides a registry of named subsystem health checks
// (record store, balance sources, monitor load).
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail,omitempty"`
}

// Checker reports the health of one subsystem. Name and Critical are
// filled in by the registry.
type Checker func(ctx context.Context) Status

// Registry holds named health checks and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name     string
	critical bool
	check    Checker
}

// NewRegistry creates a registry whose checks each get timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a check whose failure makes the service unhealthy.
func (r *Registry) Register(name string, check Checker) {
	r.add(name, true, check)
}

// RegisterInformational adds a check that is reported but never fails
// the aggregate (e.g. an oracle source that has a fallback).
func (r *Registry) RegisterInformational(name string, check Checker) {
	r.add(name, false, check)
}

func (r *Registry) add(name string, critical bool, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, critical: critical, check: check})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns the aggregate plus
// per-subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if s.Critical && !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) (st Status) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			st = Status{Detail: "check panicked"}
		}
		st.Name = nc.name
		st.Critical = nc.critical
	}()

	done := make(chan Status, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- Status{Detail: "check panicked"}
			}
		}()
		done <- nc.check(ctx)
	}()

	select {
	case st = <-done:
	case <-ctx.Done():
		st = Status{Detail: "check timed out"}
	}
	return st
}
