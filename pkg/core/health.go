// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Status    HealthStatus `json:"status"`
	Component string       `json:"component"`
	Message   string       `json:"message,omitempty"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthChecker checks the health of a collaborator (decision provider,
// memory store, ledger sink).
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthCheckFunc wraps a function as a health checker.
type HealthCheckFunc func(ctx context.Context) HealthResult

// Check implements HealthChecker.
func (f HealthCheckFunc) Check(ctx context.Context) HealthResult {
	return f(ctx)
}

// HealthRegistry runs registered checkers with a per-check timeout.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewHealthRegistry creates a registry. A zero timeout means 5s.
func NewHealthRegistry(timeout time.Duration) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{checkers: make(map[string]HealthChecker), timeout: timeout}
}

// Register adds or replaces the checker for name.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// CheckAll runs every checker in name order. The overall status is the
// worst individual status.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	r.mu.RLock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]HealthChecker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()
	sort.Strings(names)

	overall := HealthHealthy
	results := make([]HealthResult, 0, len(names))
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		res := checkers[name].Check(cctx)
		cancel()
		res.Component = name
		if res.LastCheck.IsZero() {
			res.LastCheck = time.Now()
		}
		if res.Status == "" {
			res.Status = HealthUnhealthy
		}
		results = append(results, res)
		switch {
		case res.Status == HealthUnhealthy:
			overall = HealthUnhealthy
		case res.Status == HealthDegraded && overall == HealthHealthy:
			overall = HealthDegraded
		}
	}
	return results, overall
}
