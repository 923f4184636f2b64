package monitoring

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency problem as a non-nil error.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name    string
	check   CheckFunc
	timeout time.Duration
}

// HealthChecker runs the dependency checks behind a /health endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]namedCheck
}

// HealthStatus is the /health body. Checks maps each check name to
// "healthy" or its error text.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]namedCheck)}
}

// AddCheck registers check under name, replacing any check of the same name.
// A zero timeout leaves the caller's context deadline in charge.
func (h *HealthChecker) AddCheck(name string, check CheckFunc, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = namedCheck{name: name, check: check, timeout: timeout}
}

// Names lists the registered checks in order.
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll runs every check concurrently. The result is unhealthy if any
// check fails.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]namedCheck, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c namedCheck) {
			defer wg.Done()
			err := c.run(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Status = StatusUnhealthy
				status.Checks[c.name] = err.Error()
				return
			}
			status.Checks[c.name] = StatusHealthy
		}(c)
	}
	wg.Wait()
	return status
}

// HTTPCode is 200 for a healthy status and 503 otherwise.
func (s HealthStatus) HTTPCode() int {
	if s.Status == StatusHealthy {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func (c namedCheck) run(ctx context.Context) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.check(ctx)
}
