package monitoring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
	// Critical checks decide readiness; the others only show in the report.
	Critical bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool { return s.Status == "healthy" }

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = 2 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:     "redis",
		Timeout:  timeout,
		Critical: true,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	})
}

// AddSignalingCheck reports whether the client holds a relay connection.
func (h *HealthChecker) AddSignalingCheck(connected func() bool) {
	h.AddCheck(HealthCheck{
		Name:     "signaling",
		Critical: true,
		Check: func(context.Context) error {
			if !connected() {
				return errors.New("not connected to signaling relay")
			}
			return nil
		},
	})
}

// CheckAll runs every check concurrently. With criticalOnly set, only
// critical checks run.
func (h *HealthChecker) CheckAll(ctx context.Context, criticalOnly bool) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, c := range h.checks {
		if !criticalOnly || c.Critical {
			checks = append(checks, c)
		}
	}
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()
			results[i] = check.Check(checkCtx)
		}(i, check)
	}
	wg.Wait()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for i, check := range checks {
		if err := results[i]; err != nil {
			status.Checks[check.Name] = err.Error()
			if check.Critical {
				status.Status = "unhealthy"
			}
			continue
		}
		status.Checks[check.Name] = "healthy"
	}
	return status
}
