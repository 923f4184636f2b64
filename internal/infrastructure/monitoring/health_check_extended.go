package monitoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errNoData = errors.New("no data yet")

// AddRedisCheck pings client, which backs the cross-instance relay.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddFreshnessCheck fails when last reports a time older than maxAge, or zero.
func (h *HealthChecker) AddFreshnessCheck(name string, last func() time.Time, maxAge time.Duration) {
	h.AddCheck(name, func(ctx context.Context) error {
		t := last()
		if t.IsZero() {
			return errNoData
		}
		if age := time.Since(t); age > maxAge {
			return fmt.Errorf("stale for %s", age.Round(time.Millisecond))
		}
		return nil
	}, 0)
}

// IsReady reports whether every check currently passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
