package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AddLoopCheck reports the mesh loop unhealthy when it has not ticked within
// maxAge. lastTick is typically services.Loop.LastTick.
func (h *HealthChecker) AddLoopCheck(lastTick func() time.Time, maxAge time.Duration) {
	h.AddCheck("mesh_loop", func(ctx context.Context) (bool, error) {
		last := lastTick()
		if last.IsZero() {
			return false, fmt.Errorf("mesh loop has not ticked yet")
		}
		if age := h.now().Sub(last); age > maxAge {
			return false, fmt.Errorf("last tick %s ago", age.Round(time.Millisecond))
		}
		return true, nil
	}, time.Second)
}

// AddRedisCheck adds a Redis health check for the event bus
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}
