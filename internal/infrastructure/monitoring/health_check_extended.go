package monitoring

import (
	"context"
	"fmt"
	"time"

	"relaycast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddStreamStoreCheck pings the stream record store.
func (h *HealthChecker) AddStreamStoreCheck(repo ports.StreamRepository, interval, timeout time.Duration) {
	h.AddCheck("stream_store", func(ctx context.Context) (bool, error) {
		if err := repo.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddWorkerCheck fails while the worker pool is empty.
func (h *HealthChecker) AddWorkerCheck(liveWorkers func() int, interval, timeout time.Duration) {
	h.AddCheck("media_workers", func(ctx context.Context) (bool, error) {
		if n := liveWorkers(); n < 1 {
			return false, fmt.Errorf("no live media workers")
		}
		return true, nil
	}, interval, timeout)
}

// IsReady reports whether the latest status is healthy.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.Latest(ctx).Status == "healthy"
}
