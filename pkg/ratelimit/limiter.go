// Package ratelimit throttles publish actions per destination with a
// sliding window of recent action timestamps.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robopost/platform/pkg/common/config"
)

// Limiter admits at most limit actions per key within a trailing window.
// Acquire blocks until the action may proceed and reports how long it waited.
// Implementations are safe for concurrent use.
type Limiter interface {
	Acquire(ctx context.Context, key string, limit int) (time.Duration, error)
}

// DestinationKey is the window key for a publication destination.
func DestinationKey(destinationID int64) string {
	return fmt.Sprintf("destination:%d", destinationID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FromConfig picks the window store. The shared redis window is used unless
// the backend is "memory" or no client is available.
func FromConfig(cfg config.RateLimitConfig, client *redis.Client) Limiter {
	if cfg.Backend == "memory" || client == nil {
		return NewMemory(cfg.Window)
	}
	return NewRedis(client, cfg.Window)
}
