package checks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/charlesng35/weddingdesk/internal/monitoring"
)

const defaultRedisTimeout = 2 * time.Second

// Redis returns a readiness probe for the Redis connection backing the cache
// and the dispatch queue. A nil client reports up when Redis is not required
// and down when it is.
func Redis(client redis.UniversalClient, required bool, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if client == nil {
			if required {
				return monitoring.ProbeResult{Status: monitoring.StatusDown, Details: "redis unavailable"}
			}
			return monitoring.ProbeResult{Status: monitoring.StatusUp, Details: "redis disabled"}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultRedisTimeout))
		defer cancel()

		err := client.Ping(probeCtx).Err()
		if err != nil && !required {
			// The database store takes over when the cache is unreachable.
			return monitoring.ProbeResult{Status: monitoring.StatusDegraded, Details: err.Error(), Duration: time.Since(start)}
		}
		return monitoring.ResultFromError("redis", err, time.Since(start))
	})
}
