package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sitepulse/internal/adapter/metrics"
	"github.com/pscheid92/sitepulse/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient connects to redisURL (e.g. "redis://localhost:6379"), retrying with the startup policy.
// The returned client records metrics on m and is protected by a circuit breaker once connected.
// A nil m records on a private registry.
func NewClient(ctx context.Context, redisURL string, m *metrics.RedisMetrics) (*goredis.Client, error) {
	if m == nil {
		m = metrics.NewRedisMetrics(prometheus.NewRegistry())
	}

	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewMetricsHook(m))

	policy := retry.Startup
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	_, err = retry.Do(ctx, policy, retry.Transient, func(ctx context.Context) (string, error) {
		return rdb.Ping(ctx).Result()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	rdb.AddHook(NewCircuitBreakerHook(m))

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
