// Package redis backs the hub with Redis: chat messages live in one stream per
// channel, and the change feed for a channel tails that stream with XREAD.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/retry"
)

// NewClient parses redisURL, installs the metrics and circuit breaker hooks
// and waits for the server to answer PING.
func NewClient(ctx context.Context, redisURL string, m *metrics.StoreMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := goredis.NewClient(opts)
	client.AddHook(NewMetricsHook(m))
	client.AddHook(NewCircuitBreakerHook(DefaultBreakerSettings, m))

	policy := retry.Startup
	policy.OnRetry = func(attempt int, err error) {
		slog.Warn("Redis not reachable yet", "attempt", attempt, "error", err)
	}
	if err := retry.DoVoid(ctx, policy, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}
