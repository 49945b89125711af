package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/httpserver"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/memory"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/postgres"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/redis"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/config"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/version"
)

const (
	connectTimeout    = 30 * time.Second
	instanceHeartbeat = 10 * time.Second
)

// store is everything the hub needs from persistence.
type store interface {
	domain.FeedProvider
	domain.MessageProcessor
	domain.HistoryStore
	httpserver.ReceiptLister
}

type backend struct {
	store        store
	healthChecks []httpserver.HealthCheck
	instances    *redis.InstanceRegistry
	close        func()
}

func setupBackend(cfg *config.Config, clock clockwork.Clock, m *metrics.StoreMetrics) (*backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch cfg.FeedProvider {
	case config.ProviderRedis:
		client, err := redis.NewClient(ctx, cfg.RedisURL, m)
		if err != nil {
			return nil, err
		}
		st := redis.NewStore(client, clock)
		return &backend{
			store: st,
			healthChecks: []httpserver.HealthCheck{
				{Name: "redis", Check: func(ctx context.Context) error { return client.Ping(ctx).Err() }},
			},
			instances: redis.NewInstanceRegistry(client, clock, instanceID(), version.Version, instanceHeartbeat),
			close: func() {
				st.Close()
				_ = client.Close()
			},
		}, nil

	case config.ProviderPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		st := postgres.NewStore(pool, clock)
		return &backend{
			store: st,
			healthChecks: []httpserver.HealthCheck{
				{Name: "postgres", Check: pool.Ping},
			},
			close: func() {
				st.Close()
				pool.Close()
			},
		}, nil

	case config.ProviderMemory:
		if !cfg.MemoryFeeds {
			slog.Warn("Memory store running without change feeds; chat is broadcast locally only")
		}
		return &backend{
			store: memory.NewStore(clock, cfg.MemoryFeeds),
			close: func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unknown feed provider %q", cfg.FeedProvider)
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hub"
	}
	return host + "-" + uuid.NewString()[:8]
}
