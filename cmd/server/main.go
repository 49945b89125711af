package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/auth"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/httpserver"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/feed"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/hub"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/config"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/logging"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/version"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// shutdownSteps is how many ordered steps the hub drain runs; each gets an
// equal share of SHUTDOWN_TIMEOUT.
const shutdownSteps = 4

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not configured yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func main() {
	cfg := setupConfig()
	if cfg.LogFile != "" {
		_, logFile := logging.InitFileLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
		defer logFile.Close()
	} else {
		logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	}
	slog.Info("Hub starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"provider", cfg.FeedProvider,
		"version", version.Version,
	)

	clock := clockwork.NewRealClock()

	reg := metrics.NewRegistry()
	hubMetrics := metrics.NewHubMetrics(reg)
	feedMetrics := metrics.NewFeedMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)
	storeMetrics := metrics.NewStoreMetrics(reg)

	be, err := setupBackend(cfg, clock, storeMetrics)
	if err != nil {
		slog.Error("Failed to set up store", "provider", cfg.FeedProvider, "error", err)
		os.Exit(1)
	}
	defer be.close()

	h := hub.New(hub.Deps{
		Processor: be.store,
		History:   be.store,
		Clock:     clock,
		Metrics:   hubMetrics,
	}, hub.Options{
		DefaultChannel: cfg.DefaultChannel,
		HistoryLimit:   cfg.HistoryLimit,
		MaxFrameSize:   cfg.MaxFrameBytes,
		FrameRate:      rate.Limit(cfg.FrameRate),
		FrameBurst:     cfg.FrameBurst,
		StoreTimeout:   cfg.StoreTimeout,
	})

	feeds := feed.NewManager(be.store, h.Membership(), h.Dispatcher(), clock, feed.Options{
		RetryBackoff: cfg.FeedRetryBackoff,
		CallTimeout:  cfg.FeedCallTimeout,
		ReadTimeout:  cfg.FeedReadTimeout,
	}, feedMetrics)
	h.SetFeeds(feeds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feeds.ProbeSupport(ctx)
	support := feeds.Support()
	slog.Info("Change feed support", "provider", support.Provider, "supported", support.Supported, "reason", support.Reason)

	heartbeat := hub.NewHeartbeatMonitor(h.Registry(), h, clock, cfg.HeartbeatInterval)
	feedHealth := feed.NewHealthMonitor(feeds, h.Membership(), clock, cfg.FeedHealthInterval)

	deps := httpserver.Deps{
		Hub:          h,
		Auth:         auth.NewJWTAuthenticator(cfg.JWTSecret, clock),
		Feeds:        feeds,
		Audit:        feedHealth,
		Receipts:     be.store,
		HealthChecks: be.healthChecks,
		Registry:     reg,
		HTTPMetrics:  httpMetrics,
		HubMetrics:   hubMetrics,
		Clock:        clock,
	}
	if be.instances != nil {
		deps.Instances = be.instances
	}
	srv := httpserver.NewServer(deps, httpserver.Options{
		Port:                cfg.Port,
		AllowedOrigins:      cfg.Origins(),
		Development:         !cfg.IsProduction(),
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ConnectionRate:      cfg.ConnectionRate,
		ConnectionBurst:     cfg.ConnectionBurst,
	})

	coordinator := hub.NewShutdownCoordinator(h, feeds, cfg.ShutdownTimeout/shutdownSteps, heartbeat, feedHealth)

	startMonitors(ctx, heartbeat, feedHealth)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	if be.instances != nil {
		g.Go(func() error { return be.instances.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown started")

		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := coordinator.Drain(drainCtx); err != nil {
			slog.Error("Hub drain incomplete", "error", err)
		}

		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelHTTP()
		return srv.Shutdown(httpCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Hub stopped with error", "error", err)
		be.close()
		os.Exit(1)
	}
	slog.Info("Hub stopped")
}

// monitor is a background loop that the shutdown coordinator stops.
type monitor interface {
	Start(ctx context.Context)
	Stop()
}

// startMonitors detaches the loops from ctx's cancellation. They keep running
// through the first drain steps and end when the coordinator stops its timers.
func startMonitors(ctx context.Context, monitors ...monitor) {
	detached := context.WithoutCancel(ctx)
	for _, m := range monitors {
		m.Start(detached)
	}
}
