// Package httpserver exposes the hub over HTTP: the websocket upgrade,
// health probes, diagnostics and metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/redis"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/feed"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/hub"
)

// FeedDiagnostics is the read-only view of the feed manager.
type FeedDiagnostics interface {
	Support() domain.FeedSupport
	Snapshot() []domain.FeedSnapshot
}

// AuditSource exposes the latest feed health audit.
type AuditSource interface {
	LastReport() feed.Report
}

// InstanceLister lists hub processes sharing the same store.
type InstanceLister interface {
	Active(ctx context.Context) ([]redis.InstanceInfo, error)
}

// ReceiptLister reads the stored read receipts addressed to one identity.
type ReceiptLister interface {
	Receipts(ctx context.Context, recipient string) ([]domain.ReadReceipt, error)
}

type Options struct {
	Port                string
	AllowedOrigins      []string
	Development         bool
	MaxConnections      int
	MaxConnectionsPerIP int
	ConnectionRate      float64
	ConnectionBurst     int
}

// Deps are the collaborators the server is built from. Audit, Instances,
// Receipts and the metric sets are optional.
type Deps struct {
	Hub          *hub.Hub
	Auth         domain.Authenticator
	Feeds        FeedDiagnostics
	Audit        AuditSource
	Instances    InstanceLister
	Receipts     ReceiptLister
	HealthChecks []HealthCheck
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	HubMetrics   *metrics.HubMetrics
	Clock        clockwork.Clock
}

type Server struct {
	echo     *echo.Echo
	opts     Options
	deps     Deps
	clock    clockwork.Clock
	upgrader websocket.Upgrader
	limiter  *ConnectionLimiter

	startTime time.Time
}

func NewServer(deps Deps, opts Options) *Server {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:  e,
		opts:  opts,
		deps:  deps,
		clock: clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(opts.AllowedOrigins, opts.Development),
		},
		limiter:   NewConnectionLimiter(opts.MaxConnections, opts.MaxConnectionsPerIP),
		startTime: clock.Now(),
	}

	s.registerRoutes()
	return s
}

// Handler returns the root handler. Tests serve it with httptest.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.opts.Port)
	if err := s.echo.Start(":" + s.opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Upgraded websockets are hijacked
// connections and are drained by the hub's shutdown coordinator instead.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
