package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/redis"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/feed"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/hub"
	apperrors "github.com/voulezvous-ai/AgentOS-sub000/internal/platform/errors"
)

// FeedsResponse is the body of GET /debug/feeds.
type FeedsResponse struct {
	Support     domain.FeedSupport    `json:"support"`
	Feeds       []domain.FeedSnapshot `json:"feeds"`
	Audit       *feed.Report          `json:"audit,omitempty"`
	Hub         hub.Stats             `json:"hub"`
	Connections LimiterStats          `json:"connections"`
	Draining    bool                  `json:"draining"`
	Instances   []redis.InstanceInfo  `json:"instances,omitempty"`
}

func (s *Server) registerDebugRoutes() {
	g := s.echo.Group("/debug")
	g.GET("/feeds", s.handleFeeds)
	g.GET("/connections", s.handleConnections)
	if s.deps.Receipts != nil {
		g.GET("/receipts/:recipient", s.handleReceipts)
	}
}

func (s *Server) handleFeeds(c echo.Context) error {
	resp := FeedsResponse{
		Hub:         s.deps.Hub.Stats(),
		Connections: s.limiter.Stats(),
		Draining:    s.deps.Hub.Draining(),
		Feeds:       []domain.FeedSnapshot{},
	}
	if s.deps.Feeds != nil {
		resp.Support = s.deps.Feeds.Support()
		resp.Feeds = s.deps.Feeds.Snapshot()
	}
	if s.deps.Audit != nil {
		if report := s.deps.Audit.LastReport(); !report.CheckedAt.IsZero() {
			resp.Audit = &report
		}
	}
	if s.deps.Instances != nil {
		instances, err := s.deps.Instances.Active(c.Request().Context())
		if err != nil {
			slog.WarnContext(c.Request().Context(), "Failed to list hub instances", "error", err)
		} else {
			resp.Instances = instances
		}
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write feeds response: %w", err)
	}
	return nil
}

func (s *Server) handleConnections(c echo.Context) error {
	registry := s.deps.Hub.Registry()
	ids := registry.IDs()

	out := make([]hub.ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := registry.Get(id); ok {
			out = append(out, info)
		}
	}

	if err := c.JSON(http.StatusOK, out); err != nil {
		return fmt.Errorf("failed to write connections response: %w", err)
	}
	return nil
}

func (s *Server) handleReceipts(c echo.Context) error {
	recipient := c.Param("recipient")
	if recipient == "" {
		return apperrors.ValidationError("recipient is required")
	}

	receipts, err := s.deps.Receipts.Receipts(c.Request().Context(), recipient)
	if err != nil {
		return apperrors.UnavailableError("failed to load read receipts", err).
			WithContext("recipient", recipient)
	}

	if err := c.JSON(http.StatusOK, receipts); err != nil {
		return fmt.Errorf("failed to write receipts response: %w", err)
	}
	return nil
}
