package httpserver

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	apperrors "github.com/voulezvous-ai/AgentOS-sub000/internal/platform/errors"
)

// handleWebSocket authenticates before upgrading, so a bad token gets a
// plain 401 instead of an upgraded socket that is closed right away.
func (s *Server) handleWebSocket(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	if s.deps.Hub.Draining() {
		s.reject(rejectDraining)
		return domain.ErrHubShuttingDown
	}

	identity, err := s.deps.Auth.Authenticate(ctx, bearerToken(c))
	if err != nil {
		s.reject(rejectAuth)
		return apperrors.FromDomain(err)
	}

	ip := c.RealIP()
	release, err := s.limiter.Acquire(ip)
	if err != nil {
		reason := rejectGlobalCap
		if errors.Is(err, errTooManyFromIP) {
			reason = rejectPerIPCap
		}
		s.reject(reason)
		slog.WarnContext(ctx, "Connection limit reached", "client_ip", ip, "reason", reason)
		return apperrors.RateLimitedError(err.Error()).WithContext("client_ip", ip)
	}
	defer release()

	conn, err := s.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.DebugContext(ctx, "WebSocket upgrade failed", "client_ip", ip, "error", err)
		return nil
	}

	s.deps.Hub.Serve(ctx, conn, identity)
	return nil
}

// bearerToken reads the token from the Authorization header, falling back to
// the token query parameter for browsers, which cannot set headers on upgrade.
func bearerToken(c echo.Context) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return c.QueryParam("token")
}

func (s *Server) reject(reason string) {
	if s.deps.HubMetrics != nil {
		s.deps.HubMetrics.Rejections.WithLabelValues(reason).Inc()
	}
}
