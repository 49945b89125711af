package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	apperrors "github.com/voulezvous-ai/AgentOS-sub000/internal/platform/errors"
)

func (s *Server) registerRoutes() {
	s.echo.Use(middleware.Recover())
	s.echo.Use(correlationMiddleware)
	s.echo.Use(requestLoggerMiddleware())
	if m := s.deps.HTTPMetrics; m != nil {
		s.echo.Use(m.Middleware())
		s.echo.Use(apperrors.Middleware(m.Errors))
	} else {
		s.echo.Use(apperrors.Middleware(nil))
	}

	s.echo.GET("/ws", s.handleWebSocket, newRateLimiter(s.opts.ConnectionRate, s.opts.ConnectionBurst, s.deps.HubMetrics))

	s.registerHealthRoutes()
	s.registerDebugRoutes()

	if s.deps.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Registry)))
	}
}

func requestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health/live"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
