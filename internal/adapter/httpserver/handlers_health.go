package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second

	checkOK = "ok"
)

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// ProbeResponse is the body of the startup and readiness probes. Checks maps
// each check name to "ok" or its error. A degraded feed mode is not a failure;
// it is visible in /debug/feeds instead.
type ProbeResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type livenessResponse struct {
	Status  string  `json:"status"`
	Uptime  float64 `json:"uptimeSeconds"`
	Version string  `json:"version"`
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()
	return s.probe(c, runChecks(ctx, s.deps.HealthChecks))
}

// Liveness never touches dependencies; a slow store must not get the
// process restarted.
func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, livenessResponse{
		Status:  "alive",
		Uptime:  s.clock.Since(s.startTime).Seconds(),
		Version: version.Version,
	})
}

// Readiness fails as soon as draining starts so load balancers stop routing
// new connections here.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	checks := append([]HealthCheck{{Name: "hub", Check: s.checkDraining}}, s.deps.HealthChecks...)
	return s.probe(c, runChecks(ctx, checks))
}

func (s *Server) checkDraining(context.Context) error {
	if s.deps.Hub.Draining() {
		return domain.ErrHubShuttingDown
	}
	return nil
}

func runChecks(ctx context.Context, checks []HealthCheck) ProbeResponse {
	resp := ProbeResponse{Status: "ready", Checks: make(map[string]string, len(checks))}
	for _, hc := range checks {
		if err := hc.Check(ctx); err != nil {
			resp.Status = "unavailable"
			resp.Checks[hc.Name] = err.Error()
			continue
		}
		resp.Checks[hc.Name] = checkOK
	}
	return resp
}

func (s *Server) probe(c echo.Context, resp ProbeResponse) error {
	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
