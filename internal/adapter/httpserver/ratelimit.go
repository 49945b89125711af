package httpserver

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/adapter/metrics"
	apperrors "github.com/voulezvous-ai/AgentOS-sub000/internal/platform/errors"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter limits how fast a single client IP may open connections.
func newRateLimiter(ratePerSecond float64, burst int, m *metrics.HubMetrics) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(echo.Context) bool { return ratePerSecond <= 0 },
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if m != nil {
				m.Rejections.WithLabelValues(rejectAcceptRate).Inc()
			}
			return apperrors.RateLimitedError("connection rate exceeded").WithContext("client_ip", identifier)
		},
	})
}
