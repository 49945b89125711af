package httpserver

import (
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/voulezvous-ai/AgentOS-sub000/internal/platform/correlation"
)

var validCorrelationID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// correlationMiddleware adopts a well-formed inbound correlation id or mints
// one, and echoes it back on the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlation.Header)
		if !validCorrelationID.MatchString(id) {
			id = correlation.NewID()
		}
		c.Response().Header().Set(correlation.Header, id)

		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
