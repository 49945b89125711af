package errors

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Middleware renders handler errors as ErrorResponse JSON and counts them by
// type on errorsTotal, which may be nil. Echo's own HTTPErrors are counted and
// passed on so echo's handler keeps their status and body.
func Middleware(errorsTotal *prometheus.CounterVec) echo.MiddlewareFunc {
	count := func(t ErrorType) {
		if errorsTotal != nil {
			errorsTotal.WithLabelValues(string(t)).Inc()
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				count(FromStatus(httpErr.Code))
				return err
			}

			e := FromDomain(err)
			count(e.Type)
			logError(c, e)
			if c.Response().Committed {
				return nil
			}
			return c.JSON(e.HTTPStatus(), e.ToResponse())
		}
	}
}

func logError(c echo.Context, e *Error) {
	req := c.Request()
	attrs := []any{
		"error_type", e.Type,
		"message", e.Message,
		"method", req.Method,
		"path", req.URL.Path,
		"status", e.HTTPStatus(),
	}
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	if e.Cause != nil {
		attrs = append(attrs, "error", e.Cause)
	}

	ctx := req.Context()
	switch e.Type {
	case TypeInternal:
		slog.ErrorContext(ctx, "Request failed", attrs...)
	case TypeRateLimited, TypeUnavailable:
		slog.WarnContext(ctx, "Request refused", attrs...)
	default:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	}
}
