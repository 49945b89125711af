// Package errors is the error shape of the HTTP surface. Handlers return
// *Error values, or domain errors that FromDomain knows how to classify, and
// Middleware renders them as JSON.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/voulezvous-ai/AgentOS-sub000/internal/domain"
)

// ErrorType classifies an error for status mapping and the errors_total metric.
type ErrorType string

const (
	TypeValidation   ErrorType = "validation"
	TypeUnauthorized ErrorType = "unauthorized"
	TypeNotFound     ErrorType = "not_found"
	TypeRateLimited  ErrorType = "rate_limited"
	TypeUnavailable  ErrorType = "unavailable"
	TypeInternal     ErrorType = "internal"
)

// statusByType is the single source for both directions of the mapping.
var statusByType = map[ErrorType]int{
	TypeValidation:   http.StatusBadRequest,
	TypeUnauthorized: http.StatusUnauthorized,
	TypeNotFound:     http.StatusNotFound,
	TypeRateLimited:  http.StatusTooManyRequests,
	TypeUnavailable:  http.StatusServiceUnavailable,
	TypeInternal:     http.StatusInternalServerError,
}

// Error is a classified error with a client-safe message. Cause is logged but
// never sent to the client; Context is sent.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) HTTPStatus() int {
	if code, ok := statusByType[e.Type]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// WithContext attaches a client-visible field and returns e.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause}
}

func ValidationError(message string) *Error { return New(TypeValidation, message, nil) }
func RateLimitedError(message string) *Error { return New(TypeRateLimited, message, nil) }

func UnauthorizedError(message string, cause error) *Error {
	return New(TypeUnauthorized, message, cause)
}

func UnavailableError(message string, cause error) *Error {
	return New(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return New(TypeInternal, message, cause)
}

// FromDomain classifies the hub's sentinel errors. Anything unknown is internal.
func FromDomain(err error) *Error {
	var e *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return e
	case errors.Is(err, domain.ErrAuthRequired):
		return UnauthorizedError("authentication required", err)
	case errors.Is(err, domain.ErrAuthInvalid):
		return UnauthorizedError("invalid token", err)
	case errors.Is(err, domain.ErrHubShuttingDown):
		return UnavailableError("server is shutting down", err)
	case errors.Is(err, domain.ErrInvalidChannel), errors.Is(err, domain.ErrInvalidTarget):
		return New(TypeValidation, "invalid request", err)
	case errors.Is(err, domain.ErrConnectionNotFound):
		return New(TypeNotFound, "connection not found", err)
	default:
		return InternalError("internal server error", err)
	}
}

// FromStatus classifies an HTTP status code, for errors echo raises itself.
func FromStatus(code int) ErrorType {
	for t, c := range statusByType {
		if c == code {
			return t
		}
	}
	if code >= 400 && code < 500 {
		return TypeValidation
	}
	return TypeInternal
}

// ErrorResponse is the JSON body sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Message, Type: e.Type, Context: e.Context}
}
