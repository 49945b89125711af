// Package retry runs startup operations under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnRetry        func(attempt int, err error)
}

// Startup is used for the first connection to a backing store.
var Startup = Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     8 * time.Second,
}

// PermanentError stops Do without further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	initial := max(p.InitialBackoff, time.Millisecond)
	maxBackoff := p.MaxBackoff
	if maxBackoff <= initial {
		maxBackoff = initial * 2
	}

	builder := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool { return err != nil }).
		AbortIf(func(_ T, err error) bool { return isPermanent(err) }).
		WithMaxAttempts(attempts).
		WithBackoff(initial, maxBackoff).
		ReturnLastFailure()
	if p.OnRetry != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[T]) {
			p.OnRetry(e.Attempts(), e.LastError())
		})
	}

	return failsafe.NewExecutor[T](builder.Build()).
		WithContext(ctx).
		Get(func() (T, error) { return op(ctx) })
}

func DoVoid(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
