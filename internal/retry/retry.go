// Package retry runs fallible I/O operations with bounded attempts and
// exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies the outcome of one attempt
type Kind int

const (
	Success Kind = iota
	Retryable
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Result is the outcome of one attempt of an operation
type Result[T any] struct {
	Kind  Kind
	Value T
	Err   error
}

// Ok wraps a successful value
func Ok[T any](v T) Result[T] {
	return Result[T]{Kind: Success, Value: v}
}

// Again marks a failure worth another attempt
func Again[T any](err error) Result[T] {
	return Result[T]{Kind: Retryable, Err: err}
}

// Stop marks a failure that must not be retried
func Stop[T any](err error) Result[T] {
	return Result[T]{Kind: Fatal, Err: err}
}

// Options bounds the retry loop
type Options struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       int
}

// DefaultOptions mirrors the application install retry: three attempts one
// second apart, doubling.
func DefaultOptions() Options {
	return Options{
		Attempts:     3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       2,
	}
}

// Backoff returns the delay before retry number attempt (0-based)
func (o Options) Backoff(attempt int) time.Duration {
	delay := o.InitialDelay
	factor := o.Factor
	if factor < 1 {
		factor = 1
	}
	for i := 0; i < attempt; i++ {
		delay *= time.Duration(factor)
		if o.MaxDelay > 0 && delay > o.MaxDelay {
			return o.MaxDelay
		}
	}
	return delay
}

// ExhaustedError is returned after the last retryable failure
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from running out of attempts
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do calls op until it succeeds, fails fatally, runs out of attempts or ctx
// is done. op receives the 1-based attempt number.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context, attempt int) Result[T]) (T, error) {
	var zero T
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		res := op(ctx, i+1)
		switch res.Kind {
		case Success:
			return res.Value, nil
		case Fatal:
			return zero, res.Err
		}
		lastErr = res.Err

		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(opts.Backoff(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}
