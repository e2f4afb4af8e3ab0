// Package retry runs an operation up to a bounded number of attempts and
// reports the outcome as a typed Result instead of a bare error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrExhausted marks a Result whose attempts ran out.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy defines how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first (minimum 1)
	Delay       time.Duration // wait before the second attempt
	MaxDelay    time.Duration // cap for grown delays (0 = Delay)
	Multiplier  float64       // <= 1 keeps the delay fixed
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// DelayFor returns the wait after the given 1-based failed attempt.
func (p Policy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if p.Multiplier <= 1 || attempt <= 1 {
		return p.Delay
	}
	d := float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1))
	max := p.MaxDelay
	if max <= 0 {
		max = p.Delay
	}
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Result is the outcome of Do: either Ok with a Value or an error after
// Attempts tries.
type Result[T any] struct {
	Value    T
	Attempts int
	Err      error
}

func (r Result[T]) Ok() bool { return r.Err == nil }

// Exhausted reports whether every allowed attempt failed.
func (r Result[T]) Exhausted() bool { return errors.Is(r.Err, ErrExhausted) }

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do calls op until it succeeds, returns a Permanent error, the context ends,
// or the policy runs out of attempts. attempt is 1-based.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error)) Result[T] {
	var zero T
	max := p.attempts()
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result[T]{Value: zero, Attempts: attempt - 1, Err: err}
		}
		v, err := op(ctx, attempt)
		if err == nil {
			return Result[T]{Value: v, Attempts: attempt}
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return Result[T]{Value: zero, Attempts: attempt, Err: perm.err}
		}
		lastErr = err
		if attempt == max {
			break
		}
		if err := Sleep(ctx, p.DelayFor(attempt)); err != nil {
			return Result[T]{Value: zero, Attempts: attempt, Err: err}
		}
	}
	return Result[T]{Value: zero, Attempts: max, Err: fmt.Errorf("%w after %d attempts: %w", ErrExhausted, max, lastErr)}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
