package lap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPhaseTimeout marks a phase that did not settle before its deadline.
var ErrPhaseTimeout = errors.New("phase timed out")

// runPhase runs fn under timeout. On expiry it returns immediately; fn keeps
// running on a cancelled context and its result is dropped. A panic in fn is
// returned as an error.
func runPhase[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) T) (T, error) {
	var zero T
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", name, r)}
			}
		}()
		done <- result{v: fn(pctx)}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-pctx.Done():
		select {
		case r := <-done:
			return r.v, r.err
		default:
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%s: %w after %s", name, ErrPhaseTimeout, timeout)
	}
}
