package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("ok after failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		res := Do(context.Background(), Fixed(3, time.Millisecond), func(ctx context.Context, attempt int) (int, error) {
			calls++
			if attempt < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		})
		if !res.Ok() {
			t.Fatalf("expected ok, got %v", res.Err)
		}
		if res.Value != 42 || res.Attempts != 3 || calls != 3 {
			t.Fatalf("unexpected result: %+v calls=%d", res, calls)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("boom")
		res := Do(context.Background(), Fixed(2, time.Millisecond), func(ctx context.Context, attempt int) (string, error) {
			return "", boom
		})
		if res.Ok() || !res.Exhausted() {
			t.Fatalf("expected exhausted, got %+v", res)
		}
		if !errors.Is(res.Err, boom) {
			t.Fatalf("expected wrapped cause, got %v", res.Err)
		}
		if res.Attempts != 2 {
			t.Fatalf("attempts=%d want 2", res.Attempts)
		}
	})

	t.Run("permanent", func(t *testing.T) {
		t.Parallel()
		calls := 0
		res := Do(context.Background(), Fixed(5, time.Millisecond), func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, Permanent(errors.New("no"))
		})
		if res.Ok() || res.Exhausted() || calls != 1 {
			t.Fatalf("expected single permanent failure, got %+v calls=%d", res, calls)
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		res := Do(ctx, Fixed(5, time.Hour), func(ctx context.Context, attempt int) (int, error) {
			cancel()
			return 0, errors.New("fail")
		})
		if !errors.Is(res.Err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", res.Err)
		}
	})
}

func TestPolicyDelayFor(t *testing.T) {
	t.Parallel()

	fixed := Fixed(3, time.Second)
	if got := fixed.DelayFor(5); got != time.Second {
		t.Fatalf("fixed delay=%s want 1s", got)
	}

	grow := Policy{MaxAttempts: 5, Delay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	if got := grow.DelayFor(2); got != 200*time.Millisecond {
		t.Fatalf("delay(2)=%s want 200ms", got)
	}
	if got := grow.DelayFor(4); got != 300*time.Millisecond {
		t.Fatalf("delay(4)=%s want capped 300ms", got)
	}
}
