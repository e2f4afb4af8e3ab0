package lap

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestActiveTimer_PauseAccounting(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	timer := NewActiveTimer(clock)

	clock.Advance(10 * time.Second)
	timer.Pause()
	clock.Advance(7 * time.Second) // [t0, t1] paused
	if got := timer.Elapsed(); got != 10*time.Second {
		t.Fatalf("elapsed while paused=%s want 10s", got)
	}
	timer.Pause() // no-op
	timer.Resume()
	clock.Advance(5 * time.Second)
	if got := timer.Elapsed(); got != 15*time.Second {
		t.Fatalf("elapsed=%s want 15s", got)
	}
	if got := timer.PausedTotal(); got != 7*time.Second {
		t.Fatalf("paused total=%s want 7s", got)
	}

	timer.Pause()
	clock.Advance(time.Minute)
	timer.Resume()
	timer.Resume() // no-op
	clock.Advance(time.Second)
	if got := timer.Elapsed(); got != 16*time.Second {
		t.Fatalf("elapsed=%s want 16s", got)
	}
}

func TestControl(t *testing.T) {
	ctl := NewControl()
	if ctl.Active() {
		t.Fatalf("closed window must not be active")
	}
	ctl.openWindow()
	if !ctl.Active() {
		t.Fatalf("open window should be active")
	}

	ch := ctl.Changed()
	if !ctl.Pause() || ctl.Pause() {
		t.Fatalf("Pause should change state exactly once")
	}
	select {
	case <-ch:
	default:
		t.Fatalf("Changed channel not closed on pause")
	}
	if ctl.Active() || !ctl.Paused() {
		t.Fatalf("paused control reported active")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		ctl.Resume()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctl.WaitActive(ctx); err != nil {
		t.Fatalf("WaitActive: %v", err)
	}

	ctl.Stop()
	if ctl.Active() || !ctl.Stopped() {
		t.Fatalf("stopped control reported active")
	}
	if err := ctl.WaitActive(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}

	var zero Control
	zero.Pause()
	if zero.Changed() == nil {
		t.Fatalf("zero Control should hand out a channel")
	}
}

func TestRunPhase(t *testing.T) {
	t.Run("timeout abandons task", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		start := time.Now()
		_, err := runPhase(context.Background(), 30*time.Millisecond, "slow", func(ctx context.Context) int {
			<-release
			return 1
		})
		if !errors.Is(err, ErrPhaseTimeout) {
			t.Fatalf("expected ErrPhaseTimeout, got %v", err)
		}
		if time.Since(start) > time.Second {
			t.Fatalf("runPhase waited for the abandoned task")
		}
	})
	t.Run("value", func(t *testing.T) {
		v, err := runPhase(context.Background(), time.Second, "fast", func(ctx context.Context) int { return 7 })
		if err != nil || v != 7 {
			t.Fatalf("got %d, %v", v, err)
		}
	})
	t.Run("panic", func(t *testing.T) {
		_, err := runPhase(context.Background(), time.Second, "boom", func(ctx context.Context) int { panic("kaboom") })
		if err == nil || errors.Is(err, ErrPhaseTimeout) {
			t.Fatalf("expected panic error, got %v", err)
		}
	})
}

func TestParseStrategy(t *testing.T) {
	for in, want := range map[string]Strategy{"": StrategyVolume, "maker": StrategyMaker, " Volume ": StrategyVolume} {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Fatalf("ParseStrategy(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseStrategy("scalp"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyMaker
	if cfg.Window() != cfg.MakerWindow {
		t.Fatalf("maker window not selected")
	}
}
