package activity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

func TestHeartbeat_IdlesWhilePaused(t *testing.T) {
	workers, err := wallet.Generate(2, 1, time.Now())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	ctl := lap.NewControl()
	ctl.Pause() // window never opens in this test, so trading is never active

	var ticks atomic.Int32
	hb := &Heartbeat{Interval: time.Millisecond, Logger: zaptest.NewLogger(t),
		OnTick: func(int, *wallet.Account) { ticks.Add(1) }}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = hb.Begin(ctx, 1, workers, ctl)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if ticks.Load() != 0 {
		t.Fatalf("heartbeat ticked %d times while inactive", ticks.Load())
	}
}

func TestHeartbeat_ReturnsOnStop(t *testing.T) {
	ctl := lap.NewControl()
	ctl.Stop()
	hb := &Heartbeat{Interval: time.Millisecond}
	if err := hb.Begin(context.Background(), 1, nil, ctl); err != nil {
		t.Fatalf("expected nil on stop, got %v", err)
	}
}
