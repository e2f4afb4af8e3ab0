// Package activity holds reference activity drivers. The production swap
// driver lives outside this repository and plugs into lap.Driver.
package activity

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// Heartbeat logs one tick per worker every Interval while trading is active
// and idles while paused. It is what dry runs use in place of real trading.
type Heartbeat struct {
	Interval time.Duration
	Logger   *zap.Logger

	// OnTick, when set, is called for every worker tick.
	OnTick func(lap int, w *wallet.Account)
}

var _ lap.Driver = (*Heartbeat)(nil)

func (h *Heartbeat) Begin(ctx context.Context, n int, workers []*wallet.Account, ctl *lap.Control) error {
	interval := h.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "heartbeat"), zap.Int("lap", n))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ctl.WaitActive(ctx); err != nil {
			if errors.Is(err, lap.ErrStopped) {
				return nil
			}
			return err
		}
		for _, w := range workers {
			if !ctl.Active() {
				break
			}
			logger.Debug("worker tick", zap.Uint64("seq", w.Seq), zap.String("worker", w.Address.Hex()))
			if h.OnTick != nil {
				h.OnTick(n, w)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
