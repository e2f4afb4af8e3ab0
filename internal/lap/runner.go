package lap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/funds"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/journal"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/metrics"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/session"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// Deps are the collaborators of a Runner. Funds, Checkpoint, Driver and
// Control are required.
type Deps struct {
	Funds      *funds.Engine
	Checkpoint *session.Checkpoint
	Driver     Driver
	Control    *Control
	Journal    *journal.Journal
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Clock      Clock
}

type Runner struct {
	cfg        Config
	funds      *funds.Engine
	checkpoint *session.Checkpoint
	driver     Driver
	ctl        *Control
	journal    *journal.Journal
	metrics    *metrics.Metrics
	logger     *zap.Logger
	clock      Clock
	generate   func(n int, firstSeq uint64, createdAt time.Time) ([]*wallet.Account, error)

	mu      sync.Mutex
	laps    []Lap
	workers []*wallet.Account
	current int
}

func NewRunner(cfg Config, deps Deps) (*Runner, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Funds == nil:
		return nil, fmt.Errorf("lap runner: funds engine required")
	case deps.Checkpoint == nil:
		return nil, fmt.Errorf("lap runner: checkpoint required")
	case deps.Driver == nil:
		return nil, fmt.Errorf("lap runner: activity driver required")
	case deps.Control == nil:
		return nil, fmt.Errorf("lap runner: control required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock
	}
	return &Runner{
		cfg:        cfg,
		funds:      deps.Funds,
		checkpoint: deps.Checkpoint,
		driver:     deps.Driver,
		ctl:        deps.Control,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		logger:     logger.With(zap.String("component", "lap")),
		clock:      clock,
		generate:   wallet.Generate,
	}, nil
}

func (r *Runner) Control() *Control { return r.ctl }
func (r *Runner) Config() Config    { return r.cfg }

// Laps returns a copy of the lap history of this run.
func (r *Runner) Laps() []Lap {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lap, len(r.laps))
	copy(out, r.laps)
	return out
}

// Workers returns the addresses of the current worker set.
func (r *Runner) Workers() []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return wallet.Addresses(r.workers)
}

// CurrentLap is the number of the lap in progress, or the last one run.
func (r *Runner) CurrentLap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// lapOutcome is what one lap hands to the loop.
type lapOutcome struct {
	next    []*wallet.Account
	halt    *HaltError
	stopped bool
}

// Run executes laps starting at startLap with the given funded workers. It
// returns nil after a stop or after MaxLaps laps, a HaltError (matching
// ErrHalted) when the loop halts, or the context error.
func (r *Runner) Run(ctx context.Context, admin *wallet.Account, workers []*wallet.Account, startLap int) error {
	if admin == nil {
		return fmt.Errorf("admin account required")
	}
	if startLap < 1 {
		startLap = 1
	}
	r.setWorkers(workers)

	for n := startLap; ; n++ {
		if r.cfg.MaxLaps > 0 && n >= startLap+r.cfg.MaxLaps {
			r.logger.Info("lap limit reached", zap.Int("laps", r.cfg.MaxLaps))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.ctl.Stopped() {
			r.emit(ctx, journal.Event{Event: journal.EventStopped, Lap: n - 1})
			return nil
		}
		if len(workers) == 0 {
			h := &HaltError{Lap: n, Reason: ReasonNoWorkers}
			r.halted(ctx, h)
			return h
		}

		out := r.runLap(ctx, admin, n, workers)
		if err := ctx.Err(); err != nil {
			return err
		}
		if out.halt != nil {
			r.halted(ctx, out.halt)
			return out.halt
		}
		if out.stopped {
			r.logger.Info("run stopped, funds left on admin", zap.Int("lap", n))
			r.emit(ctx, journal.Event{Event: journal.EventStopped, Lap: n})
			return nil
		}
		workers = out.next
		r.setWorkers(workers)
	}
}

func (r *Runner) runLap(ctx context.Context, admin *wallet.Account, n int, workers []*wallet.Account) (out lapOutcome) {
	idx := r.beginLap(n, len(workers))
	log := r.logger.With(zap.Int("lap", n))

	defer func() {
		if p := recover(); p != nil {
			r.ctl.closeWindow()
			r.metrics.SetActive(false)
			log.Error("lap panicked, treating as zero collection", zap.Any("panic", p))
			r.finishLap(idx, StatusFailed, ReasonPanic, 0)
			out = lapOutcome{halt: &HaltError{Lap: n, Reason: ReasonPanic, Err: fmt.Errorf("%v", p)}}
		}
	}()

	log.Info("lap starting", zap.Int("workers", len(workers)), zap.Duration("window", r.cfg.Window()))
	r.emit(ctx, journal.Event{Event: journal.EventLapStarted, Lap: n, Workers: hexes(workers)})

	active := r.activityWindow(ctx, n, workers)
	if ctx.Err() != nil {
		r.finishLap(idx, StatusFailed, "cancelled", active)
		return lapOutcome{}
	}

	// Collecting.
	if err := retry.Sleep(ctx, r.cfg.SettleDelay); err != nil {
		r.finishLap(idx, StatusFailed, "cancelled", active)
		return lapOutcome{}
	}
	res, err := runPhase(ctx, r.cfg.PhaseTimeout, "collect", func(ctx context.Context) funds.CollectResult {
		return r.funds.CollectFromWorkers(ctx, admin, workers, r.cfg.Token)
	})
	if err != nil {
		log.Error("collection did not settle, treating as zero", zap.Error(err))
		res = funds.CollectResult{TokenAmount: new(big.Int), NativeAmount: new(big.Int), AdminFees: new(big.Int)}
	}
	r.recordCollected(idx, res)
	r.emit(ctx, journal.Event{
		Event: journal.EventCollected, Lap: n,
		NativeWei: res.NativeAmount.String(), TokenUnits: res.TokenAmount.String(),
		Status: fmt.Sprintf("token=%t native=%t", res.TokenCollected, res.NativeCollected),
	})

	if !res.TokenCollected || !res.NativeCollected {
		r.finishLap(idx, StatusFailed, ReasonCollectionFailed, active)
		return lapOutcome{halt: &HaltError{Lap: n, Reason: ReasonCollectionFailed, Err: err}}
	}
	if res.Nothing() {
		r.finishLap(idx, StatusFailed, ReasonNothingCollected, active)
		return lapOutcome{halt: &HaltError{Lap: n, Reason: ReasonNothingCollected}}
	}
	if r.ctl.Stopped() {
		r.finishLap(idx, StatusCompleted, "stopped", active)
		return lapOutcome{stopped: true}
	}

	// Rotating.
	next, err := r.rotate(ctx, len(workers))
	if err != nil {
		reason := ReasonCheckpointFailed
		if errors.Is(err, ErrAddressReuse) {
			reason = ReasonAddressReuse
		}
		log.Error("rotation failed, funds remain on admin", zap.String("reason", reason), zap.Error(err))
		r.finishLap(idx, StatusFailed, reason, active)
		return lapOutcome{halt: &HaltError{Lap: n, Reason: reason, Err: err}}
	}
	r.emit(ctx, journal.Event{Event: journal.EventRotated, Lap: n, Workers: hexes(next)})

	// Redistributing.
	funded, halt := r.redistribute(ctx, admin, n, next, res)
	if halt != nil {
		r.finishLap(idx, StatusFailed, halt.Reason, active)
		return lapOutcome{halt: halt}
	}
	r.emit(ctx, journal.Event{Event: journal.EventRedistributed, Lap: n, Workers: hexes(funded)})

	r.finishLap(idx, StatusCompleted, "", active)
	log.Info("lap completed",
		zap.Int("funded_workers", len(funded)),
		zap.String("native_collected", ethutil.FormatUnits(res.NativeAmount, ethutil.NativeDecimals)),
		zap.String("token_collected", res.TokenAmount.String()))
	return lapOutcome{next: funded}
}

// activityWindow runs the driver until the window's active time elapses or the
// run is stopped, and returns the active time spent.
func (r *Runner) activityWindow(ctx context.Context, n int, workers []*wallet.Account) time.Duration {
	window := r.cfg.Window()
	timer := NewActiveTimer(r.clock)

	dctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.ctl.openWindow()
	go func() {
		defer close(done)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("activity driver panicked", zap.Int("lap", n), zap.Any("panic", p))
			}
		}()
		if err := r.driver.Begin(dctx, n, workers, r.ctl); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStopped) {
			r.logger.Warn("activity driver returned error", zap.Int("lap", n), zap.Error(err))
		}
	}()

	ticker := time.NewTicker(r.cfg.PausePoll)
	nextProgress := r.cfg.ProgressEvery
	wasActive := true
	for {
		if active := r.ctl.Active(); active != wasActive {
			wasActive = active
			if active {
				timer.Resume()
				r.logger.Info("trading resumed", zap.Int("lap", n), zap.Duration("active", timer.Elapsed()))
				r.emit(ctx, journal.Event{Event: journal.EventResumed, Lap: n, ActiveMs: timer.Elapsed().Milliseconds()})
			} else {
				timer.Pause()
				if !r.ctl.Stopped() {
					r.logger.Info("trading paused", zap.Int("lap", n), zap.Duration("active", timer.Elapsed()))
					r.emit(ctx, journal.Event{Event: journal.EventPaused, Lap: n, ActiveMs: timer.Elapsed().Milliseconds()})
				}
			}
			r.metrics.SetActive(active)
		}
		if r.ctl.Stopped() {
			r.logger.Info("stop requested, closing activity window", zap.Int("lap", n))
			break
		}
		elapsed := timer.Elapsed()
		if elapsed >= window {
			break
		}
		if elapsed >= nextProgress {
			r.logger.Info("lap progress", zap.Int("lap", n),
				zap.Duration("active", elapsed), zap.Duration("remaining", window-elapsed))
			r.emit(ctx, journal.Event{Event: journal.EventLapProgress, Lap: n, ActiveMs: elapsed.Milliseconds()})
			for nextProgress <= elapsed {
				nextProgress += r.cfg.ProgressEvery
			}
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-r.ctl.Changed():
		}
		if ctx.Err() != nil {
			break
		}
	}
	ticker.Stop()
	r.ctl.closeWindow()
	r.metrics.SetActive(false)
	cancel()

	grace := time.NewTimer(r.cfg.DriverGrace)
	select {
	case <-done:
	case <-grace.C:
		r.logger.Warn("activity driver still running after window closed", zap.Int("lap", n))
	}
	grace.Stop()
	return timer.Elapsed()
}

func (r *Runner) rotate(ctx context.Context, size int) ([]*wallet.Account, error) {
	s, err := r.checkpoint.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	next, err := r.generate(size, s.NextSeq(), r.clock.Now())
	if err != nil {
		return nil, err
	}
	used := []common.Address{s.Admin.Address}
	for _, w := range s.Workers {
		used = append(used, w.Address)
	}
	if dup := ethutil.Overlap(used, wallet.Addresses(next)); len(dup) > 0 {
		return nil, fmt.Errorf("%w: %d generated address(es) already in session, first %s", ErrAddressReuse, len(dup), dup[0].Hex())
	}
	if err := r.checkpoint.Append(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// redistribute seeds next with what the lap collected. The native amount sent
// is what was collected minus everything the admin pays to send it (native and
// token transfer fees, new token accounts), so the admin never ends a lap below
// where it started.
func (r *Runner) redistribute(ctx context.Context, admin *wallet.Account, n int, next []*wallet.Account, res funds.CollectResult) ([]*wallet.Account, *HaltError) {
	log := r.logger.With(zap.Int("lap", n))

	tokenUnits := new(big.Int)
	if r.cfg.Token != (common.Address{}) {
		tokenUnits = res.TokenAmount
	}
	budget, err := r.funds.RedistributionFee(ctx, admin.Address, next, r.cfg.Token, tokenUnits)
	if err != nil {
		return nil, &HaltError{Lap: n, Reason: ReasonFeeBudget, Err: err}
	}
	if res.AdminFees != nil {
		budget.Add(budget, res.AdminFees)
	}
	native := new(big.Int).Sub(res.NativeAmount, budget)
	if native.Sign() <= 0 {
		return nil, &HaltError{Lap: n, Reason: ReasonFeeBudget,
			Err: fmt.Errorf("collected %s wei does not cover fee budget %s wei", res.NativeAmount, budget)}
	}
	log.Debug("fee budget reserved", zap.String("budget_wei", budget.String()), zap.String("native_wei", native.String()))

	if r.cfg.Token != (common.Address{}) && res.TokenAmount.Sign() > 0 {
		td, err := runPhase(ctx, r.cfg.PhaseTimeout, "distribute token", func(ctx context.Context) tokenPhase {
			d, err := r.funds.DistributeTokenUnits(ctx, admin, next, r.cfg.Token, res.TokenAmount)
			return tokenPhase{d, err}
		})
		if err == nil {
			err = td.err
		}
		if errors.Is(err, funds.ErrInsufficientFunds) {
			return nil, &HaltError{Lap: n, Reason: ReasonInsufficientFunds, Err: err}
		}
		if err != nil {
			log.Warn("token redistribution incomplete", zap.Error(err))
		} else {
			log.Info("tokens redistributed", zap.Int("failed", td.d.Failed), zap.String("share_units", td.d.Share.String()))
		}
		if err := retry.Sleep(ctx, r.cfg.PhaseDelay); err != nil {
			return nil, &HaltError{Lap: n, Reason: "cancelled", Err: err}
		}
	}

	dist, err := runPhase(ctx, r.cfg.PhaseTimeout, "distribute native", func(ctx context.Context) funds.DistributeResult {
		return r.funds.DistributeNative(ctx, admin, next, native)
	})
	if err != nil {
		log.Error("native redistribution did not settle, no workers carried forward", zap.Error(err))
		return nil, nil
	}
	return dist.Succeeded, nil
}

type tokenPhase struct {
	d   funds.TokenDistribution
	err error
}

func (r *Runner) beginLap(n, workers int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = n
	r.laps = append(r.laps, Lap{
		Number:          n,
		StartedAt:       r.clock.Now(),
		Workers:         workers,
		NativeCollected: new(big.Int),
		TokenCollected:  new(big.Int),
		Status:          StatusRunning,
	})
	return len(r.laps) - 1
}

func (r *Runner) recordCollected(idx int, res funds.CollectResult) {
	r.mu.Lock()
	r.laps[idx].NativeCollected = new(big.Int).Set(res.NativeAmount)
	r.laps[idx].TokenCollected = new(big.Int).Set(res.TokenAmount)
	r.mu.Unlock()

	nat, _ := new(big.Float).SetInt(res.NativeAmount).Float64()
	tok, _ := new(big.Float).SetInt(res.TokenAmount).Float64()
	r.metrics.SetCollected(nat, tok)
}

func (r *Runner) finishLap(idx int, status Status, reason string, active time.Duration) {
	now := r.clock.Now()
	r.mu.Lock()
	l := &r.laps[idx]
	l.EndedAt = &now
	l.Status = status
	l.Reason = reason
	l.ActiveTime = active.Round(time.Millisecond).String()
	snapshot := *l
	r.mu.Unlock()

	r.metrics.LapFinished(string(status), active.Seconds())
	event := journal.EventLapCompleted
	if status == StatusFailed {
		event = journal.EventLapFailed
	}
	r.emit(context.Background(), journal.Event{
		Event: event, Lap: snapshot.Number, Status: string(status), Reason: reason,
		NativeWei: snapshot.NativeCollected.String(), TokenUnits: snapshot.TokenCollected.String(),
		ActiveMs: active.Milliseconds(),
	})
}

func (r *Runner) halted(ctx context.Context, h *HaltError) {
	r.logger.Error("lap loop halted", zap.Int("lap", h.Lap), zap.String("reason", h.Reason), zap.Error(h.Err))
	r.metrics.Halted(h.Reason)
	ev := journal.Event{Event: journal.EventHalted, Lap: h.Lap, Reason: h.Reason}
	if h.Err != nil {
		ev.Err = h.Err.Error()
	}
	r.emit(ctx, ev)
}

func (r *Runner) setWorkers(ws []*wallet.Account) {
	r.mu.Lock()
	r.workers = append([]*wallet.Account(nil), ws...)
	r.mu.Unlock()
	r.metrics.SetWorkers(len(ws))
}

func (r *Runner) emit(ctx context.Context, ev journal.Event) {
	r.journal.Emit(context.WithoutCancel(ctx), ev)
}

func hexes(accts []*wallet.Account) []string {
	out := make([]string, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Address.Hex())
	}
	return out
}
