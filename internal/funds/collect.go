package funds

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/fanout"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// CollectResult reports both collection passes. A pass is collected only when
// every worker ended with nothing left to move.
type CollectResult struct {
	TokenCollected  bool
	NativeCollected bool
	TokenAmount     *big.Int
	NativeAmount    *big.Int
	// AdminFees is native the admin itself paid during collection, such as
	// creating its own token account.
	AdminFees *big.Int
}

// Nothing reports whether the collection moved no funds at all.
func (r CollectResult) Nothing() bool {
	return (r.TokenAmount == nil || r.TokenAmount.Sign() == 0) &&
		(r.NativeAmount == nil || r.NativeAmount.Sign() == 0)
}

// CollectFromWorkers drains every worker back to admin: first tokens down to
// the dust threshold, then, once that pass has fully settled, native coin down
// to the fee and rent reserve. A zero token address skips the token pass.
func (e *Engine) CollectFromWorkers(ctx context.Context, admin *wallet.Account, workers []*wallet.Account, token common.Address) CollectResult {
	res := CollectResult{TokenAmount: new(big.Int), NativeAmount: new(big.Int), AdminFees: new(big.Int)}

	if token == (common.Address{}) {
		res.TokenCollected = true
	} else {
		res.TokenCollected, res.TokenAmount, res.AdminFees = e.collectTokens(ctx, admin, workers, token)
	}
	res.NativeCollected, res.NativeAmount = e.collectNative(ctx, admin, workers)

	e.logger.Info("collection settled",
		zap.Int("workers", len(workers)),
		zap.Bool("token_collected", res.TokenCollected),
		zap.Bool("native_collected", res.NativeCollected),
		zap.String("token_units", res.TokenAmount.String()),
		zap.String("native_wei", res.NativeAmount.String()))
	return res
}

func (e *Engine) collectTokens(ctx context.Context, admin *wallet.Account, workers []*wallet.Account, token common.Address) (bool, *big.Int, *big.Int) {
	spent, err := e.ledger.AccountCreationFee(ctx, admin.Address, token)
	if err != nil {
		e.logger.Warn("admin token account fee unavailable, token pass skipped", zap.Error(err))
		return false, new(big.Int), new(big.Int)
	}
	dest, err := e.ledger.EnsureTokenAccount(ctx, admin, admin.Address, token)
	if err != nil {
		e.logger.Warn("admin token account unavailable, token pass skipped", zap.Error(err))
		return false, new(big.Int), new(big.Int)
	}

	tasks := make([]fanout.Task[*big.Int], len(workers))
	for i, w := range workers {
		w := w
		tasks[i] = func(ctx context.Context) (*big.Int, error) {
			return e.drainToken(ctx, w, token, dest)
		}
	}
	ok, amount := e.settle("token", workers, fanout.Run(ctx, e.opts.Stagger, tasks))
	return ok, amount, spent
}

// drainToken moves balance-dust to dest until the worker is at or below dust or
// RetryLimit transfers have been tried.
func (e *Engine) drainToken(ctx context.Context, w *wallet.Account, token, dest common.Address) (*big.Int, error) {
	collected := new(big.Int)
	dust := e.opts.DustThreshold
	for attempt := 0; ; {
		bal, err := e.tokenBalance(ctx, token, w.Address)
		if err != nil {
			return collected, fmtErr("token balance", w, err)
		}
		if bal.Cmp(dust) <= 0 {
			return collected, nil
		}
		if attempt >= e.opts.RetryLimit {
			return collected, fmt.Errorf("%s still holds %s token units after %d attempts", w.Address.Hex(), bal, attempt)
		}
		attempt++

		amount := new(big.Int).Sub(bal, dust)
		_, err = e.ledger.TransferToken(ctx, w, token, dest, amount)
		e.metrics.Transfer("collect_token", err)
		if err != nil {
			e.logger.Warn("token collection transfer failed",
				zap.String("worker", w.Address.Hex()), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			collected.Add(collected, amount)
		}
		if err := retry.Sleep(ctx, e.opts.RecheckDelay); err != nil {
			return collected, err
		}
	}
}

func (e *Engine) collectNative(ctx context.Context, admin *wallet.Account, workers []*wallet.Account) (bool, *big.Int) {
	tasks := make([]fanout.Task[*big.Int], len(workers))
	for i, w := range workers {
		w := w
		tasks[i] = func(ctx context.Context) (*big.Int, error) {
			return e.drainNative(ctx, w, admin.Address)
		}
	}
	return e.settle("native", workers, fanout.Run(ctx, e.opts.Stagger, tasks))
}

// drainNative sends balance-(fee+rent) to dest. Each attempt re-reads both the
// balance and the fee, so a transfer that landed despite an error is not sent
// twice and a fee rise between attempts is priced in.
func (e *Engine) drainNative(ctx context.Context, w *wallet.Account, dest common.Address) (*big.Int, error) {
	res := retry.Do(ctx, e.retryPolicy(), func(ctx context.Context, attempt int) (*big.Int, error) {
		fee, err := e.ledger.TransferFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("transfer fee: %w", err)
		}
		bal, err := e.ledger.NativeBalance(ctx, w.Address)
		if err != nil {
			return nil, fmtErr("native balance", w, err)
		}
		sendable := new(big.Int).Sub(bal, fee)
		sendable.Sub(sendable, e.opts.RentReserve)
		if sendable.Sign() <= 0 {
			return new(big.Int), nil
		}
		_, err = e.ledger.TransferNative(ctx, w, dest, sendable)
		e.metrics.Transfer("collect_native", err)
		if err != nil {
			e.logger.Warn("native collection transfer failed",
				zap.String("worker", w.Address.Hex()), zap.Int("attempt", attempt),
				zap.String("fee_wei", fee.String()), zap.Error(err))
			return nil, err
		}
		return sendable, nil
	})
	if res.Value == nil {
		return new(big.Int), res.Err
	}
	return res.Value, res.Err
}

func (e *Engine) settle(pass string, workers []*wallet.Account, outcomes []fanout.Outcome[*big.Int]) (bool, *big.Int) {
	ok := true
	amounts := make([]*big.Int, 0, len(outcomes))
	for _, o := range outcomes {
		amounts = append(amounts, o.Value)
		if o.Err != nil {
			ok = false
			e.logger.Warn("worker not fully collected",
				zap.String("pass", pass), zap.String("worker", workers[o.Index].Address.Hex()), zap.Error(o.Err))
		}
	}
	return ok, sum(amounts)
}
