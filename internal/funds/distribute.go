package funds

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/fanout"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// DistributeResult lists the workers that received Share, in input order.
type DistributeResult struct {
	Succeeded []*wallet.Account
	Share     *big.Int
}

// DistributeNative sends total/len(workers) wei from admin to each worker, one
// attempt per worker. Failed workers are logged and left out of Succeeded.
func (e *Engine) DistributeNative(ctx context.Context, admin *wallet.Account, workers []*wallet.Account, total *big.Int) DistributeResult {
	res := DistributeResult{Share: share(total, len(workers))}
	if len(workers) == 0 {
		return res
	}
	if res.Share.Sign() <= 0 {
		e.logger.Warn("native share is zero, nothing distributed",
			zap.String("total_wei", total.String()), zap.Int("workers", len(workers)))
		return res
	}

	amount := res.Share
	tasks := make([]fanout.Task[common.Hash], len(workers))
	for i, w := range workers {
		w := w
		tasks[i] = func(ctx context.Context) (common.Hash, error) {
			h, err := e.ledger.TransferNative(ctx, admin, w.Address, new(big.Int).Set(amount))
			e.metrics.Transfer("distribute_native", err)
			return h, err
		}
	}

	for _, o := range fanout.Run(ctx, e.opts.Stagger, tasks) {
		w := workers[o.Index]
		if o.Err != nil {
			e.logger.Warn("native distribution failed",
				zap.String("worker", w.Address.Hex()), zap.Uint64("seq", w.Seq), zap.Error(o.Err))
			continue
		}
		e.logger.Debug("native distributed",
			zap.String("worker", w.Address.Hex()), zap.String("tx", o.Value.Hex()))
		res.Succeeded = append(res.Succeeded, w)
	}
	e.logger.Info("native distribution settled",
		zap.Int("workers", len(workers)), zap.Int("succeeded", len(res.Succeeded)),
		zap.String("share", ethutil.FormatUnits(amount, ethutil.NativeDecimals)))
	return res
}

// TokenDistribution reports a token batch; per-worker failures do not fail it.
type TokenDistribution struct {
	Succeeded []*wallet.Account
	Failed    int
	Share     *big.Int
}

// DistributeToken sends an even share of amount (human units scaled by
// decimals) from admin to each worker, creating token accounts at the admin's
// expense where needed. It fails with ErrInsufficientFunds before any transfer
// when the admin balance is short.
func (e *Engine) DistributeToken(ctx context.Context, admin *wallet.Account, workers []*wallet.Account, token common.Address, amount decimal.Decimal, decimals uint8) (TokenDistribution, error) {
	units, err := ethutil.ToBaseUnits(amount, decimals)
	if err != nil {
		return TokenDistribution{}, err
	}
	return e.DistributeTokenUnits(ctx, admin, workers, token, units)
}

// DistributeTokenUnits is DistributeToken with the amount already in base units.
func (e *Engine) DistributeTokenUnits(ctx context.Context, admin *wallet.Account, workers []*wallet.Account, token common.Address, units *big.Int) (TokenDistribution, error) {
	res := TokenDistribution{Share: share(units, len(workers))}
	if units == nil || units.Sign() <= 0 || len(workers) == 0 {
		return res, nil
	}

	bal, err := e.tokenBalance(ctx, token, admin.Address)
	if err != nil {
		return res, fmt.Errorf("admin token balance: %w", err)
	}
	if bal.Cmp(units) < 0 {
		return res, fmt.Errorf("%w: admin holds %s token units, distribution needs %s", ErrInsufficientFunds, bal, units)
	}
	if res.Share.Sign() <= 0 {
		e.logger.Warn("token share is zero, nothing distributed",
			zap.String("total_units", units.String()), zap.Int("workers", len(workers)))
		return res, nil
	}

	amount := res.Share
	tasks := make([]fanout.Task[common.Hash], len(workers))
	for i, w := range workers {
		w := w
		tasks[i] = func(ctx context.Context) (common.Hash, error) {
			dest, err := e.ledger.EnsureTokenAccount(ctx, admin, w.Address, token)
			if err != nil {
				return common.Hash{}, fmt.Errorf("ensure token account: %w", err)
			}
			h, err := e.ledger.TransferToken(ctx, admin, token, dest, new(big.Int).Set(amount))
			e.metrics.Transfer("distribute_token", err)
			return h, err
		}
	}

	for _, o := range fanout.Run(ctx, e.opts.Stagger, tasks) {
		w := workers[o.Index]
		if o.Err != nil {
			res.Failed++
			e.logger.Warn("token distribution failed",
				zap.String("worker", w.Address.Hex()), zap.Uint64("seq", w.Seq), zap.Error(o.Err))
			continue
		}
		res.Succeeded = append(res.Succeeded, w)
	}
	e.logger.Info("token distribution settled",
		zap.Int("workers", len(workers)), zap.Int("failed", res.Failed), zap.String("share_units", amount.String()))
	return res, nil
}
