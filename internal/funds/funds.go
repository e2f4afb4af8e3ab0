// Package funds moves native coin and tokens between the admin account and a
// set of worker accounts. Every batch fans out one task per worker with
// staggered starts and tolerates per-worker failure.
package funds

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ledger"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/metrics"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// ErrInsufficientFunds is returned before any transfer is issued when the admin
// cannot cover a token distribution.
var ErrInsufficientFunds = errors.New("insufficient funds")

const (
	DefaultStagger      = 700 * time.Millisecond
	DefaultRetryLimit   = 5
	DefaultRetryDelay   = 2 * time.Second
	DefaultRecheckDelay = 2 * time.Second
)

type Options struct {
	// Stagger offsets the start of the i-th worker task by i*Stagger.
	Stagger time.Duration
	// RetryLimit caps attempts per worker for collection and balance reads.
	RetryLimit int
	RetryDelay time.Duration
	// RecheckDelay is the wait between a token transfer and the next balance read.
	RecheckDelay time.Duration
	// DustThreshold is the token balance (base units) left behind on workers.
	DustThreshold *big.Int
	// RentReserve is the native balance (wei) every account must retain.
	RentReserve *big.Int
}

func (o Options) withDefaults() Options {
	if o.Stagger < 0 {
		o.Stagger = 0
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.RecheckDelay < 0 {
		o.RecheckDelay = 0
	}
	if o.DustThreshold == nil || o.DustThreshold.Sign() < 0 {
		o.DustThreshold = new(big.Int)
	}
	if o.RentReserve == nil || o.RentReserve.Sign() < 0 {
		o.RentReserve = new(big.Int)
	}
	return o
}

// DefaultOptions mirrors the reference timing of the lap engine.
func DefaultOptions() Options {
	return Options{
		Stagger:      DefaultStagger,
		RetryLimit:   DefaultRetryLimit,
		RetryDelay:   DefaultRetryDelay,
		RecheckDelay: DefaultRecheckDelay,
	}.withDefaults()
}

type Engine struct {
	ledger  ledger.Client
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func New(l ledger.Client, opts Options, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		ledger:  l,
		opts:    opts.withDefaults(),
		logger:  logger.With(zap.String("component", "funds")),
		metrics: m,
	}
}

func (e *Engine) Options() Options { return e.opts }

func (e *Engine) retryPolicy() retry.Policy {
	return retry.Fixed(e.opts.RetryLimit, e.opts.RetryDelay)
}

func (e *Engine) nativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	res := retry.Do(ctx, e.retryPolicy(), func(ctx context.Context, _ int) (*big.Int, error) {
		return e.ledger.NativeBalance(ctx, owner)
	})
	return res.Value, res.Err
}

func (e *Engine) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	res := retry.Do(ctx, e.retryPolicy(), func(ctx context.Context, _ int) (*big.Int, error) {
		return e.ledger.TokenBalance(ctx, token, owner)
	})
	return res.Value, res.Err
}

// TransferFee reads the ledger's reserved fee for one native transfer, retried.
func (e *Engine) TransferFee(ctx context.Context) (*big.Int, error) {
	res := retry.Do(ctx, e.retryPolicy(), func(ctx context.Context, _ int) (*big.Int, error) {
		return e.ledger.TransferFee(ctx)
	})
	return res.Value, res.Err
}

// RedistributionFee prices what admin spends seeding workers: one native
// transfer each and, when tokenUnits is positive, a token account (if missing)
// plus a token transfer of the per-worker share each.
func (e *Engine) RedistributionFee(ctx context.Context, admin common.Address, workers []*wallet.Account, token common.Address, tokenUnits *big.Int) (*big.Int, error) {
	fee, err := e.TransferFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("transfer fee: %w", err)
	}
	total := new(big.Int).Mul(fee, big.NewInt(int64(len(workers))))
	if token == (common.Address{}) || tokenUnits == nil || tokenUnits.Sign() <= 0 {
		return total, nil
	}

	amount := share(tokenUnits, len(workers))
	for _, w := range workers {
		res := retry.Do(ctx, e.retryPolicy(), func(ctx context.Context, _ int) (*big.Int, error) {
			create, err := e.ledger.AccountCreationFee(ctx, w.Address, token)
			if err != nil {
				return nil, err
			}
			send, err := e.ledger.TokenTransferFee(ctx, token, admin, w.Address, amount)
			if err != nil {
				return nil, err
			}
			return create.Add(create, send), nil
		})
		if res.Err != nil {
			return nil, fmtErr("token leg fee", w, res.Err)
		}
		total.Add(total, res.Value)
	}
	return total, nil
}

// share splits total evenly across n; the remainder stays with the sender.
func share(total *big.Int, n int) *big.Int {
	if total == nil || n <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Quo(total, big.NewInt(int64(n)))
}

func sum(values []*big.Int) *big.Int {
	out := new(big.Int)
	for _, v := range values {
		if v != nil {
			out.Add(out, v)
		}
	}
	return out
}

func fmtErr(op string, w *wallet.Account, err error) error {
	return fmt.Errorf("%s %s: %w", op, w.Address.Hex(), err)
}
