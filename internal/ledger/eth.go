package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

const (
	nativeTransferGas = uint64(21_000)
	// tokenTransferGas is used when estimation fails; a transfer to a fresh
	// holder writes a new storage slot.
	tokenTransferGas = uint64(65_000)
)

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// EthOptions tunes the go-ethereum backed client.
type EthOptions struct {
	// ConfirmTimeout bounds the wait for a transfer receipt.
	ConfirmTimeout time.Duration
	// GasPriceBufferBps is added on top of the suggested gas price.
	GasPriceBufferBps int64
	// CallTimeout bounds read-only calls.
	CallTimeout time.Duration
}

func (o EthOptions) withDefaults() EthOptions {
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 90 * time.Second
	}
	if o.GasPriceBufferBps < 0 {
		o.GasPriceBufferBps = 0
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 8 * time.Second
	}
	return o
}

// EthClient implements Client over JSON-RPC. Nonces are tracked per sender so
// concurrent transfers from the admin account do not collide.
type EthClient struct {
	client  *ethclient.Client
	chainID *big.Int
	opts    EthOptions
	erc20   abi.ABI
	logger  *zap.Logger

	mu       sync.Mutex
	nonces   map[common.Address]uint64
	decimals map[common.Address]uint8
}

var _ Client = (*EthClient)(nil)

// DialEth connects to url, retrying with backoff until the head block can be
// fetched or ctx ends.
func DialEth(ctx context.Context, url string, opts EthOptions, logger *zap.Logger) (*EthClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ledger"))

	erc20, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("erc20 abi parse: %w", err)
	}

	policy := retry.Policy{MaxAttempts: 8, Delay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	res := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (*ethclient.Client, error) {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			logger.Warn("dial rpc failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		if _, err := client.BlockNumber(ctx); err != nil {
			client.Close()
			logger.Warn("fetch head failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, fmt.Errorf("failed to fetch head: %w", err)
		}
		return client, nil
	})
	if !res.Ok() {
		return nil, fmt.Errorf("dial rpc: %w", res.Err)
	}
	client := res.Value

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	logger.Info("rpc connected", zap.String("chain_id", chainID.String()))

	return &EthClient{
		client:   client,
		chainID:  chainID,
		opts:     opts.withDefaults(),
		erc20:    erc20,
		logger:   logger,
		nonces:   make(map[common.Address]uint64),
		decimals: make(map[common.Address]uint8),
	}, nil
}

func (c *EthClient) Close() {
	if c != nil && c.client != nil {
		c.client.Close()
	}
}

func (c *EthClient) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	bal, err := c.client.BalanceAt(callCtx, owner, nil)
	if err != nil {
		return nil, fmt.Errorf("balance(%s): %w", owner.Hex(), err)
	}
	return bal, nil
}

func (c *EthClient) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	vals, err := c.callERC20(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("token balanceOf(%s): %w", owner.Hex(), err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("token balanceOf: unexpected result len %d", len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("token balanceOf: unexpected type %T", vals[0])
	}
	return bal, nil
}

func (c *EthClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	c.mu.Lock()
	d, ok := c.decimals[token]
	c.mu.Unlock()
	if ok {
		return d, nil
	}

	vals, err := c.callERC20(ctx, token, "decimals")
	if err != nil {
		return 0, fmt.Errorf("token decimals(%s): %w", token.Hex(), err)
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("token decimals: unexpected result len %d", len(vals))
	}
	d, ok = vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("token decimals: unexpected type %T", vals[0])
	}

	c.mu.Lock()
	c.decimals[token] = d
	c.mu.Unlock()
	return d, nil
}

// EnsureTokenAccount is a no-op on EVM chains: any address can hold ERC-20
// balances, so the receiving address is the owner itself.
func (c *EthClient) EnsureTokenAccount(ctx context.Context, payer *wallet.Account, owner, token common.Address) (common.Address, error) {
	if (owner == common.Address{}) {
		return common.Address{}, fmt.Errorf("token account owner missing")
	}
	return owner, nil
}

func (c *EthClient) TransferFee(ctx context.Context) (*big.Int, error) {
	price, err := c.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(nativeTransferGas)), nil
}

// TokenTransferFee estimates the transfer's gas against the node and prices it
// at the current gas price.
func (c *EthClient) TokenTransferFee(ctx context.Context, token, from, to common.Address, amount *big.Int) (*big.Int, error) {
	price, err := c.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gas := tokenTransferGas
	if positive(amount) {
		data, err := c.erc20.Pack("transfer", to, amount)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		est, err := c.client.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &token, Data: data})
		cancel()
		if err != nil {
			c.logger.Debug("token transfer gas estimate failed, using ceiling", zap.Error(err))
		} else if est > 0 {
			gas = est
		}
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(gas)), nil
}

// AccountCreationFee is always zero: ERC-20 balances need no account.
func (c *EthClient) AccountCreationFee(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return new(big.Int), nil
}

func (c *EthClient) Head(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.client.BlockNumber(callCtx)
}

func (c *EthClient) TransferNative(ctx context.Context, from *wallet.Account, to common.Address, amount *big.Int) (common.Hash, error) {
	if from == nil || from.Key == nil {
		return common.Hash{}, fmt.Errorf("sender key missing")
	}
	if !positive(amount) {
		return common.Hash{}, fmt.Errorf("transfer amount must be positive")
	}
	price, err := c.gasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.reserveNonce(ctx, from.Address)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int).Set(amount),
		Gas:      nativeTransferGas,
		GasPrice: price,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), from.Key)
	if err != nil {
		c.forgetNonce(from.Address)
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		c.forgetNonce(from.Address)
		return common.Hash{}, fmt.Errorf("send transfer %s→%s: %w", from.Address.Hex(), to.Hex(), err)
	}
	return c.waitConfirmed(ctx, signed)
}

func (c *EthClient) TransferToken(ctx context.Context, from *wallet.Account, token, to common.Address, amount *big.Int) (common.Hash, error) {
	if from == nil || from.Key == nil {
		return common.Hash{}, fmt.Errorf("sender key missing")
	}
	if !positive(amount) {
		return common.Hash{}, fmt.Errorf("transfer amount must be positive")
	}
	price, err := c.gasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(from.Key, c.chainID)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := c.reserveNonce(ctx, from.Address)
	if err != nil {
		return common.Hash{}, err
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)
	opts.GasPrice = price

	contract := bind.NewBoundContract(token, c.erc20, c.client, c.client, c.client)
	tx, err := contract.Transact(opts, "transfer", to, new(big.Int).Set(amount))
	if err != nil {
		c.forgetNonce(from.Address)
		return common.Hash{}, fmt.Errorf("token transfer %s→%s: %w", from.Address.Hex(), to.Hex(), err)
	}
	return c.waitConfirmed(ctx, tx)
}

func (c *EthClient) waitConfirmed(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.ConfirmTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.client, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("wait receipt %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("tx reverted %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

func (c *EthClient) gasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	price, err := c.client.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	if c.opts.GasPriceBufferBps > 0 {
		bump := new(big.Int).Mul(price, big.NewInt(c.opts.GasPriceBufferBps))
		bump.Quo(bump, big.NewInt(10_000))
		price.Add(price, bump)
	}
	return price, nil
}

func (c *EthClient) reserveNonce(ctx context.Context, addr common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nonces[addr]
	if !ok {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
		pending, err := c.client.PendingNonceAt(callCtx, addr)
		if err != nil {
			return 0, fmt.Errorf("pending nonce(%s): %w", addr.Hex(), err)
		}
		n = pending
	}
	c.nonces[addr] = n + 1
	return n, nil
}

// forgetNonce drops the cached nonce so the next send re-reads it from the node.
func (c *EthClient) forgetNonce(addr common.Address) {
	c.mu.Lock()
	delete(c.nonces, addr)
	c.mu.Unlock()
}

func (c *EthClient) callERC20(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	out, err := c.client.CallContract(callCtx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned empty result", method)
	}
	return c.erc20.Unpack(method, out)
}
