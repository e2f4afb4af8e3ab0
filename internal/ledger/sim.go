package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// ErrInsufficientBalance is returned by Sim when a sender cannot cover a
// transfer plus its fee.
var ErrInsufficientBalance = errors.New("insufficient balance")

// FaultFunc lets tests fail selected Sim operations. op is one of
// "native", "token", "ensure", "balance", "token_balance".
type FaultFunc func(op string, from, to common.Address) error

// SimOptions configures the in-memory ledger.
type SimOptions struct {
	// Fee is charged in native units to the sender of every transfer.
	Fee *big.Int
	// AccountFee is charged to the payer when a token account is created.
	AccountFee *big.Int
	// Latency is added to every call.
	Latency time.Duration
	// Decimals reported for every token (default 6).
	Decimals uint8
}

// Sim is an in-memory Client used for dry runs and tests. It is safe for
// concurrent use.
type Sim struct {
	opts SimOptions

	mu        sync.Mutex
	native    map[common.Address]*big.Int
	tokens    map[common.Address]map[common.Address]*big.Int
	accounts  map[common.Address]map[common.Address]bool
	head      uint64
	fault     FaultFunc
	transfers int
}

var _ Client = (*Sim)(nil)

func NewSim(opts SimOptions) *Sim {
	if opts.Fee == nil {
		opts.Fee = new(big.Int)
	}
	if opts.AccountFee == nil {
		opts.AccountFee = new(big.Int)
	}
	if opts.Decimals == 0 {
		opts.Decimals = 6
	}
	return &Sim{
		opts:     opts,
		native:   make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
		accounts: make(map[common.Address]map[common.Address]bool),
		head:     1,
	}
}

// SetFault installs (or clears, with nil) a failure injector.
func (s *Sim) SetFault(f FaultFunc) {
	s.mu.Lock()
	s.fault = f
	s.mu.Unlock()
}

// Fund credits native units to owner.
func (s *Sim) Fund(owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nativeLocked(owner).Add(s.nativeLocked(owner), amount)
}

// Mint credits token units to owner, creating its token account.
func (s *Sim) Mint(token, owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountsLocked(token)[owner] = true
	bal := s.tokenLocked(token, owner)
	bal.Add(bal, amount)
}

// SetNative overwrites the native balance of owner.
func (s *Sim) SetNative(owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.native[owner] = new(big.Int).Set(amount)
}

// SetToken overwrites the token balance of owner, creating its account.
func (s *Sim) SetToken(token, owner common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountsLocked(token)[owner] = true
	s.tokenLocked(token, owner).Set(amount)
}

// SetFee changes the per-transfer fee, as a gas price move would.
func (s *Sim) SetFee(fee *big.Int) {
	s.mu.Lock()
	s.opts.Fee = new(big.Int).Set(fee)
	s.mu.Unlock()
}

// HasTokenAccount reports whether owner has a token account for token.
func (s *Sim) HasTokenAccount(token, owner common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts[token][owner]
}

// Transfers returns the number of confirmed transfers so far.
func (s *Sim) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers
}

// TokenAddress derives a deterministic fake token address from a label.
func TokenAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("sim-token:" + label))[12:])
}

func (s *Sim) NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	if err := s.enter(ctx, "balance", owner, common.Address{}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.nativeLocked(owner)), nil
}

func (s *Sim) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	if err := s.enter(ctx, "token_balance", owner, token); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.tokenLocked(token, owner)), nil
}

func (s *Sim) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.opts.Decimals, nil
}

func (s *Sim) EnsureTokenAccount(ctx context.Context, payer *wallet.Account, owner, token common.Address) (common.Address, error) {
	if payer == nil {
		return common.Address{}, fmt.Errorf("payer missing")
	}
	if err := s.enter(ctx, "ensure", payer.Address, owner); err != nil {
		return common.Address{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountsLocked(token)[owner] {
		return owner, nil
	}
	if err := s.debitLocked(payer.Address, s.opts.AccountFee); err != nil {
		return common.Address{}, fmt.Errorf("create token account for %s: %w", owner.Hex(), err)
	}
	s.accountsLocked(token)[owner] = true
	s.head++
	return owner, nil
}

func (s *Sim) TransferNative(ctx context.Context, from *wallet.Account, to common.Address, amount *big.Int) (common.Hash, error) {
	if from == nil {
		return common.Hash{}, fmt.Errorf("sender missing")
	}
	if !positive(amount) {
		return common.Hash{}, fmt.Errorf("transfer amount must be positive")
	}
	if err := s.enter(ctx, "native", from.Address, to); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	total := new(big.Int).Add(amount, s.opts.Fee)
	if err := s.debitLocked(from.Address, total); err != nil {
		return common.Hash{}, err
	}
	s.nativeLocked(to).Add(s.nativeLocked(to), amount)
	return s.confirmLocked(from.Address, to), nil
}

func (s *Sim) TransferToken(ctx context.Context, from *wallet.Account, token, to common.Address, amount *big.Int) (common.Hash, error) {
	if from == nil {
		return common.Hash{}, fmt.Errorf("sender missing")
	}
	if !positive(amount) {
		return common.Hash{}, fmt.Errorf("transfer amount must be positive")
	}
	if err := s.enter(ctx, "token", from.Address, to); err != nil {
		return common.Hash{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accountsLocked(token)[to] {
		return common.Hash{}, fmt.Errorf("no token account for %s", to.Hex())
	}
	src := s.tokenLocked(token, from.Address)
	if src.Cmp(amount) < 0 {
		return common.Hash{}, fmt.Errorf("token %w: have %s want %s", ErrInsufficientBalance, src, amount)
	}
	if err := s.debitLocked(from.Address, s.opts.Fee); err != nil {
		return common.Hash{}, err
	}
	src.Sub(src, amount)
	dst := s.tokenLocked(token, to)
	dst.Add(dst, amount)
	return s.confirmLocked(from.Address, to), nil
}

func (s *Sim) TransferFee(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.opts.Fee), nil
}

// TokenTransferFee is the flat Fee; the sim prices every transfer alike.
func (s *Sim) TokenTransferFee(ctx context.Context, token, from, to common.Address, amount *big.Int) (*big.Int, error) {
	return s.TransferFee(ctx)
}

func (s *Sim) AccountCreationFee(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountsLocked(token)[owner] {
		return new(big.Int), nil
	}
	return new(big.Int).Set(s.opts.AccountFee), nil
}

func (s *Sim) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *Sim) enter(ctx context.Context, op string, from, to common.Address) error {
	if s.opts.Latency > 0 {
		t := time.NewTimer(s.opts.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	fault := s.fault
	s.mu.Unlock()
	if fault != nil {
		return fault(op, from, to)
	}
	return nil
}

func (s *Sim) confirmLocked(from, to common.Address) common.Hash {
	s.head++
	s.transfers++
	return crypto.Keccak256Hash(from.Bytes(), to.Bytes(), new(big.Int).SetUint64(s.head).Bytes())
}

func (s *Sim) debitLocked(owner common.Address, amount *big.Int) error {
	bal := s.nativeLocked(owner)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("native %w: %s has %s, needs %s", ErrInsufficientBalance, owner.Hex(), bal, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

func (s *Sim) nativeLocked(owner common.Address) *big.Int {
	bal, ok := s.native[owner]
	if !ok {
		bal = new(big.Int)
		s.native[owner] = bal
	}
	return bal
}

func (s *Sim) tokenLocked(token, owner common.Address) *big.Int {
	byOwner, ok := s.tokens[token]
	if !ok {
		byOwner = make(map[common.Address]*big.Int)
		s.tokens[token] = byOwner
	}
	bal, ok := byOwner[owner]
	if !ok {
		bal = new(big.Int)
		byOwner[owner] = bal
	}
	return bal
}

func (s *Sim) accountsLocked(token common.Address) map[common.Address]bool {
	m, ok := s.accounts[token]
	if !ok {
		m = make(map[common.Address]bool)
		s.accounts[token] = m
	}
	return m
}
