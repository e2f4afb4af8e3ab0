package main

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/config"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/funds"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ledger"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/session"
)

func newStartDeps(t *testing.T) (*ledger.Sim, *session.Checkpoint, *funds.Engine) {
	t.Helper()
	sim := ledger.NewSim(ledger.SimOptions{})
	cp := session.NewCheckpoint(session.NewMemoryStore(), session.NewID(), session.CheckpointOptions{}, zaptest.NewLogger(t))
	eng := funds.New(sim, funds.Options{Stagger: time.Millisecond, RetryDelay: time.Millisecond, RecheckDelay: time.Millisecond}, zaptest.NewLogger(t), nil)
	return sim, cp, eng
}

func TestStart_ZeroSeedNativeMovesNothing(t *testing.T) {
	sim, cp, eng := newStartDeps(t)
	token := ledger.TokenAddress("seed")
	cfg := &config.Config{}
	cfg.Token.SeedNative = "0"
	cfg.Token.SeedToken = "30"
	cfg.Lap.Workers = 3

	if _, _, err := start(context.Background(), cp, cfg, sim, eng, token, 6, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected error for zero seed_native")
	}
	if n := sim.Transfers(); n != 0 {
		t.Fatalf("no transfer expected before seed validation, got %d", n)
	}
	if _, err := cp.Load(context.Background()); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("session must not be created, Load err=%v", err)
	}
}

func TestStart_SeedsWorkers(t *testing.T) {
	ctx := context.Background()
	sim, cp, eng := newStartDeps(t)
	token := ledger.TokenAddress("seed")
	cfg := &config.Config{}
	cfg.Token.SeedNative = "0.3"
	cfg.Token.SeedToken = "30"
	cfg.Lap.Workers = 3

	admin, workers, err := start(ctx, cp, cfg, sim, eng, token, 6, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if admin.Seq != 0 || len(workers) != 3 {
		t.Fatalf("admin seq=%d workers=%d", admin.Seq, len(workers))
	}
	tenth := new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)
	for _, w := range workers {
		nat, _ := sim.NativeBalance(ctx, w.Address)
		tok, _ := sim.TokenBalance(ctx, token, w.Address)
		if nat.Cmp(tenth) != 0 || tok.Int64() != 10_000_000 {
			t.Fatalf("worker %s native=%s token=%s", w.Address.Hex(), nat, tok)
		}
	}
	s, err := cp.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Workers) != 3 || s.Token != token {
		t.Fatalf("unexpected session: workers=%d token=%s", len(s.Workers), s.Token.Hex())
	}
}
