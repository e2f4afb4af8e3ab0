package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/config"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ledger"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/setup"
)

func main() {
	log.SetFlags(0)

	var (
		configPath string
		sessionID  string
		all        bool
		addrFlag   string
	)
	flag.StringVar(&configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&sessionID, "session", "", "Session id to inspect")
	flag.BoolVar(&all, "all", false, "Include every worker generation, not only the current one")
	flag.StringVar(&addrFlag, "address", "", "Check a single address instead of a session")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if !cfg.Ledger.EnableTrading {
		log.Printf("[warn] ENABLE_TRADING=false: balances come from an empty simulated ledger")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := zap.NewNop()
	client, closeLedger, err := setup.Ledger(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer closeLedger()

	token := cfg.TokenAddress()
	decimals, err := setup.TokenDecimals(ctx, client, token)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	p := printer{client: client, token: token, decimals: decimals}

	if raw := strings.TrimSpace(addrFlag); raw != "" {
		if !common.IsHexAddress(raw) {
			log.Fatalf("[fatal] invalid --address %q", raw)
		}
		p.row(ctx, "address", common.HexToAddress(raw))
		return
	}
	if sessionID == "" {
		log.Fatalf("[fatal] --session or --address required")
	}

	store, closeStore, err := setup.Store(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer closeStore()
	s, err := setup.Checkpoint(store, cfg, sessionID, logger).Load(ctx)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	if s.Token != token {
		log.Printf("[warn] session token %s differs from configured token %s", s.Token.Hex(), token.Hex())
	}

	fmt.Printf("session: %s (%s) created %s\n", s.ID, s.Label, s.CreatedAt.Format(time.RFC3339))
	fmt.Printf("token: %s decimals=%d\n", token.Hex(), decimals)
	fmt.Printf("generations: %d workers_total: %d\n", s.Generations(), len(s.Workers))

	p.row(ctx, "admin", s.Admin.Address)
	workers := s.CurrentWorkers()
	if all {
		workers = s.Workers
	}
	for _, w := range workers {
		p.row(ctx, fmt.Sprintf("worker#%d", w.Seq), w.Address)
	}
	fmt.Printf("workers_native_total: %s\n", ethutil.FormatUnits(p.native, ethutil.NativeDecimals))
	if token != (common.Address{}) {
		fmt.Printf("workers_token_total: %s\n", ethutil.FormatUnits(p.tokens, decimals))
	}
}

type printer struct {
	client   ledger.Client
	token    common.Address
	decimals uint8

	native *big.Int
	tokens *big.Int
}

func (p *printer) row(ctx context.Context, name string, addr common.Address) {
	if p.native == nil {
		p.native, p.tokens = new(big.Int), new(big.Int)
	}
	n, err := p.client.NativeBalance(ctx, addr)
	if err != nil {
		log.Printf("[warn] %s %s native balance: %v", name, addr.Hex(), err)
		return
	}
	line := fmt.Sprintf("%-10s %s native=%s", name, addr.Hex(), ethutil.FormatUnits(n, ethutil.NativeDecimals))
	if name != "admin" {
		p.native.Add(p.native, n)
	}
	if p.token != (common.Address{}) {
		t, err := p.client.TokenBalance(ctx, p.token, addr)
		if err != nil {
			log.Printf("[warn] %s %s token balance: %v", name, addr.Hex(), err)
		} else {
			line += " token=" + ethutil.FormatUnits(t, p.decimals)
			if name != "admin" {
				p.tokens.Add(p.tokens, t)
			}
		}
	}
	fmt.Println(line)
}
