package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/config"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/funds"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/metrics"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/session"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/setup"
)

// sweep collects a session's workers back to its admin, for recovery after a
// halt or crash.
func main() {
	var (
		configPath string
		sessionID  string
		all        bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&sessionID, "session", "", "Session id to sweep")
	flag.BoolVar(&all, "all", false, "Sweep every worker generation, not only the current one")
	flag.Parse()

	logger, err := setup.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[fatal] logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if sessionID == "" {
		logger.Fatal("--session required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := sweep(ctx, cfg, sessionID, all, logger)
	if err != nil {
		logger.Fatal("sweep failed", zap.Error(err))
	}
	if !res.TokenCollected || !res.NativeCollected {
		logger.Error("sweep incomplete, some workers still hold funds; rerun to retry",
			zap.Bool("token_collected", res.TokenCollected), zap.Bool("native_collected", res.NativeCollected))
		logger.Sync()
		os.Exit(1)
	}
}

func sweep(ctx context.Context, cfg *config.Config, id string, all bool, logger *zap.Logger) (funds.CollectResult, error) {
	client, closeLedger, err := setup.Ledger(ctx, cfg, logger)
	if err != nil {
		return funds.CollectResult{}, err
	}
	defer closeLedger()
	store, closeStore, err := setup.Store(ctx, cfg, logger)
	if err != nil {
		return funds.CollectResult{}, err
	}
	defer closeStore()

	s, err := setup.Checkpoint(store, cfg, id, logger).Load(ctx)
	if err != nil {
		return funds.CollectResult{}, err
	}
	admin, err := s.Admin.Account()
	if err != nil {
		return funds.CollectResult{}, err
	}
	records := s.CurrentWorkers()
	if all {
		records = s.Workers
	}
	workers, err := session.Accounts(records)
	if err != nil {
		return funds.CollectResult{}, err
	}

	decimals, err := setup.TokenDecimals(ctx, client, s.Token)
	if err != nil {
		return funds.CollectResult{}, err
	}
	opts, err := cfg.FundsOptions(decimals)
	if err != nil {
		return funds.CollectResult{}, err
	}

	before, _, _ := setup.Balances(ctx, client, admin.Address, s.Token, decimals)
	logger.Info("sweeping session",
		zap.String("session", s.ID), zap.Int("workers", len(workers)),
		zap.String("admin", admin.Address.Hex()), zap.String("admin_native_before", before))

	res := funds.New(client, opts, logger, metrics.New()).CollectFromWorkers(ctx, admin, workers, s.Token)

	afterNative, afterToken, _ := setup.Balances(ctx, client, admin.Address, s.Token, decimals)
	logger.Info("sweep finished",
		zap.String("native_collected", ethutil.FormatUnits(res.NativeAmount, ethutil.NativeDecimals)),
		zap.String("token_collected", ethutil.FormatUnits(res.TokenAmount, decimals)),
		zap.String("admin_native_after", afterNative), zap.String("admin_token_after", afterToken))
	return res, nil
}
