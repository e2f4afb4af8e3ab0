package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/activity"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/config"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/control"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/funds"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/journal"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ledger"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/metrics"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/session"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/setup"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

func main() {
	var (
		configPath string
		resumeID   string
		label      string
		listen     string
	)
	flag.StringVar(&configPath, "config", "", "YAML config file (optional)")
	flag.StringVar(&resumeID, "resume", "", "Resume an existing session by id")
	flag.StringVar(&label, "label", "", "Label for a new session")
	flag.StringVar(&listen, "listen", "", "Control surface address (overrides control.listen)")
	flag.Parse()

	logger, err := setup.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[fatal] logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	if label != "" {
		cfg.Session.Label = label
	}
	if listen != "" {
		cfg.Control.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, resumeID, logger); err != nil {
		if errors.Is(err, lap.ErrHalted) {
			logger.Error("run halted", zap.Error(err))
		} else {
			logger.Error("run failed", zap.Error(err))
		}
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, resumeID string, logger *zap.Logger) error {
	client, closeLedger, err := setup.Ledger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	store, closeStore, err := setup.Store(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	token := cfg.TokenAddress()
	decimals, err := setup.TokenDecimals(ctx, client, token)
	if err != nil {
		return err
	}
	fundsOpts, err := cfg.FundsOptions(decimals)
	if err != nil {
		return err
	}

	m := metrics.New()
	engine := funds.New(client, fundsOpts, logger, m)

	var (
		cp       *session.Checkpoint
		admin    *wallet.Account
		workers  []*wallet.Account
		startLap = 1
	)
	if resumeID != "" {
		cp = setup.Checkpoint(store, cfg, resumeID, logger)
		admin, workers, startLap, err = resume(ctx, cp, cfg, logger)
	} else {
		cp = setup.Checkpoint(store, cfg, session.NewID(), logger)
		admin, workers, err = start(ctx, cp, cfg, client, engine, token, decimals, logger)
	}
	if err != nil {
		return err
	}
	logger = logger.With(zap.String("session", cp.ID()))

	if head, err := client.Head(ctx); err == nil {
		logger.Info("ledger head", zap.Uint64("block", head))
	}

	b := journal.NewBroadcaster(logger)
	j := setup.Journal(cfg, cp.ID(), b, logger)
	defer j.Close()
	j.Emit(ctx, journal.Event{Event: journal.EventSessionStarted, Lap: startLap, Workers: addrs(workers)})

	ctl := lap.NewControl()
	runner, err := lap.NewRunner(cfg.LapConfig(decimals), lap.Deps{
		Funds:      engine,
		Checkpoint: cp,
		Driver:     &activity.Heartbeat{Interval: cfg.Lap.Heartbeat, Logger: logger},
		Control:    ctl,
		Journal:    j,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	srvCtx, stopSrv := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSrv()
	srv := control.New(control.Options{
		SessionID: cp.ID(), Control: ctl, Status: runner,
		Metrics: m, Journal: j, Broadcaster: b, Logger: logger,
	})
	go func() {
		if err := srv.ListenAndServe(srvCtx, cfg.Control.Listen); err != nil {
			logger.Warn("control surface stopped", zap.Error(err))
		}
	}()

	// The first signal stops the run cleanly: the current lap still collects
	// to admin. A second one kills the process.
	go func() {
		<-ctx.Done()
		logger.Warn("signal received, stopping after this lap's collection")
		ctl.Stop()
		signal.Reset(os.Interrupt, syscall.SIGTERM)
	}()

	logger.Info("lap loop starting",
		zap.Int("start_lap", startLap), zap.Int("workers", len(workers)),
		zap.String("strategy", cfg.Lap.Strategy), zap.String("admin", admin.Address.Hex()))
	err = runner.Run(context.WithoutCancel(ctx), admin, workers, startLap)
	if err == nil {
		logger.Info("lap loop finished", zap.Int("laps", len(runner.Laps())))
	}
	return err
}

func start(ctx context.Context, cp *session.Checkpoint, cfg *config.Config, client ledger.Client, engine *funds.Engine, token common.Address, decimals uint8, logger *zap.Logger) (*wallet.Account, []*wallet.Account, error) {
	now := time.Now()
	admin, ephemeral, err := wallet.ParseOrGenerateAdmin(cfg.AdminKey, now)
	if err != nil {
		return nil, nil, err
	}
	if ephemeral {
		logger.Warn("no ADMIN_PRIVATE_KEY set, generated a throwaway admin for this dry run", zap.String("admin", admin.Address.Hex()))
	}

	seedNative, err := cfg.SeedNative()
	if err != nil {
		return nil, nil, err
	}
	if seedNative.Sign() <= 0 {
		return nil, nil, fmt.Errorf("seed_native (SEED_NATIVE) must be positive for a new session")
	}
	seedToken := cfg.SeedToken()
	if sim, ok := client.(*ledger.Sim); ok {
		fundSim(sim, admin, token, seedNative, seedToken.Shift(int32(decimals)).BigInt(), cfg.Lap.Workers)
	}

	if err := cp.Create(ctx, session.Session{
		Label: cfg.Session.Label,
		Admin: session.RecordOf(admin),
		Token: token,
		Pool:  cfg.Token.Pool,
	}); err != nil {
		return nil, nil, err
	}
	workers, err := wallet.Generate(cfg.Lap.Workers, 1, now)
	if err != nil {
		return nil, nil, err
	}
	if err := cp.Append(ctx, workers); err != nil {
		return nil, nil, err
	}
	logger.Info("session created", zap.String("session", cp.ID()), zap.Int("workers", len(workers)))

	if token != (common.Address{}) && seedToken.IsPositive() {
		if _, err := engine.DistributeToken(ctx, admin, workers, token, seedToken, decimals); err != nil {
			return nil, nil, fmt.Errorf("seed token distribution: %w", err)
		}
	}
	dist := engine.DistributeNative(ctx, admin, workers, seedNative)
	logger.Info("seed distribution",
		zap.Int("funded", len(dist.Succeeded)),
		zap.String("share", ethutil.FormatUnits(dist.Share, ethutil.NativeDecimals)))
	return admin, dist.Succeeded, nil
}

// fundSim gives a dry-run admin the seed amounts plus room for fees.
func fundSim(sim *ledger.Sim, admin *wallet.Account, token common.Address, native, tokenUnits *big.Int, workers int) {
	fee, _ := sim.TransferFee(context.Background())
	margin := new(big.Int).Mul(fee, big.NewInt(int64(4*workers+4)))
	sim.Fund(admin.Address, new(big.Int).Add(native, margin))
	if token != (common.Address{}) && tokenUnits.Sign() > 0 {
		sim.Mint(token, admin.Address, tokenUnits)
	}
}

func resume(ctx context.Context, cp *session.Checkpoint, cfg *config.Config, logger *zap.Logger) (*wallet.Account, []*wallet.Account, int, error) {
	s, err := cp.Load(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("resume %s: %w", cp.ID(), err)
	}
	admin, err := s.Admin.Account()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("resume admin: %w", err)
	}
	if cfg.AdminKey != "" {
		if envAdmin, _, err := wallet.ParseOrGenerateAdmin(cfg.AdminKey, time.Now()); err == nil && envAdmin.Address != admin.Address {
			logger.Warn("ADMIN_PRIVATE_KEY differs from the session admin; using the session admin",
				zap.String("session_admin", admin.Address.Hex()), zap.String("env_admin", envAdmin.Address.Hex()))
		}
	}
	if s.Token != cfg.TokenAddress() {
		return nil, nil, 0, fmt.Errorf("session token %s does not match configured token %s", s.Token.Hex(), cfg.TokenAddress().Hex())
	}
	workers, err := session.Accounts(s.CurrentWorkers())
	if err != nil {
		return nil, nil, 0, err
	}
	last, err := journal.LastLap(cfg.Journal.Path, s.ID)
	if err != nil {
		logger.Warn("journal unreadable, resuming at lap 1", zap.Error(err))
	}
	logger.Info("session resumed",
		zap.String("session", s.ID), zap.String("label", s.Label),
		zap.Int("workers", len(workers)), zap.Int("generations", s.Generations()), zap.Int("next_lap", last+1))
	return admin, workers, last + 1, nil
}

func addrs(accts []*wallet.Account) []string {
	out := make([]string, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Address.Hex())
	}
	return out
}
