// Package setup builds the shared runtime pieces of the commands from a
// loaded config: logger, ledger client, session store and journal.
package setup

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/config"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/journal"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ledger"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/session"
)

// Logger is a production JSON logger, or a console logger when LOG_DEV is true.
func Logger() (*zap.Logger, error) {
	if dev, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("LOG_DEV"))); dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Ledger dials the chain when trading is enabled and otherwise returns an
// in-memory simulated ledger. The returned func releases the client.
func Ledger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Client, func(), error) {
	if !cfg.Ledger.EnableTrading {
		logger.Warn("ENABLE_TRADING=false: using the simulated in-memory ledger (dry run)")
		sim := ledger.NewSim(ledger.SimOptions{Fee: cfg.SimFee(), Decimals: 6})
		return sim, func() {}, nil
	}
	url := cfg.Ledger.RPCURL
	if url == "" {
		var err error
		if url, err = ledger.RPCURLFromEnv(); err != nil {
			return nil, nil, err
		}
	}
	client, err := ledger.DialEth(ctx, url, ledger.EthOptions{
		ConfirmTimeout:    cfg.Ledger.ConfirmTimeout,
		GasPriceBufferBps: cfg.Ledger.GasPriceBufferBps,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

// Store opens the configured session store.
func Store(ctx context.Context, cfg *config.Config, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Session.Store {
	case "redis":
		rs := session.NewRedisStore(cfg.Session.RedisAddr, cfg.Session.RedisPassword, cfg.Session.RedisDB, cfg.Session.RedisPrefix)
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.Session.RedisAddr, err)
		}
		logger.Info("session store: redis", zap.String("addr", cfg.Session.RedisAddr))
		return rs, func() { rs.Close() }, nil
	default:
		logger.Info("session store: file", zap.String("dir", cfg.Session.Dir))
		return session.FileStore{Dir: cfg.Session.Dir}, func() {}, nil
	}
}

func Checkpoint(store session.Store, cfg *config.Config, id string, logger *zap.Logger) *session.Checkpoint {
	return session.NewCheckpoint(store, id, session.CheckpointOptions{
		WriteAttempts: cfg.Session.WriteAttempts,
		WriteDelay:    cfg.Session.WriteDelay,
	}, logger)
}

// Journal wires the JSONL file, Kafka (when brokers are configured) and the
// websocket broadcaster.
func Journal(cfg *config.Config, sessionID string, b *journal.Broadcaster, logger *zap.Logger) *journal.Journal {
	sinks := []journal.Sink{}
	if fs := journal.NewFileSink(cfg.Journal.Path, cfg.Journal.MaxBytes); fs != nil {
		sinks = append(sinks, fs)
	}
	if ks := journal.NewKafkaSink(cfg.Journal.KafkaBrokers, cfg.Journal.KafkaTopic); ks != nil {
		logger.Info("journal: kafka enabled", zap.Strings("brokers", cfg.Journal.KafkaBrokers), zap.String("topic", cfg.Journal.KafkaTopic))
		sinks = append(sinks, ks)
	}
	if b != nil {
		sinks = append(sinks, b)
	}
	return journal.New(sessionID, logger, sinks...)
}

// TokenDecimals is 0 when no token is configured.
func TokenDecimals(ctx context.Context, client ledger.Client, token common.Address) (uint8, error) {
	if token == (common.Address{}) {
		return 0, nil
	}
	d, err := client.TokenDecimals(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("token %s decimals: %w", token.Hex(), err)
	}
	return d, nil
}

// Balances reads native and token balances of owner for display.
func Balances(ctx context.Context, client ledger.Client, owner, token common.Address, decimals uint8) (native, tok string, err error) {
	n, err := client.NativeBalance(ctx, owner)
	if err != nil {
		return "", "", err
	}
	native = ethutil.FormatUnits(n, ethutil.NativeDecimals)
	if token == (common.Address{}) {
		return native, "-", nil
	}
	t, err := client.TokenBalance(ctx, token, owner)
	if err != nil {
		return native, "", err
	}
	return native, ethutil.FormatUnits(t, decimals), nil
}
