package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"RPC_WS_URL", "RPC_URL", "ADMIN_PRIVATE_KEY", "PRIVATE_KEY", "TOKEN_ADDRESS", "POOL_ID",
		"SEED_NATIVE", "SEED_TOKEN", "STRATEGY", "SESSION_LABEL", "SESSION_STORE", "SESSION_DIR",
		"REDIS_ADDR", "REDIS_PASSWORD", "JOURNAL_PATH", "KAFKA_TOPIC", "KAFKA_BROKERS",
		"CONTROL_LISTEN", "ENABLE_TRADING", "WORKERS", "MAX_LAPS", "JOURNAL_MAX_BYTES",
	} {
		t.Setenv(name, "")
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rotator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.EnableTrading {
		t.Fatalf("trading must default to disabled (dry run)")
	}
	if cfg.Lap.Workers != 3 || cfg.Session.Store != "file" || cfg.Funds.Stagger != 700*time.Millisecond {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	lc := cfg.LapConfig(6)
	if lc.Strategy != lap.StrategyVolume || lc.PhaseTimeout != 120*time.Second {
		t.Fatalf("unexpected lap config: %+v", lc)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
session:
  label: night-run
  dir: /tmp/sessions
lap:
  workers: 5
  strategy: maker
  maker_window: 90s
  pause_poll: 200ms
funds:
  dust_threshold: "0.01"
  retry_limit: 7
ledger:
  rent_reserve: "0.001"
journal:
  kafka_brokers: [a:9092]
`)
	t.Setenv("WORKERS", "4")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("TOKEN_ADDRESS", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Label != "night-run" || cfg.Lap.Workers != 4 {
		t.Fatalf("file/env precedence wrong: label=%q workers=%d", cfg.Session.Label, cfg.Lap.Workers)
	}
	if strings.Join(cfg.Journal.KafkaBrokers, ",") != "k1:9092,k2:9092" {
		t.Fatalf("brokers=%v", cfg.Journal.KafkaBrokers)
	}
	lc := cfg.LapConfig(6)
	if lc.Window() != 90*time.Second || lc.PausePoll != 200*time.Millisecond {
		t.Fatalf("lap config=%+v", lc)
	}
	opts, err := cfg.FundsOptions(6)
	if err != nil {
		t.Fatalf("FundsOptions: %v", err)
	}
	if opts.DustThreshold.Int64() != 10_000 || opts.RetryLimit != 7 {
		t.Fatalf("dust=%s retry=%d", opts.DustThreshold, opts.RetryLimit)
	}
	if opts.RentReserve.String() != "1000000000000000" {
		t.Fatalf("reserve=%s", opts.RentReserve)
	}
	if cfg.TokenAddress().Hex() != "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174" {
		t.Fatalf("token=%s", cfg.TokenAddress().Hex())
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		mut  func(c *Config)
	}{
		{"trading without rpc", func(c *Config) { c.Ledger.EnableTrading = true; c.AdminKey = "0xabc" }},
		{"trading without key", func(c *Config) { c.Ledger.EnableTrading = true; c.Ledger.RPCURL = "http://x" }},
		{"redis without addr", func(c *Config) { c.Session.Store = "redis" }},
		{"bad store", func(c *Config) { c.Session.Store = "s3" }},
		{"bad token", func(c *Config) { c.Token.Address = "nope" }},
		{"negative seed", func(c *Config) { c.Token.SeedNative = "-1" }},
		{"slow poll", func(c *Config) { c.Lap.PausePoll = 2 * time.Second }},
		{"bad strategy", func(c *Config) { c.Lap.Strategy = "scalp" }},
		{"negative journal size", func(c *Config) { c.Journal.MaxBytes = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{}
			c.ApplyDefaults()
			tc.mut(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_BadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_LAPS", "many")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for non-numeric MAX_LAPS")
	}
}
