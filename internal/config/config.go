// Package config loads the rotator configuration from an optional YAML file,
// a .env file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/dotenv"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/ethutil"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/funds"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/lap"
)

type Config struct {
	Session SessionConfig `yaml:"session"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Token   TokenConfig   `yaml:"token"`
	Lap     LapConfig     `yaml:"lap"`
	Funds   FundsConfig   `yaml:"funds"`
	Journal JournalConfig `yaml:"journal"`
	Control ControlConfig `yaml:"control"`

	// AdminKey only ever comes from the environment.
	AdminKey string `yaml:"-"`
}

type SessionConfig struct {
	Label         string        `yaml:"label"`
	Store         string        `yaml:"store"` // file | redis
	Dir           string        `yaml:"dir"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	WriteAttempts int           `yaml:"write_attempts"`
	WriteDelay    time.Duration `yaml:"write_delay"`
}

type LedgerConfig struct {
	RPCURL            string        `yaml:"rpc_url"`
	EnableTrading     bool          `yaml:"enable_trading"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
	GasPriceBufferBps int64         `yaml:"gas_price_buffer_bps"`
	// SimFeeWei is the per-transfer fee of the simulated ledger.
	SimFeeWei string `yaml:"sim_fee_wei"`
	// RentReserve is kept on every worker, in native units (e.g. "0.001").
	RentReserve string `yaml:"rent_reserve"`
}

type TokenConfig struct {
	Address    string `yaml:"address"`
	Pool       string `yaml:"pool"`
	SeedNative string `yaml:"seed_native"`
	SeedToken  string `yaml:"seed_token"`
}

type LapConfig struct {
	Workers       int           `yaml:"workers"`
	Strategy      string        `yaml:"strategy"`
	MakerWindow   time.Duration `yaml:"maker_window"`
	VolumeWindow  time.Duration `yaml:"volume_window"`
	PausePoll     time.Duration `yaml:"pause_poll"`
	ProgressEvery time.Duration `yaml:"progress_every"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	PhaseDelay    time.Duration `yaml:"phase_delay"`
	PhaseTimeout  time.Duration `yaml:"phase_timeout"`
	MaxLaps       int           `yaml:"max_laps"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

type FundsConfig struct {
	Stagger      time.Duration `yaml:"stagger"`
	RetryLimit   int           `yaml:"retry_limit"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	RecheckDelay time.Duration `yaml:"recheck_delay"`
	// DustThreshold is in token units (e.g. "0.01").
	DustThreshold string `yaml:"dust_threshold"`
}

type JournalConfig struct {
	Path         string   `yaml:"path"`
	MaxBytes     int64    `yaml:"max_bytes"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads .env, then the YAML file at path (skipped when path is empty),
// then environment overrides, and returns a defaulted, validated config.
func Load(path string) (*Config, error) {
	if err := dotenv.Load(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Ledger.RPCURL, "RPC_WS_URL", "RPC_URL")
	setString(&c.AdminKey, "ADMIN_PRIVATE_KEY", "PRIVATE_KEY")
	setString(&c.Token.Address, "TOKEN_ADDRESS")
	setString(&c.Token.Pool, "POOL_ID")
	setString(&c.Token.SeedNative, "SEED_NATIVE")
	setString(&c.Token.SeedToken, "SEED_TOKEN")
	setString(&c.Lap.Strategy, "STRATEGY")
	setString(&c.Session.Label, "SESSION_LABEL")
	setString(&c.Session.Store, "SESSION_STORE")
	setString(&c.Session.Dir, "SESSION_DIR")
	setString(&c.Session.RedisAddr, "REDIS_ADDR")
	setString(&c.Session.RedisPassword, "REDIS_PASSWORD")
	setString(&c.Journal.Path, "JOURNAL_PATH")
	setString(&c.Journal.KafkaTopic, "KAFKA_TOPIC")
	setString(&c.Control.Listen, "CONTROL_LISTEN")
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		c.Journal.KafkaBrokers = splitList(v)
	}

	var errs []error
	if v := strings.TrimSpace(os.Getenv("ENABLE_TRADING")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ENABLE_TRADING: %w", err))
		}
		c.Ledger.EnableTrading = b
	}
	for name, dst := range map[string]*int{"WORKERS": &c.Lap.Workers, "MAX_LAPS": &c.Lap.MaxLaps} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*dst = n
	}
	if v := strings.TrimSpace(os.Getenv("JOURNAL_MAX_BYTES")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("JOURNAL_MAX_BYTES: %w", err))
		}
		c.Journal.MaxBytes = n
	}
	return errors.Join(errs...)
}

func (c *Config) ApplyDefaults() {
	if c.Session.Label == "" {
		c.Session.Label = "rotator"
	}
	if c.Session.Store == "" {
		c.Session.Store = "file"
	}
	if c.Session.Dir == "" {
		c.Session.Dir = "sessions"
	}
	if c.Session.RedisPrefix == "" {
		c.Session.RedisPrefix = "session:"
	}
	if c.Session.WriteAttempts <= 0 {
		c.Session.WriteAttempts = 5
	}
	if c.Session.WriteDelay <= 0 {
		c.Session.WriteDelay = time.Second
	}
	if c.Ledger.ConfirmTimeout <= 0 {
		c.Ledger.ConfirmTimeout = 90 * time.Second
	}
	if c.Ledger.SimFeeWei == "" {
		c.Ledger.SimFeeWei = "0"
	}
	if c.Ledger.RentReserve == "" {
		c.Ledger.RentReserve = "0"
	}
	if c.Lap.Workers <= 0 {
		c.Lap.Workers = 3
	}
	if c.Lap.Strategy == "" {
		c.Lap.Strategy = string(lap.StrategyVolume)
	}
	if c.Lap.Heartbeat <= 0 {
		c.Lap.Heartbeat = 5 * time.Second
	}
	if c.Lap.SettleDelay <= 0 {
		c.Lap.SettleDelay = 3 * time.Second
	}
	if c.Lap.PhaseDelay <= 0 {
		c.Lap.PhaseDelay = 2 * time.Second
	}
	if c.Funds.Stagger <= 0 {
		c.Funds.Stagger = funds.DefaultStagger
	}
	if c.Funds.RetryLimit <= 0 {
		c.Funds.RetryLimit = funds.DefaultRetryLimit
	}
	if c.Funds.RetryDelay <= 0 {
		c.Funds.RetryDelay = funds.DefaultRetryDelay
	}
	if c.Funds.RecheckDelay <= 0 {
		c.Funds.RecheckDelay = funds.DefaultRecheckDelay
	}
	if c.Funds.DustThreshold == "" {
		c.Funds.DustThreshold = "0"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "logs/laps.jsonl"
	}
	if c.Journal.KafkaTopic == "" {
		c.Journal.KafkaTopic = "rotator-laps"
	}
	if c.Control.Listen == "" {
		c.Control.Listen = "127.0.0.1:8090"
	}
}

func (c *Config) Validate() error {
	switch c.Session.Store {
	case "file", "redis":
	default:
		return fmt.Errorf("session.store must be file or redis, got %q", c.Session.Store)
	}
	if c.Session.Store == "redis" && c.Session.RedisAddr == "" {
		return fmt.Errorf("session.redis_addr (REDIS_ADDR) required for the redis store")
	}
	if c.Ledger.EnableTrading {
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("RPC_URL required when ENABLE_TRADING=true")
		}
		if c.AdminKey == "" {
			return fmt.Errorf("ADMIN_PRIVATE_KEY required when ENABLE_TRADING=true")
		}
	}
	if c.Token.Address != "" && !common.IsHexAddress(c.Token.Address) {
		return fmt.Errorf("invalid token address %q", c.Token.Address)
	}
	if c.Lap.MaxLaps < 0 {
		return fmt.Errorf("lap.max_laps must be >= 0")
	}
	if c.Journal.MaxBytes < 0 {
		return fmt.Errorf("journal.max_bytes must be >= 0")
	}
	if c.Lap.PausePoll >= time.Second {
		return fmt.Errorf("lap.pause_poll must be below 1s")
	}
	if _, err := lap.ParseStrategy(c.Lap.Strategy); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"token.seed_native":    c.Token.SeedNative,
		"token.seed_token":     c.Token.SeedToken,
		"ledger.rent_reserve":  c.Ledger.RentReserve,
		"funds.dust_threshold": c.Funds.DustThreshold,
	} {
		if err := checkAmount(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, ok := new(big.Int).SetString(c.Ledger.SimFeeWei, 10); !ok {
		return fmt.Errorf("ledger.sim_fee_wei: invalid integer %q", c.Ledger.SimFeeWei)
	}
	return nil
}

// TokenAddress is the zero address when no token is configured.
func (c *Config) TokenAddress() common.Address {
	if c.Token.Address == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Token.Address)
}

// LapConfig converts to the runner configuration.
func (c *Config) LapConfig(tokenDecimals uint8) lap.Config {
	strategy, _ := lap.ParseStrategy(c.Lap.Strategy)
	lc := lap.Config{
		Strategy:      strategy,
		MakerWindow:   c.Lap.MakerWindow,
		VolumeWindow:  c.Lap.VolumeWindow,
		PausePoll:     c.Lap.PausePoll,
		ProgressEvery: c.Lap.ProgressEvery,
		SettleDelay:   c.Lap.SettleDelay,
		PhaseDelay:    c.Lap.PhaseDelay,
		PhaseTimeout:  c.Lap.PhaseTimeout,
		MaxLaps:       c.Lap.MaxLaps,
		Token:         c.TokenAddress(),
		TokenDecimals: tokenDecimals,
	}
	lc.ApplyDefaults()
	return lc
}

// FundsOptions converts to engine options, scaling the dust threshold by the
// token's decimals.
func (c *Config) FundsOptions(tokenDecimals uint8) (funds.Options, error) {
	dust, err := ethutil.ParseUnits(c.Funds.DustThreshold, tokenDecimals)
	if err != nil {
		return funds.Options{}, fmt.Errorf("funds.dust_threshold: %w", err)
	}
	reserve, err := ethutil.ParseUnits(c.Ledger.RentReserve, ethutil.NativeDecimals)
	if err != nil {
		return funds.Options{}, fmt.Errorf("ledger.rent_reserve: %w", err)
	}
	return funds.Options{
		Stagger:       c.Funds.Stagger,
		RetryLimit:    c.Funds.RetryLimit,
		RetryDelay:    c.Funds.RetryDelay,
		RecheckDelay:  c.Funds.RecheckDelay,
		DustThreshold: dust,
		RentReserve:   reserve,
	}, nil
}

// SeedNative is the initial native distribution in wei.
func (c *Config) SeedNative() (*big.Int, error) {
	return ethutil.ParseUnits(c.Token.SeedNative, ethutil.NativeDecimals)
}

// SeedToken is the initial token distribution in human units.
func (c *Config) SeedToken() decimal.Decimal {
	if strings.TrimSpace(c.Token.SeedToken) == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(c.Token.SeedToken))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (c *Config) SimFee() *big.Int {
	v, ok := new(big.Int).SetString(c.Ledger.SimFeeWei, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func checkAmount(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("invalid amount %q", v)
	}
	if d.IsNegative() {
		return fmt.Errorf("negative amount %q", v)
	}
	return nil
}

func setString(dst *string, names ...string) {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			*dst = v
			return
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' || r == '\n' || r == '\t' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
