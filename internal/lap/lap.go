// Package lap runs the trading lap loop: an activity window that honors
// pause/resume, collection back to the admin, worker rotation, and
// redistribution to the new workers.
package lap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// ErrHalted is wrapped with the halt reason when the loop stops for good.
var ErrHalted = errors.New("lap loop halted")

// ErrAddressReuse means a freshly generated worker set collided with an
// address the session already knows.
var ErrAddressReuse = errors.New("generated worker address reused")

// Halt reasons, also used as metric labels.
const (
	ReasonCollectionFailed  = "collection_failed"
	ReasonNothingCollected  = "nothing_collected"
	ReasonCheckpointFailed  = "checkpoint_failed"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonFeeBudget         = "fee_budget"
	ReasonNoWorkers         = "no_funded_workers"
	ReasonPanic             = "panic"
	ReasonAddressReuse      = "address_reuse"
)

// HaltError carries the reason of a halt. It matches ErrHalted.
type HaltError struct {
	Lap    int
	Reason string
	Err    error
}

func (e *HaltError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v at lap %d: %s: %v", ErrHalted, e.Lap, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v at lap %d: %s", ErrHalted, e.Lap, e.Reason)
}

func (e *HaltError) Is(target error) bool { return target == ErrHalted }
func (e *HaltError) Unwrap() error      { return e.Err }

type Strategy string

const (
	StrategyMaker  Strategy = "maker"
	StrategyVolume Strategy = "volume"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyVolume:
		return StrategyVolume, nil
	case StrategyMaker:
		return StrategyMaker, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want maker|volume)", s)
	}
}

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Lap is the record of one cycle.
type Lap struct {
	Number          int        `json:"number"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Workers         int        `json:"workers"`
	ActiveTime      string     `json:"active_time,omitempty"`
	NativeCollected *big.Int   `json:"native_collected"`
	TokenCollected  *big.Int   `json:"token_collected"`
	Status          Status     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
}

// Driver generates activity from the workers during the window. Begin must
// return once ctx is done and should trade only while ctl.Active().
type Driver interface {
	Begin(ctx context.Context, lap int, workers []*wallet.Account, ctl *Control) error
}

type Config struct {
	Strategy     Strategy
	MakerWindow  time.Duration
	VolumeWindow time.Duration

	// PausePoll bounds how long a pause or stop goes unnoticed.
	PausePoll     time.Duration
	ProgressEvery time.Duration
	SettleDelay   time.Duration
	PhaseDelay    time.Duration
	PhaseTimeout  time.Duration
	// DriverGrace is how long to wait for the driver after the window closes.
	DriverGrace time.Duration

	// MaxLaps limits laps per Run; 0 runs until halt or stop.
	MaxLaps int

	Token         common.Address
	TokenDecimals uint8
}

func DefaultConfig() Config {
	c := Config{}
	c.ApplyDefaults()
	return c
}

func (c *Config) ApplyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyVolume
	}
	if c.MakerWindow <= 0 {
		c.MakerWindow = 10 * time.Minute
	}
	if c.VolumeWindow <= 0 {
		c.VolumeWindow = 20 * time.Minute
	}
	if c.PausePoll <= 0 {
		c.PausePoll = 250 * time.Millisecond
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 15 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.PhaseDelay < 0 {
		c.PhaseDelay = 0
	}
	if c.PhaseTimeout <= 0 {
		c.PhaseTimeout = 120 * time.Second
	}
	if c.DriverGrace <= 0 {
		c.DriverGrace = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if c.PausePoll >= time.Second {
		return fmt.Errorf("pause poll %s must be sub-second", c.PausePoll)
	}
	if c.MaxLaps < 0 {
		return fmt.Errorf("max laps must be >= 0")
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return nil
}

// Window is the active trading time of one lap for the configured strategy.
func (c Config) Window() time.Duration {
	if c.Strategy == StrategyMaker {
		return c.MakerWindow
	}
	return c.VolumeWindow
}
