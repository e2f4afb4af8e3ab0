package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// ErrVerifyMismatch means the bytes read back after a write differ from the
// bytes that were written.
var ErrVerifyMismatch = errors.New("checkpoint read-back mismatch")

type CheckpointOptions struct {
	WriteAttempts int
	WriteDelay    time.Duration
	// Now stamps UpdatedAt; defaults to time.Now.
	Now func() time.Time
}

func (o CheckpointOptions) withDefaults() CheckpointOptions {
	if o.WriteAttempts <= 0 {
		o.WriteAttempts = 5
	}
	if o.WriteDelay < 0 {
		o.WriteDelay = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Checkpoint is the verified read-modify-write view of one session in a Store.
// Writes are serialized.
type Checkpoint struct {
	store  Store
	id     string
	opts   CheckpointOptions
	logger *zap.Logger

	mu sync.Mutex
}

func NewCheckpoint(store Store, id string, opts CheckpointOptions, logger *zap.Logger) *Checkpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checkpoint{
		store:  store,
		id:     id,
		opts:   opts.withDefaults(),
		logger: logger.With(zap.String("component", "checkpoint"), zap.String("session", id)),
	}
}

func (c *Checkpoint) ID() string { return c.id }

// Create persists a new session. It refuses to overwrite an existing one.
func (c *Checkpoint) Create(ctx context.Context, s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.store.Get(ctx, c.id); err == nil {
		return fmt.Errorf("session %s already exists", c.id)
	} else if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("check session %s: %w", c.id, err)
	}

	now := c.opts.Now().UTC()
	s.ID = c.id
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Workers == nil {
		s.Workers = []Record{}
	}
	return c.write(ctx, s)
}

func (c *Checkpoint) Load(ctx context.Context) (Session, error) {
	b, err := c.store.Get(ctx, c.id)
	if err != nil {
		return Session{}, err
	}
	return decode(c.id, b)
}

// Append adds newly generated workers to the history. An empty slice leaves
// the stored session untouched.
func (c *Checkpoint) Append(ctx context.Context, workers []*wallet.Account) error {
	if len(workers) == 0 {
		return nil
	}
	return c.update(ctx, func(s *Session) error {
		seen := make(map[uint64]bool, len(s.Workers)+1)
		seen[s.Admin.Seq] = true
		for _, w := range s.Workers {
			seen[w.Seq] = true
		}
		for _, w := range workers {
			if seen[w.Seq] {
				return fmt.Errorf("worker sequence %d already used in session %s", w.Seq, c.id)
			}
			seen[w.Seq] = true
			s.Workers = append(s.Workers, RecordOf(w))
		}
		return nil
	})
}

// SetAdmin replaces the admin record.
func (c *Checkpoint) SetAdmin(ctx context.Context, admin *wallet.Account) error {
	if admin == nil {
		return fmt.Errorf("admin account missing")
	}
	if admin.Seq != wallet.AdminSeq {
		return fmt.Errorf("admin account must have sequence %d, got %d", wallet.AdminSeq, admin.Seq)
	}
	return c.update(ctx, func(s *Session) error {
		s.Admin = RecordOf(admin)
		return nil
	})
}

func (c *Checkpoint) update(ctx context.Context, mutate func(*Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.Load(ctx)
	if err != nil {
		return err
	}
	if err := mutate(&s); err != nil {
		return err
	}
	s.UpdatedAt = c.opts.Now().UTC()
	return c.write(ctx, s)
}

// write stores s and reads it back, retrying the whole write on error or on
// a byte mismatch.
func (c *Checkpoint) write(ctx context.Context, s Session) error {
	want, err := encode(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", c.id, err)
	}
	res := retry.Do(ctx, retry.Fixed(c.opts.WriteAttempts, c.opts.WriteDelay), func(ctx context.Context, attempt int) (struct{}, error) {
		if err := c.store.Put(ctx, c.id, want); err != nil {
			c.logger.Warn("checkpoint write failed", zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}
		got, err := c.store.Get(ctx, c.id)
		if err != nil {
			c.logger.Warn("checkpoint read-back failed", zap.Int("attempt", attempt), zap.Error(err))
			return struct{}{}, err
		}
		if !bytes.Equal(got, want) {
			c.logger.Warn("checkpoint read-back mismatch",
				zap.Int("attempt", attempt), zap.Int("want_bytes", len(want)), zap.Int("got_bytes", len(got)))
			return struct{}{}, ErrVerifyMismatch
		}
		return struct{}{}, nil
	})
	if !res.Ok() {
		return fmt.Errorf("persist session %s: %w", c.id, res.Err)
	}
	c.logger.Debug("checkpoint written", zap.Int("workers", len(s.Workers)), zap.Int("attempts", res.Attempts))
	return nil
}
