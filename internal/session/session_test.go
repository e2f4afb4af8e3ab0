package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/retry"
	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

func newSession(t *testing.T, store Store) (*Checkpoint, *wallet.Account, []*wallet.Account) {
	t.Helper()
	admin, _, err := wallet.ParseOrGenerateAdmin("", time.Now())
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	workers, err := wallet.Generate(3, 1, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cp := NewCheckpoint(store, NewID(), CheckpointOptions{WriteAttempts: 3, WriteDelay: time.Millisecond}, zaptest.NewLogger(t))
	if err := cp.Create(context.Background(), Session{Label: "test", Admin: RecordOf(admin)}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := cp.Append(context.Background(), workers); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return cp, admin, workers
}

func TestCheckpoint_AppendEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cp, _, _ := newSession(t, store)

	before, err := store.Get(ctx, cp.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	puts := store.Puts()
	if err := cp.Append(ctx, nil); err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if err := cp.Append(ctx, []*wallet.Account{}); err != nil {
		t.Fatalf("Append([]): %v", err)
	}
	after, _ := store.Get(ctx, cp.ID())
	if !bytes.Equal(before, after) || store.Puts() != puts {
		t.Fatalf("empty append changed the stored session")
	}
}

func TestCheckpoint_VerifyAfterWriteRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cp, _, first := newSession(t, store)

	corrupted := 0
	store.OnPut = func(id string, data []byte) []byte {
		if corrupted == 0 {
			corrupted++
			return data[:len(data)/2]
		}
		return data
	}
	next, _ := wallet.Generate(3, 4, time.Unix(1_700_000_600, 0))
	puts := store.Puts()
	if err := cp.Append(ctx, next); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := store.Puts() - puts; got != 2 {
		t.Fatalf("expected one retried write, got %d puts", got)
	}

	s, err := cp.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Workers) != len(first)+len(next) {
		t.Fatalf("workers=%d want %d", len(s.Workers), len(first)+len(next))
	}
	cur := s.CurrentWorkers()
	if len(cur) != 3 || cur[0].Address != next[0].Address {
		t.Fatalf("current workers should be the latest generation: %+v", cur)
	}
	if s.NextSeq() != 7 {
		t.Fatalf("NextSeq=%d want 7", s.NextSeq())
	}
}

func TestCheckpoint_VerifyExhausted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cp, _, _ := newSession(t, store)
	store.OnPut = func(id string, data []byte) []byte { return []byte("{}") }

	next, _ := wallet.Generate(1, 4, time.Now())
	err := cp.Append(ctx, next)
	if !errors.Is(err, ErrVerifyMismatch) || !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected exhausted verify mismatch, got %v", err)
	}
}

func TestCheckpoint_RejectsDuplicateSeq(t *testing.T) {
	store := NewMemoryStore()
	cp, _, workers := newSession(t, store)
	if err := cp.Append(context.Background(), workers[:1]); err == nil {
		t.Fatalf("expected duplicate sequence error")
	}
}

func TestCheckpoint_CreateTwice(t *testing.T) {
	store := NewMemoryStore()
	cp, _, _ := newSession(t, store)
	if err := cp.Create(context.Background(), Session{}); err == nil {
		t.Fatalf("expected error creating an existing session")
	}
}

func TestRecord_AccountRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	cp, admin, workers := newSession(t, store)
	s, err := cp.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, err := s.Admin.Account()
	if err != nil {
		t.Fatalf("admin Account: %v", err)
	}
	if a.Address != admin.Address || a.Seq != wallet.AdminSeq {
		t.Fatalf("admin mismatch: %s", a)
	}
	accts, err := Accounts(s.CurrentWorkers())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	for i := range accts {
		if accts[i].Address != workers[i].Address {
			t.Fatalf("worker %d mismatch", i)
		}
	}

	bad := s.Workers[0]
	bad.Address = admin.Address
	if _, err := bad.Account(); err == nil {
		t.Fatalf("expected address mismatch error")
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "sessions")
	store := FileStore{Dir: dir}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	cp, _, _ := newSession(t, store)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != cp.ID()+".json" {
		t.Fatalf("expected only the session file, got %v", entries)
	}
	info, _ := os.Stat(store.Path(cp.ID()))
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("session file mode=%v want 0600", info.Mode().Perm())
	}
	if err := store.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	store := NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0, "test-session:")
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	cp, _, _ := newSession(t, store)
	s, err := cp.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Workers) != 3 {
		t.Fatalf("workers=%d want 3", len(s.Workers))
	}
}
