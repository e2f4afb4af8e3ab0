package wallet

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestGenerate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("distinct+sequential", func(t *testing.T) {
		accts, err := Generate(4, 7, now)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(accts) != 4 {
			t.Fatalf("expected 4 accounts, got %d", len(accts))
		}
		seen := make(map[common.Address]struct{})
		for i, a := range accts {
			if a.Seq != uint64(7+i) {
				t.Fatalf("account %d seq=%d want %d", i, a.Seq, 7+i)
			}
			if !a.CreatedAt.Equal(now) {
				t.Fatalf("account %d created_at=%s want %s", i, a.CreatedAt, now)
			}
			if _, dup := seen[a.Address]; dup {
				t.Fatalf("duplicate address %s", a.Address.Hex())
			}
			seen[a.Address] = struct{}{}
		}
		if got := MaxSeq(accts); got != 10 {
			t.Fatalf("MaxSeq=%d want 10", got)
		}
	})

	t.Run("admin seq reserved", func(t *testing.T) {
		if _, err := Generate(1, AdminSeq, now); err == nil {
			t.Fatalf("expected error for seq 0")
		}
	})

	t.Run("zero", func(t *testing.T) {
		accts, err := Generate(0, 1, now)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(accts) != 0 {
			t.Fatalf("expected empty, got %d", len(accts))
		}
	})
}

func TestParseOrGenerateAdmin(t *testing.T) {
	now := time.Now()

	a, ephemeral, err := ParseOrGenerateAdmin("", now)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !ephemeral {
		t.Fatalf("expected ephemeral key")
	}
	if a.Seq != AdminSeq {
		t.Fatalf("admin seq=%d want 0", a.Seq)
	}

	b, ephemeral, err := ParseOrGenerateAdmin(a.PrivateKeyHex(), now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ephemeral {
		t.Fatalf("expected parsed key")
	}
	if b.Address != a.Address {
		t.Fatalf("round trip address mismatch: %s vs %s", b.Address.Hex(), a.Address.Hex())
	}

	if _, _, err := ParseOrGenerateAdmin("0xnothex", now); err == nil {
		t.Fatalf("expected parse error")
	}
}
