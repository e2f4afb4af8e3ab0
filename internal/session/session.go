// Package session persists the admin account, the append-only worker history,
// and the token/pool identity of a run so it can be resumed after a crash.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// Record is the persisted form of an account. Keys are stored so a run can be
// resumed, which makes the session file a secret.
type Record struct {
	Seq         uint64         `json:"seq"`
	Address     common.Address `json:"address"`
	PrivateKey  string         `json:"private_key"`
	GeneratedAt time.Time      `json:"generated_at"`
}

type Session struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Admin     Record         `json:"admin"`
	Workers   []Record       `json:"workers"`
	Token     common.Address `json:"token"`
	Pool      string         `json:"pool,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func NewID() string { return uuid.NewString() }

func RecordOf(a *wallet.Account) Record {
	return Record{
		Seq:         a.Seq,
		Address:     a.Address,
		PrivateKey:  a.PrivateKeyHex(),
		GeneratedAt: a.CreatedAt.UTC(),
	}
}

// Account parses the record back into a signing account and checks that the
// key still matches the stored address.
func (r Record) Account() (*wallet.Account, error) {
	pk, err := wallet.ParsePrivateKey(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("record #%d: %w", r.Seq, err)
	}
	a, err := wallet.Restore(r.Seq, pk, r.GeneratedAt)
	if err != nil {
		return nil, err
	}
	if a.Address != r.Address {
		return nil, fmt.Errorf("record #%d: key derives %s, stored address %s", r.Seq, a.Address.Hex(), r.Address.Hex())
	}
	return a, nil
}

func Accounts(records []Record) ([]*wallet.Account, error) {
	out := make([]*wallet.Account, 0, len(records))
	for _, r := range records {
		a, err := r.Account()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// CurrentWorkers returns the workers sharing the most recent generation time,
// in stored order.
func (s Session) CurrentWorkers() []Record {
	var latest time.Time
	for _, w := range s.Workers {
		if w.GeneratedAt.After(latest) {
			latest = w.GeneratedAt
		}
	}
	var out []Record
	for _, w := range s.Workers {
		if w.GeneratedAt.Equal(latest) {
			out = append(out, w)
		}
	}
	return out
}

// NextSeq is one above the highest sequence number in the session.
func (s Session) NextSeq() uint64 {
	max := s.Admin.Seq
	for _, w := range s.Workers {
		if w.Seq > max {
			max = w.Seq
		}
	}
	return max + 1
}

// Generations counts distinct worker generation timestamps (one per lap that
// rotated, plus the initial set).
func (s Session) Generations() int {
	seen := make(map[int64]struct{})
	for _, w := range s.Workers {
		seen[w.GeneratedAt.UnixNano()] = struct{}{}
	}
	return len(seen)
}

func encode(s Session) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func decode(id string, b []byte) (Session, error) {
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, fmt.Errorf("parse session %s: %w", id, err)
	}
	return s, nil
}
