package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AdminSeq is the sequence number reserved for the custodial admin account.
const AdminSeq uint64 = 0

// Account is a keypair that can hold native and token balances and sign
// transfers. Accounts are never mutated after creation; rotation always
// produces new ones.
type Account struct {
	Seq       uint64
	Key       *ecdsa.PrivateKey
	Address   common.Address
	CreatedAt time.Time
}

func newAccount(seq uint64, pk *ecdsa.PrivateKey, createdAt time.Time) *Account {
	return &Account{
		Seq:       seq,
		Key:       pk,
		Address:   crypto.PubkeyToAddress(pk.PublicKey),
		CreatedAt: createdAt,
	}
}

// NewAdmin wraps an existing key as the session's admin account.
func NewAdmin(pk *ecdsa.PrivateKey, createdAt time.Time) (*Account, error) {
	if pk == nil {
		return nil, fmt.Errorf("admin key missing")
	}
	return newAccount(AdminSeq, pk, createdAt), nil
}

// Restore rebuilds a persisted account from its key and sequence number.
func Restore(seq uint64, pk *ecdsa.PrivateKey, createdAt time.Time) (*Account, error) {
	if pk == nil {
		return nil, fmt.Errorf("account #%d: key missing", seq)
	}
	return newAccount(seq, pk, createdAt), nil
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, fmt.Errorf("private key missing")
	}
	hexKey = strings.TrimPrefix(hexKey, "0x")
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return pk, nil
}

// ParseOrGenerateAdmin parses hexKey, or generates a throwaway admin key when it
// is empty. The second return value reports whether the key is ephemeral.
func ParseOrGenerateAdmin(hexKey string, now time.Time) (*Account, bool, error) {
	if strings.TrimSpace(hexKey) != "" {
		pk, err := ParsePrivateKey(hexKey)
		if err != nil {
			return nil, false, err
		}
		a, err := NewAdmin(pk, now)
		return a, false, err
	}
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, false, fmt.Errorf("generate ephemeral key: %w", err)
	}
	a, err := NewAdmin(pk, now)
	return a, true, err
}

// Generate creates n fresh worker accounts numbered firstSeq, firstSeq+1, ...
// All of them share createdAt, which acts as the generation timestamp.
func Generate(n int, firstSeq uint64, createdAt time.Time) ([]*Account, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative worker count %d", n)
	}
	if firstSeq == AdminSeq {
		return nil, fmt.Errorf("worker sequence must start above %d", AdminSeq)
	}
	out := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		pk, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate worker key %d: %w", i, err)
		}
		out = append(out, newAccount(firstSeq+uint64(i), pk, createdAt))
	}
	return out, nil
}

// PrivateKeyHex returns the 0x-prefixed private key.
func (a *Account) PrivateKeyHex() string {
	if a == nil || a.Key == nil {
		return ""
	}
	return "0x" + hex.EncodeToString(crypto.FromECDSA(a.Key))
}

func (a *Account) String() string {
	if a == nil {
		return "<nil>"
	}
	return fmt.Sprintf("#%d %s", a.Seq, a.Address.Hex())
}

// Addresses lists the account addresses in order.
func Addresses(accts []*Account) []common.Address {
	out := make([]common.Address, 0, len(accts))
	for _, a := range accts {
		if a == nil {
			continue
		}
		out = append(out, a.Address)
	}
	return out
}

// MaxSeq returns the highest sequence number among accts (AdminSeq if empty).
func MaxSeq(accts []*Account) uint64 {
	var max uint64
	for _, a := range accts {
		if a != nil && a.Seq > max {
			max = a.Seq
		}
	}
	return max
}
