// Package ledger is the boundary between the lap engine and the chain: balance
// queries and confirmed transfers of the native coin and ERC-20 tokens.
package ledger

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/stance-marketing/solbot-core-V4-sub001/internal/wallet"
)

// Client is what the fund transfer primitives need from a ledger. Transfers
// return only after the transaction is confirmed (or failed).
type Client interface {
	NativeBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)

	// EnsureTokenAccount makes sure owner can receive token, creating whatever
	// the ledger requires at payer's expense, and returns the receiving address.
	EnsureTokenAccount(ctx context.Context, payer *wallet.Account, owner, token common.Address) (common.Address, error)

	TransferNative(ctx context.Context, from *wallet.Account, to common.Address, amount *big.Int) (common.Hash, error)
	TransferToken(ctx context.Context, from *wallet.Account, token, to common.Address, amount *big.Int) (common.Hash, error)

	// TransferFee is the native amount to hold back for one native transfer.
	TransferFee(ctx context.Context) (*big.Int, error)
	// TokenTransferFee prices one token transfer, paid in native by the sender.
	TokenTransferFee(ctx context.Context, token, from, to common.Address, amount *big.Int) (*big.Int, error)
	// AccountCreationFee is what EnsureTokenAccount would charge the payer for
	// owner, zero when owner can already receive token.
	AccountCreationFee(ctx context.Context, owner, token common.Address) (*big.Int, error)

	// Head returns the latest block number, used as the network time reference.
	Head(ctx context.Context) (uint64, error)
}

func RPCURLFromEnv() (string, error) {
	rpcURL := strings.TrimSpace(firstNonEmpty(os.Getenv("RPC_WS_URL"), os.Getenv("RPC_URL")))
	if rpcURL == "" {
		return "", fmt.Errorf("RPC_WS_URL or RPC_URL required (set RPC_URL in .env)")
	}
	if !strings.HasPrefix(rpcURL, "ws") && !strings.HasPrefix(rpcURL, "http") {
		return "", fmt.Errorf("RPC URL must be ws(s)://... or http(s)://..., got %q", rpcURL)
	}
	if strings.Contains(rpcURL, "YOUR_KEY") {
		return "", fmt.Errorf("RPC URL still contains placeholder YOUR_KEY. Set RPC_URL to your provider URL")
	}
	return rpcURL, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }
