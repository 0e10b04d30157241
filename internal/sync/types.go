package sync

import (
	"context"

	"github.com/Fantasim/hdtreasury/internal/chain"
)

// ChainClient is everything the reconciler needs from a Bitcoin chain
// client: per-address transaction history and the current tip, used
// to compute confirmation counts. internal/chain.Client implements this.
type ChainClient interface {
	AddressTransactions(ctx context.Context, address string) ([]chain.AddressTx, error)
	TipHeight(ctx context.Context) (int64, error)
}

// Result summarizes one reconciliation pass over a wallet, per
// spec.md §4.5's per-tx pass.
type Result struct {
	UTXOsDetected  int
	UTXOsSettled   int
	SpendsDetected int
	SpendsSettled  int
	UTXOsDropped   int
	HasMore        bool
}
