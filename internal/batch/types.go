// Package batch implements the Batch, per-wallet summary, and
// proportional fee/CPFP attribution the PSBT Builder produces once it
// has finished fusing a wallet's keychain-scoped PSBTs into one
// finalized unsigned transaction.
package batch

import (
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Batch is one unsigned (later signed, later broadcast) transaction
// spanning one or more wallets, built from a payout queue's unbatched
// payouts.
type Batch struct {
	ID      primitives.BatchID
	Account primitives.AccountID
	QueueID primitives.PayoutQueueID

	UnsignedPSBT []byte
	SignedTx     []byte
	BitcoinTxID  string

	TotalFeeSats primitives.Satoshis

	BatchBroadcastLedgerTxID string
	CancelledAt              *string
}

func (b Batch) IsSigned() bool    { return len(b.SignedTx) > 0 }
func (b Batch) IsBroadcast() bool { return b.BitcoinTxID != "" }
func (b Batch) IsCancelled() bool { return b.CancelledAt != nil }

// WalletSummary is the per-wallet accounting row the PSBT Builder
// emits for a batch: one per wallet that contributed inputs/outputs,
// carrying everything the Ledger Reconciler needs to post
// batch_created/batch_broadcast entries for that wallet's slice of
// the fused transaction.
type WalletSummary struct {
	BatchID           primitives.BatchID
	WalletID          primitives.WalletID
	CurrentKeychainID primitives.KeychainID
	SigningKeychains  []primitives.KeychainID

	TotalInSats   primitives.Satoshis
	TotalSpentSats primitives.Satoshis
	TotalFeeSats  primitives.Satoshis
	CPFPFeeSats   primitives.Satoshis
	CPFPDetails   map[string]CPFPAttribution

	ChangeSats    primitives.Satoshis
	ChangeAddress string
	ChangeOutpoint *primitives.OutPoint

	BatchCreatedLedgerTxID   string
	BatchBroadcastLedgerTxID string
	BatchCancelLedgerTxID    string
}

// CPFPAttribution records, for one ancestor outpoint this batch bumped,
// which child batch did the bumping and how much fee was attributed to it.
type CPFPAttribution struct {
	BumpingBatchID primitives.BatchID
	BumpFeeSats    primitives.Satoshis
}

// PayoutAllocation is one payout's proportional slice of a wallet's
// total_fee_sats, per §4.2.1.
type PayoutAllocation struct {
	PayoutID      primitives.PayoutID
	AllocatedFeeSats primitives.Satoshis
}
