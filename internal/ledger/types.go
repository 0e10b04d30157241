// Package ledger implements the double-entry reconciler: every movement of
// value through the treasury is recorded as a balanced set of debit/credit
// entries against named accounts in one of three layers (pending,
// encumbered, settled), posted atomically and idempotently by
// (template_code, correlation_id).
package ledger

import "github.com/Fantasim/hdtreasury/internal/primitives"

// Layer is one of the three accounting layers a ledger entry is posted in.
type Layer string

const (
	LayerPending    Layer = "pending"
	LayerEncumbered Layer = "encumbered"
	LayerSettled    Layer = "settled"
)

// Direction is which side of a double-entry pair an entry sits on.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Account is a named ledger account. Wallets own a fixed set of these
// (onchain/effective incoming, at-rest, outgoing, fee, dust); there is
// also one shared per-network onchain-fee account.
type Account struct {
	ID   primitives.LedgerAccountID
	Code string
	Name string
}

// WalletAccountSet is the seven per-wallet ledger accounts plus the dust
// account named in spec.md §3.
type WalletAccountSet struct {
	OnchainIncoming   primitives.LedgerAccountID
	OnchainAtRest     primitives.LedgerAccountID
	OnchainOutgoing   primitives.LedgerAccountID
	EffectiveIncoming primitives.LedgerAccountID
	EffectiveAtRest   primitives.LedgerAccountID
	EffectiveOutgoing primitives.LedgerAccountID
	Fee               primitives.LedgerAccountID
	Dust              primitives.LedgerAccountID
}

// WalletBalanceSummary is the derived per-wallet summary from spec.md §4.3.
type WalletBalanceSummary struct {
	CurrentSettled     primitives.Satoshis
	PendingIncoming    primitives.Satoshis
	PendingOutgoing    primitives.Satoshis
	EncumberedFees     primitives.Satoshis
	EncumberedOutgoing primitives.Satoshis
}

// Entry is one posted line of a ledger transaction.
type Entry struct {
	LedgerAccountID primitives.LedgerAccountID
	EntryType       string
	Direction       Direction
	Layer           Layer
	UnitsSats       primitives.Satoshis
}

// entrySpec is a not-yet-resolved entry used while building a template's
// entry set: Account is filled in by the template function from its params,
// UnitsSats likewise.
type entrySpec struct {
	account   primitives.LedgerAccountID
	entryType string
	direction Direction
	layer     Layer
	units     primitives.Satoshis
}

func (s entrySpec) resolve() Entry {
	return Entry{
		LedgerAccountID: s.account,
		EntryType:       s.entryType,
		Direction:       s.direction,
		Layer:           s.layer,
		UnitsSats:       s.units,
	}
}
