// Package sync implements the Wallet Sync Reconciler of spec.md §4.5:
// pulling each keychain's chain activity and folding newly observed
// UTXOs, settlements, and spends into the UTXO Store and ledger.
package sync

import (
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// SpendInput is one input of a detected outgoing transaction, as seen
// at the moment the spend itself is first observed (possibly still
// unconfirmed).
type SpendInput struct {
	Outpoint  primitives.OutPoint
	ValueSats primitives.Satoshis
	Confirmed bool
	IsChange  bool
}

// DeferredAllocation is the result of §4.5.1's logical-allocation walk:
// how much of the spend is already reflected in settled balances, and
// how much each still-unconfirmed external input should debit once it
// settles, so the effective/settled ledger split never double-counts
// or under-counts a spend that straddles a confirmation boundary.
type DeferredAllocation struct {
	SettledInSats primitives.Satoshis
	PerOutpoint   map[primitives.OutPoint]primitives.Satoshis
}

// AllocateDeferredSpend implements spec.md §4.5.1: given the inputs of
// a newly detected spend and its change amount, decide how much of
// the total-in is already settled and, for the remainder, which
// unconfirmed external inputs still owe a logical debit when they
// settle. Change outputs and already-confirmed inputs never owe an
// allocation — their value is already accounted for.
func AllocateDeferredSpend(inputs []SpendInput, changeSats primitives.Satoshis) DeferredAllocation {
	var totalIn, settledIn int64
	for _, in := range inputs {
		totalIn += int64(in.ValueSats)
		if in.Confirmed {
			settledIn += int64(in.ValueSats)
		}
	}

	result := DeferredAllocation{
		SettledInSats: primitives.Satoshis(settledIn),
		PerOutpoint:   make(map[primitives.OutPoint]primitives.Satoshis, len(inputs)),
	}

	spendable := totalIn - int64(changeSats)
	if settledIn >= spendable {
		for _, in := range inputs {
			result.PerOutpoint[in.Outpoint] = 0
		}
		return result
	}

	alreadyDeducted := settledIn - int64(changeSats)
	if alreadyDeducted < 0 {
		alreadyDeducted = 0
	}
	needsAllocating := spendable - alreadyDeducted

	for _, in := range inputs {
		if in.Confirmed || in.IsChange {
			result.PerOutpoint[in.Outpoint] = 0
			continue
		}
		alloc := int64(in.ValueSats)
		if alloc > needsAllocating {
			alloc = needsAllocating
		}
		if alloc < 0 {
			alloc = 0
		}
		result.PerOutpoint[in.Outpoint] = primitives.Satoshis(alloc)
		needsAllocating -= alloc
	}
	return result
}
