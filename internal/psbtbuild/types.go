// Package psbtbuild implements the PSBT Builder: a staged, typed
// construction pipeline that walks wallets and their keychains, runs
// coin selection, fuses every wallet's per-keychain inputs/outputs
// into one transaction, and emits a finalized unsigned PSBT plus a
// per-wallet summary. The staging (InitialBuilder ->
// AcceptingWalletsBuilder -> AcceptingKeychainBuilder -> finished
// wallet PSBT) stands in for the phantom-typed state machine the
// design notes describe, using separate named structs since Go has
// no phantom types.
package psbtbuild

import (
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Recipient is one payout this build must pay.
type Recipient struct {
	PayoutID    primitives.PayoutID
	Destination string
	Satoshis    primitives.Satoshis
}

// SpendableUTXO is a coin-selector candidate: a UTXO plus the
// scriptPubKey needed to build its PSBT witness-utxo field.
type SpendableUTXO struct {
	Outpoint  primitives.OutPoint
	ValueSats primitives.Satoshis
	PKScript  []byte

	// IsCPFPParent marks an ancestor output this build may spend purely
	// to raise its effective fee rate, not because it is idle wallet
	// balance — its inclusion is driven by the keychain's CPFPParents
	// list, not ordinary coin selection.
	IsCPFPParent bool

	// CPFPAdditionalVBytes and CPFPIncludedFeeSats carry this parent's
	// aggregated ancestry weight (internal/utxo.CPFPAggregate) through
	// coin selection, since selection flattens CPFPParents into the
	// plain candidate pool and would otherwise lose them.
	CPFPAdditionalVBytes int64
	CPFPIncludedFeeSats  primitives.Satoshis
}

// CPFPParent is one unconfirmed ancestor output this build bumps by
// spending it, per §4.2.2 extraction (already performed upstream by
// internal/utxo.Store.FindCPFPCandidates / internal/batch's
// aggregation of its result).
type CPFPParent struct {
	SpendableUTXO
	AdditionalVBytes int64
	IncludedFeeSats  primitives.Satoshis
}

// KeychainInput is one keychain's candidate pool, in the descriptor
// order the builder must try: current keychain first, then deprecated
// keychains oldest-to-newest as a fallback.
type KeychainInput struct {
	KeychainID    primitives.KeychainID
	Deprecated    bool
	Spendable     []SpendableUTXO
	CPFPParents   []CPFPParent
	ChangeAddress string
	ChangeScript  []byte
}

// WalletInput is one wallet's keychains and the payouts it must fund.
type WalletInput struct {
	WalletID  primitives.WalletID
	Keychains []KeychainInput // current first, deprecated afterward
	Payouts   []Recipient
}

// Config is the global, frozen-at-Start configuration shared by every
// wallet and keychain this build touches.
type Config struct {
	NetParams *chaincfg.Params

	// FeeRateSatPerVB is the target feerate for the fused transaction.
	FeeRateSatPerVB int64

	// ConsolidateDeprecatedKeychains, when true, pulls every
	// deprecated keychain's spendable set into the pool from the
	// start rather than only as a last resort.
	ConsolidateDeprecatedKeychains bool

	// ReservedOutpoints must never be selected (already locked by
	// another in-flight batch, or not yet settled).
	ReservedOutpoints map[primitives.OutPoint]struct{}

	// ForceMinChangeOutputSats, if non-zero, is the minimum value a
	// wallet's change output must carry; a smaller remainder is
	// folded into the fee instead of emitted as dust change.
	ForceMinChangeOutputSats primitives.Satoshis

	// ForEstimation builds in dry-run mode: the result is used only
	// to pre-compute a fee, never broadcast.
	ForEstimation bool
}

func (c Config) isReserved(op primitives.OutPoint) bool {
	_, ok := c.ReservedOutpoints[op]
	return ok
}
