// Package utxo implements the UTXO Store: the persistent,
// transactionally-consistent record of every known output, its keychain,
// value, confirmation state, and reservation state.
package utxo

import (
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// KeychainKind is which descriptor branch an address/UTXO belongs to.
type KeychainKind string

const (
	KeychainExternal KeychainKind = "external"
	KeychainInternal KeychainKind = "internal"
)

// UTXO is one known transaction output, keyed by (keychain_id, txid, vout).
type UTXO struct {
	KeychainID   primitives.KeychainID
	Outpoint     primitives.OutPoint
	AccountID    primitives.AccountID
	WalletID     primitives.WalletID
	KeychainKind KeychainKind
	AddressIndex uint32
	Address      string
	ScriptHex    string
	ValueSats    primitives.Satoshis

	DetectionBlockHeight *int64
	BlockHeight          *int64
	BDKSpent             bool

	SelfPay                 bool
	OriginTxVBytes          int64
	OriginTxFeeSats         primitives.Satoshis
	SatsPerVByteWhenCreated float64
	TrustedOriginTxInputTxIDs []string

	SpendingBatchID *primitives.BatchID

	UTXODetectedLedgerTxID  string
	UTXOSettledLedgerTxID   *string
	SpendDetectedLedgerTxID *string
	SpendSettledLedgerTxID  *string
	SpendTxID               *string
}

// IsSettled reports whether the UTXO's own receipt has confirmed on chain.
func (u UTXO) IsSettled() bool { return u.UTXOSettledLedgerTxID != nil }

// IsReserved reports whether a batch has already claimed this UTXO.
func (u UTXO) IsReserved() bool { return u.SpendingBatchID != nil }

// IsSpendDetected reports whether an outgoing spend of this UTXO has been
// seen in the mempool.
func (u UTXO) IsSpendDetected() bool { return u.SpendDetectedLedgerTxID != nil }

// ReservableUTXO is the row shape returned by FindReservable: it carries
// enough reservation state for the caller's coin-selector to exclude
// already-spoken-for outpoints without a second round trip.
type ReservableUTXO struct {
	UTXO
}

// SettledInfo is returned by MarkSettled: the freshly posted ledger tx id
// plus the value/address the caller needs to build the utxo_settled
// posting, and any prior spend-detection state (a UTXO can be spent before
// its own receipt confirms — see spec.md §4.5.1).
type SettledInfo struct {
	UTXOSettledLedgerTxID   string
	ValueSats               primitives.Satoshis
	Address                 string
	PriorSpendDetectedTxID  *string
	// PreviousLedgerTxID is the settlement ledger tx id that was already
	// recorded before this call, if any — nil means this is the first
	// time the UTXO has been observed as settled.
	PreviousLedgerTxID *string
}

// SpentUTXO is one element of the result of MarkSpendDetected.
type SpentUTXO struct {
	UTXO
	AlreadySettled bool
	ChangeAddress  bool // true iff this output's keychain kind is internal
}
