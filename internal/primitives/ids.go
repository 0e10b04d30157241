// Package primitives holds the typed identifiers and value types shared by
// every domain package: accounts, wallets, keychains, payouts, batches,
// signing sessions, xpubs, and ledger entities.
package primitives

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// typedID is embedded by every named identifier so they all share the same
// scan/value/string behavior while remaining distinct Go types — the
// compiler rejects passing a WalletID where a BatchID is expected.
type typedID struct {
	uuid.UUID
}

func newTypedID() typedID { return typedID{uuid.New()} }

// AccountID identifies a tenant account.
type AccountID struct{ typedID }

// WalletID identifies a wallet (a set of keychains plus ledger accounts).
type WalletID struct{ typedID }

// KeychainID identifies one descriptor pair (external/internal) of a wallet.
type KeychainID struct{ typedID }

// PayoutID identifies a queued payout.
type PayoutID struct{ typedID }

// BatchID identifies a payout batch.
type BatchID struct{ typedID }

// SigningSessionID identifies one (batch, xpub) signing session.
type SigningSessionID struct{ typedID }

// XpubID identifies a registered extended public key.
type XpubID struct{ typedID }

// LedgerTransactionID identifies one posted ledger transaction.
type LedgerTransactionID struct{ typedID }

// LedgerAccountID identifies one ledger account.
type LedgerAccountID struct{ typedID }

// PayoutQueueID identifies a payout queue.
type PayoutQueueID struct{ typedID }

func NewAccountID() AccountID                     { return AccountID{newTypedID()} }
func NewWalletID() WalletID                       { return WalletID{newTypedID()} }
func NewKeychainID() KeychainID                   { return KeychainID{newTypedID()} }
func NewPayoutID() PayoutID                       { return PayoutID{newTypedID()} }
func NewBatchID() BatchID                         { return BatchID{newTypedID()} }
func NewSigningSessionID() SigningSessionID       { return SigningSessionID{newTypedID()} }
func NewXpubID() XpubID                           { return XpubID{newTypedID()} }
func NewLedgerTransactionID() LedgerTransactionID { return LedgerTransactionID{newTypedID()} }
func NewLedgerAccountID() LedgerAccountID         { return LedgerAccountID{newTypedID()} }
func NewPayoutQueueID() PayoutQueueID             { return PayoutQueueID{newTypedID()} }

func ParseAccountID(s string) (AccountID, error) {
	id, err := uuid.Parse(s)
	return AccountID{typedID{id}}, wrapParseErr("account_id", s, err)
}

func ParseWalletID(s string) (WalletID, error) {
	id, err := uuid.Parse(s)
	return WalletID{typedID{id}}, wrapParseErr("wallet_id", s, err)
}

func ParseKeychainID(s string) (KeychainID, error) {
	id, err := uuid.Parse(s)
	return KeychainID{typedID{id}}, wrapParseErr("keychain_id", s, err)
}

func ParsePayoutID(s string) (PayoutID, error) {
	id, err := uuid.Parse(s)
	return PayoutID{typedID{id}}, wrapParseErr("payout_id", s, err)
}

func ParseBatchID(s string) (BatchID, error) {
	id, err := uuid.Parse(s)
	return BatchID{typedID{id}}, wrapParseErr("batch_id", s, err)
}

func ParseSigningSessionID(s string) (SigningSessionID, error) {
	id, err := uuid.Parse(s)
	return SigningSessionID{typedID{id}}, wrapParseErr("signing_session_id", s, err)
}

func ParseXpubID(s string) (XpubID, error) {
	id, err := uuid.Parse(s)
	return XpubID{typedID{id}}, wrapParseErr("xpub_id", s, err)
}

func ParseLedgerTransactionID(s string) (LedgerTransactionID, error) {
	id, err := uuid.Parse(s)
	return LedgerTransactionID{typedID{id}}, wrapParseErr("ledger_transaction_id", s, err)
}

func ParseLedgerAccountID(s string) (LedgerAccountID, error) {
	id, err := uuid.Parse(s)
	return LedgerAccountID{typedID{id}}, wrapParseErr("ledger_account_id", s, err)
}

func ParsePayoutQueueID(s string) (PayoutQueueID, error) {
	id, err := uuid.Parse(s)
	return PayoutQueueID{typedID{id}}, wrapParseErr("payout_queue_id", s, err)
}

func wrapParseErr(field, s string, err error) error {
	if err != nil {
		return fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return nil
}

// Value implements driver.Valuer so typed IDs bind directly as query args.
func (t typedID) Value() (driver.Value, error) { return t.String(), nil }

// Scan implements sql.Scanner so typed IDs can be read directly from rows.
func (t *typedID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return fmt.Errorf("scan typed id %q: %w", v, err)
		}
		t.UUID = id
		return nil
	case []byte:
		id, err := uuid.Parse(string(v))
		if err != nil {
			return fmt.Errorf("scan typed id %q: %w", v, err)
		}
		t.UUID = id
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("scan typed id: unsupported type %T", src)
	}
}

// IsZero reports whether the identifier was never set.
func (t typedID) IsZero() bool { return t.UUID == uuid.Nil }
