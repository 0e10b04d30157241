package config

import (
	"errors"
	"time"
)

// ErrorKind classifies a domain error for the job scheduler's retry policy
// and for structured error telemetry, per the error handling design: each
// component returns an error carrying one of these kinds rather than a bare
// error, so the job wrapper can decide retry vs. surface without parsing
// messages.
type ErrorKind string

const (
	KindNotFound               ErrorKind = "not_found"
	KindConcurrencyConflict    ErrorKind = "concurrency_conflict"
	KindForeignKeyRace         ErrorKind = "foreign_key_race"
	KindTransientExternal      ErrorKind = "transient_external"
	KindSignerConfigMissing    ErrorKind = "signer_config_missing"
	KindCryptoValidationFailed ErrorKind = "crypto_validation_failed"
	KindLedgerMismatch         ErrorKind = "ledger_mismatch"
	KindInvariantViolation     ErrorKind = "invariant_violation"
)

// DomainError wraps an underlying error with the kind the scheduler and
// telemetry need to decide what to do with it.
type DomainError struct {
	Kind ErrorKind
	Code string // e.g. "wallet_not_found", "batch_already_signed"
	Err  error
}

func (e *DomainError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewDomainError(kind ErrorKind, code string, err error) *DomainError {
	return &DomainError{Kind: kind, Code: code, Err: err}
}

// Retryable reports whether the scheduler should re-run the job attempt
// rather than surface the error to an operator.
func (e *DomainError) Retryable() bool {
	switch e.Kind {
	case KindTransientExternal, KindForeignKeyRace:
		return true
	default:
		return false
	}
}

// TransientError marks an error as retryable by the job scheduler, the
// chain/fee HTTP clients, and the remote-signer clients, optionally
// carrying a server-provided retry-after duration (e.g. from a Retry-After
// header or a signer RPC backoff hint).
type TransientError struct {
	err        error
	retryAfter time.Duration
}

func NewTransientError(err error) *TransientError {
	return &TransientError{err: err}
}

func NewTransientErrorWithRetry(err error, retryAfter time.Duration) *TransientError {
	return &TransientError{err: err, retryAfter: retryAfter}
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// GetRetryAfter returns the retry-after duration carried by err, or 0 if
// err is not transient or carries no hint.
func GetRetryAfter(err error) time.Duration {
	var t *TransientError
	if errors.As(err, &t) {
		return t.retryAfter
	}
	return 0
}

// Sentinel errors — wrapped with fmt.Errorf("...: %w", ...) at call sites,
// matched with errors.Is at the job scheduler and API boundary.
var (
	// UTXO / PSBT building
	ErrInsufficientUTXO = errors.New("insufficient UTXO value to cover fee")
	ErrTxTooLarge       = errors.New("transaction exceeds maximum weight")
	ErrDustOutput       = errors.New("output below dust threshold")
	ErrUTXOAlreadySettled = errors.New("UTXO already settled")
	ErrUTXODoesNotExist   = errors.New("UTXO does not exist")
	ErrUTXONotReservable  = errors.New("UTXO is already reserved by another batch")

	// Chain / fee clients
	ErrUTXOFetchFailed       = errors.New("UTXO fetch failed")
	ErrFeeEstimateFailed     = errors.New("fee estimation failed")
	ErrProviderRateLimit     = errors.New("provider rate limit exceeded")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrTransactionFailed     = errors.New("transaction broadcast failed")
	ErrBTCConfirmationTimeout = errors.New("transaction confirmation timeout")

	// Ledger
	ErrLedgerUnbalancedTemplate = errors.New("ledger template entries do not balance debits and credits")
	ErrLedgerTemplateUnknown    = errors.New("unknown ledger transaction template")
	ErrLedgerDuplicatePosting   = errors.New("ledger transaction already posted for this correlation id")

	// Payout / batch
	ErrPayoutNotMutable = errors.New("payout already batched or cancelled")

	// Batch / signing
	ErrBatchAlreadySigned    = errors.New("batch already signed")
	ErrBatchAlreadyBroadcast = errors.New("batch already broadcast")
	ErrBatchNotAccountingComplete = errors.New("batch is not accounting-complete")
	ErrSignerConfigMissing   = errors.New("signer configuration missing for xpub")
	ErrSignedPSBTMismatch    = errors.New("signed PSBT does not match the unsigned transaction sent for signing")

	// Wallet / key derivation
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrKeyDerivation    = errors.New("key derivation failed")
	ErrInvalidXpub      = errors.New("invalid extended public key")
	ErrNetworkMismatch  = errors.New("address/xpub network does not match configured network")
	ErrWalletNotFound   = errors.New("wallet does not exist")

	// Config
	ErrInvalidConfig = errors.New("invalid configuration")
)
