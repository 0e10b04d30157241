// Package signing implements the Batch Signing Coordinator: one
// signing session per (batch, xpub), driving a RemoteSigner to
// produce a signed PSBT fragment per xpub, then merging and
// finalizing across every xpub a batch's participating wallets use.
package signing

import (
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Status is a signing session's state, per spec.md §4.4:
// Initialized -> {Complete | Failed}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRequested Status = "requested"
	StatusSigned    Status = "signed"
	StatusFailed    Status = "failed"
)

// FailureReason classifies why a session is Failed, distinguishing
// the one non-retryable case (no signer configured yet for this
// xpub) from everything else.
type FailureReason string

const (
	ReasonSignerConfigMissing FailureReason = "signer_config_missing"
	ReasonSigningClientError  FailureReason = "signing_client_error"
)

// Session is one (batch, xpub) signing attempt.
type Session struct {
	ID       primitives.SigningSessionID
	BatchID  primitives.BatchID
	XpubID   primitives.XpubID
	SignerID string

	Status        Status
	SignedPSBT    []byte
	FailureReason string
}

func (s Session) IsComplete() bool { return s.Status == StatusSigned }
func (s Session) IsFailed() bool   { return s.Status == StatusFailed }

// Outcome is what Finalize reports back to the job scheduler.
type Outcome string

const (
	OutcomeReadyToBroadcast Outcome = "ready_to_broadcast"
	OutcomeStalled          Outcome = "stalled"
)
