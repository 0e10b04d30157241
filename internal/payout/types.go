// Package payout implements the Payout and Payout Queue entities: the
// intake side of the treasury core. A payout is immutable once it is
// cancelled or claimed by a batch; a queue groups payouts by tenant
// account and carries the fee-priority tier and trigger policy the
// Payout Queue Processor uses to decide when to build a batch.
package payout

import (
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// FeePriority selects which mempool.space fee tier a queue targets.
type FeePriority string

const (
	PriorityNextBlock FeePriority = "next_block"
	PriorityHalfHour  FeePriority = "half_hour"
	PriorityOneHour   FeePriority = "one_hour"
)

// TriggerKind is how a queue decides it's time to build a batch.
type TriggerKind string

const (
	TriggerManual     TriggerKind = "manual"
	TriggerInterval   TriggerKind = "interval"
	TriggerQueueDepth TriggerKind = "queue_depth"
)

// Trigger carries the parameters for whichever TriggerKind a queue uses.
type Trigger struct {
	Kind            TriggerKind
	IntervalSeconds int
	QueueDepth      int
}

// Queue groups payouts for one wallet under a shared fee policy.
type Queue struct {
	ID       primitives.PayoutQueueID
	AccountID primitives.AccountID
	WalletID primitives.WalletID
	Name     string

	Priority                      FeePriority
	ConsolidateDeprecatedKeychains bool
	// CPFPEnabled opts this queue into child-pays-for-parent fee bumping
	// (spec.md §4.2.2): process_payout_queue extracts eligible ancestor
	// UTXOs and folds them into coin selection when set.
	CPFPEnabled bool
	Trigger     Trigger
}

// Payout is one queued send, immutable after cancellation or inclusion
// in a batch.
type Payout struct {
	ID        primitives.PayoutID
	AccountID primitives.AccountID
	QueueID   primitives.PayoutQueueID

	Destination string
	Satoshis    primitives.Satoshis
	ExternalID  string
	Metadata    map[string]any

	BatchID *primitives.BatchID
	Outpoint *primitives.OutPoint

	PayoutSubmittedLedgerTxID string
	PayoutCancelledLedgerTxID *string
}

// IsCancelled reports whether this payout was withdrawn before batching.
func (p Payout) IsCancelled() bool { return p.PayoutCancelledLedgerTxID != nil }

// IsBatched reports whether a batch has already claimed this payout.
func (p Payout) IsBatched() bool { return p.BatchID != nil }

// Mutable reports whether the payout may still be cancelled or picked
// up by a batch build. Once either has happened it is frozen per
// spec: a payout is immutable after cancellation or inclusion in a
// batch.
func (p Payout) Mutable() bool { return !p.IsCancelled() && !p.IsBatched() }
