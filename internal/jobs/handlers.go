package jobs

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Fantasim/hdtreasury/internal/batch"
	"github.com/Fantasim/hdtreasury/internal/chain"
	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/ledger"
	"github.com/Fantasim/hdtreasury/internal/outbox"
	"github.com/Fantasim/hdtreasury/internal/payout"
	"github.com/Fantasim/hdtreasury/internal/primitives"
	"github.com/Fantasim/hdtreasury/internal/psbtbuild"
	"github.com/Fantasim/hdtreasury/internal/signing"
	syncreconciler "github.com/Fantasim/hdtreasury/internal/sync"
	"github.com/Fantasim/hdtreasury/internal/utxo"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

// outboxDrainBatchSize bounds how many unpublished events populate_outbox
// or respawn_all_outbox_handlers hands to the sink per run.
const outboxDrainBatchSize = 100

// OutboxSink delivers one published outbox event to whatever external
// transport the deployment wires up (webhook, message broker, ...).
// The draining jobs mark an event published only once Deliver returns nil.
type OutboxSink interface {
	Deliver(ctx context.Context, event outbox.Event) error
}

// onchainFeeAccountCode names the one shared, non-wallet-scoped ledger
// account every wallet's batch fee postings on a given network debit and
// credit against. Mirrors internal/sync's onchainFeeAccountCode — kept as
// a private duplicate rather than exported, since the two packages have
// no other reason to share a dependency edge.
func onchainFeeAccountCode(network string) string {
	return "ONCHAIN_FEE_POOL_" + network
}

// Handlers wires every domain store and coordinator built elsewhere in
// the module into the ten named jobs spec.md §5 lists, and owns the
// Scheduler those jobs enqueue their own continuations onto.
type Handlers struct {
	cfg *config.Config
	db  *db.DB

	chainClient  *chain.Client
	feeEstimator *chain.FeeEstimator

	wallets  *wallet.Store
	utxos    *utxo.Store
	payouts  *payout.Store
	batches  *batch.Store
	outboxes *outbox.Store
	accounts *ledger.AccountStore

	syncReconciler *syncreconciler.Reconciler

	signingCoord    *signing.Coordinator
	signingRegistry *signing.Registry

	sched *Scheduler
	sink  OutboxSink
}

func NewHandlers(
	cfg *config.Config,
	database *db.DB,
	chainClient *chain.Client,
	feeEstimator *chain.FeeEstimator,
	wallets *wallet.Store,
	utxos *utxo.Store,
	payouts *payout.Store,
	batches *batch.Store,
	outboxes *outbox.Store,
	accounts *ledger.AccountStore,
	syncReconciler *syncreconciler.Reconciler,
	signingCoord *signing.Coordinator,
	signingRegistry *signing.Registry,
	sched *Scheduler,
	sink OutboxSink,
) *Handlers {
	return &Handlers{
		cfg: cfg, db: database,
		chainClient: chainClient, feeEstimator: feeEstimator,
		wallets: wallets, utxos: utxos, payouts: payouts, batches: batches, outboxes: outboxes, accounts: accounts,
		syncReconciler:  syncReconciler,
		signingCoord:    signingCoord,
		signingRegistry: signingRegistry,
		sched:           sched,
		sink:            sink,
	}
}

// rateForPriority maps a payout queue's fee priority onto the matching
// mempool.space tier. Lives here rather than on chain.FeeEstimate to avoid
// internal/chain importing internal/payout (chain is the lower-level
// package; payout already sits above it).
func rateForPriority(est *chain.FeeEstimate, priority payout.FeePriority) int64 {
	switch priority {
	case payout.PriorityNextBlock:
		return est.FastestFee
	case payout.PriorityOneHour:
		return est.HourFee
	default:
		return est.HalfHourFee
	}
}

// --- sync_all_wallets / sync_wallet ---

func (h *Handlers) SyncAllWallets(ctx context.Context) error {
	ids, err := h.wallets.ListWalletIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		h.sched.Enqueue(h.syncWalletJob(id))
	}
	return nil
}

func (h *Handlers) syncWalletJob(id primitives.WalletID) Job {
	return Job{Name: NameSyncWallet, Key: keyWalletAccounting(id), Run: func(ctx context.Context) error {
		return h.SyncWallet(ctx, id)
	}}
}

// SyncWallet runs one reconciler pass and re-enqueues itself while the
// reconciler still has more chain history to walk, so one sync_wallet
// dispatch drains a wallet's backlog without the caller looping.
func (h *Handlers) SyncWallet(ctx context.Context, walletID primitives.WalletID) error {
	result, err := h.syncReconciler.Sync(ctx, walletID)
	if err != nil {
		return fmt.Errorf("sync wallet %s: %w", walletID, err)
	}
	if result.HasMore {
		h.sched.Enqueue(h.syncWalletJob(walletID))
	}
	return nil
}

// --- process_all_payout_queues / schedule_process_payout_queue / process_payout_queue ---

func (h *Handlers) ProcessAllPayoutQueues(ctx context.Context) error {
	queues, err := h.payouts.DueQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		h.sched.Enqueue(h.scheduleProcessPayoutQueueJob(q.ID))
	}
	return nil
}

func (h *Handlers) scheduleProcessPayoutQueueJob(id primitives.PayoutQueueID) Job {
	return Job{Name: NameScheduleProcessPayoutQueue, Key: keySchedulePayoutQueue(id), Run: func(ctx context.Context) error {
		return h.ScheduleProcessPayoutQueue(ctx, id)
	}}
}

// ScheduleProcessPayoutQueue re-checks that a queue is still due
// immediately before handing it to process_payout_queue. The fan-out in
// ProcessAllPayoutQueues ran its due-queue scan before this job reached
// the front of its lane, and another schedule_process_payout_queue
// dispatch for the same queue may have already built a batch in the
// meantime.
func (h *Handlers) ScheduleProcessPayoutQueue(ctx context.Context, queueID primitives.PayoutQueueID) error {
	due, err := h.payouts.DueQueues(ctx)
	if err != nil {
		return err
	}
	for _, q := range due {
		if q.ID == queueID {
			h.sched.Enqueue(h.processPayoutQueueJob(queueID))
			return nil
		}
	}
	return nil
}

func (h *Handlers) processPayoutQueueJob(id primitives.PayoutQueueID) Job {
	return Job{Name: NameProcessPayoutQueue, Key: keySchedulePayoutQueue(id), Run: func(ctx context.Context) error {
		return h.ProcessPayoutQueue(ctx, id)
	}}
}

// ProcessPayoutQueue builds and persists a batch covering every
// unbatched payout of queueID, reserving the UTXOs it selected and
// leaving the batch's per-wallet ledger postings to batch_wallet_accounting
// (config.ErrBatchNotAccountingComplete gates batch_signing on them).
func (h *Handlers) ProcessPayoutQueue(ctx context.Context, queueID primitives.PayoutQueueID) error {
	q, err := h.payouts.GetQueue(ctx, queueID)
	if err != nil {
		return err
	}
	pending, err := h.payouts.UnbatchedPayouts(ctx, queueID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	w, err := h.wallets.GetWallet(ctx, q.WalletID)
	if err != nil {
		return err
	}
	keychains, err := h.wallets.KeychainsForWallet(ctx, q.WalletID)
	if err != nil {
		return err
	}
	netParams := wallet.NetworkParams(w.Network)

	est, err := h.feeEstimator.Estimate(ctx)
	if err != nil {
		return fmt.Errorf("estimate fee for queue %s: %w", queueID, err)
	}
	feeRate := rateForPriority(est, q.Priority)

	var cpfpAggregates []utxo.CPFPAggregate
	if q.CPFPEnabled {
		keychainIDs := make([]primitives.KeychainID, len(keychains))
		for i, kc := range keychains {
			keychainIDs[i] = kc.ID
		}
		tip, err := h.chainClient.TipHeight(ctx)
		if err != nil {
			return fmt.Errorf("get chain tip for cpfp policy on queue %s: %w", queueID, err)
		}
		candidates, err := h.utxos.FindCPFPCandidates(ctx, keychainIDs, config.CPFPMinAncestorAge, tip+1)
		if err != nil {
			return fmt.Errorf("find cpfp candidates for queue %s: %w", queueID, err)
		}
		cpfpAggregates = utxo.AggregateCPFPCandidates(candidates)
	}

	recipients := make([]psbtbuild.Recipient, len(pending))
	for i, p := range pending {
		recipients[i] = psbtbuild.Recipient{PayoutID: p.ID, Destination: p.Destination, Satoshis: p.Satoshis}
	}

	var finished *psbtbuild.FinishedBuild
	err = h.db.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		keychainInputs, err := h.keychainInputsFor(ctx, tx, keychains, netParams, cpfpAggregates)
		if err != nil {
			return err
		}

		dustThreshold := w.DustThresholdSats
		if dustThreshold <= 0 {
			dustThreshold = primitives.NewSatoshis(config.DefaultDustThresholdSats)
		}
		cfg := psbtbuild.Config{
			NetParams:                      netParams,
			FeeRateSatPerVB:                feeRate,
			ConsolidateDeprecatedKeychains: q.ConsolidateDeprecatedKeychains,
			ReservedOutpoints:              map[primitives.OutPoint]struct{}{},
			ForceMinChangeOutputSats:       dustThreshold,
		}
		aw, err := psbtbuild.NewBuilder(cfg).Start().Wallet(q.WalletID, keychainInputs, recipients).Build()
		if err != nil {
			return fmt.Errorf("build psbt for queue %s: %w", queueID, err)
		}
		finished, err = aw.Finish()
		if err != nil {
			return fmt.Errorf("finish psbt for queue %s: %w", queueID, err)
		}
		if len(finished.WalletTotals) == 0 {
			finished = nil
			return nil // not enough spendable UTXOs yet; try again next due-check
		}

		b := batch.Batch{
			ID:           primitives.NewBatchID(),
			Account:      q.AccountID,
			QueueID:      q.ID,
			UnsignedPSBT: finished.PSBT,
			TotalFeeSats: finished.FeeSatoshis,
		}
		for i := range finished.WalletTotals {
			finished.WalletTotals[i].BatchID = b.ID
			for outpoint, attr := range finished.WalletTotals[i].CPFPDetails {
				attr.BumpingBatchID = b.ID
				finished.WalletTotals[i].CPFPDetails[outpoint] = attr
			}
		}
		if err := h.batches.Create(ctx, tx, b, finished.WalletTotals, finished.SpentUTXOs, finished.Allocations); err != nil {
			return err
		}
		if err := h.payouts.AssignBatch(ctx, tx, b.ID, finished.IncludedPayouts); err != nil {
			return err
		}

		spentByKeychain := map[primitives.KeychainID][]primitives.OutPoint{}
		for _, su := range finished.SpentUTXOs {
			spentByKeychain[su.KeychainID] = append(spentByKeychain[su.KeychainID], su.Outpoint)
		}
		for keychainID, outpoints := range spentByKeychain {
			if err := h.utxos.ReserveUTXOs(ctx, tx, b.ID, outpoints, keychainID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if finished == nil {
		return nil
	}

	slog.Info("batch built", "queue", queueID, "wallet", q.WalletID, "payouts", len(finished.IncludedPayouts), "fee_sats", finished.FeeSatoshis)
	for _, ws := range finished.WalletTotals {
		h.sched.Enqueue(h.batchWalletAccountingJob(ws.BatchID, ws.WalletID))
	}
	return nil
}

// keychainInputsFor assembles one psbtbuild.KeychainInput per keychain of
// a wallet: its reservable spendable UTXOs, any of those UTXOs that
// cpfpAggregates identifies as CPFP-bumpable ancestors (moved into
// CPFPParents instead of the plain Spendable pool), and (for every
// non-deprecated keychain) a freshly derived change address.
func (h *Handlers) keychainInputsFor(ctx context.Context, tx *sql.Tx, keychains []wallet.Keychain, netParams *chaincfg.Params, cpfpAggregates []utxo.CPFPAggregate) ([]psbtbuild.KeychainInput, error) {
	cpfpByOutpoint := make(map[primitives.OutPoint]utxo.CPFPAggregate, len(cpfpAggregates))
	for _, agg := range cpfpAggregates {
		cpfpByOutpoint[agg.Outpoint] = agg
	}

	inputs := make([]psbtbuild.KeychainInput, 0, len(keychains))
	for _, kc := range keychains {
		reservable, err := h.utxos.FindReservable(ctx, tx, []primitives.KeychainID{kc.ID})
		if err != nil {
			return nil, fmt.Errorf("find reservable utxos for keychain %s: %w", kc.ID, err)
		}
		spendable := make([]psbtbuild.SpendableUTXO, 0, len(reservable))
		var cpfpParents []psbtbuild.CPFPParent
		for _, r := range reservable {
			script, err := hex.DecodeString(r.ScriptHex)
			if err != nil {
				return nil, fmt.Errorf("decode pkscript for %s: %w", r.Outpoint, err)
			}
			su := psbtbuild.SpendableUTXO{Outpoint: r.Outpoint, ValueSats: r.ValueSats, PKScript: script}
			if agg, ok := cpfpByOutpoint[r.Outpoint]; ok {
				cpfpParents = append(cpfpParents, psbtbuild.CPFPParent{
					SpendableUTXO:    su,
					AdditionalVBytes: agg.AdditionalVBytes,
					IncludedFeeSats:  agg.IncludedFeeSats,
				})
				continue
			}
			spendable = append(spendable, su)
		}

		input := psbtbuild.KeychainInput{KeychainID: kc.ID, Deprecated: kc.Deprecated, Spendable: spendable, CPFPParents: cpfpParents}
		if !kc.Deprecated {
			address, script, err := h.deriveChangeAddress(ctx, kc, netParams)
			if err != nil {
				return nil, err
			}
			input.ChangeAddress = address
			input.ChangeScript = script
		}
		inputs = append(inputs, input)
	}
	return inputs, nil
}

// deriveChangeAddress derives the next unused internal-branch address of
// a keychain, for the PSBT Builder's change output.
func (h *Handlers) deriveChangeAddress(ctx context.Context, kc wallet.Keychain, netParams *chaincfg.Params) (address string, script []byte, err error) {
	xpubStr, _, err := h.wallets.GetXpub(ctx, kc.XpubID)
	if err != nil {
		return "", nil, err
	}
	accountXpub, err := wallet.ParseXpub(xpubStr, netParams)
	if err != nil {
		return "", nil, err
	}
	address, err = wallet.DeriveKeychainAddress(accountXpub, wallet.BranchInternal, kc.NextInternalIndex, netParams)
	if err != nil {
		return "", nil, err
	}
	addr, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return "", nil, fmt.Errorf("decode derived change address %s: %w", address, err)
	}
	script, err = txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, fmt.Errorf("build pkscript for change address %s: %w", address, err)
	}
	return address, script, nil
}

// --- batch_wallet_accounting ---

func (h *Handlers) batchWalletAccountingJob(batchID primitives.BatchID, walletID primitives.WalletID) Job {
	return Job{Name: NameBatchWalletAccounting, Key: keyWalletAccounting(walletID), Run: func(ctx context.Context) error {
		return h.BatchWalletAccounting(ctx, batchID, walletID)
	}}
}

// BatchWalletAccounting posts the batch_created ledger entry for one
// wallet's slice of a batch, stamping the summary row with the resulting
// ledger transaction id. batch_signing refuses to advance a batch until
// every wallet summary carries one (config.ErrBatchNotAccountingComplete).
func (h *Handlers) BatchWalletAccounting(ctx context.Context, batchID primitives.BatchID, walletID primitives.WalletID) error {
	summaries, err := h.batches.WalletSummaries(ctx, batchID)
	if err != nil {
		return err
	}
	var ws *batch.WalletSummary
	for i := range summaries {
		if summaries[i].WalletID == walletID {
			ws = &summaries[i]
			break
		}
	}
	if ws == nil {
		return fmt.Errorf("batch %s has no summary for wallet %s", batchID, walletID)
	}
	if ws.BatchCreatedLedgerTxID != "" {
		complete, err := h.batchAccountingComplete(ctx, batchID)
		if err != nil {
			return err
		}
		if complete {
			h.sched.Enqueue(h.batchSigningJob(batchID))
		}
		return nil
	}

	w, err := h.wallets.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	// TotalSpentSats is the payout-only portion of selected inputs that
	// leaves the wallet (the fee is carried separately in TotalFeeSats),
	// which is the amount BatchCreatedParams debits from effective outgoing.
	payoutTotal := ws.TotalSpentSats

	return h.db.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		feeAccount, err := h.accounts.GetOrCreateAccountByCode(ctx, tx, onchainFeeAccountCode(w.Network), "shared onchain fee pool ("+w.Network+")")
		if err != nil {
			return err
		}
		ledgerRec := ledger.NewReconciler(tx)
		txnID, err := ledgerRec.Post(ctx, ledger.TemplateBatchCreated, batchID.String()+"/"+walletID.String(),
			ledger.BatchCreatedParams{
				Accounts:          w.Accounts,
				OnchainFeeAccount: feeAccount,
				PayoutTotalSats:   payoutTotal,
				FeeSats:           ws.TotalFeeSats,
				ChangeSats:        ws.ChangeSats,
			}, time.Now(), nil)
		if err != nil {
			return fmt.Errorf("post batch_created for batch %s wallet %s: %w", batchID, walletID, err)
		}
		if err := h.batches.SetWalletSummaryCreatedLedgerTxID(ctx, tx, batchID, walletID, txnID); err != nil {
			return err
		}
		return h.outboxes.Publish(ctx, tx, outbox.TopicBatchCreated, batchCreatedPayload{BatchID: batchID.String(), WalletID: walletID.String()})
	})
	if err != nil {
		return err
	}

	complete, err := h.batchAccountingComplete(ctx, batchID)
	if err != nil {
		return err
	}
	if complete {
		h.sched.Enqueue(h.batchSigningJob(batchID))
	}
	return nil
}

// batchAccountingComplete reports whether every wallet summary of batchID
// now carries a batch_created ledger transaction id, re-reading the rows
// fresh since the caller's own posting just committed.
func (h *Handlers) batchAccountingComplete(ctx context.Context, batchID primitives.BatchID) (bool, error) {
	summaries, err := h.batches.WalletSummaries(ctx, batchID)
	if err != nil {
		return false, err
	}
	for _, s := range summaries {
		if s.BatchCreatedLedgerTxID == "" {
			return false, nil
		}
	}
	return true, nil
}

type batchCreatedPayload struct {
	BatchID  string `json:"batch_id"`
	WalletID string `json:"wallet_id"`
}

// --- batch_signing ---

func (h *Handlers) batchSigningJob(batchID primitives.BatchID) Job {
	return Job{Name: NameBatchSigning, Key: keyBatchSigning(batchID), Run: func(ctx context.Context) error {
		return h.BatchSigning(ctx, batchID)
	}}
}

// BatchSigning drives one round of spec.md §4.4's signing state machine:
// ensure every signing session exists, attempt to advance each, then
// finalize and either persist the fully-signed transaction or leave the
// batch for the next scheduled round.
func (h *Handlers) BatchSigning(ctx context.Context, batchID primitives.BatchID) error {
	summaries, err := h.batches.WalletSummaries(ctx, batchID)
	if err != nil {
		return err
	}
	for _, ws := range summaries {
		if ws.BatchCreatedLedgerTxID == "" {
			return fmt.Errorf("%w: batch %s wallet %s", config.ErrBatchNotAccountingComplete, batchID, ws.WalletID)
		}
	}

	b, err := h.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if b.IsSigned() {
		return nil
	}

	xpubsBySignerID := map[primitives.XpubID]string{}
	for _, ws := range summaries {
		signingKeychains := ws.SigningKeychains
		if len(signingKeychains) == 0 {
			signingKeychains = []primitives.KeychainID{ws.CurrentKeychainID}
		}
		for _, kcID := range signingKeychains {
			kc, err := h.wallets.GetKeychain(ctx, kcID)
			if err != nil {
				return err
			}
			signerID, err := h.signingRegistry.SignerIDForXpub(ctx, kc.XpubID)
			if err != nil {
				return err
			}
			xpubsBySignerID[kc.XpubID] = signerID
		}
	}

	if err := h.db.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		return h.signingCoord.EnsureSessions(ctx, tx, batchID, b.UnsignedPSBT, xpubsBySignerID)
	}); err != nil {
		return fmt.Errorf("ensure signing sessions for batch %s: %w", batchID, err)
	}

	if err := h.db.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		return h.signingCoord.Advance(ctx, tx, batchID, b.UnsignedPSBT)
	}); err != nil {
		slog.Warn("batch signing round left a recoverable failure", "batch", batchID, "error", err)
	}

	outcome, signedTx, err := h.signingCoord.Finalize(ctx, batchID)
	if err != nil {
		return fmt.Errorf("finalize batch %s: %w", batchID, err)
	}

	switch outcome {
	case signing.OutcomeReadyToBroadcast:
		if err := h.db.WithImmediateTx(ctx, func(tx *sql.Tx) error {
			return h.batches.MarkSigned(ctx, tx, batchID, signedTx)
		}); err != nil {
			return err
		}
		h.sched.Enqueue(h.batchBroadcastingJob(batchID, h.cfg.BlockchainNetwork))
	case signing.OutcomeStalled:
		slog.Debug("batch signing stalled, will retry on next scheduled round", "batch", batchID)
	}
	return nil
}

// --- batch_broadcasting ---

func (h *Handlers) batchBroadcastingJob(batchID primitives.BatchID, network string) Job {
	return Job{Name: NameBatchBroadcasting, Key: keyBatchBroadcasting(network), Run: func(ctx context.Context) error {
		return h.BatchBroadcasting(ctx, batchID)
	}}
}

// BatchBroadcasting submits a fully-signed batch's transaction and posts
// the batch_broadcast ledger entry for every wallet it touched.
func (h *Handlers) BatchBroadcasting(ctx context.Context, batchID primitives.BatchID) error {
	b, err := h.batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	if b.IsBroadcast() {
		return nil
	}
	if !b.IsSigned() {
		return fmt.Errorf("batch %s is not signed yet", batchID)
	}

	txHash, err := h.chainClient.Broadcast(ctx, hex.EncodeToString(b.SignedTx))
	if err != nil {
		return fmt.Errorf("broadcast batch %s: %w", batchID, err)
	}

	summaries, err := h.batches.WalletSummaries(ctx, batchID)
	if err != nil {
		return err
	}

	return h.db.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		ledgerRec := ledger.NewReconciler(tx)
		var lastTxnID primitives.LedgerTransactionID
		for _, ws := range summaries {
			w, err := h.wallets.GetWallet(ctx, ws.WalletID)
			if err != nil {
				return err
			}
			feeAccount, err := h.accounts.GetOrCreateAccountByCode(ctx, tx, onchainFeeAccountCode(w.Network), "shared onchain fee pool ("+w.Network+")")
			if err != nil {
				return err
			}
			txnID, err := ledgerRec.Post(ctx, ledger.TemplateBatchBroadcast, batchID.String()+"/"+ws.WalletID.String(),
				ledger.BatchBroadcastParams{
					Accounts:          w.Accounts,
					OnchainFeeAccount: feeAccount,
					FeeSats:           ws.TotalFeeSats,
					ChangeSats:        ws.ChangeSats,
				}, time.Now(), nil)
			if err != nil {
				return fmt.Errorf("post batch_broadcast for batch %s wallet %s: %w", batchID, ws.WalletID, err)
			}
			lastTxnID = txnID
			if err := h.outboxes.Publish(ctx, tx, outbox.TopicBatchBroadcast, batchBroadcastPayload{BatchID: batchID.String(), WalletID: ws.WalletID.String(), BitcoinTxID: txHash}); err != nil {
				return err
			}
		}
		return h.batches.MarkBroadcast(ctx, tx, batchID, txHash, lastTxnID.String())
	})
}

type batchBroadcastPayload struct {
	BatchID     string `json:"batch_id"`
	WalletID    string `json:"wallet_id"`
	BitcoinTxID string `json:"bitcoin_tx_id"`
}

// --- populate_outbox / respawn_all_outbox_handlers ---

// PopulateOutbox drains a batch of unpublished outbox events to the
// configured sink, one delivery job per event on the shared account_main
// lane — deliveries don't need to serialize against each other, but
// keeping them on one key bounds how many run at once.
func (h *Handlers) PopulateOutbox(ctx context.Context) error {
	events, err := h.outboxes.Unpublished(ctx, outboxDrainBatchSize)
	if err != nil {
		return err
	}
	for _, e := range events {
		h.sched.Enqueue(h.deliverOutboxEventJob(e))
	}
	return nil
}

func (h *Handlers) deliverOutboxEventJob(e outbox.Event) Job {
	return Job{Name: NamePopulateOutbox, Key: keyAccountMain, Run: func(ctx context.Context) error {
		return h.deliverOutboxEvent(ctx, e)
	}}
}

func (h *Handlers) deliverOutboxEvent(ctx context.Context, e outbox.Event) error {
	if h.sink == nil {
		return nil
	}
	if err := h.sink.Deliver(ctx, e); err != nil {
		return fmt.Errorf("deliver outbox event %s: %w", e.ID, err)
	}
	return h.outboxes.MarkPublished(ctx, e.ID)
}

// --- periodic signing retry ---

// RetryPendingSigning re-enqueues batch_signing for every batch that is
// accounting-complete but not yet signed, broadcast, or cancelled. The
// periodic dispatcher calls this on JobsSigningMaxRetryDelay-ish cadence
// so a batch whose signer was offline for its first round, or whose
// process restarted mid-round, keeps getting driven forward.
func (h *Handlers) RetryPendingSigning(ctx context.Context) error {
	ids, err := h.batches.ListPendingSigning(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		complete, err := h.batchAccountingComplete(ctx, id)
		if err != nil {
			return err
		}
		if complete {
			h.sched.Enqueue(h.batchSigningJob(id))
		}
	}
	return nil
}

// RespawnAllOutboxHandlers re-drives delivery for whatever is still
// unpublished at process startup — unlike populate_outbox's periodic
// sweep, this runs once when the scheduler comes up, picking up events
// an earlier process crashed before delivering.
func (h *Handlers) RespawnAllOutboxHandlers(ctx context.Context) error {
	return h.PopulateOutbox(ctx)
}
