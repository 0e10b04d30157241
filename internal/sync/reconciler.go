package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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
	"github.com/Fantasim/hdtreasury/internal/primitives"
	"github.com/Fantasim/hdtreasury/internal/utxo"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

// Reconciler is the Wallet Sync Reconciler of spec.md §4.5: for one
// wallet's keychains, it extends the watched address set, pulls chain
// activity for every watched address, and folds newly observed
// outputs, settlements, and spends into the UTXO Store and ledger.
//
// Unlike a descriptor wallet backed by a local chain-sync daemon, this
// reconciler re-derives a look-ahead window of addresses per keychain
// branch and re-scans their full transaction history each pass — the
// chain client's per-address history already gives idempotent,
// from-scratch truth, so there is no local UTXO cache to corrupt.
type Reconciler struct {
	chain        ChainClient
	utxoStore    *utxo.Store
	walletStore  *wallet.Store
	batchStore   *batch.Store
	outboxStore  *outbox.Store
	accountStore *ledger.AccountStore
	database     *db.DB
}

func NewReconciler(chainClient ChainClient, utxoStore *utxo.Store, walletStore *wallet.Store, batchStore *batch.Store, outboxStore *outbox.Store, accountStore *ledger.AccountStore, database *db.DB) *Reconciler {
	return &Reconciler{
		chain: chainClient, utxoStore: utxoStore, walletStore: walletStore,
		batchStore: batchStore, outboxStore: outboxStore, accountStore: accountStore, database: database,
	}
}

// onchainFeeAccountCode names the one shared, non-wallet-scoped ledger
// account every wallet's fee-reserve postings on a given network debit
// and credit against.
func onchainFeeAccountCode(network string) string {
	return "ONCHAIN_FEE_POOL_" + network
}

// Sync runs one reconciliation pass for a wallet, per spec.md §4.5.
func (r *Reconciler) Sync(ctx context.Context, walletID primitives.WalletID) (Result, error) {
	w, err := r.walletStore.GetWallet(ctx, walletID)
	if err != nil {
		return Result{}, err
	}
	keychains, err := r.walletStore.KeychainsForWallet(ctx, walletID)
	if err != nil {
		return Result{}, err
	}
	netParams := wallet.NetworkParams(w.Network)

	if err := r.extendWatchedAddresses(ctx, keychains, netParams); err != nil {
		return Result{}, fmt.Errorf("extend watched addresses for wallet %s: %w", walletID, err)
	}

	owners, addresses, err := r.walletStore.AddressesForWallet(ctx, walletID)
	if err != nil {
		return Result{}, err
	}
	ownerByAddress := make(map[string]wallet.AddressOwner, len(owners))
	for i, addr := range addresses {
		ownerByAddress[addr] = owners[i]
	}

	tipHeight, err := r.chain.TipHeight(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch tip height: %w", err)
	}

	txs, hasMore, err := r.collectTransactions(ctx, addresses)
	if err != nil {
		return Result{}, err
	}

	result := Result{HasMore: hasMore}
	for _, tx := range txs {
		if ctx.Err() != nil {
			result.HasMore = true
			break
		}
		if err := r.processTx(ctx, w, netParams, ownerByAddress, tx, tipHeight, &result); err != nil {
			slog.Error("sync reconciler: failed to process transaction", "wallet_id", walletID, "txid", tx.TxID, "error", err)
		}
	}

	if err := r.drainDroppedUTXOs(ctx, keychains, addresses, owners, &result); err != nil {
		slog.Error("sync reconciler: soft-delete drain pass failed", "wallet_id", walletID, "error", err)
	}

	slog.Info("sync reconciler: pass complete",
		"wallet_id", walletID, "txs_seen", len(txs), "utxos_detected", result.UTXOsDetected,
		"utxos_settled", result.UTXOsSettled, "spends_detected", result.SpendsDetected,
		"spends_settled", result.SpendsSettled, "utxos_dropped", result.UTXOsDropped, "has_more", result.HasMore,
	)
	return result, nil
}

// extendWatchedAddresses derives config.AddressGapLimit fresh
// addresses past each keychain branch's current index, persisting
// them so the next scan watches them too — the reconciler's stand-in
// for "sync the descriptor wallet's local view" (step 1).
func (r *Reconciler) extendWatchedAddresses(ctx context.Context, keychains []wallet.Keychain, netParams *chaincfg.Params) error {
	for _, k := range keychains {
		xpubStr, _, err := r.walletStore.GetXpub(ctx, k.XpubID)
		if err != nil {
			return err
		}
		accountXpub, err := wallet.ParseXpub(xpubStr, netParams)
		if err != nil {
			return err
		}

		branches := []struct {
			branch wallet.Branch
			name   string
			from   uint32
		}{
			{wallet.BranchExternal, "external", k.NextExternalIndex},
			{wallet.BranchInternal, "internal", k.NextInternalIndex},
		}
		for _, b := range branches {
			err := r.database.WithImmediateTx(ctx, func(tx *sql.Tx) error {
				upTo := b.from + config.AddressGapLimit
				for idx := b.from; idx < upTo; idx++ {
					addr, err := wallet.DeriveKeychainAddress(accountXpub, b.branch, idx, netParams)
					if err != nil {
						return err
					}
					if err := r.walletStore.EnsureAddress(ctx, tx, k.ID, b.name, idx, addr); err != nil {
						return err
					}
				}
				return r.walletStore.AdvanceIndex(ctx, tx, k.ID, b.name, upTo)
			})
			if err != nil {
				return fmt.Errorf("extend %s addresses for keychain %s: %w", b.name, k.ID, err)
			}
		}
	}
	return nil
}

// collectTransactions scans every watched address and returns the
// union of transactions touching them, deduplicated by txid and
// capped at config.MaxTxsPerSync per spec.md §4.5 step 2.
func (r *Reconciler) collectTransactions(ctx context.Context, addresses []string) ([]chain.AddressTx, bool, error) {
	seen := make(map[string]chain.AddressTx)
	for _, addr := range addresses {
		txs, err := r.chain.AddressTransactions(ctx, addr)
		if err != nil {
			return nil, false, fmt.Errorf("fetch transactions for %s: %w", addr, err)
		}
		for _, t := range txs {
			seen[t.TxID] = t
		}
	}

	out := make([]chain.AddressTx, 0, len(seen))
	for _, t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })

	hasMore := len(out) > config.MaxTxsPerSync
	if hasMore {
		out = out[:config.MaxTxsPerSync]
	}
	return out, hasMore, nil
}

func (r *Reconciler) processTx(ctx context.Context, w wallet.Wallet, netParams *chaincfg.Params, ownerByAddress map[string]wallet.AddressOwner, tx chain.AddressTx, tipHeight int64, result *Result) error {
	return r.database.WithImmediateTx(ctx, func(sqlTx *sql.Tx) error {
		ledgerRec := ledger.NewReconciler(sqlTx)
		feeAccount, err := r.accountStore.GetOrCreateAccountByCode(ctx, sqlTx, onchainFeeAccountCode(w.Network), "shared onchain fee pool ("+w.Network+")")
		if err != nil {
			return fmt.Errorf("resolve onchain fee account: %w", err)
		}

		if err := r.detectIncomingOutputs(ctx, sqlTx, ledgerRec, w, netParams, ownerByAddress, tx, result); err != nil {
			return err
		}
		if err := r.settleIncomingOutputs(ctx, sqlTx, ledgerRec, w, ownerByAddress, tx, tipHeight, result); err != nil {
			return err
		}
		if err := r.detectAndSettleSpend(ctx, sqlTx, ledgerRec, w, feeAccount, ownerByAddress, tx, tipHeight, result); err != nil {
			return err
		}
		return nil
	})
}

// detectIncomingOutputs implements step 2's first bullet: every
// output paying one of our addresses gets a utxo row and a
// utxo_detected posting, both idempotent on re-scan.
func (r *Reconciler) detectIncomingOutputs(ctx context.Context, sqlTx *sql.Tx, ledgerRec *ledger.Reconciler, w wallet.Wallet, netParams *chaincfg.Params, ownerByAddress map[string]wallet.AddressOwner, tx chain.AddressTx, result *Result) error {
	for _, o := range tx.Outputs {
		owner, ok := ownerByAddress[o.Address]
		if !ok || owner.WalletID != w.ID {
			continue
		}
		op, err := primitives.ParseOutPoint(fmt.Sprintf("%s:%d", tx.TxID, o.Vout))
		if err != nil {
			return err
		}
		pkScript, err := scriptForAddress(o.Address, netParams)
		if err != nil {
			return err
		}

		correlationID := op.String()
		ledgerTxID, err := ledgerRec.Post(ctx, ledger.TemplateUTXODetected, correlationID,
			ledger.UTXODetectedParams{Accounts: w.Accounts, Satoshis: primitives.NewSatoshis(o.ValueSats)},
			time.Now(), map[string]any{"outpoint": op.String(), "address": o.Address},
		)
		if err != nil {
			return fmt.Errorf("post utxo_detected %s: %w", op, err)
		}

		var blockHeight *int64
		if tx.Confirmed {
			h := tx.BlockHeight
			blockHeight = &h
		}
		kind := utxo.KeychainExternal
		if owner.Branch == "internal" {
			kind = utxo.KeychainInternal
		}
		inserted, err := r.utxoStore.PersistUTXO(ctx, sqlTx, utxo.UTXO{
			KeychainID: owner.KeychainID, Outpoint: op, AccountID: w.AccountID, WalletID: w.ID,
			KeychainKind: kind, AddressIndex: owner.Index, Address: o.Address, ScriptHex: fmt.Sprintf("%x", pkScript),
			ValueSats: primitives.NewSatoshis(o.ValueSats), DetectionBlockHeight: blockHeight, BlockHeight: blockHeight,
			UTXODetectedLedgerTxID: ledgerTxID.String(),
		})
		if err != nil {
			return fmt.Errorf("persist utxo %s: %w", op, err)
		}
		if inserted {
			result.UTXOsDetected++
			if err := r.outboxStore.Publish(ctx, sqlTx, outbox.TopicUTXODetected, map[string]string{"outpoint": op.String(), "wallet_id": w.ID.String()}); err != nil {
				return err
			}
		}
	}
	return nil
}

// settleIncomingOutputs implements step 2's second bullet: an output
// whose confirmation depth has crossed the wallet's configured
// threshold moves from pending to settled.
func (r *Reconciler) settleIncomingOutputs(ctx context.Context, sqlTx *sql.Tx, ledgerRec *ledger.Reconciler, w wallet.Wallet, ownerByAddress map[string]wallet.AddressOwner, tx chain.AddressTx, tipHeight int64, result *Result) error {
	if !tx.Confirmed {
		return nil
	}
	for _, o := range tx.Outputs {
		owner, ok := ownerByAddress[o.Address]
		if !ok || owner.WalletID != w.ID {
			continue
		}
		settleConfs := w.SettleIncomeAfterNConfs
		if owner.Branch == "internal" {
			settleConfs = w.SettleChangeAfterNConfs
		}
		if !confirmedEnough(tx.BlockHeight, tipHeight, settleConfs) {
			continue
		}

		op, err := primitives.ParseOutPoint(fmt.Sprintf("%s:%d", tx.TxID, o.Vout))
		if err != nil {
			return err
		}
		probe, err := r.utxoStore.MarkSettled(ctx, sqlTx, owner.KeychainID, op, false, tx.BlockHeight, "")
		if err != nil {
			if errors.Is(err, config.ErrUTXODoesNotExist) {
				continue
			}
			return fmt.Errorf("mark settled %s: %w", op, err)
		}
		if probe.PreviousLedgerTxID != nil {
			continue // already settled on a previous pass.
		}
		info := probe

		correlationID := op.String() + "/settled"
		var ledgerTxID primitives.LedgerTransactionID
		if info.PriorSpendDetectedTxID != nil {
			ledgerTxID, err = ledgerRec.Post(ctx, ledger.TemplateSpentUTXOSettled, correlationID,
				ledger.SpentUTXOSettledParams{Accounts: w.Accounts, Satoshis: info.ValueSats},
				time.Now(), map[string]any{"outpoint": op.String()},
			)
		} else {
			ledgerTxID, err = ledgerRec.Post(ctx, ledger.TemplateUTXOSettled, correlationID,
				ledger.UTXOSettledParams{Accounts: w.Accounts, Satoshis: info.ValueSats},
				time.Now(), map[string]any{"outpoint": op.String()},
			)
		}
		if err != nil {
			return fmt.Errorf("post settlement ledger entry for %s: %w", op, err)
		}
		if _, err := r.utxoStore.MarkSettled(ctx, sqlTx, owner.KeychainID, op, false, tx.BlockHeight, ledgerTxID.String()); err != nil {
			return fmt.Errorf("record settlement ledger id for %s: %w", op, err)
		}

		result.UTXOsSettled++
		topic := outbox.TopicUTXOSettled
		if info.PriorSpendDetectedTxID != nil {
			topic = outbox.TopicSpentUTXOSettled
		}
		if err := r.outboxStore.Publish(ctx, sqlTx, topic, map[string]string{"outpoint": op.String()}); err != nil {
			return err
		}
	}
	return nil
}

// detectAndSettleSpend implements step 2's third and fourth bullets:
// recognizing a transaction that spends our UTXOs, and settling it
// once confirmed.
func (r *Reconciler) detectAndSettleSpend(ctx context.Context, sqlTx *sql.Tx, ledgerRec *ledger.Reconciler, w wallet.Wallet, onchainFeeAccount primitives.LedgerAccountID, ownerByAddress map[string]wallet.AddressOwner, tx chain.AddressTx, tipHeight int64, result *Result) error {
	if len(tx.Inputs) == 0 {
		return nil
	}

	byKeychain := map[primitives.KeychainID][]primitives.OutPoint{}
	for _, in := range tx.Inputs {
		owner, ok := ownerByAddress[in.Address]
		if !ok || owner.WalletID != w.ID {
			return nil // not all inputs resolve to us; spec requires all-or-nothing.
		}
		op, err := primitives.ParseOutPoint(fmt.Sprintf("%s:%d", in.PrevTxID, in.PrevVout))
		if err != nil {
			return err
		}
		byKeychain[owner.KeychainID] = append(byKeychain[owner.KeychainID], op)
	}

	var changeSats, totalInSats, totalOutSats int64
	for _, o := range tx.Outputs {
		totalOutSats += o.ValueSats
		if owner, ok := ownerByAddress[o.Address]; ok && owner.WalletID == w.ID {
			changeSats += o.ValueSats
		}
	}

	var allSpent []utxo.SpentUTXO
	for keychainID, outpoints := range byKeychain {
		spent, err := r.utxoStore.MarkSpendDetected(ctx, sqlTx, keychainID, outpoints, tx.TxID, "")
		if err != nil {
			return fmt.Errorf("mark spend detected for keychain %s: %w", keychainID, err)
		}
		if spent == nil {
			continue // partial match this round; retry next pass once the rest settles in.
		}
		allSpent = append(allSpent, spent...)
	}
	if len(allSpent) == 0 {
		return nil
	}
	for _, su := range allSpent {
		totalInSats += int64(su.ValueSats)
	}
	feeSats := totalInSats - totalOutSats
	if feeSats < 0 {
		feeSats = 0
	}
	spentSats := totalInSats - changeSats - feeSats
	if spentSats < 0 {
		spentSats = 0
	}

	knownBatchID, isKnownBatch, err := r.batchStore.FindByBitcoinTxID(ctx, tx.TxID)
	if err != nil {
		return err
	}

	correlationID := tx.TxID + "/spend_detected"
	already := false
	for _, su := range allSpent {
		if su.UTXO.SpendDetectedLedgerTxID != nil {
			already = true
		}
	}

	if isKnownBatch {
		if err := r.batchStore.MarkBroadcast(ctx, sqlTx, knownBatchID, tx.TxID, ""); err != nil && !errors.Is(err, config.ErrBatchAlreadyBroadcast) {
			return fmt.Errorf("backfill batch %s broadcast: %w", knownBatchID, err)
		}
	} else if !already {
		allocation := AllocateDeferredSpend(spendInputsOf(allSpent), primitives.NewSatoshis(changeSats))
		ledgerTxID, err := ledgerRec.Post(ctx, ledger.TemplateSpendDetected, correlationID,
			ledger.SpendDetectedParams{Accounts: w.Accounts, OnchainFeeAccount: onchainFeeAccount, SpentSats: primitives.NewSatoshis(spentSats), FeeSats: primitives.NewSatoshis(feeSats), ChangeSats: primitives.NewSatoshis(changeSats)},
			time.Now(), map[string]any{"txid": tx.TxID, "settled_in_sats": int64(allocation.SettledInSats)},
		)
		if err != nil {
			return fmt.Errorf("post spend_detected for %s: %w", tx.TxID, err)
		}
		for keychainID, outpoints := range byKeychain {
			if _, err := r.utxoStore.MarkSpendDetected(ctx, sqlTx, keychainID, outpoints, tx.TxID, ledgerTxID.String()); err != nil {
				return fmt.Errorf("record spend_detected ledger id for keychain %s: %w", keychainID, err)
			}
		}
		result.SpendsDetected++
		if err := r.outboxStore.Publish(ctx, sqlTx, outbox.TopicSpendDetected, map[string]string{"txid": tx.TxID}); err != nil {
			return err
		}
	}

	if tx.Confirmed && confirmedEnough(tx.BlockHeight, tipHeight, w.SettleChangeAfterNConfs) {
		for keychainID, outpoints := range byKeychain {
			detectedTxID, previouslySettled, err := r.utxoStore.SettleSpend(ctx, sqlTx, keychainID, outpoints, "")
			if err != nil {
				return fmt.Errorf("settle spend for keychain %s: %w", keychainID, err)
			}
			if detectedTxID == nil {
				continue // not every outpoint is spend-detected yet.
			}
			if previouslySettled != nil {
				continue // already settled on a previous pass.
			}
			ledgerTxID, err := ledgerRec.Post(ctx, ledger.TemplateSpendSettled, tx.TxID+"/spend_settled/"+keychainID.String(),
				ledger.SpendSettledParams{Accounts: w.Accounts, SpentSats: primitives.NewSatoshis(spentSats), ChangeSats: primitives.NewSatoshis(changeSats)},
				time.Now(), map[string]any{"txid": tx.TxID},
			)
			if err != nil {
				return fmt.Errorf("post spend_settled for %s: %w", tx.TxID, err)
			}
			if _, _, err := r.utxoStore.SettleSpend(ctx, sqlTx, keychainID, outpoints, ledgerTxID.String()); err != nil {
				return fmt.Errorf("record spend_settled ledger id for keychain %s: %w", keychainID, err)
			}
			result.SpendsSettled++
			if err := r.outboxStore.Publish(ctx, sqlTx, outbox.TopicSpendSettled, map[string]string{"txid": tx.TxID}); err != nil {
				return err
			}
		}
	}
	return nil
}

// drainDroppedUTXOs implements step 4: a previously persisted UTXO
// whose address was rescanned this pass but whose outpoint no longer
// appears among that address's current transactions (typically a
// reorg evicting it) is dropped.
func (r *Reconciler) drainDroppedUTXOs(ctx context.Context, keychains []wallet.Keychain, addresses []string, owners []wallet.AddressOwner, result *Result) error {
	rescannedAddrs := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		rescannedAddrs[a] = struct{}{}
	}

	for _, k := range keychains {
		known, err := r.utxoStore.ListForKeychain(ctx, k.ID)
		if err != nil {
			return err
		}
		for _, u := range known {
			if u.IsSettled() {
				continue // only mempool-only observations are ever dropped.
			}
			if _, watched := rescannedAddrs[u.Address]; !watched {
				continue
			}
			stillPresent, err := r.chain.AddressTransactions(ctx, u.Address)
			if err != nil {
				return err
			}
			if txReferencesOutpoint(stillPresent, u.Outpoint) {
				continue
			}

			err = r.database.WithImmediateTx(ctx, func(sqlTx *sql.Tx) error {
				detectedLedgerTxID, err := r.utxoStore.DeleteUTXO(ctx, sqlTx, k.ID, u.Outpoint)
				if err != nil {
					return err
				}
				return r.outboxStore.Publish(ctx, sqlTx, outbox.TopicUTXODropped, map[string]string{
					"outpoint": u.Outpoint.String(), "utxo_detected_ledger_tx_id": detectedLedgerTxID,
				})
			})
			if err != nil {
				if errors.Is(err, config.ErrUTXOAlreadySettled) {
					continue // settled between the check above and the delete; leave it.
				}
				return err
			}
			result.UTXOsDropped++
		}
	}
	return nil
}

func spendInputsOf(spent []utxo.SpentUTXO) []SpendInput {
	out := make([]SpendInput, len(spent))
	for i, su := range spent {
		out[i] = SpendInput{Outpoint: su.Outpoint, ValueSats: su.ValueSats, Confirmed: su.AlreadySettled, IsChange: su.ChangeAddress}
	}
	return out
}

func txReferencesOutpoint(txs []chain.AddressTx, op primitives.OutPoint) bool {
	for _, t := range txs {
		if t.TxID == op.TxID.String() {
			return true
		}
	}
	return false
}

func confirmedEnough(blockHeight, tipHeight, settleConfs int64) bool {
	if blockHeight <= 0 {
		return false
	}
	return blockHeight <= tipHeight-settleConfs+1
}

func scriptForAddress(address string, netParams *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(decoded)
}
