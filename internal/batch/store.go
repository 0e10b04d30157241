package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Store persists batches, their per-wallet summaries, and the UTXOs
// and payouts they consume. Ownership sits with the PSBT Builder for
// creation and with the Batch Signing Coordinator/broadcaster for the
// signed/broadcast transitions.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a newly-built batch with its per-wallet summaries,
// spent UTXOs, and payout fee allocations in one DB transaction — the
// PSBT Builder's single commit point, so a crash mid-build never
// leaves payouts claimed without a matching batch row.
func (s *Store) Create(ctx context.Context, tx *sql.Tx, b Batch, summaries []WalletSummary, spentUTXOs []SpentUTXO, allocations []PayoutAllocation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO batches (id, account_id, queue_id, unsigned_psbt, total_fee_sats)
		VALUES (?, ?, ?, ?, ?)`,
		b.ID.String(), b.Account.String(), b.QueueID.String(), b.UnsignedPSBT, int64(b.TotalFeeSats),
	)
	if err != nil {
		return fmt.Errorf("create batch %s: %w", b.ID, err)
	}

	for _, ws := range summaries {
		if err := s.insertWalletSummary(ctx, tx, ws); err != nil {
			return err
		}
	}
	for _, u := range spentUTXOs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_spent_utxos (batch_id, keychain_id, txid, vout) VALUES (?, ?, ?, ?)`,
			b.ID.String(), u.KeychainID.String(), u.Outpoint.TxID.String(), u.Outpoint.Vout,
		); err != nil {
			return fmt.Errorf("record spent utxo %s for batch %s: %w", u.Outpoint, b.ID, err)
		}
	}
	for _, a := range allocations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO batch_payouts (batch_id, payout_id, allocated_fee_sats) VALUES (?, ?, ?)`,
			b.ID.String(), a.PayoutID.String(), int64(a.AllocatedFeeSats),
		); err != nil {
			return fmt.Errorf("record payout allocation %s for batch %s: %w", a.PayoutID, b.ID, err)
		}
	}
	return nil
}

// SpentUTXO is one input the fused transaction consumed, recorded so
// a future CPFP ancestry walk knows which wallet/keychain owned it.
type SpentUTXO struct {
	KeychainID primitives.KeychainID
	Outpoint   primitives.OutPoint
}

func (s *Store) insertWalletSummary(ctx context.Context, tx *sql.Tx, ws WalletSummary) error {
	signingKeychains, err := json.Marshal(keychainIDStrings(ws.SigningKeychains))
	if err != nil {
		return fmt.Errorf("marshal signing keychains for wallet %s: %w", ws.WalletID, err)
	}
	cpfpDetails, err := json.Marshal(ws.CPFPDetails)
	if err != nil {
		return fmt.Errorf("marshal cpfp details for wallet %s: %w", ws.WalletID, err)
	}

	var changeOutpoint any
	if ws.ChangeOutpoint != nil {
		changeOutpoint = ws.ChangeOutpoint.String()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batch_wallet_summaries (
			batch_id, wallet_id, current_keychain_id, signing_keychains,
			total_in_sats, total_spent_sats, total_fee_sats, cpfp_fee_sats, cpfp_details,
			change_sats, change_address, change_outpoint, batch_created_ledger_tx_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ws.BatchID.String(), ws.WalletID.String(), ws.CurrentKeychainID.String(), string(signingKeychains),
		int64(ws.TotalInSats), int64(ws.TotalSpentSats), int64(ws.TotalFeeSats), int64(ws.CPFPFeeSats), string(cpfpDetails),
		int64(ws.ChangeSats), nullableString(ws.ChangeAddress), changeOutpoint, ws.BatchCreatedLedgerTxID,
	)
	if err != nil {
		return fmt.Errorf("insert wallet summary %s/%s: %w", ws.BatchID, ws.WalletID, err)
	}
	return nil
}

// MarkSigned attaches the finalized signed transaction bytes to a
// batch. Fails if the batch is already signed — the Batch Signing
// Coordinator's state machine only moves Initialized → Complete once.
func (s *Store) MarkSigned(ctx context.Context, tx *sql.Tx, id primitives.BatchID, signedTx []byte) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET signed_tx = ? WHERE id = ? AND signed_tx IS NULL`,
		signedTx, id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark batch %s signed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %s", config.ErrBatchAlreadySigned, id)
	}
	return nil
}

// MarkBroadcast attaches the on-chain txid and the ledger transaction
// id of the batch_broadcast posting. Fails if already broadcast.
func (s *Store) MarkBroadcast(ctx context.Context, tx *sql.Tx, id primitives.BatchID, bitcoinTxID, ledgerTxID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET bitcoin_tx_id = ?, batch_broadcast_ledger_tx_id = ?
		WHERE id = ? AND bitcoin_tx_id IS NULL AND signed_tx IS NOT NULL`,
		bitcoinTxID, ledgerTxID, id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark batch %s broadcast: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: batch %s", config.ErrBatchAlreadyBroadcast, id)
	}
	return nil
}

// Get loads a batch by id.
func (s *Store) Get(ctx context.Context, id primitives.BatchID) (Batch, error) {
	var (
		b           Batch
		idStr, acct, queue string
		bitcoinTxID sql.NullString
		signedTx    []byte
		broadcastTx sql.NullString
		cancelledAt sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, queue_id, bitcoin_tx_id, unsigned_psbt, signed_tx,
			total_fee_sats, batch_broadcast_ledger_tx_id, cancelled_at
		FROM batches WHERE id = ?`, id.String(),
	)
	var totalFee int64
	if err := row.Scan(&idStr, &acct, &queue, &bitcoinTxID, &b.UnsignedPSBT, &signedTx,
		&totalFee, &broadcastTx, &cancelledAt); err != nil {
		return Batch{}, fmt.Errorf("get batch %s: %w", id, err)
	}

	bid, err := primitives.ParseBatchID(idStr)
	if err != nil {
		return Batch{}, err
	}
	b.ID = bid
	if b.Account, err = primitives.ParseAccountID(acct); err != nil {
		return Batch{}, err
	}
	if b.QueueID, err = primitives.ParsePayoutQueueID(queue); err != nil {
		return Batch{}, err
	}
	if bitcoinTxID.Valid {
		b.BitcoinTxID = bitcoinTxID.String
	}
	b.SignedTx = signedTx
	b.TotalFeeSats = primitives.NewSatoshis(totalFee)
	if broadcastTx.Valid {
		b.BatchBroadcastLedgerTxID = broadcastTx.String
	}
	if cancelledAt.Valid {
		b.CancelledAt = &cancelledAt.String
	}
	return b, nil
}

// FindByBitcoinTxID reports whether a batch with the given broadcast
// txid is already known, and its id if so — the Wallet Sync
// Reconciler uses this to recognize a spend it observes on chain as
// one of its own batches (spec.md §4.5 step 2) rather than an
// unrelated outgoing transaction.
func (s *Store) FindByBitcoinTxID(ctx context.Context, bitcoinTxID string) (primitives.BatchID, bool, error) {
	var idStr string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM batches WHERE bitcoin_tx_id = ?`, bitcoinTxID).Scan(&idStr)
	if err == sql.ErrNoRows {
		return primitives.BatchID{}, false, nil
	}
	if err != nil {
		return primitives.BatchID{}, false, fmt.Errorf("find batch by bitcoin tx %s: %w", bitcoinTxID, err)
	}
	id, err := primitives.ParseBatchID(idStr)
	if err != nil {
		return primitives.BatchID{}, false, err
	}
	return id, true, nil
}

// ListPendingSigning returns every batch that is neither signed,
// broadcast, nor cancelled, for the periodic signing sweep to re-drive
// (a batch only advances through signing rounds when something enqueues
// batch_signing for it, and a process restart loses whatever rounds were
// already in flight).
func (s *Store) ListPendingSigning(ctx context.Context) ([]primitives.BatchID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM batches
		WHERE signed_tx IS NULL AND bitcoin_tx_id IS NULL AND cancelled_at IS NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending-signing batches: %w", err)
	}
	defer rows.Close()

	var ids []primitives.BatchID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan pending-signing batch id: %w", err)
		}
		id, err := primitives.ParseBatchID(idStr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WalletSummaries returns every per-wallet summary row for a batch, for
// batch_wallet_accounting to post ledger entries wallet by wallet and for
// batch_signing to gate on every wallet's accounting being complete.
func (s *Store) WalletSummaries(ctx context.Context, batchID primitives.BatchID) ([]WalletSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wallet_id, current_keychain_id, signing_keychains, total_in_sats, total_spent_sats,
			total_fee_sats, cpfp_fee_sats, cpfp_details, change_sats, change_address, change_outpoint,
			batch_created_ledger_tx_id, batch_broadcast_ledger_tx_id, batch_cancel_ledger_tx_id
		FROM batch_wallet_summaries WHERE batch_id = ?`, batchID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("wallet summaries for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []WalletSummary
	for rows.Next() {
		var (
			ws                                                          WalletSummary
			walletID, currentKeychainID, signingKeychains, cpfpDetails  string
			changeAddress, changeOutpoint, created, broadcast, cancel   sql.NullString
		)
		if err := rows.Scan(&walletID, &currentKeychainID, &signingKeychains, &ws.TotalInSats, &ws.TotalSpentSats,
			&ws.TotalFeeSats, &ws.CPFPFeeSats, &cpfpDetails, &ws.ChangeSats, &changeAddress, &changeOutpoint,
			&created, &broadcast, &cancel); err != nil {
			return nil, fmt.Errorf("scan wallet summary row: %w", err)
		}
		ws.BatchID = batchID
		if ws.WalletID, err = primitives.ParseWalletID(walletID); err != nil {
			return nil, err
		}
		if ws.CurrentKeychainID, err = primitives.ParseKeychainID(currentKeychainID); err != nil {
			return nil, err
		}
		var keychainStrs []string
		if err := json.Unmarshal([]byte(signingKeychains), &keychainStrs); err != nil {
			return nil, fmt.Errorf("unmarshal signing keychains for wallet %s: %w", ws.WalletID, err)
		}
		for _, ks := range keychainStrs {
			kid, err := primitives.ParseKeychainID(ks)
			if err != nil {
				return nil, err
			}
			ws.SigningKeychains = append(ws.SigningKeychains, kid)
		}
		if err := json.Unmarshal([]byte(cpfpDetails), &ws.CPFPDetails); err != nil {
			return nil, fmt.Errorf("unmarshal cpfp details for wallet %s: %w", ws.WalletID, err)
		}
		if changeAddress.Valid {
			ws.ChangeAddress = changeAddress.String
		}
		if changeOutpoint.Valid {
			op, err := primitives.ParseOutPoint(changeOutpoint.String)
			if err != nil {
				return nil, err
			}
			ws.ChangeOutpoint = &op
		}
		if created.Valid {
			ws.BatchCreatedLedgerTxID = created.String
		}
		if broadcast.Valid {
			ws.BatchBroadcastLedgerTxID = broadcast.String
		}
		if cancel.Valid {
			ws.BatchCancelLedgerTxID = cancel.String
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// SetWalletSummaryCreatedLedgerTxID stamps the batch_created posting's
// ledger transaction id onto a wallet's summary row. batch_signing refuses
// to advance a batch (config.ErrBatchNotAccountingComplete) until every
// wallet summary carries one.
func (s *Store) SetWalletSummaryCreatedLedgerTxID(ctx context.Context, tx *sql.Tx, batchID primitives.BatchID, walletID primitives.WalletID, ledgerTxID primitives.LedgerTransactionID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE batch_wallet_summaries SET batch_created_ledger_tx_id = ? WHERE batch_id = ? AND wallet_id = ?`,
		ledgerTxID.String(), batchID.String(), walletID.String(),
	)
	if err != nil {
		return fmt.Errorf("set batch_created ledger tx for wallet %s batch %s: %w", walletID, batchID, err)
	}
	return nil
}

func keychainIDStrings(ids []primitives.KeychainID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
