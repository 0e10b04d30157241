package utxo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Store persists UTXOs and enforces their lifecycle invariants from
// spec.md §3: ownership sits with the Wallet Sync Reconciler for
// creation/mutation, and with the PSBT Builder for reservation.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PersistUTXO inserts a newly observed output, keyed by (keychain_id,
// txid, vout). It is a no-op on conflict — a re-scan observing the same
// output again must not mint a second utxo_detected posting. The caller
// supplies the already-minted ledger transaction id so insertion and
// ledger posting stay out of each other's way; ok is false iff the row
// already existed.
func (s *Store) PersistUTXO(ctx context.Context, tx *sql.Tx, u UTXO) (ok bool, err error) {
	ancestors, err := json.Marshal(u.TrustedOriginTxInputTxIDs)
	if err != nil {
		return false, fmt.Errorf("marshal trusted ancestor ids: %w", err)
	}

	exec := execFor(s.db, tx)
	res, err := exec.ExecContext(ctx, `
		INSERT INTO utxos (
			keychain_id, txid, vout, account_id, wallet_id, keychain_kind, address_index,
			address, script_hex, value_sats, detection_block_height, block_height, bdk_spent,
			self_pay, origin_tx_vbytes, origin_tx_fee_sats, sats_per_vbyte_when_created,
			trusted_origin_tx_input_tx_ids, utxo_detected_ledger_tx_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (keychain_id, txid, vout) DO NOTHING`,
		u.KeychainID.String(), u.Outpoint.TxID.String(), u.Outpoint.Vout,
		u.AccountID.String(), u.WalletID.String(), string(u.KeychainKind), u.AddressIndex,
		u.Address, u.ScriptHex, int64(u.ValueSats), u.DetectionBlockHeight, u.BlockHeight, boolToInt(u.BDKSpent),
		boolToInt(u.SelfPay), u.OriginTxVBytes, int64(u.OriginTxFeeSats), u.SatsPerVByteWhenCreated,
		string(ancestors), u.UTXODetectedLedgerTxID,
	)
	if err != nil {
		return false, fmt.Errorf("persist utxo %s: %w", u.Outpoint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("persist utxo %s: rows affected: %w", u.Outpoint, err)
	}
	return n > 0, nil
}

// MarkSettled records that a UTXO's own receipt has confirmed, setting a
// freshly minted ledger tx id and the confirmation height.
func (s *Store) MarkSettled(ctx context.Context, tx *sql.Tx, keychainID primitives.KeychainID, op primitives.OutPoint, bdkSpent bool, blockHeight int64, settledLedgerTxID string) (SettledInfo, error) {
	exec := execFor(s.db, tx)
	var info SettledInfo
	row := queryRowFor(s.db, tx).QueryRowContext(ctx, `
		SELECT value_sats, address, spend_detected_ledger_tx_id, utxo_settled_ledger_tx_id FROM utxos
		WHERE keychain_id = ? AND txid = ? AND vout = ?`,
		keychainID.String(), op.TxID.String(), op.Vout,
	)
	var valueSats int64
	var priorSpendDetected, previouslySettled sql.NullString
	if err := row.Scan(&valueSats, &info.Address, &priorSpendDetected, &previouslySettled); err != nil {
		return info, fmt.Errorf("%w: mark settled %s: %v", config.ErrUTXODoesNotExist, op, err)
	}
	if previouslySettled.Valid {
		v := previouslySettled.String
		info.PreviousLedgerTxID = &v
	}

	// utxo_settled_ledger_tx_id only ever moves from unset to set: a probe
	// call (settledLedgerTxID == "") must not clobber a ledger tx id a
	// prior pass already recorded.
	_, err := exec.ExecContext(ctx, `
		UPDATE utxos SET
			utxo_settled_ledger_tx_id = CASE WHEN ? <> '' THEN ? ELSE utxo_settled_ledger_tx_id END,
			block_height = ?, bdk_spent = ?
		WHERE keychain_id = ? AND txid = ? AND vout = ?`,
		settledLedgerTxID, settledLedgerTxID, blockHeight, boolToInt(bdkSpent), keychainID.String(), op.TxID.String(), op.Vout,
	)
	if err != nil {
		return info, fmt.Errorf("mark settled %s: %w", op, err)
	}

	info.UTXOSettledLedgerTxID = settledLedgerTxID
	info.ValueSats = primitives.Satoshis(valueSats)
	if priorSpendDetected.Valid {
		v := priorSpendDetected.String
		info.PriorSpendDetectedTxID = &v
	}
	return info, nil
}

// MarkSpendDetected atomically sets spend_detected_ledger_tx_id for every
// given outpoint. It is all-or-nothing: if any outpoint isn't present for
// the keychain, no row is mutated and an empty slice is returned — a
// partial match means the caller observed a transaction that doesn't
// belong entirely to this wallet.
func (s *Store) MarkSpendDetected(ctx context.Context, tx *sql.Tx, keychainID primitives.KeychainID, outpoints []primitives.OutPoint, spendTxID, spendDetectedLedgerTxID string) ([]SpentUTXO, error) {
	exec := execFor(s.db, tx)
	rows, err := queryFor(s.db, tx).QueryContext(ctx, buildOutpointQuery(keychainID, outpoints))
	if err != nil {
		return nil, fmt.Errorf("mark spend detected: load candidates: %w", err)
	}
	found, err := scanUTXORows(rows)
	if err != nil {
		return nil, err
	}
	if len(found) != len(outpoints) {
		return nil, nil
	}

	result := make([]SpentUTXO, 0, len(found))
	for _, u := range found {
		// spend_detected_ledger_tx_id only ever moves from unset to set: a
		// probe call (spendDetectedLedgerTxID == "") must not clobber a
		// ledger tx id a prior pass already recorded.
		_, err := exec.ExecContext(ctx, `
			UPDATE utxos SET
				spend_detected_ledger_tx_id = CASE WHEN ? <> '' THEN ? ELSE spend_detected_ledger_tx_id END,
				spend_tx_id = ?
			WHERE keychain_id = ? AND txid = ? AND vout = ?`,
			spendDetectedLedgerTxID, spendDetectedLedgerTxID, spendTxID, keychainID.String(), u.Outpoint.TxID.String(), u.Outpoint.Vout,
		)
		if err != nil {
			return nil, fmt.Errorf("mark spend detected %s: %w", u.Outpoint, err)
		}
		result = append(result, SpentUTXO{
			UTXO:           u,
			AlreadySettled: u.IsSettled(),
			ChangeAddress:  u.KeychainKind == KeychainInternal,
		})
	}
	return result, nil
}

// SettleSpend sets spend_settled_ledger_tx_id for every outpoint, but only
// if each was previously marked spend-detected. detectedTxID is nil when
// not every outpoint has been spend-detected yet (caller must wait).
// previouslySettled is non-nil when this spend was already settled by an
// earlier call — the caller must treat that as a no-op and not post a
// second spend_settled ledger entry.
func (s *Store) SettleSpend(ctx context.Context, tx *sql.Tx, keychainID primitives.KeychainID, outpoints []primitives.OutPoint, spendSettledLedgerTxID string) (detectedTxID *string, previouslySettled *string, err error) {
	exec := execFor(s.db, tx)
	rows, err := queryFor(s.db, tx).QueryContext(ctx, buildOutpointQuery(keychainID, outpoints))
	if err != nil {
		return nil, nil, fmt.Errorf("settle spend: load candidates: %w", err)
	}
	found, err := scanUTXORows(rows)
	if err != nil {
		return nil, nil, err
	}
	if len(found) != len(outpoints) {
		return nil, nil, nil
	}
	for _, u := range found {
		if u.SpendDetectedLedgerTxID == nil {
			return nil, nil, nil
		}
	}

	var detected string
	for _, u := range found {
		detected = *u.SpendDetectedLedgerTxID
		if u.SpendSettledLedgerTxID != nil && previouslySettled == nil {
			v := *u.SpendSettledLedgerTxID
			previouslySettled = &v
		}
		// spend_settled_ledger_tx_id only ever moves from unset to set: a
		// probe call (spendSettledLedgerTxID == "") must not clobber a
		// ledger tx id a prior pass already recorded.
		_, err := exec.ExecContext(ctx, `
			UPDATE utxos SET spend_settled_ledger_tx_id = CASE WHEN ? <> '' THEN ? ELSE spend_settled_ledger_tx_id END
			WHERE keychain_id = ? AND txid = ? AND vout = ?`,
			spendSettledLedgerTxID, spendSettledLedgerTxID, keychainID.String(), u.Outpoint.TxID.String(), u.Outpoint.Vout,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("settle spend %s: %w", u.Outpoint, err)
		}
	}
	return &detected, previouslySettled, nil
}

// FindReservable returns every non-reserved, non-settled-spend UTXO for
// the given keychains, including enough reservation state for the caller
// to decide which outpoints a coin selector must exclude. Call this only
// from within a db.WithImmediateTx block — SQLite has no row-level FOR
// UPDATE, so the whole-database write lock is what actually prevents two
// concurrent batch builds from double-reserving.
func (s *Store) FindReservable(ctx context.Context, tx *sql.Tx, keychainIDs []primitives.KeychainID) ([]ReservableUTXO, error) {
	if len(keychainIDs) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(keychainIDs)
	query := fmt.Sprintf(`
		SELECT %s FROM utxos
		WHERE keychain_id IN (%s) AND spending_batch_id IS NULL AND spend_detected_ledger_tx_id IS NULL
		ORDER BY block_height IS NULL, sats_per_vbyte_when_created DESC`, utxoColumns, placeholders)
	rows, err := queryFor(s.db, tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find reservable: %w", err)
	}
	found, err := scanUTXORows(rows)
	if err != nil {
		return nil, err
	}
	out := make([]ReservableUTXO, len(found))
	for i, u := range found {
		out[i] = ReservableUTXO{UTXO: u}
	}
	return out, nil
}

// ReserveUTXOs sets spending_batch_id for every given outpoint within the
// same transaction the caller uses to create the batch row, making the
// reservation atomic with batch creation.
func (s *Store) ReserveUTXOs(ctx context.Context, tx *sql.Tx, batchID primitives.BatchID, outpoints []primitives.OutPoint, keychainID primitives.KeychainID) error {
	exec := execFor(s.db, tx)
	for _, op := range outpoints {
		res, err := exec.ExecContext(ctx, `
			UPDATE utxos SET spending_batch_id = ?
			WHERE keychain_id = ? AND txid = ? AND vout = ? AND spending_batch_id IS NULL`,
			batchID.String(), keychainID.String(), op.TxID.String(), op.Vout,
		)
		if err != nil {
			return fmt.Errorf("reserve utxo %s: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reserve utxo %s: rows affected: %w", op, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", config.ErrUTXONotReservable, op)
		}
	}
	return nil
}

// DeleteUTXO removes a dropped (RBF'd out, reorged away) mempool UTXO.
// Fails if the UTXO already settled — a settled UTXO's receipt is final
// and must never be retracted.
func (s *Store) DeleteUTXO(ctx context.Context, tx *sql.Tx, keychainID primitives.KeychainID, op primitives.OutPoint) (detectedLedgerTxID string, err error) {
	row := queryRowFor(s.db, tx).QueryRowContext(ctx, `
		SELECT utxo_detected_ledger_tx_id, utxo_settled_ledger_tx_id FROM utxos
		WHERE keychain_id = ? AND txid = ? AND vout = ?`,
		keychainID.String(), op.TxID.String(), op.Vout,
	)
	var settled sql.NullString
	if err := row.Scan(&detectedLedgerTxID, &settled); err != nil {
		return "", fmt.Errorf("%w: %s", config.ErrUTXODoesNotExist, op)
	}
	if settled.Valid {
		return "", fmt.Errorf("%w: %s", config.ErrUTXOAlreadySettled, op)
	}

	exec := execFor(s.db, tx)
	if _, err := exec.ExecContext(ctx, `DELETE FROM utxos WHERE keychain_id = ? AND txid = ? AND vout = ?`,
		keychainID.String(), op.TxID.String(), op.Vout); err != nil {
		return "", fmt.Errorf("delete utxo %s: %w", op, err)
	}
	return detectedLedgerTxID, nil
}

// ListForKeychain returns every known UTXO of a keychain regardless of
// state, newly settled or already spent alike — the Wallet Sync
// Reconciler's soft-delete drain pass uses this to notice a
// previously persisted output the chain client no longer reports
// (typically a reorg) so it can be dropped.
func (s *Store) ListForKeychain(ctx context.Context, keychainID primitives.KeychainID) ([]UTXO, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM utxos WHERE keychain_id = ?`, utxoColumns), keychainID.String())
	if err != nil {
		return nil, fmt.Errorf("list utxos for keychain %s: %w", keychainID, err)
	}
	return scanUTXORows(rows)
}

const utxoColumns = `keychain_id, txid, vout, account_id, wallet_id, keychain_kind, address_index,
	address, script_hex, value_sats, detection_block_height, block_height, bdk_spent,
	self_pay, origin_tx_vbytes, origin_tx_fee_sats, sats_per_vbyte_when_created,
	trusted_origin_tx_input_tx_ids, spending_batch_id, utxo_detected_ledger_tx_id,
	utxo_settled_ledger_tx_id, spend_detected_ledger_tx_id, spend_settled_ledger_tx_id, spend_tx_id`

func buildOutpointQuery(keychainID primitives.KeychainID, outpoints []primitives.OutPoint) string {
	conds := ""
	for i, op := range outpoints {
		if i > 0 {
			conds += " OR "
		}
		conds += fmt.Sprintf("(txid = '%s' AND vout = %d)", op.TxID.String(), op.Vout)
	}
	return fmt.Sprintf("SELECT %s FROM utxos WHERE keychain_id = '%s' AND (%s)", utxoColumns, keychainID.String(), conds)
}

func scanUTXORows(rows *sql.Rows) ([]UTXO, error) {
	defer rows.Close()
	var out []UTXO
	for rows.Next() {
		var (
			u                                                        UTXO
			keychainID, txid                                        string
			keychainKind                                             string
			bdkSpent, selfPay                                        int
			ancestorsJSON                                            string
			spendingBatchID, utxoSettled, spendDetected, spendSettled, spendTxID sql.NullString
		)
		if err := rows.Scan(
			&keychainID, &txid, &u.Outpoint.Vout, &u.AccountID, &u.WalletID, &keychainKind, &u.AddressIndex,
			&u.Address, &u.ScriptHex, (*int64)(&u.ValueSats), &u.DetectionBlockHeight, &u.BlockHeight, &bdkSpent,
			&selfPay, &u.OriginTxVBytes, (*int64)(&u.OriginTxFeeSats), &u.SatsPerVByteWhenCreated,
			&ancestorsJSON, &spendingBatchID, &u.UTXODetectedLedgerTxID,
			&utxoSettled, &spendDetected, &spendSettled, &spendTxID,
		); err != nil {
			return nil, fmt.Errorf("scan utxo row: %w", err)
		}
		keychain, err := primitives.ParseKeychainID(keychainID)
		if err != nil {
			return nil, err
		}
		u.KeychainID = keychain
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return nil, fmt.Errorf("scan utxo row: parse txid %q: %w", txid, err)
		}
		u.Outpoint.TxID = *hash
		u.KeychainKind = KeychainKind(keychainKind)
		u.BDKSpent = bdkSpent != 0
		u.SelfPay = selfPay != 0
		if err := json.Unmarshal([]byte(ancestorsJSON), &u.TrustedOriginTxInputTxIDs); err != nil {
			return nil, fmt.Errorf("unmarshal ancestor ids: %w", err)
		}
		if spendingBatchID.Valid {
			b, err := primitives.ParseBatchID(spendingBatchID.String)
			if err != nil {
				return nil, err
			}
			u.SpendingBatchID = &b
		}
		if utxoSettled.Valid {
			v := utxoSettled.String
			u.UTXOSettledLedgerTxID = &v
		}
		if spendDetected.Valid {
			v := spendDetected.String
			u.SpendDetectedLedgerTxID = &v
		}
		if spendSettled.Valid {
			v := spendSettled.String
			u.SpendSettledLedgerTxID = &v
		}
		if spendTxID.Valid {
			v := spendTxID.String
			u.SpendTxID = &v
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func inClause(ids []primitives.KeychainID) (string, []interface{}) {
	placeholders := ""
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id.String()
	}
	return placeholders, args
}

type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type sqlRowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func execFor(db *sql.DB, tx *sql.Tx) sqlExecutor {
	if tx != nil {
		return tx
	}
	return db
}

func queryFor(db *sql.DB, tx *sql.Tx) sqlQuerier {
	if tx != nil {
		return tx
	}
	return db
}

func queryRowFor(db *sql.DB, tx *sql.Tx) sqlRowQuerier {
	if tx != nil {
		return tx
	}
	return db
}
