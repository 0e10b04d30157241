package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Store persists payouts and payout queues. Payouts are owned by the
// Payout Queue Processor: only it mutates batch_id/cancellation state.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateQueue inserts a new payout queue.
func (s *Store) CreateQueue(ctx context.Context, q Queue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_queues (
			id, account_id, wallet_id, name, priority, consolidate_deprecated_keychains,
			cpfp_enabled, target_fee_rate_sat_vb, trigger_kind, trigger_interval_seconds, trigger_queue_depth
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		q.ID.String(), q.AccountID.String(), q.WalletID.String(), q.Name,
		string(q.Priority), boolToInt(q.ConsolidateDeprecatedKeychains), boolToInt(q.CPFPEnabled),
		string(q.Trigger.Kind), nullableInt(q.Trigger.IntervalSeconds), nullableInt(q.Trigger.QueueDepth),
	)
	if err != nil {
		return fmt.Errorf("create payout queue %s: %w", q.ID, err)
	}
	return nil
}

// CreatePayout inserts a new payout row; the caller posts the
// payout_submitted ledger transaction in the same DB transaction as
// this insert.
func (s *Store) CreatePayout(ctx context.Context, tx *sql.Tx, p Payout) error {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal payout metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (
			id, account_id, queue_id, destination_address, satoshis,
			external_id, payout_submitted_ledger_tx_id
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AccountID.String(), p.QueueID.String(), p.Destination,
		int64(p.Satoshis), nullableString(p.ExternalID), p.PayoutSubmittedLedgerTxID,
	)
	if err != nil {
		return fmt.Errorf("create payout %s: %w", p.ID, err)
	}
	_ = metadataJSON // metadata is only checked to be JSON-encodable; it is not stored
	return nil
}

// UnbatchedPayouts returns every payout in queueID that is neither
// cancelled nor already claimed by a batch — the candidate set the
// PSBT Builder's coin selector pulls recipients from.
func (s *Store) UnbatchedPayouts(ctx context.Context, queueID primitives.PayoutQueueID) ([]Payout, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, queue_id, destination_address, satoshis, external_id,
			batch_id, payout_submitted_ledger_tx_id, payout_cancelled_ledger_tx_id
		FROM payouts
		WHERE queue_id = ? AND batch_id IS NULL AND payout_cancelled_ledger_tx_id IS NULL`,
		queueID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query unbatched payouts for queue %s: %w", queueID, err)
	}
	defer rows.Close()

	var out []Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DueQueues returns every interval- or queue-depth-triggered queue that
// currently has pending payouts and has crossed its trigger threshold —
// manual-trigger queues are never returned here since they're only ever
// processed by an explicit operator request.
func (s *Store) DueQueues(ctx context.Context) ([]Queue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.account_id, q.wallet_id, q.name, q.priority, q.consolidate_deprecated_keychains,
			q.cpfp_enabled, q.trigger_kind, q.trigger_interval_seconds, q.trigger_queue_depth,
			(SELECT COUNT(*) FROM payouts p WHERE p.queue_id = q.id
				AND p.batch_id IS NULL AND p.payout_cancelled_ledger_tx_id IS NULL) AS pending,
			(SELECT (julianday('now') - julianday(MAX(b.created_at))) * 86400.0
				FROM batches b WHERE b.queue_id = q.id) AS seconds_since_last_batch
		FROM payout_queues q
		WHERE q.trigger_kind IN (?, ?)`,
		string(TriggerInterval), string(TriggerQueueDepth),
	)
	if err != nil {
		return nil, fmt.Errorf("query due payout queues: %w", err)
	}
	defer rows.Close()

	var out []Queue
	for rows.Next() {
		var (
			id, accountID, walletID, triggerKind, priority string
			consolidate, cpfpEnabled                       int
			intervalSeconds, queueDepth                    sql.NullInt64
			pending                                         int64
			secondsSinceLastBatch                           sql.NullFloat64
		)
		var q Queue
		if err := rows.Scan(&id, &accountID, &walletID, &q.Name, &priority, &consolidate, &cpfpEnabled, &triggerKind,
			&intervalSeconds, &queueDepth, &pending, &secondsSinceLastBatch); err != nil {
			return nil, fmt.Errorf("scan payout queue row: %w", err)
		}
		q.Priority = FeePriority(priority)
		q.ConsolidateDeprecatedKeychains = consolidate != 0
		q.CPFPEnabled = cpfpEnabled != 0
		if pending == 0 {
			continue
		}
		q.Trigger.Kind = TriggerKind(triggerKind)
		if intervalSeconds.Valid {
			q.Trigger.IntervalSeconds = int(intervalSeconds.Int64)
		}
		if queueDepth.Valid {
			q.Trigger.QueueDepth = int(queueDepth.Int64)
		}

		due := false
		switch q.Trigger.Kind {
		case TriggerQueueDepth:
			due = pending >= int64(q.Trigger.QueueDepth)
		case TriggerInterval:
			due = !secondsSinceLastBatch.Valid || secondsSinceLastBatch.Float64 >= float64(q.Trigger.IntervalSeconds)
		}
		if !due {
			continue
		}

		qid, err := primitives.ParsePayoutQueueID(id)
		if err != nil {
			return nil, err
		}
		q.ID = qid
		if q.AccountID, err = primitives.ParseAccountID(accountID); err != nil {
			return nil, err
		}
		if q.WalletID, err = primitives.ParseWalletID(walletID); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetQueue loads a single payout queue by id, for a job dispatched with
// only a queue id in hand (schedule_process_payout_queue, process_payout_queue).
func (s *Store) GetQueue(ctx context.Context, id primitives.PayoutQueueID) (Queue, error) {
	var (
		q                                    Queue
		accountID, walletID, priority, kind string
		consolidate, cpfpEnabled             int
		intervalSeconds, queueDepth          sql.NullInt64
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, wallet_id, name, priority, consolidate_deprecated_keychains,
			cpfp_enabled, trigger_kind, trigger_interval_seconds, trigger_queue_depth
		FROM payout_queues WHERE id = ?`, id.String(),
	)
	if err := row.Scan(&accountID, &walletID, &q.Name, &priority, &consolidate,
		&cpfpEnabled, &kind, &intervalSeconds, &queueDepth); err != nil {
		return Queue{}, fmt.Errorf("get payout queue %s: %w", id, err)
	}
	q.ID = id
	q.Priority = FeePriority(priority)
	q.ConsolidateDeprecatedKeychains = consolidate != 0
	q.CPFPEnabled = cpfpEnabled != 0
	q.Trigger.Kind = TriggerKind(kind)
	if intervalSeconds.Valid {
		q.Trigger.IntervalSeconds = int(intervalSeconds.Int64)
	}
	if queueDepth.Valid {
		q.Trigger.QueueDepth = int(queueDepth.Int64)
	}
	var err error
	if q.AccountID, err = primitives.ParseAccountID(accountID); err != nil {
		return Queue{}, err
	}
	if q.WalletID, err = primitives.ParseWalletID(walletID); err != nil {
		return Queue{}, err
	}
	return q, nil
}

// AssignBatch claims a set of payouts for batchID. Must be called
// within the same database transaction that reserves the UTXOs and
// posts the batch_created ledger entries, so a crash mid-build never
// leaves a payout claimed without a corresponding batch.
func (s *Store) AssignBatch(ctx context.Context, tx *sql.Tx, batchID primitives.BatchID, payoutIDs []primitives.PayoutID) error {
	for _, id := range payoutIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE payouts SET batch_id = ? WHERE id = ? AND batch_id IS NULL AND payout_cancelled_ledger_tx_id IS NULL`,
			batchID.String(), id.String(),
		)
		if err != nil {
			return fmt.Errorf("assign payout %s to batch %s: %w", id, batchID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("assign payout %s to batch %s: rows affected: %w", id, batchID, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: payout %s already batched or cancelled", config.ErrPayoutNotMutable, id)
		}
	}
	return nil
}

// Cancel marks a payout cancelled. Fails if the payout is already
// claimed by a batch — per spec.md, a payout is immutable once
// included in a batch.
func (s *Store) Cancel(ctx context.Context, tx *sql.Tx, id primitives.PayoutID, cancelLedgerTxID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE payouts SET payout_cancelled_ledger_tx_id = ?
		WHERE id = ? AND batch_id IS NULL AND payout_cancelled_ledger_tx_id IS NULL`,
		cancelLedgerTxID, id.String(),
	)
	if err != nil {
		return fmt.Errorf("cancel payout %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel payout %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: payout %s already batched or cancelled", config.ErrPayoutNotMutable, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayout(rs rowScanner) (Payout, error) {
	var (
		p               Payout
		accountID       string
		queueID         string
		id              string
		externalID      sql.NullString
		batchID         sql.NullString
		cancelledTxID   sql.NullString
	)
	if err := rs.Scan(&id, &accountID, &queueID, &p.Destination, &p.Satoshis, &externalID,
		&batchID, &p.PayoutSubmittedLedgerTxID, &cancelledTxID); err != nil {
		return Payout{}, fmt.Errorf("scan payout row: %w", err)
	}

	pid, err := primitives.ParsePayoutID(id)
	if err != nil {
		return Payout{}, fmt.Errorf("parse payout id %q: %w", id, err)
	}
	p.ID = pid

	aid, err := primitives.ParseAccountID(accountID)
	if err != nil {
		return Payout{}, fmt.Errorf("parse account id %q: %w", accountID, err)
	}
	p.AccountID = aid

	qid, err := primitives.ParsePayoutQueueID(queueID)
	if err != nil {
		return Payout{}, fmt.Errorf("parse queue id %q: %w", queueID, err)
	}
	p.QueueID = qid

	if externalID.Valid {
		p.ExternalID = externalID.String
	}
	if batchID.Valid {
		bid, err := primitives.ParseBatchID(batchID.String)
		if err != nil {
			return Payout{}, fmt.Errorf("parse batch id %q: %w", batchID.String, err)
		}
		p.BatchID = &bid
	}
	if cancelledTxID.Valid {
		p.PayoutCancelledLedgerTxID = &cancelledTxID.String
	}
	return p, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
