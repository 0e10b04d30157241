package signing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Store persists signing sessions, one row per (batch, xpub).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts a new Initialized session for an xpub that
// has not yet been asked to sign this batch.
func (s *Store) CreateSession(ctx context.Context, tx *sql.Tx, sess Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO signing_sessions (id, batch_id, xpub_id, signer_id, status)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID.String(), sess.BatchID.String(), sess.XpubID.String(), sess.SignerID, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("create signing session %s: %w", sess.ID, err)
	}
	return nil
}

// ForBatch returns every session for a batch, across every xpub.
func (s *Store) ForBatch(ctx context.Context, batchID primitives.BatchID) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, xpub_id, signer_id, status, signed_psbt, failure_reason
		FROM signing_sessions WHERE batch_id = ?`, batchID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query signing sessions for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                     Session
			id, bid, xid             string
			status                   string
			signedPSBT               []byte
			failureReason            sql.NullString
		)
		if err := rows.Scan(&id, &bid, &xid, &sess.SignerID, &status, &signedPSBT, &failureReason); err != nil {
			return nil, fmt.Errorf("scan signing session row: %w", err)
		}
		if sess.ID, err = primitives.ParseSigningSessionID(id); err != nil {
			return nil, err
		}
		if sess.BatchID, err = primitives.ParseBatchID(bid); err != nil {
			return nil, err
		}
		if sess.XpubID, err = primitives.ParseXpubID(xid); err != nil {
			return nil, err
		}
		sess.Status = Status(status)
		sess.SignedPSBT = signedPSBT
		if failureReason.Valid {
			sess.FailureReason = failureReason.String
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// MarkSigned records a successful signing round for one session.
func (s *Store) MarkSigned(ctx context.Context, tx *sql.Tx, id primitives.SigningSessionID, signedPSBT []byte) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE signing_sessions SET status = ?, signed_psbt = ?, failure_reason = NULL, completed_at = datetime('now')
		WHERE id = ?`,
		string(StatusSigned), signedPSBT, id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark signing session %s signed: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed signing attempt without closing the
// door on a future retry (a session may re-enter signing after
// Failed once its xpub's config appears, per spec.md §4.4).
func (s *Store) MarkFailed(ctx context.Context, tx *sql.Tx, id primitives.SigningSessionID, reason FailureReason) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE signing_sessions SET status = ?, failure_reason = ? WHERE id = ?`,
		string(StatusFailed), string(reason), id.String(),
	)
	if err != nil {
		return fmt.Errorf("mark signing session %s failed: %w", id, err)
	}
	return nil
}
