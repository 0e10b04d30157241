package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// entrySetBuilder is implemented by every template's Params type.
type entrySetBuilder interface {
	entries() []entrySpec
}

// Reconciler posts ledger transactions atomically and idempotently. It
// holds no state of its own — every call opens (or reuses) a database
// transaction, so concurrent postings serialize on SQLite's write lock
// rather than on any in-process mutex.
type Reconciler struct {
	conn dbExecutor
}

// dbExecutor is satisfied by *sql.DB and *sql.Tx; Post accepts either so
// callers can fold a posting into a larger surrounding transaction (e.g.
// batch creation, which posts batch_created in the same transaction that
// reserves UTXOs).
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func NewReconciler(conn dbExecutor) *Reconciler {
	return &Reconciler{conn: conn}
}

// Post records a ledger transaction for the given template and
// correlation id. If a transaction with the same (template_code,
// correlation_id) already exists, Post is a no-op and returns the existing
// transaction's id — this is the idempotent-posting guarantee spec.md §4.3
// requires of every template.
func (r *Reconciler) Post(ctx context.Context, code TemplateCode, correlationID string, params entrySetBuilder, effective time.Time, metadata map[string]any) (primitives.LedgerTransactionID, error) {
	entries := params.entries()
	if err := validateBalanced(entries); err != nil {
		return primitives.LedgerTransactionID{}, fmt.Errorf("post %s/%s: %w", code, correlationID, err)
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return primitives.LedgerTransactionID{}, fmt.Errorf("marshal metadata for %s/%s: %w", code, correlationID, err)
	}

	txnID := primitives.NewLedgerTransactionID()
	_, err = r.conn.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, template_code, correlation_id, metadata_json, effective_date) VALUES (?, ?, ?, ?, ?)`,
		txnID.String(), string(code), correlationID, string(metaJSON), effective.UTC().Format("2006-01-02"),
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := r.findExisting(ctx, code, correlationID)
			if lookupErr != nil {
				return primitives.LedgerTransactionID{}, fmt.Errorf("post %s/%s: lookup existing after conflict: %w", code, correlationID, lookupErr)
			}
			slog.Debug("ledger posting already exists, skipping", "template", code, "correlation_id", correlationID)
			return existing, nil
		}
		return primitives.LedgerTransactionID{}, fmt.Errorf("%w: insert ledger transaction %s/%s: %v", config.ErrLedgerMismatch, code, correlationID, err)
	}

	for _, spec := range entries {
		entry := spec.resolve()
		entryID := uuid.New().String()
		_, err := r.conn.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, ledger_transaction_id, ledger_account_id, entry_type, direction, layer, units_sats) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entryID, txnID.String(), entry.LedgerAccountID.String(), entry.EntryType, string(entry.Direction), string(entry.Layer), int64(entry.UnitsSats),
		)
		if err != nil {
			return primitives.LedgerTransactionID{}, fmt.Errorf("%w: insert entry %s for %s/%s: %v", config.ErrLedgerMismatch, entry.EntryType, code, correlationID, err)
		}
	}

	slog.Info("posted ledger transaction", "template", code, "correlation_id", correlationID, "entries", len(entries))
	return txnID, nil
}

func (r *Reconciler) findExisting(ctx context.Context, code TemplateCode, correlationID string) (primitives.LedgerTransactionID, error) {
	var idStr string
	err := r.conn.QueryRowContext(ctx,
		`SELECT id FROM ledger_transactions WHERE template_code = ? AND correlation_id = ?`,
		string(code), correlationID,
	).Scan(&idStr)
	if err != nil {
		return primitives.LedgerTransactionID{}, err
	}
	return primitives.ParseLedgerTransactionID(idStr)
}

// validateBalanced enforces spec.md §4.3's invariant that every template
// balances debits and credits within each layer.
func validateBalanced(entries []entrySpec) error {
	totals := map[Layer]primitives.Satoshis{}
	for _, e := range entries {
		signed := e.units
		if e.direction == Credit {
			signed = -signed
		}
		totals[e.layer] += signed
	}
	for layer, total := range totals {
		if total != 0 {
			return fmt.Errorf("%w: layer %s debits/credits differ by %d sats", config.ErrLedgerUnbalancedTemplate, layer, total)
		}
	}
	return nil
}

// isUniqueViolation detects a UNIQUE constraint failure from
// modernc.org/sqlite, which reports it as a plain error whose message
// starts with "constraint failed: UNIQUE constraint failed". There is no
// typed sentinel exported by the driver for this, so string matching is
// the pragmatic way to distinguish it from other failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
