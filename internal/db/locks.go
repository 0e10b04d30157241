package db

import (
	"context"
	"database/sql"
	"fmt"
)

// WithImmediateTx runs fn inside a transaction that takes SQLite's reserved
// write lock at BEGIN rather than on first write (BEGIN IMMEDIATE). This is
// the substitute for the row-level `SELECT ... FOR UPDATE` locking the
// design calls for in UTXO reservation and ledger posting: SQLite has no
// row locks, so every place that would take one takes the whole-database
// write lock instead. fn's returned error rolls the transaction back; a
// nil return commits.
func (d *DB) WithImmediateTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.immediate.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit immediate tx: %w", err)
	}
	return nil
}
