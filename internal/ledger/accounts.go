package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// AccountStore persists ledger accounts and computes derived balances.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// CreateAccount inserts a new named ledger account, e.g. "WALLET_<id>_FEE".
func (s *AccountStore) CreateAccount(ctx context.Context, tx *sql.Tx, code, name string) (primitives.LedgerAccountID, error) {
	id := primitives.NewLedgerAccountID()
	exec := dbExecFor(s.db, tx)
	_, err := exec.ExecContext(ctx, `INSERT INTO ledger_accounts (id, code, name) VALUES (?, ?, ?)`, id.String(), code, name)
	if err != nil {
		return primitives.LedgerAccountID{}, fmt.Errorf("create ledger account %q: %w", code, err)
	}
	return id, nil
}

// CreateWalletAccounts creates the seven per-wallet accounts plus the dust
// account named in spec.md §3, all within the given transaction so a
// wallet never exists with a partial account set.
func (s *AccountStore) CreateWalletAccounts(ctx context.Context, tx *sql.Tx, walletID primitives.WalletID) (WalletAccountSet, error) {
	prefix := "WALLET_" + walletID.String()
	var (
		set WalletAccountSet
		err error
	)
	if set.OnchainIncoming, err = s.CreateAccount(ctx, tx, prefix+"_ONCHAIN_INCOMING", "onchain incoming"); err != nil {
		return set, err
	}
	if set.OnchainAtRest, err = s.CreateAccount(ctx, tx, prefix+"_ONCHAIN_AT_REST", "onchain at rest"); err != nil {
		return set, err
	}
	if set.OnchainOutgoing, err = s.CreateAccount(ctx, tx, prefix+"_ONCHAIN_OUTGOING", "onchain outgoing"); err != nil {
		return set, err
	}
	if set.EffectiveIncoming, err = s.CreateAccount(ctx, tx, prefix+"_EFFECTIVE_INCOMING", "effective incoming"); err != nil {
		return set, err
	}
	if set.EffectiveAtRest, err = s.CreateAccount(ctx, tx, prefix+"_EFFECTIVE_AT_REST", "effective at rest"); err != nil {
		return set, err
	}
	if set.EffectiveOutgoing, err = s.CreateAccount(ctx, tx, prefix+"_EFFECTIVE_OUTGOING", "effective outgoing"); err != nil {
		return set, err
	}
	if set.Fee, err = s.CreateAccount(ctx, tx, prefix+"_FEE", "fee reserve"); err != nil {
		return set, err
	}
	if set.Dust, err = s.CreateAccount(ctx, tx, prefix+"_DUST", "dust"); err != nil {
		return set, err
	}
	return set, nil
}

// GetOrCreateAccountByCode returns the id of the ledger account
// registered under code, creating it first if this is the first call —
// used for shared, non-wallet-scoped accounts such as the per-network
// onchain fee pool that every wallet's spend_detected/utxo_detected
// postings debit and credit against.
func (s *AccountStore) GetOrCreateAccountByCode(ctx context.Context, tx *sql.Tx, code, name string) (primitives.LedgerAccountID, error) {
	var idStr string
	err := dbQueryRowFor(s.db, tx).QueryRowContext(ctx, `SELECT id FROM ledger_accounts WHERE code = ?`, code).Scan(&idStr)
	if err == nil {
		return primitives.ParseLedgerAccountID(idStr)
	}
	if err != sql.ErrNoRows {
		return primitives.LedgerAccountID{}, fmt.Errorf("look up ledger account %q: %w", code, err)
	}
	return s.CreateAccount(ctx, tx, code, name)
}

// WalletSummary computes the derived per-wallet summary from spec.md
// §4.3: current settled at-rest balance, pending in/out, and encumbered
// fees/outgoing.
func (s *AccountStore) WalletSummary(ctx context.Context, accounts WalletAccountSet) (WalletBalanceSummary, error) {
	var summary WalletBalanceSummary
	var err error
	if summary.CurrentSettled, err = s.layerBalance(ctx, accounts.EffectiveAtRest, LayerSettled); err != nil {
		return summary, err
	}
	if summary.PendingIncoming, err = s.layerBalance(ctx, accounts.EffectiveIncoming, LayerPending); err != nil {
		return summary, err
	}
	if summary.PendingOutgoing, err = s.layerBalance(ctx, accounts.EffectiveOutgoing, LayerPending); err != nil {
		return summary, err
	}
	fee, err := s.layerBalance(ctx, accounts.Fee, LayerEncumbered)
	if err != nil {
		return summary, err
	}
	summary.EncumberedFees = -fee
	if summary.EncumberedOutgoing, err = s.layerBalance(ctx, accounts.EffectiveOutgoing, LayerEncumbered); err != nil {
		return summary, err
	}
	return summary, nil
}

// layerBalance sums debits minus credits for an account within one layer —
// a positive result means the account is net debited (asset-side up).
func (s *AccountStore) layerBalance(ctx context.Context, accountID primitives.LedgerAccountID, layer Layer) (primitives.Satoshis, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(CASE WHEN direction = 'debit' THEN units_sats ELSE -units_sats END)
		FROM ledger_entries WHERE ledger_account_id = ? AND layer = ?`,
		accountID.String(), string(layer),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("compute %s balance for account %s: %w", layer, accountID, err)
	}
	return primitives.Satoshis(total.Int64), nil
}

func dbExecFor(db *sql.DB, tx *sql.Tx) interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return db
}

func dbQueryRowFor(db *sql.DB, tx *sql.Tx) interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
} {
	if tx != nil {
		return tx
	}
	return db
}
