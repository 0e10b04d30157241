package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/ledger"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Wallet is one custody wallet: a set of keychains sharing one
// account's ledger accounts and settlement policy.
type Wallet struct {
	ID                      primitives.WalletID
	AccountID                primitives.AccountID
	Name                    string
	Network                 string
	DustThresholdSats       primitives.Satoshis
	SettleIncomeAfterNConfs int64
	SettleChangeAfterNConfs int64
	Accounts                ledger.WalletAccountSet
}

// Keychain is one descriptor pair (external/internal) belonging to a
// wallet. A wallet may carry more than one keychain across its
// lifetime: rotating to a fresh xpub deprecates the old one without
// abandoning its still-unspent outputs.
type Keychain struct {
	ID                 primitives.KeychainID
	WalletID           primitives.WalletID
	XpubID             primitives.XpubID
	ExternalDescriptor string
	InternalDescriptor string
	NextExternalIndex  uint32
	NextInternalIndex  uint32
	Deprecated         bool
}

// Store persists wallets, keychains, and the derived addresses the
// Wallet Sync Reconciler watches.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListWalletIDs returns every wallet id, for the sync_all_wallets job
// to fan out a sync_wallet job per wallet.
func (s *Store) ListWalletIDs(ctx context.Context) ([]primitives.WalletID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("list wallet ids: %w", err)
	}
	defer rows.Close()

	var out []primitives.WalletID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("scan wallet id: %w", err)
		}
		id, err := primitives.ParseWalletID(idStr)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) GetWallet(ctx context.Context, id primitives.WalletID) (Wallet, error) {
	var w Wallet
	var accountID string
	var onchainIn, onchainRest, onchainOut, effIn, effRest, effOut, fee, dust string
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, name, network, dust_threshold_sats, settle_income_after_n_confs,
			settle_change_after_n_confs, onchain_incoming_account_id, onchain_at_rest_account_id,
			onchain_outgoing_account_id, effective_incoming_account_id, effective_at_rest_account_id,
			effective_outgoing_account_id, fee_account_id, dust_account_id
		FROM wallets WHERE id = ?`, id.String(),
	)
	var dustSats int64
	if err := row.Scan(&accountID, &w.Name, &w.Network, &dustSats, &w.SettleIncomeAfterNConfs,
		&w.SettleChangeAfterNConfs, &onchainIn, &onchainRest, &onchainOut, &effIn, &effRest, &effOut, &fee, &dust,
	); err != nil {
		if err == sql.ErrNoRows {
			return Wallet{}, fmt.Errorf("%w: %s", config.ErrWalletNotFound, id)
		}
		return Wallet{}, fmt.Errorf("get wallet %s: %w", id, err)
	}

	w.ID = id
	w.DustThresholdSats = primitives.Satoshis(dustSats)
	var err error
	if w.AccountID, err = primitives.ParseAccountID(accountID); err != nil {
		return Wallet{}, err
	}
	ids := map[string]*primitives.LedgerAccountID{
		onchainIn: &w.Accounts.OnchainIncoming, onchainRest: &w.Accounts.OnchainAtRest, onchainOut: &w.Accounts.OnchainOutgoing,
		effIn: &w.Accounts.EffectiveIncoming, effRest: &w.Accounts.EffectiveAtRest, effOut: &w.Accounts.EffectiveOutgoing,
		fee: &w.Accounts.Fee, dust: &w.Accounts.Dust,
	}
	for raw, dst := range ids {
		parsed, err := primitives.ParseLedgerAccountID(raw)
		if err != nil {
			return Wallet{}, err
		}
		*dst = parsed
	}
	return w, nil
}

// KeychainsForWallet returns every keychain of a wallet, deprecated
// ones included — the reconciler must keep watching a deprecated
// keychain's addresses until every one of its UTXOs is spent.
func (s *Store) KeychainsForWallet(ctx context.Context, walletID primitives.WalletID) ([]Keychain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, xpub_id, external_descriptor, internal_descriptor, next_external_index,
			next_internal_index, deprecated
		FROM keychains WHERE wallet_id = ?`, walletID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("keychains for wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	var out []Keychain
	for rows.Next() {
		var k Keychain
		var id, xpubID string
		var deprecated int
		if err := rows.Scan(&id, &xpubID, &k.ExternalDescriptor, &k.InternalDescriptor,
			&k.NextExternalIndex, &k.NextInternalIndex, &deprecated); err != nil {
			return nil, fmt.Errorf("scan keychain row: %w", err)
		}
		if k.ID, err = primitives.ParseKeychainID(id); err != nil {
			return nil, err
		}
		if k.XpubID, err = primitives.ParseXpubID(xpubID); err != nil {
			return nil, err
		}
		k.WalletID = walletID
		k.Deprecated = deprecated != 0
		out = append(out, k)
	}
	return out, rows.Err()
}

// EnsureAddress records a derived address the first time the
// reconciler sees it referenced by a chain scan, per spec.md §4.5
// step 2's "create address record if new". A no-op on repeat sync
// passes.
func (s *Store) EnsureAddress(ctx context.Context, tx *sql.Tx, keychainID primitives.KeychainID, branch string, index uint32, address string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO addresses (keychain_id, branch, idx, address) VALUES (?, ?, ?, ?)
		ON CONFLICT (keychain_id, branch, idx) DO NOTHING`,
		keychainID.String(), branch, index, address,
	)
	if err != nil {
		return fmt.Errorf("ensure address %s: %w", address, err)
	}
	return nil
}

// AdvanceIndex bumps a keychain's next_external_index or
// next_internal_index forward after the reconciler derives a fresh
// batch of look-ahead addresses, so the next sync pass doesn't
// re-derive and re-insert the same range.
func (s *Store) AdvanceIndex(ctx context.Context, tx *sql.Tx, keychainID primitives.KeychainID, branch string, newIndex uint32) error {
	column := "next_external_index"
	if branch == "internal" {
		column = "next_internal_index"
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE keychains SET %s = ? WHERE id = ? AND %s < ?`, column, column),
		newIndex, keychainID.String(), newIndex,
	)
	if err != nil {
		return fmt.Errorf("advance %s index for keychain %s: %w", branch, keychainID, err)
	}
	return nil
}

// GetKeychain loads a single keychain by id, for the job scheduler to
// resolve which xpub a batch's signing keychain belongs to.
func (s *Store) GetKeychain(ctx context.Context, id primitives.KeychainID) (Keychain, error) {
	var k Keychain
	var walletID, xpubID string
	var deprecated int
	row := s.db.QueryRowContext(ctx, `
		SELECT wallet_id, xpub_id, external_descriptor, internal_descriptor, next_external_index,
			next_internal_index, deprecated
		FROM keychains WHERE id = ?`, id.String(),
	)
	if err := row.Scan(&walletID, &xpubID, &k.ExternalDescriptor, &k.InternalDescriptor,
		&k.NextExternalIndex, &k.NextInternalIndex, &deprecated); err != nil {
		return Keychain{}, fmt.Errorf("get keychain %s: %w", id, err)
	}
	k.ID = id
	k.Deprecated = deprecated != 0
	var err error
	if k.WalletID, err = primitives.ParseWalletID(walletID); err != nil {
		return Keychain{}, err
	}
	if k.XpubID, err = primitives.ParseXpubID(xpubID); err != nil {
		return Keychain{}, err
	}
	return k, nil
}

// GetXpub returns the base58-encoded extended public key and network
// registered under xpubID, for the reconciler's address derivation.
func (s *Store) GetXpub(ctx context.Context, xpubID primitives.XpubID) (xpub string, network string, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT xpub, network FROM xpubs WHERE id = ?`, xpubID.String())
	if err := row.Scan(&xpub, &network); err != nil {
		return "", "", fmt.Errorf("get xpub %s: %w", xpubID, err)
	}
	return xpub, network, nil
}

// AddressesForWallet lists every address derived so far across every
// keychain of a wallet, for the reconciler to scan against the chain
// client.
func (s *Store) AddressesForWallet(ctx context.Context, walletID primitives.WalletID) ([]AddressOwner, []string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.keychain_id, a.branch, a.idx, a.address FROM addresses a
		JOIN keychains k ON k.id = a.keychain_id
		WHERE k.wallet_id = ?`, walletID.String(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("addresses for wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	var owners []AddressOwner
	var addresses []string
	for rows.Next() {
		var keychainID, branch, address string
		var idx uint32
		if err := rows.Scan(&keychainID, &branch, &idx, &address); err != nil {
			return nil, nil, fmt.Errorf("scan address row: %w", err)
		}
		kid, err := primitives.ParseKeychainID(keychainID)
		if err != nil {
			return nil, nil, err
		}
		owners = append(owners, AddressOwner{KeychainID: kid, WalletID: walletID, Branch: branch, Index: idx})
		addresses = append(addresses, address)
	}
	return owners, addresses, rows.Err()
}

// AddressOwner is the keychain-side identity of one of our addresses,
// resolved by ResolveAddress for spend/receipt classification.
type AddressOwner struct {
	KeychainID primitives.KeychainID
	WalletID   primitives.WalletID
	Branch     string
	Index      uint32
}

// ResolveAddress reports whether address belongs to one of the given
// wallet's keychains, and if so which one — the reconciler calls this
// for every input and output of a newly-seen transaction to classify
// it as ours.
func (s *Store) ResolveAddress(ctx context.Context, walletID primitives.WalletID, address string) (AddressOwner, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT a.keychain_id, a.branch, a.idx FROM addresses a
		JOIN keychains k ON k.id = a.keychain_id
		WHERE k.wallet_id = ? AND a.address = ?`, walletID.String(), address,
	)
	var keychainID, branch string
	var idx uint32
	if err := row.Scan(&keychainID, &branch, &idx); err != nil {
		if err == sql.ErrNoRows {
			return AddressOwner{}, false, nil
		}
		return AddressOwner{}, false, fmt.Errorf("resolve address %s: %w", address, err)
	}
	kid, err := primitives.ParseKeychainID(keychainID)
	if err != nil {
		return AddressOwner{}, false, err
	}
	return AddressOwner{KeychainID: kid, WalletID: walletID, Branch: branch, Index: idx}, true, nil
}
