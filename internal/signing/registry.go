package signing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// Registry resolves a RemoteSigner from the signers table, decrypting
// each row's connection config with the process-wide EncryptionKey. It
// implements SignerResolver for the Coordinator.
type Registry struct {
	db  *sql.DB
	key *EncryptionKey
}

func NewRegistry(db *sql.DB, key *EncryptionKey) *Registry {
	return &Registry{db: db, key: key}
}

// SignerIDForXpub returns the id of the signer currently registered for
// xpubID, for EnsureSessions to stamp onto a freshly created session row.
func (r *Registry) SignerIDForXpub(ctx context.Context, xpubID primitives.XpubID) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM signers WHERE xpub_id = ?`, xpubID.String()).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: xpub %s", config.ErrSignerConfigMissing, xpubID)
	}
	if err != nil {
		return "", fmt.Errorf("lookup signer for xpub %s: %w", xpubID, err)
	}
	return id, nil
}

// ResolveSigner looks up xpubID's currently configured signer row,
// decrypts its connection config, and builds the matching RemoteSigner.
func (r *Registry) ResolveSigner(ctx context.Context, xpubID primitives.XpubID) (RemoteSigner, error) {
	var kind string
	var encrypted []byte
	err := r.db.QueryRowContext(ctx, `SELECT kind, encrypted_config FROM signers WHERE xpub_id = ?`, xpubID.String()).Scan(&kind, &encrypted)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: xpub %s", config.ErrSignerConfigMissing, xpubID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup signer for xpub %s: %w", xpubID, err)
	}

	plaintext, err := r.key.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt signer config for xpub %s: %w", xpubID, err)
	}

	switch SignerKind(kind) {
	case SignerKindLnd:
		var cfg LndConfig
		if err := json.Unmarshal(plaintext, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal lnd signer config for xpub %s: %w", xpubID, err)
		}
		return NewLnd(cfg), nil
	case SignerKindBitcoind:
		var cfg BitcoindConfig
		if err := json.Unmarshal(plaintext, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal bitcoind signer config for xpub %s: %w", xpubID, err)
		}
		return NewBitcoind(cfg), nil
	default:
		return nil, fmt.Errorf("unknown signer kind %q for xpub %s", kind, xpubID)
	}
}

// RegisterSigner encrypts cfg and inserts a new signers row for xpubID,
// replacing whichever signer was previously configured for it.
func (r *Registry) RegisterSigner(ctx context.Context, id, label string, kind SignerKind, xpubID primitives.XpubID, cfg any) error {
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal signer config: %w", err)
	}
	ciphertext, err := r.key.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt signer config: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO signers (id, label, kind, xpub_id, encrypted_config) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (xpub_id) DO UPDATE SET label = excluded.label, kind = excluded.kind, encrypted_config = excluded.encrypted_config`,
		id, label, string(kind), xpubID.String(), ciphertext,
	)
	if err != nil {
		return fmt.Errorf("register signer %s for xpub %s: %w", id, xpubID, err)
	}
	return nil
}
