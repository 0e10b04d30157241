package signing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Fantasim/hdtreasury/internal/config"
)

// EncryptionKey wraps the process-wide signer-encryption key
// (config.Config.SignerEncryptionKey) used to seal/open every
// signer's connection config (host, credentials, TLS material)
// before it touches the database.
type EncryptionKey struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// NewEncryptionKey parses the hex-encoded 32-byte key produced by
// config.Config.SignerEncryptionKey.
func NewEncryptionKey(hexKey string) (*EncryptionKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode signer encryption key: %w", err)
	}
	aead, err := chacha20poly1305.New(raw)
	if err != nil {
		return nil, fmt.Errorf("init chacha20poly1305: %w", err)
	}
	return &EncryptionKey{aead: aead}, nil
}

// Encrypt seals plaintext, prefixing the result with a random nonce.
func (k *EncryptionKey) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (k *EncryptionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := k.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", config.ErrInvalidConfig)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt signer config: %w", err)
	}
	return plaintext, nil
}
