package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment
// variables, following spec.md §6's recognized option list.
type Config struct {
	DBPath   string `envconfig:"TREASURY_DB_PATH" default:"./data/treasury.sqlite"`
	Port     int    `envconfig:"TREASURY_PORT" default:"8080"`
	LogLevel string `envconfig:"TREASURY_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"TREASURY_LOG_DIR" default:"./logs"`

	BlockchainNetwork    string `envconfig:"TREASURY_BLOCKCHAIN_NETWORK" default:"regtest"`
	BlockchainElectrumURL string `envconfig:"TREASURY_BLOCKCHAIN_ELECTRUM_URL" default:"127.0.0.1:50001"`

	JobsSyncAllWalletsDelay           time.Duration `envconfig:"TREASURY_JOBS_SYNC_ALL_WALLETS_DELAY" default:"5s"`
	JobsProcessAllPayoutQueuesDelay   time.Duration `envconfig:"TREASURY_JOBS_PROCESS_ALL_PAYOUT_QUEUES_DELAY" default:"2s"`
	JobsRespawnAllOutboxHandlersDelay time.Duration `envconfig:"TREASURY_JOBS_RESPAWN_ALL_OUTBOX_HANDLERS_DELAY" default:"5s"`
	JobsSigningWarnRetries            int           `envconfig:"TREASURY_JOBS_SIGNING_WARN_RETRIES" default:"9"`
	JobsSigningMaxAttempts            int           `envconfig:"TREASURY_JOBS_SIGNING_MAX_ATTEMPTS" default:"25"`
	JobsSigningMaxRetryDelay          time.Duration `envconfig:"TREASURY_JOBS_SIGNING_MAX_RETRY_DELAY" default:"300s"`

	FeesMempoolSpaceURL            string        `envconfig:"TREASURY_FEES_MEMPOOL_SPACE_URL" default:"https://mempool.space/api"`
	FeesMempoolSpaceTimeout        time.Duration `envconfig:"TREASURY_FEES_MEMPOOL_SPACE_TIMEOUT" default:"10s"`
	FeesMempoolSpaceNumberOfRetries int          `envconfig:"TREASURY_FEES_MEMPOOL_SPACE_RETRIES" default:"3"`
	FeesBlockstreamURL              string        `envconfig:"TREASURY_FEES_BLOCKSTREAM_URL" default:"https://blockstream.info/api"`
	FeesBlockstreamTimeout          time.Duration `envconfig:"TREASURY_FEES_BLOCKSTREAM_TIMEOUT" default:"10s"`
	FeesBlockstreamNumberOfRetries  int           `envconfig:"TREASURY_FEES_BLOCKSTREAM_RETRIES" default:"3"`

	// SignerEncryptionKey is a 32-byte hex-encoded ChaCha20-Poly1305 key
	// used to encrypt per-xpub signer configuration at rest. Required in
	// any environment that registers a signer (spec.md §4.4).
	SignerEncryptionKey string `envconfig:"TREASURY_SIGNER_ENCRYPTION_KEY"`

	// OutboxWebhookURL, when set, makes populate_outbox and
	// respawn_all_outbox_handlers POST each event there instead of only
	// logging it.
	OutboxWebhookURL     string        `envconfig:"TREASURY_OUTBOX_WEBHOOK_URL"`
	OutboxWebhookTimeout time.Duration `envconfig:"TREASURY_OUTBOX_WEBHOOK_TIMEOUT" default:"10s"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validNetworks are the four chain modes spec.md §6 recognizes.
var validNetworks = map[string]bool{
	"bitcoin": true,
	"testnet": true,
	"signet":  true,
	"regtest": true,
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if !validNetworks[c.BlockchainNetwork] {
		return fmt.Errorf("%w: blockchain.network must be one of bitcoin/testnet/signet/regtest, got %q", ErrInvalidConfig, c.BlockchainNetwork)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.SignerEncryptionKey != "" && len(c.SignerEncryptionKey) != 64 {
		return fmt.Errorf("%w: signer_encryption.key must be 32 bytes hex-encoded (64 chars), got %d", ErrInvalidConfig, len(c.SignerEncryptionKey))
	}
	return nil
}
