package config

import "time"

// BIP-32 / BIP-84 derivation path constants, kept for the regtest/signet
// key-enrollment helper in internal/wallet.
const (
	BIP84Purpose    = 84 // BIP-84 purpose for Native SegWit (bech32)
	BTCCoinType     = 0  // mainnet coin type
	BTCTestCoinType = 1  // testnet/signet/regtest coin type
)

// Wallet Sync Reconciler bounds (spec.md §4.5).
const (
	MaxTxsPerSync   = 100
	AddressGapLimit = 20
)

// Circuit breaker states, shared by every internal/chain HTTP client.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// CircuitBreakerHalfOpenMax bounds how many probe requests a half-open
// circuit lets through before falling back to open on any failure.
const CircuitBreakerHalfOpenMax = 1

// Chain client defaults.
const (
	HealthCheckTimeout = 5 * time.Second
	FeeEstimateTimeout = 10 * time.Second
	ChainRequestTimeout = 15 * time.Second
	ChainMaxRetries     = 3
	ChainRetryBaseDelay = 1 * time.Second

	MempoolFeeEstimatePath = "/v1/fees/recommended"

	BTCDefaultFeeRate = 10 // sat/vByte, used when both fee providers are unreachable
	BTCMinFeeRate     = 1  // sat/vByte, the network relay floor
)

// Dust and transaction construction defaults, used when a wallet doesn't
// override them (see wallets.dust_threshold_sats in the schema).
const (
	DefaultDustThresholdSats = 546 // P2WPKH dust limit per BIP-doc conventions
	MaxTxWeightUnits         = 400_000
)

// CPFP ancestry policy defaults (spec.md §4.2.2), shared across every
// payout queue that opts in via cpfp_enabled rather than a per-queue
// override — spec.md leaves the exact per-queue thresholds open.
const (
	CPFPMinAncestorAge = 30 * time.Minute
)

// Signing coordinator retry discipline, per spec.md §4.4.
const (
	SigningWarnRetries  = 9
	SigningMaxAttempts  = 25
	SigningMaxRetryDelay = 300 * time.Second
)

// Job scheduler default delays, per spec.md §6.
const (
	JobSyncAllWalletsDelay           = 5 * time.Second
	JobProcessAllPayoutQueuesDelay   = 2 * time.Second
	JobRespawnAllOutboxHandlersDelay = 5 * time.Second
)

// Server
const (
	ServerPort         = 8080
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 60 * time.Second
	ServerIdleTimeout  = 120 * time.Second
	APITimeout         = 30 * time.Second
	ShutdownTimeout    = 15 * time.Second
)

// ChainProviderRPS bounds how many requests per second internal/chain's
// Client sends to any one Esplora-compatible provider.
const ChainProviderRPS = 5

// Logging
const (
	LogDir         = "./logs"
	LogFilePattern = "hdpay-%s-%s.log" // %s = YYYY-MM-DD, %s = level
	LogMaxAgeDays  = 30
)

// Database
const (
	DBPath        = "./data/treasury.sqlite"
	DBTestPath    = "./data/treasury_test.sqlite"
	DBWALMode     = true
	DBBusyTimeout = 5000 // milliseconds
)
