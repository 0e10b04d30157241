package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fantasim/hdtreasury/internal/api"
	"github.com/Fantasim/hdtreasury/internal/batch"
	"github.com/Fantasim/hdtreasury/internal/chain"
	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/jobs"
	"github.com/Fantasim/hdtreasury/internal/ledger"
	"github.com/Fantasim/hdtreasury/internal/logging"
	"github.com/Fantasim/hdtreasury/internal/outbox"
	"github.com/Fantasim/hdtreasury/internal/payout"
	"github.com/Fantasim/hdtreasury/internal/signing"
	syncreconciler "github.com/Fantasim/hdtreasury/internal/sync"
	"github.com/Fantasim/hdtreasury/internal/utxo"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("hdtreasury %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hdtreasury <command>

Commands:
  serve     Start the treasury core: job scheduler, periodic dispatcher, and ops HTTP server
  version   Print version information
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting hdtreasury",
		"version", version,
		"network", cfg.BlockchainNetwork,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
		"logLevel", cfg.LogLevel,
	)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	slog.Info("database opened", "path", cfg.DBPath)

	if err := database.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("database migrations applied")

	// Run startup provider health checks (non-blocking, logs warnings for failing providers).
	go chain.RunStartupHealthChecks(cfg)

	stores := setupStores(database)
	chainClient, feeEstimator := setupChainClients(cfg)

	signingKey, err := setupSigningKey(cfg)
	if err != nil {
		return err
	}
	signingRegistry := signing.NewRegistry(database.Conn(), signingKey)
	signingCoord := signing.NewCoordinator(signing.NewStore(database.Conn()), signingRegistry)

	syncRec := syncreconciler.NewReconciler(chainClient, stores.utxos, stores.wallets, stores.batches, stores.outboxes, stores.accounts, database)

	sink := setupOutboxSink(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := jobs.NewScheduler(ctx)
	defer sched.Stop()

	handlers := jobs.NewHandlers(cfg, database, chainClient, feeEstimator,
		stores.wallets, stores.utxos, stores.payouts, stores.batches, stores.outboxes, stores.accounts,
		syncRec, signingCoord, signingRegistry, sched, sink)

	dispatcher := jobs.NewDispatcher(handlers)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	slog.Info("job scheduler and periodic dispatcher running")

	router := api.NewRouter(database, cfg, stores.wallets, stores.batches, stores.payouts)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    config.ServerReadTimeout,
		WriteTimeout:   config.ServerWriteTimeout,
		IdleTimeout:    config.ServerIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	slog.Info("server configured",
		"readTimeout", config.ServerReadTimeout,
		"writeTimeout", config.ServerWriteTimeout,
		"idleTimeout", config.ServerIdleTimeout,
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	// 1. Stop taking on new periodic work and cancel the job scheduler's context.
	cancel()
	dispatcher.Stop()
	sched.Stop()
	slog.Info("job scheduler and periodic dispatcher stopped")

	// 2. Shut down the HTTP server with a generous timeout for in-flight requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// treasuryStores bundles every domain store the job handlers and the
// ops router share, so runServe doesn't pass a dozen separate
// constructor results around.
type treasuryStores struct {
	wallets  *wallet.Store
	utxos    *utxo.Store
	payouts  *payout.Store
	batches  *batch.Store
	outboxes *outbox.Store
	accounts *ledger.AccountStore
}

func setupStores(database *db.DB) treasuryStores {
	conn := database.Conn()
	return treasuryStores{
		wallets:  wallet.NewStore(conn),
		utxos:    utxo.NewStore(conn),
		payouts:  payout.NewStore(conn),
		batches:  batch.NewStore(conn),
		outboxes: outbox.NewStore(conn),
		accounts: ledger.NewAccountStore(conn),
	}
}

// setupChainClients builds the Esplora-compatible chain client and fee
// estimator over the configured mempool.space/blockstream providers,
// round-robining and independently circuit-breaking each.
func setupChainClients(cfg *config.Config) (*chain.Client, *chain.FeeEstimator) {
	httpClient := &http.Client{Timeout: config.ChainRequestTimeout}
	providerURLs := []string{cfg.FeesMempoolSpaceURL, cfg.FeesBlockstreamURL}

	chainClient := chain.NewClient(httpClient, providerURLs, config.ChainProviderRPS)
	feeEstimator := chain.NewFeeEstimator(httpClient, cfg.FeesMempoolSpaceURL)

	slog.Info("chain clients configured", "providers", providerURLs)
	return chainClient, feeEstimator
}

func setupSigningKey(cfg *config.Config) (*signing.EncryptionKey, error) {
	if cfg.SignerEncryptionKey == "" {
		return nil, fmt.Errorf("%w: TREASURY_SIGNER_ENCRYPTION_KEY is required to run the signing coordinator", config.ErrInvalidConfig)
	}
	key, err := signing.NewEncryptionKey(cfg.SignerEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("build signer encryption key: %w", err)
	}
	return key, nil
}

func setupOutboxSink(cfg *config.Config) jobs.OutboxSink {
	if cfg.OutboxWebhookURL == "" {
		slog.Info("no outbox webhook configured, delivering events to the log only")
		return outbox.LogSink{}
	}
	slog.Info("outbox webhook configured", "url", cfg.OutboxWebhookURL)
	return outbox.NewWebhookSink(&http.Client{Timeout: cfg.OutboxWebhookTimeout}, cfg.OutboxWebhookURL)
}
