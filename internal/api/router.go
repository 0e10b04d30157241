package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/hdtreasury/internal/api/handlers"
	"github.com/Fantasim/hdtreasury/internal/api/middleware"
	"github.com/Fantasim/hdtreasury/internal/batch"
	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/payout"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter creates and configures the Chi router for the treasury
// process's ops surface: a health check plus read/write endpoints over
// wallets, batches, and payout queues for an operator or upstream
// service to drive payout intake and inspect in-flight state.
func NewRouter(database *db.DB, cfg *config.Config, wallets *wallet.Store, batches *batch.Store, payouts *payout.Store) chi.Router {
	r := chi.NewRouter()

	// Middleware stack (order matters)
	r.Use(middleware.RequestLogging)
	r.Use(middleware.HostCheck)
	r.Use(middleware.CORS)
	r.Use(middleware.CSRF)

	slog.Info("router initialized",
		"middleware", []string{"requestLogging", "hostCheck", "cors", "csrf"},
	)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.HealthHandler(cfg, Version))

		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", handlers.ListWallets(wallets))
			r.Get("/{id}", handlers.GetWallet(wallets))
		})

		r.Route("/batches", func(r chi.Router) {
			r.Get("/{id}", handlers.GetBatch(batches))
		})

		r.Route("/payout-queues", func(r chi.Router) {
			r.Get("/{id}", handlers.GetPayoutQueue(payouts))
			r.Post("/{id}/payouts", handlers.CreatePayout(database, payouts, wallets))
		})
	})

	return r
}
