package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/payout"
	"github.com/Fantasim/hdtreasury/internal/primitives"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

func setupTreasuryTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "treasury_handlers_test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return database
}

// seedTreasuryWallet inserts a minimal wallet row directly, mirroring
// internal/payout's own store_test.go seeding helper since neither
// package exposes a wallet-creation API — wallets are provisioned by
// migration-time fixtures or an operator tool outside this handler's
// scope.
func seedTreasuryWallet(t *testing.T, database *db.DB) (primitives.AccountID, primitives.WalletID) {
	t.Helper()
	accountID := primitives.NewAccountID()
	walletID := primitives.NewWalletID()

	if _, err := database.Conn().Exec(`INSERT INTO wallets (id, account_id, name, network, dust_threshold_sats,
		settle_income_after_n_confs, settle_change_after_n_confs,
		onchain_incoming_account_id, onchain_at_rest_account_id, onchain_outgoing_account_id,
		effective_incoming_account_id, effective_at_rest_account_id, effective_outgoing_account_id,
		fee_account_id, dust_account_id)
		VALUES (?, ?, 'test wallet', 'regtest', 546, 1, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		walletID.String(), accountID.String(),
		primitives.NewLedgerAccountID().String(), primitives.NewLedgerAccountID().String(), primitives.NewLedgerAccountID().String(),
		primitives.NewLedgerAccountID().String(), primitives.NewLedgerAccountID().String(), primitives.NewLedgerAccountID().String(),
		primitives.NewLedgerAccountID().String(), primitives.NewLedgerAccountID().String(),
	); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return accountID, walletID
}

func TestListWallets(t *testing.T) {
	database := setupTreasuryTestDB(t)
	_, walletID := seedTreasuryWallet(t, database)

	r := chi.NewRouter()
	r.Get("/api/wallets", ListWallets(wallet.NewStore(database.Conn())))

	req := httptest.NewRequest(http.MethodGet, "/api/wallets", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", w.Code, w.Body.String())
	}
	var ids []string
	if err := json.Unmarshal(w.Body.Bytes(), &ids); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(ids) != 1 || ids[0] != walletID.String() {
		t.Fatalf("ids = %v, want [%s]", ids, walletID)
	}
}

func TestGetWalletNotFound(t *testing.T) {
	database := setupTreasuryTestDB(t)

	r := chi.NewRouter()
	r.Get("/api/wallets/{id}", GetWallet(wallet.NewStore(database.Conn())))

	req := httptest.NewRequest(http.MethodGet, "/api/wallets/"+primitives.NewWalletID().String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body = %s", w.Code, w.Body.String())
	}
}

func TestCreatePayoutRejectsMissingFields(t *testing.T) {
	database := setupTreasuryTestDB(t)
	_, walletID := seedTreasuryWallet(t, database)

	accountID := primitives.NewAccountID()
	queueID := primitives.NewPayoutQueueID()
	payouts := payout.NewStore(database.Conn())
	q := payout.Queue{
		ID: queueID, AccountID: accountID, WalletID: walletID,
		Name: "default", Priority: payout.PriorityHalfHour,
		Trigger: payout.Trigger{Kind: payout.TriggerManual},
	}
	if err := payouts.CreateQueue(context.Background(), q); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}

	r := chi.NewRouter()
	r.Post("/api/payout-queues/{id}/payouts", CreatePayout(database, payouts, wallet.NewStore(database.Conn())))

	body, err := json.Marshal(createPayoutRequest{Destination: "", Satoshis: 0})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, "/api/payout-queues/"+queueID.String()+"/payouts",
		bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}
