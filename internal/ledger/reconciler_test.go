package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger_test.sqlite")
	d, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

func newTestWalletAccounts(t *testing.T, store *AccountStore) WalletAccountSet {
	t.Helper()
	tx, err := store.db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	set, err := store.CreateWalletAccounts(context.Background(), tx, primitives.NewWalletID())
	if err != nil {
		t.Fatalf("CreateWalletAccounts() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return set
}

func TestValidateBalanced(t *testing.T) {
	tests := []struct {
		name    string
		entries []entrySpec
		wantErr bool
	}{
		{
			name: "balanced single layer",
			entries: []entrySpec{
				{layer: LayerPending, direction: Debit, units: 1000},
				{layer: LayerPending, direction: Credit, units: 1000},
			},
		},
		{
			name: "balanced across layers",
			entries: []entrySpec{
				{layer: LayerPending, direction: Debit, units: 1000},
				{layer: LayerPending, direction: Credit, units: 1000},
				{layer: LayerEncumbered, direction: Debit, units: 50},
				{layer: LayerEncumbered, direction: Credit, units: 50},
			},
		},
		{
			name: "unbalanced",
			entries: []entrySpec{
				{layer: LayerPending, direction: Debit, units: 1000},
				{layer: LayerPending, direction: Credit, units: 900},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBalanced(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBalanced() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReconcilerPostUTXODetected(t *testing.T) {
	d := newTestDB(t)
	store := NewAccountStore(d.Conn())
	accounts := newTestWalletAccounts(t, store)
	recon := NewReconciler(d.Conn())

	params := UTXODetectedParams{
		Accounts:              accounts,
		OnchainFeeAccount:     accounts.Fee,
		Satoshis:              100_000,
		EncumberedSpendingFee: 500,
	}

	id, err := recon.Post(context.Background(), TemplateUTXODetected, "outpoint-1", params, time.Now(), nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if id.IsZero() {
		t.Fatal("expected non-zero ledger transaction id")
	}

	summary, err := store.WalletSummary(context.Background(), accounts)
	if err != nil {
		t.Fatalf("WalletSummary() error = %v", err)
	}
	if summary.PendingIncoming != 100_000 {
		t.Errorf("PendingIncoming = %d, want 100000", summary.PendingIncoming)
	}
}

func TestReconcilerPostIsIdempotent(t *testing.T) {
	d := newTestDB(t)
	store := NewAccountStore(d.Conn())
	accounts := newTestWalletAccounts(t, store)
	recon := NewReconciler(d.Conn())

	params := UTXODetectedParams{
		Accounts:          accounts,
		OnchainFeeAccount: accounts.Fee,
		Satoshis:          50_000,
	}

	first, err := recon.Post(context.Background(), TemplateUTXODetected, "outpoint-dup", params, time.Now(), nil)
	if err != nil {
		t.Fatalf("first Post() error = %v", err)
	}

	second, err := recon.Post(context.Background(), TemplateUTXODetected, "outpoint-dup", params, time.Now(), nil)
	if err != nil {
		t.Fatalf("second Post() error = %v", err)
	}

	if first != second {
		t.Errorf("expected idempotent posting to return same id, got %v and %v", first, second)
	}

	summary, err := store.WalletSummary(context.Background(), accounts)
	if err != nil {
		t.Fatalf("WalletSummary() error = %v", err)
	}
	if summary.PendingIncoming != 50_000 {
		t.Errorf("PendingIncoming = %d, want 50000 (replay should be a no-op)", summary.PendingIncoming)
	}
}

func TestBatchDroppedReversesBatchCreated(t *testing.T) {
	d := newTestDB(t)
	store := NewAccountStore(d.Conn())
	accounts := newTestWalletAccounts(t, store)
	recon := NewReconciler(d.Conn())

	created := BatchCreatedParams{
		Accounts:          accounts,
		OnchainFeeAccount: accounts.Fee,
		PayoutTotalSats:   200_000,
		FeeSats:           1_000,
		ChangeSats:        5_000,
	}
	if _, err := recon.Post(context.Background(), TemplateBatchCreated, "batch-1", created, time.Now(), nil); err != nil {
		t.Fatalf("post batch_created: %v", err)
	}

	dropped := BatchDroppedParams(created)
	if _, err := recon.Post(context.Background(), TemplateBatchDropped, "batch-1", dropped, time.Now(), nil); err != nil {
		t.Fatalf("post batch_dropped: %v", err)
	}

	summary, err := store.WalletSummary(context.Background(), accounts)
	if err != nil {
		t.Fatalf("WalletSummary() error = %v", err)
	}
	if summary.EncumberedOutgoing != 0 {
		t.Errorf("EncumberedOutgoing after drop = %d, want 0", summary.EncumberedOutgoing)
	}
}
