package jobs

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Fantasim/hdtreasury/internal/batch"
	"github.com/Fantasim/hdtreasury/internal/chain"
	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/ledger"
	"github.com/Fantasim/hdtreasury/internal/outbox"
	"github.com/Fantasim/hdtreasury/internal/payout"
	"github.com/Fantasim/hdtreasury/internal/primitives"
	"github.com/Fantasim/hdtreasury/internal/signing"
	syncreconciler "github.com/Fantasim/hdtreasury/internal/sync"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

func TestRateForPriority(t *testing.T) {
	est := &chain.FeeEstimate{FastestFee: 50, HourFee: 20, HalfHourFee: 30}
	tests := []struct {
		priority payout.FeePriority
		want     int64
	}{
		{payout.PriorityNextBlock, 50},
		{payout.PriorityOneHour, 20},
		{payout.FeePriority("anything-else"), 30},
	}
	for _, tt := range tests {
		if got := rateForPriority(est, tt.priority); got != tt.want {
			t.Errorf("rateForPriority(%q) = %d, want %d", tt.priority, got, tt.want)
		}
	}
}

func newJobsTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "jobs_test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

// seedWallet inserts one wallet row backed by freshly-created ledger
// accounts, mirroring internal/sync's reconciler_test.go fixture.
func seedWallet(t *testing.T, d *db.DB, accounts *ledger.AccountStore) primitives.WalletID {
	t.Helper()
	ctx := context.Background()
	walletID := primitives.NewWalletID()
	accountID := primitives.NewAccountID()

	var walletAccounts ledger.WalletAccountSet
	err := d.WithImmediateTx(ctx, func(tx *sql.Tx) error {
		var err error
		walletAccounts, err = accounts.CreateWalletAccounts(ctx, tx, walletID)
		return err
	})
	if err != nil {
		t.Fatalf("CreateWalletAccounts() error = %v", err)
	}

	_, err = d.Conn().ExecContext(ctx, `INSERT INTO wallets (id, account_id, name, network, dust_threshold_sats,
		settle_income_after_n_confs, settle_change_after_n_confs,
		onchain_incoming_account_id, onchain_at_rest_account_id, onchain_outgoing_account_id,
		effective_incoming_account_id, effective_at_rest_account_id, effective_outgoing_account_id,
		fee_account_id, dust_account_id)
		VALUES (?, ?, 'test wallet', 'regtest', 546, 1, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		walletID.String(), accountID.String(),
		walletAccounts.OnchainIncoming.String(), walletAccounts.OnchainAtRest.String(), walletAccounts.OnchainOutgoing.String(),
		walletAccounts.EffectiveIncoming.String(), walletAccounts.EffectiveAtRest.String(), walletAccounts.EffectiveOutgoing.String(),
		walletAccounts.Fee.String(), walletAccounts.Dust.String(),
	)
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	return walletID
}

// seedBatch persists a batch with one WalletSummary row per walletID
// passed in, each carrying the same fee/payout totals, and returns the
// new batch id.
func seedBatch(t *testing.T, d *db.DB, batches *batch.Store, walletIDs ...primitives.WalletID) primitives.BatchID {
	t.Helper()
	batchID := primitives.NewBatchID()
	b := batch.Batch{ID: batchID, Account: primitives.NewAccountID(), QueueID: primitives.NewPayoutQueueID(), TotalFeeSats: 1000}
	summaries := make([]batch.WalletSummary, len(walletIDs))
	for i, wid := range walletIDs {
		summaries[i] = batch.WalletSummary{
			BatchID: batchID, WalletID: wid, CurrentKeychainID: primitives.NewKeychainID(),
			TotalInSats: 110_000, TotalSpentSats: 101_000, TotalFeeSats: 1_000, ChangeSats: 0,
		}
	}
	err := d.WithImmediateTx(context.Background(), func(tx *sql.Tx) error {
		return batches.Create(context.Background(), tx, b, summaries, nil, nil)
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return batchID
}

func newTestHandlers(t *testing.T, d *db.DB) (*Handlers, *batch.Store, *ledger.AccountStore) {
	t.Helper()
	accounts := ledger.NewAccountStore(d.Conn())
	batches := batch.NewStore(d.Conn())
	wallets := wallet.NewStore(d.Conn())
	outboxes := outbox.NewStore(d.Conn())

	key, err := signing.NewEncryptionKey(strings.Repeat("00", 32))
	if err != nil {
		t.Fatalf("NewEncryptionKey() error = %v", err)
	}
	registry := signing.NewRegistry(d.Conn(), key)
	signingStore := signing.NewStore(d.Conn())
	coord := signing.NewCoordinator(signingStore, registry)

	cfg := &config.Config{BlockchainNetwork: "regtest"}
	sched := NewScheduler(context.Background())
	t.Cleanup(sched.Stop)

	h := NewHandlers(cfg, d, nil, nil, wallets, nil, nil, batches, outboxes, accounts,
		(*syncreconciler.Reconciler)(nil), coord, registry, sched, nil)
	return h, batches, accounts
}

func TestBatchWalletAccounting_PostsLedgerEntryAndStampsSummary(t *testing.T) {
	d := newJobsTestDB(t)
	h, batches, accounts := newTestHandlers(t, d)

	walletID := seedWallet(t, d, accounts)
	batchID := seedBatch(t, d, batches, walletID)

	if err := h.BatchWalletAccounting(context.Background(), batchID, walletID); err != nil {
		t.Fatalf("BatchWalletAccounting() error = %v", err)
	}

	summaries, err := batches.WalletSummaries(context.Background(), batchID)
	if err != nil {
		t.Fatalf("WalletSummaries() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].BatchCreatedLedgerTxID == "" {
		t.Fatalf("expected one summary with a stamped ledger tx id, got %+v", summaries)
	}

	var count int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM ledger_transactions WHERE template_code = ?`, string(ledger.TemplateBatchCreated)).Scan(&count); err != nil {
		t.Fatalf("count ledger transactions: %v", err)
	}
	if count != 1 {
		t.Errorf("batch_created ledger transactions = %d, want 1", count)
	}

	var outboxCount int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM outbox_events WHERE topic = ?`, string(outbox.TopicBatchCreated)).Scan(&outboxCount); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if outboxCount != 1 {
		t.Errorf("batch_created outbox events = %d, want 1", outboxCount)
	}
}

func TestBatchWalletAccounting_IsIdempotent(t *testing.T) {
	d := newJobsTestDB(t)
	h, batches, accounts := newTestHandlers(t, d)

	walletID := seedWallet(t, d, accounts)
	batchID := seedBatch(t, d, batches, walletID)
	ctx := context.Background()

	if err := h.BatchWalletAccounting(ctx, batchID, walletID); err != nil {
		t.Fatalf("first BatchWalletAccounting() error = %v", err)
	}
	if err := h.BatchWalletAccounting(ctx, batchID, walletID); err != nil {
		t.Fatalf("second BatchWalletAccounting() error = %v", err)
	}

	var count int
	if err := d.Conn().QueryRow(`SELECT COUNT(*) FROM ledger_transactions WHERE template_code = ?`, string(ledger.TemplateBatchCreated)).Scan(&count); err != nil {
		t.Fatalf("count ledger transactions: %v", err)
	}
	if count != 1 {
		t.Errorf("batch_created ledger transactions after repeat call = %d, want 1 (idempotent)", count)
	}
}

func TestBatchAccountingComplete_WaitsForEveryWalletInAMultiWalletBatch(t *testing.T) {
	d := newJobsTestDB(t)
	h, batches, accounts := newTestHandlers(t, d)
	ctx := context.Background()

	walletA := seedWallet(t, d, accounts)
	walletB := seedWallet(t, d, accounts)
	batchID := seedBatch(t, d, batches, walletA, walletB)

	if err := h.BatchWalletAccounting(ctx, batchID, walletA); err != nil {
		t.Fatalf("BatchWalletAccounting(walletA) error = %v", err)
	}
	complete, err := h.batchAccountingComplete(ctx, batchID)
	if err != nil {
		t.Fatalf("batchAccountingComplete() error = %v", err)
	}
	if complete {
		t.Error("batch reported accounting-complete after only one of two wallets posted")
	}

	if err := h.BatchWalletAccounting(ctx, batchID, walletB); err != nil {
		t.Fatalf("BatchWalletAccounting(walletB) error = %v", err)
	}
	complete, err = h.batchAccountingComplete(ctx, batchID)
	if err != nil {
		t.Fatalf("batchAccountingComplete() error = %v", err)
	}
	if !complete {
		t.Error("batch should be accounting-complete once every wallet has posted")
	}
}

func TestBatchSigning_RefusesUntilAccountingComplete(t *testing.T) {
	d := newJobsTestDB(t)
	h, batches, accounts := newTestHandlers(t, d)
	ctx := context.Background()

	walletID := seedWallet(t, d, accounts)
	batchID := seedBatch(t, d, batches, walletID)

	err := h.BatchSigning(ctx, batchID)
	if err == nil {
		t.Fatal("BatchSigning() should refuse a batch with no accounting posted yet")
	}
	if !errors.Is(err, config.ErrBatchNotAccountingComplete) {
		t.Errorf("BatchSigning() error = %v, want config.ErrBatchNotAccountingComplete", err)
	}
}
