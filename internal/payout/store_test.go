package payout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "payout_test.sqlite")
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

func seedWalletAndQueue(t *testing.T, d *db.DB) (primitives.AccountID, primitives.WalletID, Queue) {
	t.Helper()
	accountID := primitives.NewAccountID()
	walletID := primitives.NewWalletID()

	if _, err := d.Conn().Exec(`INSERT INTO wallets (id, account_id, name, network, dust_threshold_sats,
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

	q := Queue{
		ID:        primitives.NewPayoutQueueID(),
		AccountID: accountID,
		WalletID:  walletID,
		Name:      "default",
		Priority:  PriorityHalfHour,
		Trigger:   Trigger{Kind: TriggerManual},
	}
	s := NewStore(d.Conn())
	if err := s.CreateQueue(context.Background(), q); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}
	return accountID, walletID, q
}

func TestCreatePayoutAndUnbatchedPayouts(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, _, q := seedWalletAndQueue(t, d)

	p := Payout{
		ID:                        primitives.NewPayoutID(),
		AccountID:                 accountID,
		QueueID:                   q.ID,
		Destination:               "bcrt1qdestination",
		Satoshis:                  primitives.NewSatoshis(50000),
		PayoutSubmittedLedgerTxID: "ltx-1",
	}

	tx, err := d.Conn().Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := s.CreatePayout(context.Background(), tx, p); err != nil {
		t.Fatalf("CreatePayout() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	unbatched, err := s.UnbatchedPayouts(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("UnbatchedPayouts() error = %v", err)
	}
	if len(unbatched) != 1 {
		t.Fatalf("len(unbatched) = %d, want 1", len(unbatched))
	}
	if unbatched[0].Satoshis != primitives.NewSatoshis(50000) {
		t.Errorf("Satoshis = %d, want 50000", unbatched[0].Satoshis)
	}
	if !unbatched[0].Mutable() {
		t.Error("freshly created payout should be mutable")
	}
}

func TestAssignBatchExcludesFromUnbatched(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, _, q := seedWalletAndQueue(t, d)

	p := Payout{
		ID: primitives.NewPayoutID(), AccountID: accountID, QueueID: q.ID,
		Destination: "bcrt1qdest", Satoshis: primitives.NewSatoshis(10000),
		PayoutSubmittedLedgerTxID: "ltx-1",
	}
	tx, _ := d.Conn().Begin()
	if err := s.CreatePayout(context.Background(), tx, p); err != nil {
		t.Fatalf("CreatePayout() error = %v", err)
	}
	tx.Commit()

	batchID := primitives.NewBatchID()
	tx, _ = d.Conn().Begin()
	if err := s.AssignBatch(context.Background(), tx, batchID, []primitives.PayoutID{p.ID}); err != nil {
		t.Fatalf("AssignBatch() error = %v", err)
	}
	tx.Commit()

	unbatched, err := s.UnbatchedPayouts(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("UnbatchedPayouts() error = %v", err)
	}
	if len(unbatched) != 0 {
		t.Fatalf("len(unbatched) = %d, want 0 after batching", len(unbatched))
	}
}

func TestAssignBatchRejectsDoubleAssignment(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, _, q := seedWalletAndQueue(t, d)

	p := Payout{
		ID: primitives.NewPayoutID(), AccountID: accountID, QueueID: q.ID,
		Destination: "bcrt1qdest", Satoshis: primitives.NewSatoshis(10000),
		PayoutSubmittedLedgerTxID: "ltx-1",
	}
	tx, _ := d.Conn().Begin()
	s.CreatePayout(context.Background(), tx, p)
	tx.Commit()

	tx, _ = d.Conn().Begin()
	if err := s.AssignBatch(context.Background(), tx, primitives.NewBatchID(), []primitives.PayoutID{p.ID}); err != nil {
		t.Fatalf("first AssignBatch() error = %v", err)
	}
	tx.Commit()

	tx, _ = d.Conn().Begin()
	err := s.AssignBatch(context.Background(), tx, primitives.NewBatchID(), []primitives.PayoutID{p.ID})
	tx.Rollback()
	if err == nil {
		t.Fatal("second AssignBatch() expected error for an already-batched payout")
	}
}

func TestCancelPayout(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, _, q := seedWalletAndQueue(t, d)

	p := Payout{
		ID: primitives.NewPayoutID(), AccountID: accountID, QueueID: q.ID,
		Destination: "bcrt1qdest", Satoshis: primitives.NewSatoshis(10000),
		PayoutSubmittedLedgerTxID: "ltx-1",
	}
	tx, _ := d.Conn().Begin()
	s.CreatePayout(context.Background(), tx, p)
	tx.Commit()

	tx, _ = d.Conn().Begin()
	if err := s.Cancel(context.Background(), tx, p.ID, "ltx-cancel"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	tx.Commit()

	unbatched, err := s.UnbatchedPayouts(context.Background(), q.ID)
	if err != nil {
		t.Fatalf("UnbatchedPayouts() error = %v", err)
	}
	if len(unbatched) != 0 {
		t.Fatalf("len(unbatched) = %d, want 0 after cancellation", len(unbatched))
	}
}

func TestDueQueuesQueueDepthTrigger(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, walletID, _ := seedWalletAndQueue(t, d)

	depthQueue := Queue{
		ID: primitives.NewPayoutQueueID(), AccountID: accountID, WalletID: walletID,
		Name: "depth", Priority: PriorityHalfHour,
		Trigger: Trigger{Kind: TriggerQueueDepth, QueueDepth: 2},
	}
	if err := s.CreateQueue(context.Background(), depthQueue); err != nil {
		t.Fatalf("CreateQueue() error = %v", err)
	}

	due, err := s.DueQueues(context.Background())
	if err != nil {
		t.Fatalf("DueQueues() error = %v", err)
	}
	for _, q := range due {
		if q.ID == depthQueue.ID {
			t.Fatalf("depth queue with 0 pending payouts should not be due")
		}
	}

	for i := 0; i < 2; i++ {
		p := Payout{
			ID: primitives.NewPayoutID(), AccountID: accountID, QueueID: depthQueue.ID,
			Destination: "bcrt1qdest", Satoshis: primitives.NewSatoshis(10000),
			PayoutSubmittedLedgerTxID: "ltx-1",
		}
		tx, _ := d.Conn().Begin()
		if err := s.CreatePayout(context.Background(), tx, p); err != nil {
			t.Fatalf("CreatePayout() error = %v", err)
		}
		tx.Commit()
	}

	due, err = s.DueQueues(context.Background())
	if err != nil {
		t.Fatalf("DueQueues() error = %v", err)
	}
	found := false
	for _, q := range due {
		if q.ID == depthQueue.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("depth queue at its queue_depth threshold should be due")
	}
}

func TestDueQueuesExcludesManualTrigger(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, _, manualQueue := seedWalletAndQueue(t, d)

	p := Payout{
		ID: primitives.NewPayoutID(), AccountID: accountID, QueueID: manualQueue.ID,
		Destination: "bcrt1qdest", Satoshis: primitives.NewSatoshis(10000),
		PayoutSubmittedLedgerTxID: "ltx-1",
	}
	tx, _ := d.Conn().Begin()
	if err := s.CreatePayout(context.Background(), tx, p); err != nil {
		t.Fatalf("CreatePayout() error = %v", err)
	}
	tx.Commit()

	due, err := s.DueQueues(context.Background())
	if err != nil {
		t.Fatalf("DueQueues() error = %v", err)
	}
	for _, q := range due {
		if q.ID == manualQueue.ID {
			t.Fatal("manual-trigger queues must never be returned by DueQueues")
		}
	}
}

func TestCancelRejectsAlreadyBatched(t *testing.T) {
	d := newTestDB(t)
	s := NewStore(d.Conn())
	accountID, _, q := seedWalletAndQueue(t, d)

	p := Payout{
		ID: primitives.NewPayoutID(), AccountID: accountID, QueueID: q.ID,
		Destination: "bcrt1qdest", Satoshis: primitives.NewSatoshis(10000),
		PayoutSubmittedLedgerTxID: "ltx-1",
	}
	tx, _ := d.Conn().Begin()
	s.CreatePayout(context.Background(), tx, p)
	tx.Commit()

	tx, _ = d.Conn().Begin()
	s.AssignBatch(context.Background(), tx, primitives.NewBatchID(), []primitives.PayoutID{p.ID})
	tx.Commit()

	tx, _ = d.Conn().Begin()
	err := s.Cancel(context.Background(), tx, p.ID, "ltx-cancel")
	tx.Rollback()
	if err == nil {
		t.Fatal("Cancel() expected error for an already-batched payout")
	}
}
