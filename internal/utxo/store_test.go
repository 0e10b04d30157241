package utxo

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// testTxID returns a syntactically valid 64-hex-char txid built by
// repeating the given digit, so each test case gets a distinct, readable
// fake transaction id without hand-counting hex characters.
func testTxID(digit string) string {
	return strings.Repeat(digit, 64)
}

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "utxo_test.sqlite")
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

func testOutpoint(t *testing.T, txid string, vout uint32) primitives.OutPoint {
	t.Helper()
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		t.Fatalf("chainhash.NewHashFromStr(%q) error = %v", txid, err)
	}
	return primitives.OutPoint{TxID: *hash, Vout: vout}
}

func newTestUTXO(t *testing.T, keychainID primitives.KeychainID, txid string, vout uint32, valueSats int64) UTXO {
	t.Helper()
	return UTXO{
		KeychainID:              keychainID,
		Outpoint:                testOutpoint(t, txid, vout),
		AccountID:               primitives.NewAccountID(),
		WalletID:                primitives.NewWalletID(),
		KeychainKind:            KeychainExternal,
		AddressIndex:            0,
		Address:                 "bc1qexampleaddress",
		ScriptHex:               "0014aabbccddeeff",
		ValueSats:               primitives.Satoshis(valueSats),
		SatsPerVByteWhenCreated: 5.0,
		TrustedOriginTxInputTxIDs: []string{},
		UTXODetectedLedgerTxID:  primitives.NewLedgerTransactionID().String(),
	}
}

func TestPersistUTXOInsertsOnce(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	u := newTestUTXO(t, keychainID, testTxID("1"), 0, 100_000)

	ctx := context.Background()
	inserted, err := store.PersistUTXO(ctx, nil, u)
	if err != nil {
		t.Fatalf("PersistUTXO() error = %v", err)
	}
	if !inserted {
		t.Fatal("expected first PersistUTXO to insert")
	}

	inserted, err = store.PersistUTXO(ctx, nil, u)
	if err != nil {
		t.Fatalf("second PersistUTXO() error = %v", err)
	}
	if inserted {
		t.Fatal("expected second PersistUTXO (same outpoint) to be a no-op")
	}
}

func TestMarkSettledRecordsValueAndAddress(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	op := testOutpoint(t, testTxID("2"), 1)
	u := newTestUTXO(t, keychainID, op.TxID.String(), op.Vout, 250_000)

	ctx := context.Background()
	if _, err := store.PersistUTXO(ctx, nil, u); err != nil {
		t.Fatalf("PersistUTXO() error = %v", err)
	}

	info, err := store.MarkSettled(ctx, nil, keychainID, op, false, 800_000, "settled-ledger-tx-1")
	if err != nil {
		t.Fatalf("MarkSettled() error = %v", err)
	}
	if info.ValueSats != 250_000 {
		t.Errorf("ValueSats = %d, want 250000", info.ValueSats)
	}
	if info.Address != u.Address {
		t.Errorf("Address = %q, want %q", info.Address, u.Address)
	}
	if info.PriorSpendDetectedTxID != nil {
		t.Errorf("PriorSpendDetectedTxID = %v, want nil", info.PriorSpendDetectedTxID)
	}
}

func TestMarkSpendDetectedIsAllOrNothing(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	op1 := testOutpoint(t, testTxID("3"), 0)
	op2 := testOutpoint(t, testTxID("4"), 0)

	ctx := context.Background()
	u1 := newTestUTXO(t, keychainID, op1.TxID.String(), op1.Vout, 50_000)
	if _, err := store.PersistUTXO(ctx, nil, u1); err != nil {
		t.Fatalf("PersistUTXO(u1) error = %v", err)
	}

	// op2 was never persisted, so the pair is a partial match.
	spent, err := store.MarkSpendDetected(ctx, nil, keychainID, []primitives.OutPoint{op1, op2}, "spend-tx", "spend-detected-ledger-tx")
	if err != nil {
		t.Fatalf("MarkSpendDetected() error = %v", err)
	}
	if len(spent) != 0 {
		t.Fatalf("expected no-op on partial match, got %d entries", len(spent))
	}

	u2 := newTestUTXO(t, keychainID, op2.TxID.String(), op2.Vout, 75_000)
	if _, err := store.PersistUTXO(ctx, nil, u2); err != nil {
		t.Fatalf("PersistUTXO(u2) error = %v", err)
	}

	spent, err = store.MarkSpendDetected(ctx, nil, keychainID, []primitives.OutPoint{op1, op2}, "spend-tx", "spend-detected-ledger-tx")
	if err != nil {
		t.Fatalf("MarkSpendDetected() error = %v", err)
	}
	if len(spent) != 2 {
		t.Fatalf("expected both outpoints marked spend-detected, got %d", len(spent))
	}
}

func TestDeleteUTXO(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	op := testOutpoint(t, testTxID("5"), 0)
	u := newTestUTXO(t, keychainID, op.TxID.String(), op.Vout, 10_000)

	ctx := context.Background()
	if _, err := store.PersistUTXO(ctx, nil, u); err != nil {
		t.Fatalf("PersistUTXO() error = %v", err)
	}

	detectedTxID, err := store.DeleteUTXO(ctx, nil, keychainID, op)
	if err != nil {
		t.Fatalf("DeleteUTXO() error = %v", err)
	}
	if detectedTxID != u.UTXODetectedLedgerTxID {
		t.Errorf("detectedTxID = %q, want %q", detectedTxID, u.UTXODetectedLedgerTxID)
	}

	if _, err := store.DeleteUTXO(ctx, nil, keychainID, op); err == nil {
		t.Fatal("expected error deleting an already-deleted UTXO")
	}
}

func TestDeleteUTXORejectsSettled(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	op := testOutpoint(t, testTxID("6"), 0)
	u := newTestUTXO(t, keychainID, op.TxID.String(), op.Vout, 10_000)

	ctx := context.Background()
	if _, err := store.PersistUTXO(ctx, nil, u); err != nil {
		t.Fatalf("PersistUTXO() error = %v", err)
	}
	if _, err := store.MarkSettled(ctx, nil, keychainID, op, false, 800_000, "settled-tx"); err != nil {
		t.Fatalf("MarkSettled() error = %v", err)
	}

	if _, err := store.DeleteUTXO(ctx, nil, keychainID, op); err == nil {
		t.Fatal("expected DeleteUTXO to reject a settled UTXO")
	}
}

func TestFindReservableExcludesReservedAndSpendDetected(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	ctx := context.Background()

	free := testOutpoint(t, testTxID("7"), 0)
	reserved := testOutpoint(t, testTxID("8"), 0)

	if _, err := store.PersistUTXO(ctx, nil, newTestUTXO(t, keychainID, free.TxID.String(), free.Vout, 30_000)); err != nil {
		t.Fatalf("PersistUTXO(free) error = %v", err)
	}
	if _, err := store.PersistUTXO(ctx, nil, newTestUTXO(t, keychainID, reserved.TxID.String(), reserved.Vout, 40_000)); err != nil {
		t.Fatalf("PersistUTXO(reserved) error = %v", err)
	}
	batchID := primitives.NewBatchID()
	if err := store.ReserveUTXOs(ctx, nil, batchID, []primitives.OutPoint{reserved}, keychainID); err != nil {
		t.Fatalf("ReserveUTXOs() error = %v", err)
	}

	reservable, err := store.FindReservable(ctx, nil, []primitives.KeychainID{keychainID})
	if err != nil {
		t.Fatalf("FindReservable() error = %v", err)
	}
	if len(reservable) != 1 {
		t.Fatalf("expected exactly 1 reservable utxo, got %d", len(reservable))
	}
	if reservable[0].Outpoint != free {
		t.Errorf("reservable outpoint = %v, want %v", reservable[0].Outpoint, free)
	}
}

func TestReserveUTXOsRejectsDoubleReservation(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	keychainID := primitives.NewKeychainID()
	ctx := context.Background()

	op := testOutpoint(t, testTxID("9"), 0)
	if _, err := store.PersistUTXO(ctx, nil, newTestUTXO(t, keychainID, op.TxID.String(), op.Vout, 30_000)); err != nil {
		t.Fatalf("PersistUTXO() error = %v", err)
	}

	if err := store.ReserveUTXOs(ctx, nil, primitives.NewBatchID(), []primitives.OutPoint{op}, keychainID); err != nil {
		t.Fatalf("first ReserveUTXOs() error = %v", err)
	}
	if err := store.ReserveUTXOs(ctx, nil, primitives.NewBatchID(), []primitives.OutPoint{op}, keychainID); err == nil {
		t.Fatal("expected second reservation of the same outpoint to fail")
	}
}
