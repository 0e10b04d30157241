package outbox

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Fantasim/hdtreasury/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "outbox_test.sqlite"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

func TestPublishAndDrainUnpublished(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	ctx := context.Background()

	tx, _ := d.Conn().Begin()
	if err := store.Publish(ctx, tx, TopicUTXODetected, map[string]string{"outpoint": "abc:0"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	events, err := store.Unpublished(ctx, 10)
	if err != nil {
		t.Fatalf("Unpublished() error = %v", err)
	}
	if len(events) != 1 || events[0].Topic != string(TopicUTXODetected) {
		t.Fatalf("events = %+v, want one utxo_detected event", events)
	}

	if err := store.MarkPublished(ctx, events[0].ID); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}

	events, err = store.Unpublished(ctx, 10)
	if err != nil {
		t.Fatalf("Unpublished() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events after publish = %+v, want none", events)
	}
}

func TestUnpublishedRespectsLimit(t *testing.T) {
	d := newTestDB(t)
	store := NewStore(d.Conn())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx, _ := d.Conn().Begin()
		if err := store.Publish(ctx, tx, TopicBatchCreated, map[string]int{"n": i}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		tx.Commit()
	}

	events, err := store.Unpublished(ctx, 3)
	if err != nil {
		t.Fatalf("Unpublished() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
}
