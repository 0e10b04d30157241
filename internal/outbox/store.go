// Package outbox records domain events for at-least-once delivery to
// external subscribers, per spec.md §6's outbox_events table: every
// mutation that posts a ledger transaction also appends an outbox row
// in the same database transaction, so a crash between the two never
// loses an event.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Event is one row of outbox_events: a topic plus its JSON payload.
type Event struct {
	ID          string
	Topic       string
	PayloadJSON string
	Published   bool
}

// Topic names mirror the postings §4.1-§4.5 describe: utxo_detected,
// utxo_settled, spent_utxo_settled, spend_detected, spend_settled,
// utxo_dropped, batch_created, batch_broadcast, batch_dropped.
type Topic string

const (
	TopicUTXODetected     Topic = "utxo_detected"
	TopicUTXOSettled      Topic = "utxo_settled"
	TopicSpentUTXOSettled Topic = "spent_utxo_settled"
	TopicSpendDetected    Topic = "spend_detected"
	TopicSpendSettled     Topic = "spend_settled"
	TopicUTXODropped      Topic = "utxo_dropped"
	TopicBatchCreated     Topic = "batch_created"
	TopicBatchBroadcast   Topic = "batch_broadcast"
	TopicBatchDropped     Topic = "batch_dropped"
)

// Store appends and drains outbox events.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Publish appends one event within tx, so it lands atomically with
// whatever ledger posting or state change triggered it.
func (s *Store) Publish(ctx context.Context, tx *sql.Tx, topic Topic, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload for %s: %w", topic, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, payload_json) VALUES (?, ?, ?)`,
		uuid.New().String(), string(topic), string(body),
	)
	if err != nil {
		return fmt.Errorf("publish outbox event %s: %w", topic, err)
	}
	return nil
}

// Unpublished returns events not yet marked published, oldest first,
// for the `populate_outbox`/`respawn_all_outbox_handlers` jobs to pick
// up and hand to a subscriber dispatcher.
func (s *Store) Unpublished(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload_json FROM outbox_events
		WHERE published_at IS NULL ORDER BY created_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unpublished outbox events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Topic, &e.PayloadJSON); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished records that a dispatcher successfully delivered an event.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox_events SET published_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event %s published: %w", id, err)
	}
	return nil
}
