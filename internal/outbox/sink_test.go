package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookSinkDeliversPayload(t *testing.T) {
	var gotBody struct {
		ID      string          `json:"id"`
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.Client(), srv.URL)
	event := Event{ID: "evt-1", Topic: string(TopicUTXODetected), PayloadJSON: `{"outpoint":"abc:0"}`}

	if err := sink.Deliver(context.Background(), event); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if gotBody.ID != event.ID || gotBody.Topic != event.Topic {
		t.Fatalf("webhook body = %+v, want id/topic matching %+v", gotBody, event)
	}
	if string(gotBody.Payload) != event.PayloadJSON {
		t.Fatalf("webhook payload = %s, want %s", gotBody.Payload, event.PayloadJSON)
	}
}

func TestWebhookSinkReturnsErrorOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.Client(), srv.URL)
	if err := sink.Deliver(context.Background(), Event{ID: "evt-2", Topic: string(TopicBatchCreated), PayloadJSON: `{}`}); err == nil {
		t.Fatal("Deliver() expected error on HTTP 500, got nil")
	}
}

func TestLogSinkNeverFails(t *testing.T) {
	sink := LogSink{}
	if err := sink.Deliver(context.Background(), Event{ID: "evt-3", Topic: string(TopicSpendDetected), PayloadJSON: `{}`}); err != nil {
		t.Fatalf("LogSink.Deliver() error = %v, want nil", err)
	}
}
