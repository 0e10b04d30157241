package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// LogSink logs every event at info level and never fails, for
// deployments that haven't configured an external subscriber yet.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, event Event) error {
	slog.Info("outbox event delivered (log sink)",
		"id", event.ID,
		"topic", event.Topic,
	)
	return nil
}

// WebhookSink POSTs each event's payload as JSON to a single configured
// URL, mirroring internal/chain's http.Client-with-timeout discipline.
// A non-2xx response or transport error leaves the event unpublished so
// populate_outbox and respawn_all_outbox_handlers retry it later.
type WebhookSink struct {
	client *http.Client
	url    string
}

func NewWebhookSink(client *http.Client, url string) *WebhookSink {
	return &WebhookSink{client: client, url: url}
}

func (s *WebhookSink) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(struct {
		ID      string          `json:"id"`
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}{ID: event.ID, Topic: event.Topic, Payload: json.RawMessage(event.PayloadJSON)})
	if err != nil {
		return fmt.Errorf("marshal webhook body for event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request for event %s: %w", event.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook for event %s: %w", event.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for event %s returned HTTP %d", event.ID, resp.StatusCode)
	}

	slog.Debug("outbox event delivered (webhook sink)",
		"id", event.ID,
		"topic", event.Topic,
		"url", s.url,
	)
	return nil
}
