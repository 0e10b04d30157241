package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_AddressUTXOsParsesEsploraShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"txid":"aa","vout":0,"status":{"confirmed":true,"block_height":100},"value":50000},
			{"txid":"bb","vout":1,"status":{"confirmed":false},"value":30000}
		]`)) //nolint:errcheck
	}))
	defer server.Close()

	c := NewClient(server.Client(), []string{server.URL}, 100)
	utxos, err := c.AddressUTXOs(context.Background(), "bcrt1qsomeaddress")
	if err != nil {
		t.Fatalf("AddressUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("len(utxos) = %d, want 2", len(utxos))
	}
	if !utxos[0].Confirmed || utxos[0].BlockHeight != 100 {
		t.Errorf("utxos[0] = %+v, want confirmed at height 100", utxos[0])
	}
	if utxos[1].Confirmed {
		t.Errorf("utxos[1] should be unconfirmed")
	}
}

func TestClient_AddressUTXOsFallsOverToNextProvider(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"txid":"aa","vout":0,"status":{"confirmed":true,"block_height":1},"value":1000}]`)) //nolint:errcheck
	}))
	defer good.Close()

	c := NewClient(bad.Client(), []string{bad.URL, good.URL}, 100)
	utxos, err := c.AddressUTXOs(context.Background(), "addr")
	if err != nil {
		t.Fatalf("AddressUTXOs() error = %v, want fallover success", err)
	}
	if len(utxos) != 1 {
		t.Fatalf("len(utxos) = %d, want 1", len(utxos))
	}
}

func TestClient_TipHeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("850123")) //nolint:errcheck
	}))
	defer server.Close()

	c := NewClient(server.Client(), []string{server.URL}, 100)
	height, err := c.TipHeight(context.Background())
	if err != nil {
		t.Fatalf("TipHeight() error = %v", err)
	}
	if height != 850123 {
		t.Errorf("TipHeight() = %d, want 850123", height)
	}
}

func TestClient_BroadcastSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Write([]byte("deadbeef")) //nolint:errcheck
	}))
	defer server.Close()

	c := NewClient(server.Client(), []string{server.URL}, 100)
	txHash, err := c.Broadcast(context.Background(), "0100000001...")
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if txHash != "deadbeef" {
		t.Errorf("Broadcast() = %q, want %q", txHash, "deadbeef")
	}
}

func TestClient_BroadcastBadTxDoesNotFallOver(t *testing.T) {
	var secondCalled bool

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("mandatory-script-verify-flag-failed")) //nolint:errcheck
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondCalled = true
		w.Write([]byte("shouldnothappen")) //nolint:errcheck
	}))
	defer good.Close()

	c := NewClient(bad.Client(), []string{bad.URL, good.URL}, 100)
	_, err := c.Broadcast(context.Background(), "deadbeef")
	if err == nil {
		t.Fatal("Broadcast() expected error for a rejected transaction")
	}
	if secondCalled {
		t.Error("Broadcast() should not retry a bad-transaction rejection against another provider")
	}
}
