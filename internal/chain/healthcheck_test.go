package chain

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Fantasim/hdtreasury/internal/config"
)

func TestProbeURL_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("12345")) //nolint:errcheck
	}))
	defer server.Close()

	client := &http.Client{Timeout: config.HealthCheckTimeout}
	if err := probeURL(client, server.URL); err != nil {
		t.Fatalf("probeURL() error = %v, want nil", err)
	}
}

func TestProbeURL_Non200Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &http.Client{Timeout: config.HealthCheckTimeout}
	if err := probeURL(client, server.URL); err == nil {
		t.Fatal("probeURL() expected error for HTTP 500, got nil")
	}
}

func TestProbeURL_ConnectionRefused(t *testing.T) {
	client := &http.Client{Timeout: config.HealthCheckTimeout}
	if err := probeURL(client, "http://127.0.0.1:1"); err == nil {
		t.Fatal("probeURL() expected error for connection refused, got nil")
	}
}

func TestRunStartupHealthChecks_ReportsBothProviders(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("900000")) //nolint:errcheck
	}))
	defer ok.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	cfg := &config.Config{
		BlockchainNetwork:  "regtest",
		FeesMempoolSpaceURL: ok.URL,
		FeesBlockstreamURL:  down.URL,
	}

	results := RunStartupHealthChecks(cfg)
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	var mempoolOK, blockstreamOK bool
	for _, r := range results {
		switch r.Name {
		case "mempool.space":
			mempoolOK = r.OK
		case "blockstream":
			blockstreamOK = r.OK
		}
	}
	if !mempoolOK {
		t.Error("expected mempool.space check to succeed")
	}
	if blockstreamOK {
		t.Error("expected blockstream check to fail")
	}
}
