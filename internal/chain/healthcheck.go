package chain

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Fantasim/hdtreasury/internal/config"
)

// ProviderCheck defines a single provider connectivity check.
type ProviderCheck struct {
	Name string
	URL  string
}

// HealthCheckResult holds the outcome of a single provider check.
type HealthCheckResult struct {
	Name    string
	OK      bool
	Latency time.Duration
	Error   error
}

// RunStartupHealthChecks probes the configured fee/UTXO provider
// endpoints and logs the results. It is non-blocking — a failed probe
// emits a WARN log but does not prevent startup, since the Wallet Sync
// Reconciler and Batch Signing Coordinator retry against providers on
// their own schedule once running.
func RunStartupHealthChecks(cfg *config.Config) []HealthCheckResult {
	slog.Info("running startup provider health checks", "network", cfg.BlockchainNetwork)

	checks := []ProviderCheck{
		{Name: "mempool.space", URL: cfg.FeesMempoolSpaceURL + "/blocks/tip/height"},
		{Name: "blockstream", URL: cfg.FeesBlockstreamURL + "/blocks/tip/height"},
	}

	client := &http.Client{Timeout: config.HealthCheckTimeout}

	var (
		results []HealthCheckResult
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	for _, check := range checks {
		wg.Add(1)
		go func(c ProviderCheck) {
			defer wg.Done()

			start := time.Now()
			err := probeURL(client, c.URL)
			latency := time.Since(start)

			result := HealthCheckResult{Name: c.Name, OK: err == nil, Latency: latency, Error: err}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()

			if err != nil {
				slog.Warn("provider health check FAILED",
					"provider", c.Name,
					"url", c.URL,
					"latency", latency.Round(time.Millisecond),
					"error", err,
				)
			} else {
				slog.Info("provider health check OK",
					"provider", c.Name,
					"latency", latency.Round(time.Millisecond),
				)
			}
		}(check)
	}

	wg.Wait()

	okCount := 0
	for _, r := range results {
		if r.OK {
			okCount++
		}
	}
	slog.Info("startup health checks complete", "total", len(results), "ok", okCount, "failed", len(results)-okCount)

	return results
}

func probeURL(client *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "hdtreasury-healthcheck")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
