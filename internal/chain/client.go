// Package chain talks to Esplora-compatible block explorers
// (mempool.space, Blockstream) for everything the treasury core needs
// from the network: confirmed/unconfirmed UTXOs and transaction history
// for a watched address, current chain tip, and broadcast — each call
// rate limited and circuit broken per provider, with automatic
// fallover to the next provider on failure.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Fantasim/hdtreasury/internal/config"
)

// esploraUTXO is the JSON shape returned by GET /address/:addr/utxo.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Value int64 `json:"value"`
}

// esploraTx is the JSON shape returned by GET /address/:addr/txs.
type esploraTx struct {
	TxID string `json:"txid"`
	Vin  []struct {
		TxID    string `json:"txid"`
		Vout    uint32 `json:"vout"`
		Prevout struct {
			ScriptPubKeyAddress string `json:"scriptpubkey_address"`
			Value               int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// TxInput is one input of a transaction the Wallet Sync Reconciler
// observed, with the spent outpoint's own address so spend detection
// can recognize inputs that belong to one of our keychains.
type TxInput struct {
	PrevTxID  string
	PrevVout  uint32
	Address   string
	ValueSats int64
}

// TxOutput is one output of an observed transaction.
type TxOutput struct {
	Vout      uint32
	Address   string
	ValueSats int64
}

// AddressTx is a transaction touching a watched address, with enough
// of its inputs and outputs resolved for the Wallet Sync Reconciler to
// classify it as an incoming receipt, an outgoing spend, or both (a
// self-pay consolidation).
type AddressTx struct {
	TxID        string
	Confirmed   bool
	BlockHeight int64
	Inputs      []TxInput
	Outputs     []TxOutput
}

// AddressUTXO is one output an explorer reports as belonging to an
// address, translated out of the Esplora wire shape.
type AddressUTXO struct {
	TxID        string
	Vout        uint32
	ValueSats   int64
	Confirmed   bool
	BlockHeight int64
}

type providerState struct {
	name    string
	baseURL string
	rl      *RateLimiter
	cb      *CircuitBreaker
}

// Client round-robins across a set of Esplora-compatible providers,
// respecting each provider's own rate limit and circuit breaker so one
// degraded provider doesn't stall requests that another could serve.
type Client struct {
	httpClient *http.Client
	providers  []*providerState
	next       atomic.Uint64
}

// NewClient builds a client over the given provider base URLs, each
// rate limited to rps requests/sec and circuit broken after 5
// consecutive failures.
func NewClient(httpClient *http.Client, providerURLs []string, rps int) *Client {
	providers := make([]*providerState, 0, len(providerURLs))
	for i, url := range providerURLs {
		name := fmt.Sprintf("provider-%d", i)
		providers = append(providers, &providerState{
			name:    name,
			baseURL: url,
			rl:      NewRateLimiter(name, rps),
			cb:      NewCircuitBreaker(5, 30*time.Second),
		})
	}
	return &Client{httpClient: httpClient, providers: providers}
}

// AddressUTXOs fetches every UTXO an Esplora provider knows about for
// address, confirmed and unconfirmed alike — the Wallet Sync
// Reconciler decides what to do with each based on confirmation state.
func (c *Client) AddressUTXOs(ctx context.Context, address string) ([]AddressUTXO, error) {
	var lastErr error
	for attempt := 0; attempt < len(c.providers); attempt++ {
		p := c.pick()
		if !p.cb.Allow() {
			slog.Debug("chain provider circuit open, skipping", "provider", p.name)
			continue
		}

		utxos, err := c.fetchAddressUTXOs(ctx, p, address)
		if err == nil {
			p.cb.RecordSuccess()
			return utxos, nil
		}
		p.cb.RecordFailure()
		lastErr = err
		slog.Warn("chain provider UTXO fetch failed, trying next",
			"provider", p.name, "address", address, "error", err)
	}
	if lastErr == nil {
		lastErr = config.ErrProviderUnavailable
	}
	return nil, fmt.Errorf("%w: %s", config.ErrUTXOFetchFailed, lastErr)
}

func (c *Client) fetchAddressUTXOs(ctx context.Context, p *providerState, address string) ([]AddressUTXO, error) {
	if err := p.rl.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	url := fmt.Sprintf("%s/address/%s/utxo", p.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header)
		return nil, config.NewTransientErrorWithRetry(config.ErrProviderRateLimit, retryAfter)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d from %s", config.ErrProviderUnavailable, resp.StatusCode, p.name)
	}

	var raw []esploraUTXO
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode UTXO response: %w", err)
	}

	out := make([]AddressUTXO, len(raw))
	for i, u := range raw {
		out[i] = AddressUTXO{
			TxID:        u.TxID,
			Vout:        u.Vout,
			ValueSats:   u.Value,
			Confirmed:   u.Status.Confirmed,
			BlockHeight: u.Status.BlockHeight,
		}
	}
	return out, nil
}

// AddressTransactions fetches every transaction an Esplora provider
// knows about touching address, newest first, confirmed and
// unconfirmed alike. Esplora already resolves each input's prevout so
// the reconciler never has to fetch ancestor transactions just to
// classify a spend.
func (c *Client) AddressTransactions(ctx context.Context, address string) ([]AddressTx, error) {
	var lastErr error
	for attempt := 0; attempt < len(c.providers); attempt++ {
		p := c.pick()
		if !p.cb.Allow() {
			slog.Debug("chain provider circuit open, skipping", "provider", p.name)
			continue
		}

		txs, err := c.fetchAddressTransactions(ctx, p, address)
		if err == nil {
			p.cb.RecordSuccess()
			return txs, nil
		}
		p.cb.RecordFailure()
		lastErr = err
		slog.Warn("chain provider tx fetch failed, trying next",
			"provider", p.name, "address", address, "error", err)
	}
	if lastErr == nil {
		lastErr = config.ErrProviderUnavailable
	}
	return nil, fmt.Errorf("%w: %s", config.ErrUTXOFetchFailed, lastErr)
}

func (c *Client) fetchAddressTransactions(ctx context.Context, p *providerState, address string) ([]AddressTx, error) {
	if err := p.rl.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	url := fmt.Sprintf("%s/address/%s/txs", p.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header)
		return nil, config.NewTransientErrorWithRetry(config.ErrProviderRateLimit, retryAfter)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d from %s", config.ErrProviderUnavailable, resp.StatusCode, p.name)
	}

	var raw []esploraTx
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode tx response: %w", err)
	}

	out := make([]AddressTx, len(raw))
	for i, t := range raw {
		tx := AddressTx{TxID: t.TxID, Confirmed: t.Status.Confirmed, BlockHeight: t.Status.BlockHeight}
		for _, in := range t.Vin {
			tx.Inputs = append(tx.Inputs, TxInput{
				PrevTxID: in.TxID, PrevVout: in.Vout,
				Address: in.Prevout.ScriptPubKeyAddress, ValueSats: in.Prevout.Value,
			})
		}
		for vout, o := range t.Vout {
			tx.Outputs = append(tx.Outputs, TxOutput{Vout: uint32(vout), Address: o.ScriptPubKeyAddress, ValueSats: o.Value})
		}
		out[i] = tx
	}
	return out, nil
}

// TipHeight returns the current chain tip height, used by the Wallet
// Sync Reconciler to compute confirmation counts for detected spends.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < len(c.providers); attempt++ {
		p := c.pick()
		if !p.cb.Allow() {
			continue
		}
		if err := p.rl.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limiter wait: %w", err)
		}

		url := p.baseURL + "/blocks/tip/height"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, fmt.Errorf("create request: %w", err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			p.cb.RecordFailure()
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			p.cb.RecordFailure()
			lastErr = fmt.Errorf("HTTP %d from %s", resp.StatusCode, p.name)
			continue
		}

		var height int64
		if _, err := fmt.Sscanf(strings.TrimSpace(string(body)), "%d", &height); err != nil {
			p.cb.RecordFailure()
			lastErr = fmt.Errorf("parse tip height %q: %w", body, err)
			continue
		}
		p.cb.RecordSuccess()
		return height, nil
	}
	if lastErr == nil {
		lastErr = config.ErrProviderUnavailable
	}
	return 0, fmt.Errorf("%w: %s", config.ErrProviderUnavailable, lastErr)
}

// Broadcast submits a raw signed transaction. It tries each provider in
// order and does not retry a provider-reported rejection (HTTP 400) —
// the transaction itself is invalid, not the provider.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.cb.Allow() {
			continue
		}
		txHash, err := c.broadcastTo(ctx, p, rawHex)
		if err == nil {
			p.cb.RecordSuccess()
			return txHash, nil
		}
		var badTx *badTxError
		if isBadTxError(err, &badTx) {
			return "", fmt.Errorf("%w: %s", config.ErrTransactionFailed, badTx.message)
		}
		p.cb.RecordFailure()
		lastErr = err
		slog.Warn("broadcast failed, trying next provider", "provider", p.name, "error", err)
	}
	return "", fmt.Errorf("%w: all providers failed: %s", config.ErrTransactionFailed, lastErr)
}

func (c *Client) broadcastTo(ctx context.Context, p *providerState, rawHex string) (string, error) {
	if err := p.rl.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	url := p.baseURL + "/tx"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(rawHex))
	if err != nil {
		return "", fmt.Errorf("create broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read broadcast response: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		return "", &badTxError{message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast HTTP %d from %s: %s", resp.StatusCode, p.name, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

// badTxError marks an HTTP 400 broadcast rejection — the caller must
// not retry it against another provider as if it were transient.
type badTxError struct{ message string }

func (e *badTxError) Error() string { return "bad transaction: " + e.message }

func isBadTxError(err error, target **badTxError) bool {
	bt, ok := err.(*badTxError)
	if ok {
		*target = bt
	}
	return ok
}

func (c *Client) pick() *providerState {
	idx := int(c.next.Add(1)-1) % len(c.providers)
	return c.providers[idx]
}
