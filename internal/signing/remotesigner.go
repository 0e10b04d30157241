package signing

import (
	"context"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Fantasim/hdtreasury/internal/config"
)

// RemoteSigner is the capability interface for asking an external
// wallet process to sign one xpub's share of a batch PSBT. Lnd and
// Bitcoind are the two implementations, chosen per signer row at
// config-load time by SignerKind.
type RemoteSigner interface {
	// SignPSBT asks the remote wallet to add its signatures to psbt,
	// returning the (possibly still-partial) result.
	SignPSBT(ctx context.Context, psbt []byte) ([]byte, error)
}

// SignerKind selects which RemoteSigner implementation a signers row
// uses, matching the signers.kind column.
type SignerKind string

const (
	SignerKindLnd      SignerKind = "lnd"
	SignerKindBitcoind SignerKind = "bitcoind"
)

// LndConfig is the decrypted connection config for an lnd remote
// signer: gRPC-shaped TLS, authenticated by a macaroon.
type LndConfig struct {
	Host         string `json:"host"`
	TLSCertPEM   string `json:"tls_cert_pem"`
	MacaroonHex  string `json:"macaroon_hex"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// BitcoindConfig is the decrypted connection config for a bitcoind
// remote signer: JSON-RPC over HTTP(S), authenticated by basic auth.
type BitcoindConfig struct {
	RPCURL         string        `json:"rpc_url"`
	RPCUser        string        `json:"rpc_user"`
	RPCPassword    string        `json:"rpc_password"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// Lnd signs via lnd's PSBT-aware wallet RPCs. The transport is
// gRPC-shaped TLS in production lnd deployments; this client speaks
// lnd's REST gateway instead, since the treasury core otherwise has
// no other gRPC caller to justify a second transport stack — TLS and
// macaroon auth are carried the same way either transport exposes
// them.
type Lnd struct {
	cfg    LndConfig
	client *http.Client
}

func NewLnd(cfg LndConfig) *Lnd {
	return &Lnd{
		cfg: cfg,
		client: &http.Client{
			Timeout: orDefault(cfg.RequestTimeout, config.ChainRequestTimeout),
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

type lndFinalizePSBTRequest struct {
	FundedPSBT []byte `json:"funded_psbt"`
}

type lndFinalizePSBTResponse struct {
	SignedPSBT []byte `json:"signed_psbt"`
}

func (l *Lnd) SignPSBT(ctx context.Context, psbt []byte) ([]byte, error) {
	body, err := json.Marshal(lndFinalizePSBTRequest{FundedPSBT: psbt})
	if err != nil {
		return nil, fmt.Errorf("marshal lnd finalize psbt request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.Host+"/v2/wallet/psbt/finalize", bodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("build lnd request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", l.cfg.MacaroonHex)
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("call lnd finalize psbt: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnd finalize psbt returned status %d", resp.StatusCode)
	}

	var out lndFinalizePSBTResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode lnd finalize psbt response: %w", err)
	}
	return out.SignedPSBT, nil
}

// Bitcoind signs via bitcoind's walletprocesspsbt RPC.
type Bitcoind struct {
	cfg    BitcoindConfig
	client *http.Client
}

func NewBitcoind(cfg BitcoindConfig) *Bitcoind {
	return &Bitcoind{
		cfg:    cfg,
		client: &http.Client{Timeout: orDefault(cfg.RequestTimeout, config.ChainRequestTimeout)},
	}
}

type bitcoindRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []any `json:"params"`
}

type bitcoindRPCResponse struct {
	Result struct {
		PSBT     string `json:"psbt"`
		Complete bool   `json:"complete"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (b *Bitcoind) SignPSBT(ctx context.Context, psbt []byte) ([]byte, error) {
	b64 := base64.StdEncoding.EncodeToString(psbt)
	reqBody, err := json.Marshal(bitcoindRPCRequest{
		JSONRPC: "1.0", ID: "treasury", Method: "walletprocesspsbt", Params: []any{b64},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal walletprocesspsbt request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.RPCURL, bodyReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("build bitcoind rpc request: %w", err)
	}
	req.SetBasicAuth(b.cfg.RPCUser, b.cfg.RPCPassword)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, config.NewTransientError(fmt.Errorf("call bitcoind walletprocesspsbt: %w", err))
	}
	defer resp.Body.Close()

	var out bitcoindRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode bitcoind rpc response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("bitcoind walletprocesspsbt error: %s", out.Error.Message)
	}

	signed, err := base64.StdEncoding.DecodeString(out.Result.PSBT)
	if err != nil {
		return nil, fmt.Errorf("decode signed psbt: %w", err)
	}
	return signed, nil
}

func bodyReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
