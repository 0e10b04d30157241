package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Fantasim/hdtreasury/internal/config"
)

// FeeEstimate mirrors mempool.space's /v1/fees/recommended response: one
// sat/vByte rate per confirmation-target tier.
type FeeEstimate struct {
	FastestFee  int64 `json:"fastestFee"`
	HalfHourFee int64 `json:"halfHourFee"`
	HourFee     int64 `json:"hourFee"`
	EconomyFee  int64 `json:"economyFee"`
	MinimumFee  int64 `json:"minimumFee"`
}

// FeeEstimator fetches sat/vByte fee tiers from a mempool.space-compatible
// endpoint, falling back to a conservative fixed estimate when the
// endpoint is unreachable rather than failing PSBT building outright.
type FeeEstimator struct {
	client  *http.Client
	baseURL string
}

// NewFeeEstimator creates a fee estimator against baseURL (e.g.
// "https://mempool.space/api").
func NewFeeEstimator(client *http.Client, baseURL string) *FeeEstimator {
	slog.Info("fee estimator created", "baseURL", baseURL)
	return &FeeEstimator{client: client, baseURL: baseURL}
}

// Estimate fetches current fee tiers, enforcing the network relay
// minimum on every tier, or falls back to config.BTCDefaultFeeRate if
// the endpoint can't be reached.
func (fe *FeeEstimator) Estimate(ctx context.Context) (*FeeEstimate, error) {
	est, err := fe.fetch(ctx)
	if err != nil {
		slog.Warn("fee estimation failed, using default",
			"error", err,
			"defaultFeeRate", config.BTCDefaultFeeRate,
		)
		return fe.defaultEstimate(), nil
	}
	fe.enforceMinimum(est)

	slog.Debug("fee estimate fetched",
		"fastestFee", est.FastestFee,
		"halfHourFee", est.HalfHourFee,
		"hourFee", est.HourFee,
	)
	return est, nil
}

// DefaultFeeRate returns the medium-priority (halfHourFee) sat/vByte
// rate the PSBT Builder uses unless a caller requests a specific
// confirmation target.
func DefaultFeeRate(est *FeeEstimate) int64 {
	return est.HalfHourFee
}

func (fe *FeeEstimator) fetch(ctx context.Context) (*FeeEstimate, error) {
	ctx, cancel := context.WithTimeout(ctx, config.FeeEstimateTimeout)
	defer cancel()

	url := fe.baseURL + config.MempoolFeeEstimatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create fee request: %w", err)
	}

	resp, err := fe.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", config.ErrFeeEstimateFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", config.ErrFeeEstimateFailed, resp.StatusCode)
	}

	var est FeeEstimate
	if err := json.NewDecoder(resp.Body).Decode(&est); err != nil {
		return nil, fmt.Errorf("decode fee response: %w", err)
	}
	return &est, nil
}

func (fe *FeeEstimator) defaultEstimate() *FeeEstimate {
	return &FeeEstimate{
		FastestFee:  int64(config.BTCDefaultFeeRate) * 2,
		HalfHourFee: int64(config.BTCDefaultFeeRate),
		HourFee:     int64(config.BTCDefaultFeeRate),
		EconomyFee:  int64(config.BTCMinFeeRate),
		MinimumFee:  int64(config.BTCMinFeeRate),
	}
}

func (fe *FeeEstimator) enforceMinimum(est *FeeEstimate) {
	min := int64(config.BTCMinFeeRate)
	if est.FastestFee < min {
		est.FastestFee = min
	}
	if est.HalfHourFee < min {
		est.HalfHourFee = min
	}
	if est.HourFee < min {
		est.HourFee = min
	}
	if est.EconomyFee < min {
		est.EconomyFee = min
	}
	if est.MinimumFee < min {
		est.MinimumFee = min
	}
}
