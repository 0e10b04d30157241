package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/hdtreasury/internal/batch"
	"github.com/Fantasim/hdtreasury/internal/db"
	"github.com/Fantasim/hdtreasury/internal/ledger"
	"github.com/Fantasim/hdtreasury/internal/payout"
	"github.com/Fantasim/hdtreasury/internal/primitives"
	"github.com/Fantasim/hdtreasury/internal/wallet"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	slog.Warn("request failed", "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ListWallets returns GET /api/wallets: every known wallet id, for an
// operator to pick one to inspect further.
func ListWallets(wallets *wallet.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := wallets.ListWalletIDs(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = id.String()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// GetWallet returns GET /api/wallets/{id}: one wallet's configuration
// and ledger account set.
func GetWallet(wallets *wallet.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := primitives.ParseWalletID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		wlt, err := wallets.GetWallet(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, wlt)
	}
}

// GetBatch returns GET /api/batches/{id}: a batch's lifecycle state plus
// its per-wallet accounting summaries.
func GetBatch(batches *batch.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := primitives.ParseBatchID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		b, err := batches.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		summaries, err := batches.WalletSummaries(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Batch     batch.Batch           `json:"batch"`
			Summaries []batch.WalletSummary `json:"walletSummaries"`
		}{Batch: b, Summaries: summaries})
	}
}

// GetPayoutQueue returns GET /api/payout-queues/{id}: a queue's policy
// plus every payout still waiting to be claimed by a batch.
func GetPayoutQueue(payouts *payout.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := primitives.ParsePayoutQueueID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		q, err := payouts.GetQueue(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		unbatched, err := payouts.UnbatchedPayouts(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Queue     payout.Queue    `json:"queue"`
			Unbatched []payout.Payout `json:"unbatchedPayouts"`
		}{Queue: q, Unbatched: unbatched})
	}
}

// createPayoutRequest is the POST /api/payout-queues/{id}/payouts body.
type createPayoutRequest struct {
	Destination string `json:"destination"`
	Satoshis    int64  `json:"satoshis"`
	ExternalID  string `json:"externalId"`
}

// CreatePayout returns POST /api/payout-queues/{id}/payouts: inserts a
// new payout against an existing queue and posts its payout_submitted
// ledger entry in the same transaction, per spec.md §4.3's immutability
// rule (a payout's obligation is reserved the moment it's accepted).
func CreatePayout(database *db.DB, payouts *payout.Store, wallets *wallet.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queueID, err := primitives.ParsePayoutQueueID(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		var req createPayoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Destination == "" || req.Satoshis <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("destination and a positive satoshis amount are required"))
			return
		}

		ctx := r.Context()
		q, err := payouts.GetQueue(ctx, queueID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		wlt, err := wallets.GetWallet(ctx, q.WalletID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		p := payout.Payout{
			ID:          primitives.NewPayoutID(),
			AccountID:   q.AccountID,
			QueueID:     queueID,
			Destination: req.Destination,
			Satoshis:    primitives.Satoshis(req.Satoshis),
			ExternalID:  req.ExternalID,
		}

		err = database.WithImmediateTx(ctx, func(tx *sql.Tx) error {
			ledgerRec := ledger.NewReconciler(tx)
			txnID, err := ledgerRec.Post(ctx, ledger.TemplatePayoutSubmitted, p.ID.String(),
				ledger.PayoutSubmittedParams{Accounts: wlt.Accounts, Satoshis: p.Satoshis},
				time.Now(), map[string]any{"externalId": p.ExternalID})
			if err != nil {
				return err
			}
			p.PayoutSubmittedLedgerTxID = txnID.String()
			return payouts.CreatePayout(ctx, tx, p)
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		writeJSON(w, http.StatusCreated, p)
	}
}
