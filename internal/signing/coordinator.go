package signing

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// SignerResolver looks up the RemoteSigner configured for an xpub,
// decrypting its connection config with the process-wide signer
// encryption key. Returns an error wrapping config.ErrSignerConfigMissing
// when no signer is configured yet.
type SignerResolver interface {
	ResolveSigner(ctx context.Context, xpubID primitives.XpubID) (RemoteSigner, error)
}

// Coordinator drives the signing sessions of one batch through
// spec.md §4.4's Initialized -> {Complete|Failed} state machine and
// finalizes once enough sessions complete.
type Coordinator struct {
	store    *Store
	resolver SignerResolver
}

func NewCoordinator(store *Store, resolver SignerResolver) *Coordinator {
	return &Coordinator{store: store, resolver: resolver}
}

// EnsureSessions creates one Initialized session per distinct xpub
// that doesn't already have one for this batch, per §4.4 step 1.
func (c *Coordinator) EnsureSessions(ctx context.Context, tx *sql.Tx, batchID primitives.BatchID, unsignedPSBT []byte, xpubsBySignerID map[primitives.XpubID]string) error {
	existing, err := c.store.ForBatch(ctx, batchID)
	if err != nil {
		return err
	}
	have := make(map[primitives.XpubID]struct{}, len(existing))
	for _, s := range existing {
		have[s.XpubID] = struct{}{}
	}

	for xpubID, signerID := range xpubsBySignerID {
		if _, ok := have[xpubID]; ok {
			continue
		}
		if err := c.store.CreateSession(ctx, tx, Session{
			ID: primitives.NewSigningSessionID(), BatchID: batchID, XpubID: xpubID, SignerID: signerID,
			Status: StatusPending,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Advance attempts to sign every non-Complete session of a batch
// against its currently-configured remote signers, per §4.4 steps 2-3.
// It returns the last recoverable error encountered, if any, so the
// job scheduler can decide whether to retry with backoff.
func (c *Coordinator) Advance(ctx context.Context, tx *sql.Tx, batchID primitives.BatchID, unsignedPSBT []byte) error {
	sessions, err := c.store.ForBatch(ctx, batchID)
	if err != nil {
		return err
	}

	var lastRecoverable error
	for _, sess := range sessions {
		if sess.IsComplete() {
			continue
		}

		signer, err := c.resolver.ResolveSigner(ctx, sess.XpubID)
		if err != nil {
			if errors.Is(err, config.ErrSignerConfigMissing) {
				if markErr := c.store.MarkFailed(ctx, tx, sess.ID, ReasonSignerConfigMissing); markErr != nil {
					return markErr
				}
				continue
			}
			return fmt.Errorf("resolve signer for xpub %s: %w", sess.XpubID, err)
		}

		signed, err := signer.SignPSBT(ctx, unsignedPSBT)
		if err != nil {
			if markErr := c.store.MarkFailed(ctx, tx, sess.ID, ReasonSigningClientError); markErr != nil {
				return markErr
			}
			lastRecoverable = fmt.Errorf("session %s: %w", sess.ID, err)
			continue
		}

		if err := c.store.MarkSigned(ctx, tx, sess.ID, signed); err != nil {
			return err
		}
	}
	return lastRecoverable
}

// Finalize merges every Complete session's PSBT (BIP-174 merge) and,
// once the merged packet is complete, extracts and serializes the
// final transaction. If the merged packet still has inputs without
// final signatures, the batch is still missing signatures and Finalize
// reports Stalled rather than an error.
func (c *Coordinator) Finalize(ctx context.Context, batchID primitives.BatchID) (Outcome, []byte, error) {
	sessions, err := c.store.ForBatch(ctx, batchID)
	if err != nil {
		return OutcomeStalled, nil, err
	}

	var merged *psbt.Packet
	anyRecoverableFailure := false
	for _, sess := range sessions {
		if sess.IsFailed() && FailureReason(sess.FailureReason) == ReasonSigningClientError {
			anyRecoverableFailure = true
		}
		if !sess.IsComplete() {
			continue
		}
		pkt, err := psbt.NewFromRawBytes(bytes.NewReader(sess.SignedPSBT), false)
		if err != nil {
			return OutcomeStalled, nil, fmt.Errorf("parse signed psbt from session %s: %w", sess.ID, err)
		}
		if merged == nil {
			merged = pkt
			continue
		}
		if err := mergePSBT(merged, pkt); err != nil {
			return OutcomeStalled, nil, fmt.Errorf("merge signed psbt from session %s: %w", sess.ID, err)
		}
	}

	if merged == nil {
		if anyRecoverableFailure {
			return OutcomeStalled, nil, fmt.Errorf("%w: no session completed signing this round", config.ErrSignerConfigMissing)
		}
		return OutcomeStalled, nil, nil
	}

	if !merged.IsComplete() {
		return OutcomeStalled, nil, nil
	}

	finalTx, err := psbt.Extract(merged)
	if err != nil {
		return OutcomeStalled, nil, fmt.Errorf("extract finalized transaction: %w", err)
	}

	var buf bytes.Buffer
	if err := finalTx.Serialize(&buf); err != nil {
		return OutcomeStalled, nil, fmt.Errorf("serialize finalized transaction: %w", err)
	}
	return OutcomeReadyToBroadcast, buf.Bytes(), nil
}

// mergePSBT combines src's per-input partial signatures into dst, in
// place — BIP-174's merge operation: each input/output index is
// positionally aligned since every session signs the same unsigned
// transaction.
func mergePSBT(dst, src *psbt.Packet) error {
	if len(dst.Inputs) != len(src.Inputs) {
		return fmt.Errorf("input count mismatch: %d vs %d", len(dst.Inputs), len(src.Inputs))
	}
	for i := range dst.Inputs {
		dst.Inputs[i].PartialSigs = append(dst.Inputs[i].PartialSigs, src.Inputs[i].PartialSigs...)
		if dst.Inputs[i].FinalScriptSig == nil {
			dst.Inputs[i].FinalScriptSig = src.Inputs[i].FinalScriptSig
		}
		if dst.Inputs[i].FinalScriptWitness == nil {
			dst.Inputs[i].FinalScriptWitness = src.Inputs[i].FinalScriptWitness
		}
	}
	return nil
}
