package ledger

import "github.com/Fantasim/hdtreasury/internal/primitives"

// UTXODetectedParams builds the entries for a newly detected (mempool or
// confirmed) incoming UTXO: pending incoming recognition plus an
// encumbered reserve for its eventual spend fee.
type UTXODetectedParams struct {
	Accounts             WalletAccountSet
	OnchainFeeAccount    primitives.LedgerAccountID
	Satoshis             primitives.Satoshis
	EncumberedSpendingFee primitives.Satoshis
}

func (p UTXODetectedParams) entries() []entrySpec {
	out := []entrySpec{
		{account: p.Accounts.EffectiveIncoming, entryType: "UTXO_DETECTED_LOG_IN_PEN_DR", direction: Debit, layer: LayerPending, units: p.Satoshis},
		{account: p.Accounts.OnchainIncoming, entryType: "UTXO_DETECTED_LOG_IN_PEN_CR", direction: Credit, layer: LayerPending, units: p.Satoshis},
	}
	if p.EncumberedSpendingFee > 0 {
		out = append(out,
			entrySpec{account: p.Accounts.Fee, entryType: "UTXO_DETECTED_FR_ENC_DR", direction: Debit, layer: LayerEncumbered, units: p.EncumberedSpendingFee},
			entrySpec{account: p.OnchainFeeAccount, entryType: "UTXO_DETECTED_FR_ENC_CR", direction: Credit, layer: LayerEncumbered, units: p.EncumberedSpendingFee},
		)
	}
	return out
}

// UTXOSettledParams moves a previously pending incoming UTXO to settled.
type UTXOSettledParams struct {
	Accounts WalletAccountSet
	Satoshis primitives.Satoshis
}

func (p UTXOSettledParams) entries() []entrySpec {
	return []entrySpec{
		{account: p.Accounts.EffectiveIncoming, entryType: "UTXO_SETTLED_PEN_DR", direction: Credit, layer: LayerPending, units: p.Satoshis},
		{account: p.Accounts.OnchainIncoming, entryType: "UTXO_SETTLED_PEN_CR", direction: Debit, layer: LayerPending, units: p.Satoshis},
		{account: p.Accounts.EffectiveAtRest, entryType: "UTXO_SETTLED_SET_DR", direction: Debit, layer: LayerSettled, units: p.Satoshis},
		{account: p.Accounts.OnchainAtRest, entryType: "UTXO_SETTLED_SET_CR", direction: Credit, layer: LayerSettled, units: p.Satoshis},
	}
}

// SpentUTXOSettledParams settles a UTXO that was already marked spent
// before its own incoming confirmation was observed (§4.5.1 deferred
// allocation): skips the pending leg and posts straight to settled, with a
// withdrawal adjustment for the amount already counted as spent.
type SpentUTXOSettledParams struct {
	Accounts       WalletAccountSet
	Satoshis       primitives.Satoshis
	WithdrawnSats  primitives.Satoshis
}

func (p SpentUTXOSettledParams) entries() []entrySpec {
	out := []entrySpec{
		{account: p.Accounts.EffectiveAtRest, entryType: "SPENT_UTXO_SETTLED_DR", direction: Debit, layer: LayerSettled, units: p.Satoshis},
		{account: p.Accounts.OnchainAtRest, entryType: "SPENT_UTXO_SETTLED_CR", direction: Credit, layer: LayerSettled, units: p.Satoshis},
	}
	if p.WithdrawnSats > 0 {
		out = append(out,
			entrySpec{account: p.Accounts.EffectiveAtRest, entryType: "SPENT_UTXO_SETTLED_WD_DR", direction: Debit, layer: LayerSettled, units: p.WithdrawnSats},
			entrySpec{account: p.Accounts.EffectiveOutgoing, entryType: "SPENT_UTXO_SETTLED_WD_CR", direction: Credit, layer: LayerSettled, units: p.WithdrawnSats},
		)
	}
	return out
}

// SpendDetectedParams records an outgoing transaction observed in the
// mempool: reclaims the fee reserve taken at detection time, posts the
// pending outgoing leg, and records any change output as pending incoming.
type SpendDetectedParams struct {
	Accounts          WalletAccountSet
	OnchainFeeAccount primitives.LedgerAccountID
	SpentSats         primitives.Satoshis
	FeeSats           primitives.Satoshis
	ChangeSats        primitives.Satoshis
}

func (p SpendDetectedParams) entries() []entrySpec {
	out := []entrySpec{
		{account: p.Accounts.EffectiveAtRest, entryType: "SPEND_DETECTED_OUT_PEN_DR", direction: Debit, layer: LayerPending, units: p.SpentSats},
		{account: p.Accounts.EffectiveOutgoing, entryType: "SPEND_DETECTED_OUT_PEN_CR", direction: Credit, layer: LayerPending, units: p.SpentSats},
		{account: p.OnchainFeeAccount, entryType: "SPEND_DETECTED_FR_ENC_DR", direction: Debit, layer: LayerEncumbered, units: p.FeeSats},
		{account: p.Accounts.Fee, entryType: "SPEND_DETECTED_FR_ENC_CR", direction: Credit, layer: LayerEncumbered, units: p.FeeSats},
	}
	if p.ChangeSats > 0 {
		out = append(out,
			entrySpec{account: p.Accounts.EffectiveIncoming, entryType: "SPEND_DETECTED_CHG_PEN_DR", direction: Debit, layer: LayerPending, units: p.ChangeSats},
			entrySpec{account: p.Accounts.OnchainIncoming, entryType: "SPEND_DETECTED_CHG_PEN_CR", direction: Credit, layer: LayerPending, units: p.ChangeSats},
		)
	}
	return out
}

// SpendSettledParams confirms a previously detected outgoing transaction.
type SpendSettledParams struct {
	Accounts   WalletAccountSet
	SpentSats  primitives.Satoshis
	ChangeSats primitives.Satoshis
}

func (p SpendSettledParams) entries() []entrySpec {
	out := []entrySpec{
		{account: p.Accounts.EffectiveAtRest, entryType: "SPEND_SETTLED_OUT_PEN_DR", direction: Credit, layer: LayerPending, units: p.SpentSats},
		{account: p.Accounts.EffectiveOutgoing, entryType: "SPEND_SETTLED_OUT_PEN_CR", direction: Debit, layer: LayerPending, units: p.SpentSats},
		{account: p.Accounts.EffectiveOutgoing, entryType: "SPEND_SETTLED_OUT_SET_DR", direction: Debit, layer: LayerSettled, units: p.SpentSats},
		{account: p.Accounts.OnchainOutgoing, entryType: "SPEND_SETTLED_OUT_SET_CR", direction: Credit, layer: LayerSettled, units: p.SpentSats},
	}
	if p.ChangeSats > 0 {
		out = append(out,
			entrySpec{account: p.Accounts.EffectiveIncoming, entryType: "SPEND_SETTLED_CHG_PEN_DR", direction: Credit, layer: LayerPending, units: p.ChangeSats},
			entrySpec{account: p.Accounts.OnchainIncoming, entryType: "SPEND_SETTLED_CHG_PEN_CR", direction: Debit, layer: LayerPending, units: p.ChangeSats},
			entrySpec{account: p.Accounts.EffectiveAtRest, entryType: "SPEND_SETTLED_CHG_SET_DR", direction: Debit, layer: LayerSettled, units: p.ChangeSats},
			entrySpec{account: p.Accounts.OnchainAtRest, entryType: "SPEND_SETTLED_CHG_SET_CR", direction: Credit, layer: LayerSettled, units: p.ChangeSats},
		)
	}
	return out
}

// PayoutSubmittedParams reserves the obligation to send a queued payout.
type PayoutSubmittedParams struct {
	Accounts WalletAccountSet
	Satoshis primitives.Satoshis
}

func (p PayoutSubmittedParams) entries() []entrySpec {
	return []entrySpec{
		{account: p.Accounts.EffectiveAtRest, entryType: "PAYOUT_SUBMITTED_DR", direction: Debit, layer: LayerEncumbered, units: p.Satoshis},
		{account: p.Accounts.EffectiveOutgoing, entryType: "PAYOUT_SUBMITTED_CR", direction: Credit, layer: LayerEncumbered, units: p.Satoshis},
	}
}

// PayoutCancelledParams releases the reservation made by payout_submitted.
type PayoutCancelledParams struct {
	Accounts WalletAccountSet
	Satoshis primitives.Satoshis
}

func (p PayoutCancelledParams) entries() []entrySpec {
	return []entrySpec{
		{account: p.Accounts.EffectiveOutgoing, entryType: "PAYOUT_CANCELLED_DR", direction: Debit, layer: LayerEncumbered, units: p.Satoshis},
		{account: p.Accounts.EffectiveAtRest, entryType: "PAYOUT_CANCELLED_CR", direction: Credit, layer: LayerEncumbered, units: p.Satoshis},
	}
}

// BatchCreatedParams records batch construction: payout obligations move
// from encumbered to pending outgoing, at-rest balance is drawn down by the
// spent amount, the batch fee is encumbered, and any change is encumbered
// as pending-incoming-to-be.
type BatchCreatedParams struct {
	Accounts          WalletAccountSet
	OnchainFeeAccount primitives.LedgerAccountID
	PayoutTotalSats   primitives.Satoshis
	FeeSats           primitives.Satoshis
	ChangeSats        primitives.Satoshis
}

func (p BatchCreatedParams) entries() []entrySpec {
	out := []entrySpec{
		{account: p.Accounts.EffectiveOutgoing, entryType: "BATCH_CREATED_ENC_DR", direction: Debit, layer: LayerEncumbered, units: p.PayoutTotalSats},
		{account: p.Accounts.EffectiveAtRest, entryType: "BATCH_CREATED_ENC_CR", direction: Credit, layer: LayerEncumbered, units: p.PayoutTotalSats},
		{account: p.Accounts.EffectiveAtRest, entryType: "BATCH_CREATED_PEN_DR", direction: Debit, layer: LayerPending, units: p.PayoutTotalSats},
		{account: p.Accounts.EffectiveOutgoing, entryType: "BATCH_CREATED_PEN_CR", direction: Credit, layer: LayerPending, units: p.PayoutTotalSats},
		{account: p.Accounts.EffectiveAtRest, entryType: "BATCH_CREATED_SET_DR", direction: Debit, layer: LayerSettled, units: p.PayoutTotalSats},
		{account: p.Accounts.EffectiveOutgoing, entryType: "BATCH_CREATED_SET_CR", direction: Credit, layer: LayerSettled, units: p.PayoutTotalSats},
		{account: p.Accounts.Fee, entryType: "BATCH_CREATED_FEE_DR", direction: Debit, layer: LayerEncumbered, units: p.FeeSats},
		{account: p.OnchainFeeAccount, entryType: "BATCH_CREATED_FEE_CR", direction: Credit, layer: LayerEncumbered, units: p.FeeSats},
	}
	if p.ChangeSats > 0 {
		out = append(out,
			entrySpec{account: p.Accounts.EffectiveIncoming, entryType: "BATCH_CREATED_CHG_DR", direction: Debit, layer: LayerEncumbered, units: p.ChangeSats},
			entrySpec{account: p.Accounts.OnchainIncoming, entryType: "BATCH_CREATED_CHG_CR", direction: Credit, layer: LayerEncumbered, units: p.ChangeSats},
		)
	}
	return out
}

// BatchBroadcastParams records broadcast: reclaim the fee reserve against
// the actual mined fee, and move the encumbered change into pending.
type BatchBroadcastParams struct {
	Accounts          WalletAccountSet
	OnchainFeeAccount primitives.LedgerAccountID
	FeeSats           primitives.Satoshis
	ChangeSats        primitives.Satoshis
}

func (p BatchBroadcastParams) entries() []entrySpec {
	out := []entrySpec{
		{account: p.OnchainFeeAccount, entryType: "BATCH_BROADCAST_FEE_DR", direction: Debit, layer: LayerEncumbered, units: p.FeeSats},
		{account: p.Accounts.Fee, entryType: "BATCH_BROADCAST_FEE_CR", direction: Credit, layer: LayerEncumbered, units: p.FeeSats},
	}
	if p.ChangeSats > 0 {
		out = append(out,
			entrySpec{account: p.Accounts.OnchainIncoming, entryType: "BATCH_BROADCAST_CHG_ENC_DR", direction: Debit, layer: LayerEncumbered, units: p.ChangeSats},
			entrySpec{account: p.Accounts.EffectiveIncoming, entryType: "BATCH_BROADCAST_CHG_ENC_CR", direction: Credit, layer: LayerEncumbered, units: p.ChangeSats},
			entrySpec{account: p.Accounts.EffectiveIncoming, entryType: "BATCH_BROADCAST_CHG_PEN_DR", direction: Debit, layer: LayerPending, units: p.ChangeSats},
			entrySpec{account: p.Accounts.OnchainIncoming, entryType: "BATCH_BROADCAST_CHG_PEN_CR", direction: Credit, layer: LayerPending, units: p.ChangeSats},
		)
	}
	return out
}

// BatchDroppedParams is the exact reverse of BatchCreatedParams, used when
// an unbroadcast batch is cancelled.
type BatchDroppedParams BatchCreatedParams

func (p BatchDroppedParams) entries() []entrySpec {
	reversed := make([]entrySpec, 0, 6)
	for _, e := range (BatchCreatedParams(p)).entries() {
		e.direction = flip(e.direction)
		e.entryType = e.entryType + "_REVERSED"
		reversed = append(reversed, e)
	}
	return reversed
}

// UTXODroppedParams is the exact reverse of UTXODetectedParams, used when a
// previously detected mempool UTXO disappears (RBF/reorg).
type UTXODroppedParams UTXODetectedParams

func (p UTXODroppedParams) entries() []entrySpec {
	reversed := make([]entrySpec, 0, 6)
	for _, e := range (UTXODetectedParams(p)).entries() {
		e.direction = flip(e.direction)
		e.entryType = e.entryType + "_REVERSED"
		reversed = append(reversed, e)
	}
	return reversed
}

func flip(d Direction) Direction {
	if d == Debit {
		return Credit
	}
	return Debit
}
