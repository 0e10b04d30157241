package ledger

// TemplateCode names one of the fixed, versioned ledger transaction
// templates from spec.md §4.3. Each template has a fixed entry list shape;
// only the accounts and amounts vary per posting.
type TemplateCode string

const (
	TemplateUTXODetected     TemplateCode = "utxo_detected"
	TemplateUTXOSettled      TemplateCode = "utxo_settled"
	TemplateSpentUTXOSettled TemplateCode = "spent_utxo_settled"
	TemplateSpendDetected    TemplateCode = "spend_detected"
	TemplateSpendSettled     TemplateCode = "spend_settled"
	TemplatePayoutSubmitted  TemplateCode = "payout_submitted"
	TemplatePayoutCancelled  TemplateCode = "payout_cancelled"
	TemplateBatchCreated     TemplateCode = "batch_created"
	TemplateBatchBroadcast   TemplateCode = "batch_broadcast"
	TemplateBatchDropped     TemplateCode = "batch_dropped"
	TemplateUTXODropped      TemplateCode = "utxo_dropped"
)

// templateDescriptions seeds the ledger_tx_templates table so every
// template has a human-readable description available to operators, per
// spec.md §6's mention of ledger_tx_templates carrying a description.
var templateDescriptions = map[TemplateCode]string{
	TemplateUTXODetected:     "Record incoming funds as pending; encumber the expected spend fee.",
	TemplateUTXOSettled:      "Move pending incoming funds to at-rest.",
	TemplateSpentUTXOSettled: "Settle a UTXO that was already marked spent.",
	TemplateSpendDetected:    "Record an outgoing tx seen in mempool.",
	TemplateSpendSettled:     "Confirm the outgoing tx.",
	TemplatePayoutSubmitted:  "Reserve obligation to send.",
	TemplatePayoutCancelled:  "Release obligation to send.",
	TemplateBatchCreated:     "Record batch construction: reserved UTXOs, encumbered fee, change.",
	TemplateBatchBroadcast:   "Record batch broadcast: reclaim fee reserve, move change to pending.",
	TemplateBatchDropped:     "Undo an unbroadcast batch.",
	TemplateUTXODropped:      "Undo a dropped mempool receipt.",
}
