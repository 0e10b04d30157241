package psbtbuild

// P2WPKH weight-unit constants, per BIP-141: a native SegWit
// single-sig input/output's non-witness and witness weight, used to
// estimate vsize before a transaction is fully built. Grounded on the
// teacher's EstimateBTCVsize, generalized from single-destination
// consolidation to an arbitrary recipient/change count.
const (
	txOverheadWU          = 10*4 + 2 // version+locktime (4 bytes each) + input/output counts (1 byte each) counted 4x, + segwit marker/flag counted 1x
	p2wpkhInputNonWitWU   = 41 * 4   // outpoint(36) + scriptSig len(1) + sequence(4), non-witness bytes counted 4x
	p2wpkhInputWitWU      = 108      // witness stack (sig ~72 + pubkey 33 + 2 length bytes + item count), counted 1x
	p2wpkhOutputWU        = 31 * 4   // value(8) + scriptPubKey len(1) + script(22), non-witness bytes counted 4x
)

// estimateVsize returns the estimated vsize (ceil(weight/4)) of a
// transaction with numInputs P2WPKH inputs and numOutputs P2WPKH
// outputs (payouts plus an optional change output).
func estimateVsize(numInputs, numOutputs int) int64 {
	weight := int64(txOverheadWU) +
		int64(numInputs)*(p2wpkhInputNonWitWU+p2wpkhInputWitWU) +
		int64(numOutputs)*p2wpkhOutputWU
	return (weight + 3) / 4
}
