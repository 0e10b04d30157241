package psbtbuild

import (
	"fmt"
	"sort"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// selection is the result of a successful coin selection: the chosen
// UTXOs, their total value, and the final fee/vsize the transaction
// will carry once those inputs and the given outputs are assembled.
type selection struct {
	Inputs    []SpendableUTXO
	InputSats primitives.Satoshis
	FeeSats   primitives.Satoshis
	// CPFPFeeSats is the slice of FeeSats added purely to bring any
	// selected CPFP parents' combined package fee rate up to target.
	CPFPFeeSats primitives.Satoshis
	Vsize       int64
}

// selectLargestFirst picks UTXOs from pool, largest value first,
// until their sum covers targetOutputSats plus the fee of a
// transaction with that many inputs and numOutputs outputs — re-
// estimating the fee as each input is added, since vsize grows with
// input count. Returns an insufficient-funds error if the pool is
// exhausted first.
//
// This mirrors the teacher's BuildBTCConsolidationTx fee-then-check
// shape but iterates instead of assuming "all UTXOs" are the input set.
func selectLargestFirst(pool []SpendableUTXO, targetOutputSats primitives.Satoshis, numOutputs int, feeRateSatPerVB int64) (selection, error) {
	ordered := make([]SpendableUTXO, len(pool))
	copy(ordered, pool)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ValueSats > ordered[j].ValueSats })

	var chosen []SpendableUTXO
	var inputSats int64
	var ancestorVBytes int64
	var ancestorFeeSats int64

	for _, u := range ordered {
		chosen = append(chosen, u)
		inputSats += int64(u.ValueSats)
		if u.IsCPFPParent {
			ancestorVBytes += u.CPFPAdditionalVBytes
			ancestorFeeSats += int64(u.CPFPIncludedFeeSats)
		}

		vsize := estimateVsize(len(chosen), numOutputs)
		fee := feeRateSatPerVB * vsize
		var cpfpFee int64
		if ancestorVBytes > 0 {
			// (parent_fee + cpfp_fee) / (parent_vbytes + this_tx_vbytes) >= fee_rate
			combined := feeRateSatPerVB*(ancestorVBytes+vsize) - ancestorFeeSats
			if combined > fee {
				cpfpFee = combined - fee
				fee = combined
			}
		}
		if inputSats >= int64(targetOutputSats)+fee {
			return selection{
				Inputs:      chosen,
				InputSats:   primitives.NewSatoshis(inputSats),
				FeeSats:     primitives.NewSatoshis(fee),
				CPFPFeeSats: primitives.NewSatoshis(cpfpFee),
				Vsize:       vsize,
			}, nil
		}
	}

	return selection{}, fmt.Errorf("%w: pool covers %d sats, need %d sats plus fee", config.ErrInsufficientUTXO, inputSats, targetOutputSats)
}
