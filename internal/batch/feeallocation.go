package batch

import (
	"sort"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// PayoutAmount is the minimal shape AllocateFees needs from a payout:
// its id and the satoshi amount it pays out.
type PayoutAmount struct {
	PayoutID primitives.PayoutID
	Satoshis primitives.Satoshis
}

// AllocateFees distributes a wallet's total fee F across its payouts
// proportionally to each payout's amount, per §4.2.1:
//
//	fᵢ = ⌊F · sᵢ / Σsⱼ⌋   for all but the last payout
//
// with the last payout (in ascending-amount order) absorbing the
// rounding remainder, so Σ fᵢ = F exactly. Allocation order is
// ascending by amount so that the same small payout always gets the
// same deterministic rounding treatment regardless of input order.
func AllocateFees(totalFee primitives.Satoshis, payouts []PayoutAmount) []PayoutAllocation {
	if len(payouts) == 0 {
		return nil
	}

	ordered := make([]PayoutAmount, len(payouts))
	copy(ordered, payouts)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Satoshis < ordered[j].Satoshis
	})

	var totalSats int64
	for _, p := range ordered {
		totalSats += int64(p.Satoshis)
	}

	out := make([]PayoutAllocation, len(ordered))
	var allocated int64
	for i, p := range ordered {
		if i == len(ordered)-1 {
			out[i] = PayoutAllocation{PayoutID: p.PayoutID, AllocatedFeeSats: primitives.NewSatoshis(int64(totalFee) - allocated)}
			break
		}
		var f int64
		if totalSats > 0 {
			f = (int64(totalFee) * int64(p.Satoshis)) / totalSats
		}
		allocated += f
		out[i] = PayoutAllocation{PayoutID: p.PayoutID, AllocatedFeeSats: primitives.NewSatoshis(f)}
	}
	return out
}
