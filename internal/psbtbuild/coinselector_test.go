package psbtbuild

import (
	"errors"
	"testing"

	"github.com/Fantasim/hdtreasury/internal/config"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

func mustOutpoint(t *testing.T, vout uint32) primitives.OutPoint {
	t.Helper()
	return primitives.OutPoint{Vout: vout}
}

func TestSelectLargestFirst_PicksFewestInputs(t *testing.T) {
	pool := []SpendableUTXO{
		{Outpoint: mustOutpoint(t, 0), ValueSats: primitives.NewSatoshis(1000)},
		{Outpoint: mustOutpoint(t, 1), ValueSats: primitives.NewSatoshis(100000)},
		{Outpoint: mustOutpoint(t, 2), ValueSats: primitives.NewSatoshis(500)},
	}
	sel, err := selectLargestFirst(pool, primitives.NewSatoshis(50000), 1, 10)
	if err != nil {
		t.Fatalf("selectLargestFirst() error = %v", err)
	}
	if len(sel.Inputs) != 1 {
		t.Fatalf("len(Inputs) = %d, want 1 (the single 100000-sat UTXO should cover 50000 + fee)", len(sel.Inputs))
	}
	if sel.Inputs[0].ValueSats != 100000 {
		t.Errorf("selected UTXO value = %d, want 100000", sel.Inputs[0].ValueSats)
	}
}

func TestSelectLargestFirst_AccumulatesMultipleInputs(t *testing.T) {
	pool := []SpendableUTXO{
		{Outpoint: mustOutpoint(t, 0), ValueSats: primitives.NewSatoshis(3000)},
		{Outpoint: mustOutpoint(t, 1), ValueSats: primitives.NewSatoshis(3000)},
		{Outpoint: mustOutpoint(t, 2), ValueSats: primitives.NewSatoshis(3000)},
	}
	sel, err := selectLargestFirst(pool, primitives.NewSatoshis(8000), 1, 1)
	if err != nil {
		t.Fatalf("selectLargestFirst() error = %v", err)
	}
	if len(sel.Inputs) != 3 {
		t.Fatalf("len(Inputs) = %d, want 3", len(sel.Inputs))
	}
}

func TestSelectLargestFirst_InsufficientFunds(t *testing.T) {
	pool := []SpendableUTXO{
		{Outpoint: mustOutpoint(t, 0), ValueSats: primitives.NewSatoshis(100)},
	}
	_, err := selectLargestFirst(pool, primitives.NewSatoshis(50000), 1, 10)
	if !errors.Is(err, config.ErrInsufficientUTXO) {
		t.Fatalf("err = %v, want wrapping config.ErrInsufficientUTXO", err)
	}
}

func TestSelectLargestFirst_CPFPParentBumpsCombinedFee(t *testing.T) {
	const feeRate = int64(10)
	pool := []SpendableUTXO{
		{
			Outpoint:             mustOutpoint(t, 0),
			ValueSats:            primitives.NewSatoshis(1_000_000),
			IsCPFPParent:         true,
			CPFPAdditionalVBytes: 100,
			CPFPIncludedFeeSats:  primitives.NewSatoshis(200), // parent paid only 2 sat/vB
		},
	}
	sel, err := selectLargestFirst(pool, primitives.NewSatoshis(500_000), 1, feeRate)
	if err != nil {
		t.Fatalf("selectLargestFirst() error = %v", err)
	}

	vsize := estimateVsize(1, 1)
	plainFee := feeRate * vsize
	wantBump := feeRate*(100+vsize) - 200 - plainFee

	if int64(sel.CPFPFeeSats) != wantBump {
		t.Fatalf("CPFPFeeSats = %d, want %d", sel.CPFPFeeSats, wantBump)
	}
	if int64(sel.FeeSats) != plainFee+wantBump {
		t.Fatalf("FeeSats = %d, want %d", sel.FeeSats, plainFee+wantBump)
	}
}

func TestSelectLargestFirst_NonCPFPUTXOIgnoresAncestryFields(t *testing.T) {
	pool := []SpendableUTXO{
		{Outpoint: mustOutpoint(t, 0), ValueSats: primitives.NewSatoshis(1_000_000)},
	}
	sel, err := selectLargestFirst(pool, primitives.NewSatoshis(500_000), 1, 10)
	if err != nil {
		t.Fatalf("selectLargestFirst() error = %v", err)
	}
	if sel.CPFPFeeSats != 0 {
		t.Fatalf("CPFPFeeSats = %d, want 0 for a plain UTXO", sel.CPFPFeeSats)
	}
}

func TestSelectLargestFirst_FeeIncludedInRequirement(t *testing.T) {
	pool := []SpendableUTXO{
		{Outpoint: mustOutpoint(t, 0), ValueSats: primitives.NewSatoshis(1000)},
	}
	// target is 999, leaving only 1 sat for fee — far below any plausible fee at rate 50.
	_, err := selectLargestFirst(pool, primitives.NewSatoshis(999), 1, 50)
	if err == nil {
		t.Fatal("expected insufficient funds once fee is accounted for")
	}
}
