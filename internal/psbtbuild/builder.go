package psbtbuild

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Fantasim/hdtreasury/internal/batch"
	"github.com/Fantasim/hdtreasury/internal/primitives"
)

// InitialBuilder holds the frozen global configuration. Per §4.2 step
// 1, nothing about wallets or keychains is visible yet.
type InitialBuilder struct {
	cfg Config
}

func NewBuilder(cfg Config) *InitialBuilder {
	return &InitialBuilder{cfg: cfg}
}

// Start freezes cfg and returns the wallet-accepting stage.
func (b *InitialBuilder) Start() *AcceptingWalletsBuilder {
	return &AcceptingWalletsBuilder{cfg: b.cfg}
}

// AcceptingWalletsBuilder accumulates the running, fused-across-wallets
// result as each wallet is processed in turn (§4.2 steps 2-5).
type AcceptingWalletsBuilder struct {
	cfg Config

	includedPayouts []primitives.PayoutID
	includedUTXOs   []primitives.OutPoint
	summaries       []batch.WalletSummary
	allocations     []batch.PayoutAllocation

	inputs  []bip69Input
	outputs []bip69Output

	totalFeeSats int64
}

// Wallet begins building this wallet's PSBT contribution: keychains in
// descriptor order (current, deprecated1, deprecated2, ...) against
// its queued payouts.
func (b *AcceptingWalletsBuilder) Wallet(walletID primitives.WalletID, keychains []KeychainInput, payouts []Recipient) *AcceptingKeychainBuilder {
	return &AcceptingKeychainBuilder{
		parent:    b,
		walletID:  walletID,
		keychains: keychains,
		remaining: payouts,
	}
}

// AcceptingKeychainBuilder selects coins for one wallet across its
// keychains in order (current, deprecated1, deprecated2, ...), per
// §4.2 step 3.
type AcceptingKeychainBuilder struct {
	parent    *AcceptingWalletsBuilder
	walletID  primitives.WalletID
	keychains []KeychainInput
	remaining []Recipient
}

// bip69Input is an input awaiting BIP-69 ordering, carrying the
// keychain it was selected from so the builder can report per-wallet
// spent-UTXO bookkeeping after fusion.
type bip69Input struct {
	utxo       SpendableUTXO
	keychainID primitives.KeychainID
	walletID   primitives.WalletID
	isCPFP     bool
}

// bip69Output is an output awaiting BIP-69 ordering; Recipient is nil
// for a change output.
type bip69Output struct {
	script    []byte
	valueSats int64
	payoutID  *primitives.PayoutID
	walletID  primitives.WalletID
	isChange  bool
}

// Build runs coin selection across k's keychains for its wallet and
// folds the result back into the parent AcceptingWalletsBuilder,
// returning it so the caller can move on to the next wallet or call
// Finish.
func (k *AcceptingKeychainBuilder) Build() (*AcceptingWalletsBuilder, error) {
	cfg := k.parent.cfg

	destScripts := make(map[primitives.PayoutID][]byte, len(k.remaining))
	var targetOutputSats int64
	for _, r := range k.remaining {
		addr, err := btcutil.DecodeAddress(r.Destination, cfg.NetParams)
		if err != nil {
			return nil, fmt.Errorf("decode payout %s destination %q: %w", r.PayoutID, r.Destination, err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("build script for payout %s: %w", r.PayoutID, err)
		}
		destScripts[r.PayoutID] = script
		targetOutputSats += int64(r.Satoshis)
	}

	pool, cpfpByOutpoint := k.candidatePool()

	var sel selection
	var err error
	var usedKeychain primitives.KeychainID
	var changeAddress, changeScript = "", []byte(nil)

	if cfg.ConsolidateDeprecatedKeychains {
		sel, err = selectLargestFirst(pool, primitives.NewSatoshis(targetOutputSats), len(k.remaining)+1, cfg.FeeRateSatPerVB)
		if err != nil {
			return nil, err
		}
		if len(k.keychains) > 0 {
			usedKeychain = k.keychains[0].KeychainID
			changeAddress = k.keychains[0].ChangeAddress
			changeScript = k.keychains[0].ChangeScript
		}
	} else {
		var lastErr error
		for _, kc := range k.keychainList() {
			attemptPool := k.poolForSingleKeychain(kc)
			sel, err = selectLargestFirst(attemptPool, primitives.NewSatoshis(targetOutputSats), len(k.remaining)+1, cfg.FeeRateSatPerVB)
			if err == nil {
				usedKeychain = kc.KeychainID
				changeAddress = kc.ChangeAddress
				changeScript = kc.ChangeScript
				break
			}
			lastErr = err
		}
		if err != nil {
			return nil, lastErr
		}
	}

	changeSats := int64(sel.InputSats) - targetOutputSats - int64(sel.FeeSats)
	if changeSats > 0 && changeSats < int64(cfg.ForceMinChangeOutputSats) {
		// fold dust-sized change into the fee rather than emit it.
		sel.FeeSats = primitives.NewSatoshis(int64(sel.FeeSats) + changeSats)
		changeSats = 0
	}

	cpfpFeeSats := int64(sel.CPFPFeeSats)
	cpfpDetails := allocateCPFPAttribution(sel.Inputs, cpfpByOutpoint, sel.CPFPFeeSats)

	for _, in := range sel.Inputs {
		k.parent.inputs = append(k.parent.inputs, bip69Input{
			utxo:       in,
			keychainID: k.keychainIDFor(in.Outpoint, usedKeychain),
			walletID:   k.walletID,
			isCPFP:     in.IsCPFPParent,
		})
		k.parent.includedUTXOs = append(k.parent.includedUTXOs, in.Outpoint)
	}

	for _, r := range k.remaining {
		k.parent.outputs = append(k.parent.outputs, bip69Output{
			script:    destScripts[r.PayoutID],
			valueSats: int64(r.Satoshis),
			payoutID:  &r.PayoutID,
			walletID:  k.walletID,
		})
		k.parent.includedPayouts = append(k.parent.includedPayouts, r.PayoutID)
	}

	var changeOutpointPlaceholder *primitives.OutPoint
	if changeSats > 0 {
		k.parent.outputs = append(k.parent.outputs, bip69Output{
			script:    changeScript,
			valueSats: changeSats,
			walletID:  k.walletID,
			isChange:  true,
		})
	}

	allocs := batch.AllocateFees(primitives.NewSatoshis(int64(sel.FeeSats)-cpfpFeeSats), payoutAmounts(k.remaining))
	k.parent.allocations = append(k.parent.allocations, allocs...)
	k.parent.totalFeeSats += int64(sel.FeeSats)

	k.parent.summaries = append(k.parent.summaries, batch.WalletSummary{
		WalletID:          k.walletID,
		CurrentKeychainID: usedKeychain,
		TotalInSats:       sel.InputSats,
		TotalSpentSats:    primitives.NewSatoshis(targetOutputSats),
		TotalFeeSats:      primitives.NewSatoshis(int64(sel.FeeSats)),
		CPFPFeeSats:       primitives.NewSatoshis(cpfpFeeSats),
		CPFPDetails:       cpfpDetails,
		ChangeSats:        primitives.NewSatoshis(changeSats),
		ChangeAddress:     changeAddressIfAny(changeSats, changeAddress),
		ChangeOutpoint:    changeOutpointPlaceholder, // filled in once the final tx_id is known, after Finish
	})

	return k.parent, nil
}

func changeAddressIfAny(changeSats int64, addr string) string {
	if changeSats <= 0 {
		return ""
	}
	return addr
}

func payoutAmounts(recipients []Recipient) []batch.PayoutAmount {
	out := make([]batch.PayoutAmount, len(recipients))
	for i, r := range recipients {
		out[i] = batch.PayoutAmount{PayoutID: r.PayoutID, Satoshis: r.Satoshis}
	}
	return out
}

func (k *AcceptingKeychainBuilder) keychainList() []KeychainInput {
	return k.keychains
}

// candidatePool returns every spendable UTXO across all of this
// wallet's keychains (used only in ConsolidateDeprecatedKeychains
// mode) along with a lookup of CPFP parent metadata by outpoint.
func (k *AcceptingKeychainBuilder) candidatePool() ([]SpendableUTXO, map[primitives.OutPoint]CPFPParent) {
	cpfpByOutpoint := map[primitives.OutPoint]CPFPParent{}
	var pool []SpendableUTXO
	for _, kc := range k.keychainList() {
		for _, u := range kc.Spendable {
			if k.parent.cfg.isReserved(u.Outpoint) {
				continue
			}
			pool = append(pool, u)
		}
		for _, cp := range kc.CPFPParents {
			cpfpByOutpoint[cp.Outpoint] = cp
			pool = append(pool, cpfpPoolEntry(cp))
		}
	}
	return pool, cpfpByOutpoint
}

func (k *AcceptingKeychainBuilder) poolForSingleKeychain(kc KeychainInput) []SpendableUTXO {
	var pool []SpendableUTXO
	for _, u := range kc.Spendable {
		if k.parent.cfg.isReserved(u.Outpoint) {
			continue
		}
		pool = append(pool, u)
	}
	for _, cp := range kc.CPFPParents {
		pool = append(pool, cpfpPoolEntry(cp))
	}
	return pool
}

// cpfpPoolEntry flattens a CPFPParent into a plain SpendableUTXO carrying
// its ancestry weight, so selectLargestFirst can fold it into the
// combined-rate fee computation.
func cpfpPoolEntry(cp CPFPParent) SpendableUTXO {
	u := cp.SpendableUTXO
	u.IsCPFPParent = true
	u.CPFPAdditionalVBytes = cp.AdditionalVBytes
	u.CPFPIncludedFeeSats = cp.IncludedFeeSats
	return u
}

// allocateCPFPAttribution distributes sel's combined-rate CPFP fee bump
// across the CPFP-parent inputs this selection actually used,
// proportionally to each parent's ancestry vbytes, per §4.2.1's
// ascending-order/last-absorbs-remainder convention.
func allocateCPFPAttribution(inputs []SpendableUTXO, cpfpByOutpoint map[primitives.OutPoint]CPFPParent, totalBump primitives.Satoshis) map[string]batch.CPFPAttribution {
	details := map[string]batch.CPFPAttribution{}
	if totalBump == 0 {
		return details
	}

	var parents []SpendableUTXO
	for _, in := range inputs {
		if _, ok := cpfpByOutpoint[in.Outpoint]; ok {
			parents = append(parents, in)
		}
	}
	if len(parents) == 0 {
		return details
	}

	sort.Slice(parents, func(i, j int) bool {
		return parents[i].CPFPAdditionalVBytes < parents[j].CPFPAdditionalVBytes
	})

	var totalVBytes int64
	for _, p := range parents {
		totalVBytes += p.CPFPAdditionalVBytes
	}

	var allocated int64
	for i, p := range parents {
		var share int64
		if i == len(parents)-1 {
			share = int64(totalBump) - allocated
		} else if totalVBytes > 0 {
			share = (int64(totalBump) * p.CPFPAdditionalVBytes) / totalVBytes
			allocated += share
		}
		details[p.Outpoint.String()] = batch.CPFPAttribution{BumpFeeSats: primitives.NewSatoshis(share)}
	}
	return details
}

func (k *AcceptingKeychainBuilder) keychainIDFor(op primitives.OutPoint, fallback primitives.KeychainID) primitives.KeychainID {
	for _, kc := range k.keychainList() {
		for _, u := range kc.Spendable {
			if u.Outpoint == op {
				return kc.KeychainID
			}
		}
		for _, cp := range kc.CPFPParents {
			if cp.Outpoint == op {
				return kc.KeychainID
			}
		}
	}
	return fallback
}

// FinishedBuild is the builder's terminal output, per §4.2 step 6.
type FinishedBuild struct {
	PSBT            []byte
	TxID            string
	FeeSatoshis     primitives.Satoshis
	IncludedPayouts []primitives.PayoutID
	IncludedUTXOs   []primitives.OutPoint
	WalletTotals    []batch.WalletSummary
	Allocations     []batch.PayoutAllocation
	SpentUTXOs      []batch.SpentUTXO
}

// Finish applies BIP-69 ordering across the fused input/output set and
// serializes the result as an unsigned PSBT. If no wallet contributed
// any input, psbt is nil per §4.2 step 6.
func (b *AcceptingWalletsBuilder) Finish() (*FinishedBuild, error) {
	if len(b.inputs) == 0 {
		return &FinishedBuild{}, nil
	}

	sort.SliceStable(b.inputs, func(i, j int) bool {
		a, c := b.inputs[i].utxo.Outpoint, b.inputs[j].utxo.Outpoint
		if a.TxID != c.TxID {
			return bytes.Compare(a.TxID[:], c.TxID[:]) < 0
		}
		return a.Vout < c.Vout
	})
	sort.SliceStable(b.outputs, func(i, j int) bool {
		if b.outputs[i].valueSats != b.outputs[j].valueSats {
			return b.outputs[i].valueSats < b.outputs[j].valueSats
		}
		return bytes.Compare(b.outputs[i].script, b.outputs[j].script) < 0
	})

	msgTx := wire.NewMsgTx(wire.TxVersion)
	witnessUtxos := make([]*wire.TxOut, len(b.inputs))
	for i, in := range b.inputs {
		msgTx.AddTxIn(wire.NewTxIn(in.utxo.Outpoint.ToWire(), nil, nil))
		witnessUtxos[i] = &wire.TxOut{Value: int64(in.utxo.ValueSats), PkScript: in.utxo.PKScript}
	}
	for _, out := range b.outputs {
		msgTx.AddTxOut(wire.NewTxOut(out.valueSats, out.script))
	}

	packet, err := psbt.NewFromUnsignedTx(msgTx)
	if err != nil {
		return nil, fmt.Errorf("build unsigned psbt: %w", err)
	}
	for i, wu := range witnessUtxos {
		packet.Inputs[i].WitnessUtxo = wu
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize psbt: %w", err)
	}

	spent := make([]batch.SpentUTXO, len(b.inputs))
	for i, in := range b.inputs {
		spent[i] = batch.SpentUTXO{KeychainID: in.keychainID, Outpoint: in.utxo.Outpoint}
	}

	return &FinishedBuild{
		PSBT:            buf.Bytes(),
		TxID:            msgTx.TxHash().String(),
		FeeSatoshis:     primitives.NewSatoshis(b.totalFeeSats),
		IncludedPayouts: b.includedPayouts,
		IncludedUTXOs:   b.includedUTXOs,
		WalletTotals:    b.summaries,
		Allocations:     b.allocations,
		SpentUTXOs:      spent,
	}, nil
}
