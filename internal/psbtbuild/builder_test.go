package psbtbuild

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Fantasim/hdtreasury/internal/primitives"
)

func testAddress(t *testing.T, seed byte) string {
	t.Helper()
	hash := make([]byte, 20)
	hash[0] = seed
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressWitnessPubKeyHash() error = %v", err)
	}
	return addr.EncodeAddress()
}

func testScript(t *testing.T, address string) []byte {
	t.Helper()
	addr, err := btcutil.DecodeAddress(address, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}
	return script
}

func TestBuilder_SingleWalletSingleKeychainHappyPath(t *testing.T) {
	destAddr := testAddress(t, 1)
	changeAddr := testAddress(t, 2)

	keychainID := primitives.NewKeychainID()
	walletID := primitives.NewWalletID()
	payoutID := primitives.NewPayoutID()

	cfg := Config{
		NetParams:         &chaincfg.RegressionNetParams,
		FeeRateSatPerVB:   10,
		ReservedOutpoints: map[primitives.OutPoint]struct{}{},
	}

	utxoScript := testScript(t, testAddress(t, 3))
	kc := KeychainInput{
		KeychainID: keychainID,
		Spendable: []SpendableUTXO{
			{Outpoint: primitives.OutPoint{Vout: 0}, ValueSats: primitives.NewSatoshis(100000), PKScript: utxoScript},
		},
		ChangeAddress: changeAddr,
		ChangeScript:  testScript(t, changeAddr),
	}

	acceptingWallets := NewBuilder(cfg).Start()
	acceptingWallets, err := acceptingWallets.
		Wallet(walletID, []KeychainInput{kc}, []Recipient{{PayoutID: payoutID, Destination: destAddr, Satoshis: primitives.NewSatoshis(50000)}}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	finished, err := acceptingWallets.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	if len(finished.PSBT) == 0 {
		t.Fatal("expected a non-empty serialized PSBT")
	}
	if len(finished.IncludedPayouts) != 1 || finished.IncludedPayouts[0] != payoutID {
		t.Errorf("IncludedPayouts = %v, want [%s]", finished.IncludedPayouts, payoutID)
	}
	if len(finished.IncludedUTXOs) != 1 {
		t.Fatalf("IncludedUTXOs = %v, want 1 entry", finished.IncludedUTXOs)
	}
	if finished.FeeSatoshis <= 0 {
		t.Errorf("FeeSatoshis = %d, want > 0", finished.FeeSatoshis)
	}
	if len(finished.WalletTotals) != 1 {
		t.Fatalf("WalletTotals = %v, want 1 entry", finished.WalletTotals)
	}
	ws := finished.WalletTotals[0]
	if ws.WalletID != walletID {
		t.Errorf("WalletTotals[0].WalletID = %s, want %s", ws.WalletID, walletID)
	}
	if got := int64(ws.TotalSpentSats + ws.TotalFeeSats + ws.ChangeSats); got != int64(ws.TotalInSats) {
		t.Errorf("spent+fee+change = %d, want input total %d", got, ws.TotalInSats)
	}
	if len(finished.Allocations) != 1 || finished.Allocations[0].AllocatedFeeSats != finished.FeeSatoshis {
		t.Errorf("single-payout wallet should have the entire fee allocated to it: %+v vs %d", finished.Allocations, finished.FeeSatoshis)
	}
}

func TestBuilder_CPFPParentBumpsFeeAndRecordsAttribution(t *testing.T) {
	destAddr := testAddress(t, 1)
	changeAddr := testAddress(t, 2)

	keychainID := primitives.NewKeychainID()
	walletID := primitives.NewWalletID()
	payoutID := primitives.NewPayoutID()
	parentOutpoint := primitives.OutPoint{Vout: 7}

	cfg := Config{
		NetParams:         &chaincfg.RegressionNetParams,
		FeeRateSatPerVB:   10,
		ReservedOutpoints: map[primitives.OutPoint]struct{}{},
	}
	kc := KeychainInput{
		KeychainID: keychainID,
		CPFPParents: []CPFPParent{
			{
				SpendableUTXO: SpendableUTXO{
					Outpoint:  parentOutpoint,
					ValueSats: primitives.NewSatoshis(1_000_000),
					PKScript:  testScript(t, testAddress(t, 3)),
				},
				AdditionalVBytes: 100,
				IncludedFeeSats:  primitives.NewSatoshis(200),
			},
		},
		ChangeAddress: changeAddr,
		ChangeScript:  testScript(t, changeAddr),
	}

	acceptingWallets, err := NewBuilder(cfg).Start().
		Wallet(walletID, []KeychainInput{kc}, []Recipient{{PayoutID: payoutID, Destination: destAddr, Satoshis: primitives.NewSatoshis(50000)}}).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	result, err := acceptingWallets.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	if len(result.WalletTotals) != 1 {
		t.Fatalf("WalletTotals = %v, want 1 entry", result.WalletTotals)
	}
	ws := result.WalletTotals[0]
	if ws.CPFPFeeSats <= 0 {
		t.Fatalf("CPFPFeeSats = %d, want > 0 since the only input is an under-paying CPFP parent", ws.CPFPFeeSats)
	}
	if ws.TotalFeeSats <= ws.CPFPFeeSats {
		t.Errorf("TotalFeeSats = %d, want strictly greater than CPFPFeeSats = %d (it must report the full fee, not just the non-bump portion)", ws.TotalFeeSats, ws.CPFPFeeSats)
	}
	attr, ok := ws.CPFPDetails[parentOutpoint.String()]
	if !ok {
		t.Fatalf("CPFPDetails missing entry for the bumped parent outpoint %s", parentOutpoint)
	}
	if attr.BumpFeeSats != ws.CPFPFeeSats {
		t.Errorf("CPFPDetails[...].BumpFeeSats = %d, want the entire bump %d since it's the only parent", attr.BumpFeeSats, ws.CPFPFeeSats)
	}
	if got := int64(ws.TotalSpentSats + ws.TotalFeeSats + ws.ChangeSats); got != int64(ws.TotalInSats) {
		t.Errorf("spent+fee+change = %d, want input total %d", got, ws.TotalInSats)
	}
}

func TestBuilder_NoWalletsProducesNilPSBT(t *testing.T) {
	cfg := Config{NetParams: &chaincfg.RegressionNetParams, FeeRateSatPerVB: 10}
	finished, err := NewBuilder(cfg).Start().Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if finished.PSBT != nil {
		t.Error("expected a nil PSBT when no wallet contributed any input")
	}
}

func TestBuilder_InsufficientFundsPropagatesError(t *testing.T) {
	destAddr := testAddress(t, 1)
	keychainID := primitives.NewKeychainID()
	walletID := primitives.NewWalletID()
	payoutID := primitives.NewPayoutID()

	cfg := Config{NetParams: &chaincfg.RegressionNetParams, FeeRateSatPerVB: 10}
	kc := KeychainInput{
		KeychainID: keychainID,
		Spendable: []SpendableUTXO{
			{Outpoint: primitives.OutPoint{Vout: 0}, ValueSats: primitives.NewSatoshis(100), PKScript: testScript(t, testAddress(t, 3))},
		},
	}

	_, err := NewBuilder(cfg).Start().
		Wallet(walletID, []KeychainInput{kc}, []Recipient{{PayoutID: payoutID, Destination: destAddr, Satoshis: primitives.NewSatoshis(50000)}}).
		Build()
	if err == nil {
		t.Fatal("expected insufficient-funds error")
	}
}

func TestBuilder_ReservedOutpointExcludedFromSelection(t *testing.T) {
	destAddr := testAddress(t, 1)
	keychainID := primitives.NewKeychainID()
	walletID := primitives.NewWalletID()
	payoutID := primitives.NewPayoutID()
	reserved := primitives.OutPoint{Vout: 0}

	cfg := Config{
		NetParams:         &chaincfg.RegressionNetParams,
		FeeRateSatPerVB:   10,
		ReservedOutpoints: map[primitives.OutPoint]struct{}{reserved: {}},
	}
	kc := KeychainInput{
		KeychainID: keychainID,
		Spendable: []SpendableUTXO{
			{Outpoint: reserved, ValueSats: primitives.NewSatoshis(100000), PKScript: testScript(t, testAddress(t, 3))},
		},
	}

	_, err := NewBuilder(cfg).Start().
		Wallet(walletID, []KeychainInput{kc}, []Recipient{{PayoutID: payoutID, Destination: destAddr, Satoshis: primitives.NewSatoshis(50000)}}).
		Build()
	if err == nil {
		t.Fatal("expected insufficient-funds error since the only UTXO is reserved")
	}
}
