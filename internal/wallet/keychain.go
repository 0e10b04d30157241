package wallet

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Fantasim/hdtreasury/internal/config"
)

// Branch is which half of a keychain's descriptor pair an address belongs
// to: external (receive) or internal (change).
type Branch uint32

const (
	BranchExternal Branch = 0
	BranchInternal Branch = 1
)

// DeriveAccountXpub derives the BIP-84 account-level extended key
// (m/84'/coin'/0') from a master key and neuters it, so the result carries
// no private key material. Custody of the corresponding private key stays
// entirely with whichever remote signer registered this xpub — the
// treasury core is built to never hold one. This function exists for the
// regtest/signet enrollment path, where a local signer's xpub is derived
// fresh from a generated mnemonic rather than imported from production
// custody hardware.
func DeriveAccountXpub(masterKey *hdkeychain.ExtendedKey, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	coinType := uint32(config.BTCCoinType)
	if net != &chaincfg.MainNetParams {
		coinType = uint32(config.BTCTestCoinType)
	}

	purpose, err := masterKey.Derive(hdkeychain.HardenedKeyStart + uint32(config.BIP84Purpose))
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin key: %w", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}

	xpub, err := account.Neuter()
	if err != nil {
		return nil, fmt.Errorf("neuter account key: %w", err)
	}
	return xpub, nil
}

// ParseXpub parses a base58-encoded extended public key and rejects any
// key that still carries private material — every keychain in this
// service is defined by a public xpub only.
func ParseXpub(xpub string, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidXpub, err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%w: extended key carries private material", config.ErrInvalidXpub)
	}
	if !key.IsForNet(net) {
		return nil, fmt.Errorf("%w", config.ErrNetworkMismatch)
	}
	return key, nil
}

// DeriveKeychainAddress derives the P2WPKH (BIP-84) address at
// branch/index below an account-level public xpub. Both derivation steps
// are non-hardened, which is what makes deriving from a public key
// possible at all — hardened derivation requires the private key.
func DeriveKeychainAddress(accountXpub *hdkeychain.ExtendedKey, branch Branch, index uint32, net *chaincfg.Params) (string, error) {
	branchKey, err := accountXpub.Derive(uint32(branch))
	if err != nil {
		return "", fmt.Errorf("derive branch %d key: %w", branch, err)
	}
	child, err := branchKey.Derive(index)
	if err != nil {
		return "", fmt.Errorf("derive child key at index %d: %w", index, err)
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("get public key at branch %d index %d: %w", branch, index, err)
	}

	witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(witnessProg, net)
	if err != nil {
		return "", fmt.Errorf("create bech32 address at branch %d index %d: %w", branch, index, err)
	}
	return addr.EncodeAddress(), nil
}

// Descriptors returns the output-script descriptor strings for both
// branches of a keychain, in the form the `keychains` table stores them
// (`wpkh(<xpub>/<branch>/*)`), independent of any derivation actually run.
func Descriptors(accountXpub string) (external, internal string) {
	return fmt.Sprintf("wpkh(%s/0/*)", accountXpub), fmt.Sprintf("wpkh(%s/1/*)", accountXpub)
}

// DeriveKeychainAddresses derives addresses for index 0..count-1 of one
// branch, using runtime.NumCPU() parallel workers, grounded on the
// teacher's bulk-derivation worker pool (the original ran the same
// pattern across BTC/BSC/SOL address spaces for deposit-address
// pre-generation; here it generates one wallet's gap-limit address cache
// up front instead of a 7-figure deposit-address pool).
func DeriveKeychainAddresses(accountXpub *hdkeychain.ExtendedKey, branch Branch, count int, net *chaincfg.Params, progress func(generated, total int)) ([]string, error) {
	numWorkers := runtime.NumCPU()
	slog.Debug("deriving keychain addresses", "branch", branch, "count", count, "network", net.Name, "workers", numWorkers)

	branchKey, err := accountXpub.Derive(uint32(branch))
	if err != nil {
		return nil, fmt.Errorf("derive branch %d key: %w", branch, err)
	}

	addresses := make([]string, count)
	var done atomic.Int64
	var firstErr atomic.Value

	var wg sync.WaitGroup
	chunkSize := (count + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		chunkStart := w * chunkSize
		chunkEnd := chunkStart + chunkSize
		if chunkEnd > count {
			chunkEnd = count
		}
		if chunkStart >= count {
			break
		}

		wg.Add(1)
		go func(from, to int) {
			defer wg.Done()
			for i := from; i < to; i++ {
				if firstErr.Load() != nil {
					return
				}
				child, err := branchKey.Derive(uint32(i))
				if err != nil {
					firstErr.CompareAndSwap(nil, fmt.Errorf("derive child key at index %d: %w", i, err))
					return
				}
				pubKey, err := child.ECPubKey()
				if err != nil {
					firstErr.CompareAndSwap(nil, fmt.Errorf("get public key at index %d: %w", i, err))
					return
				}
				witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
				addr, err := btcutil.NewAddressWitnessPubKeyHash(witnessProg, net)
				if err != nil {
					firstErr.CompareAndSwap(nil, fmt.Errorf("create bech32 address at index %d: %w", i, err))
					return
				}
				addresses[i] = addr.EncodeAddress()
				if n := done.Add(1); progress != nil && n%10000 == 0 {
					progress(int(n), count)
				}
			}
		}(chunkStart, chunkEnd)
	}
	wg.Wait()

	if errVal := firstErr.Load(); errVal != nil {
		return nil, errVal.(error)
	}

	slog.Debug("keychain address derivation complete", "branch", branch, "count", len(addresses))
	return addresses, nil
}
