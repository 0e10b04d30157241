package primitives

import (
	"database/sql/driver"
	"fmt"
	"strconv"
)

// satsPerBTC is the number of satoshis in one bitcoin.
const satsPerBTC = 100_000_000

// Satoshis is an integer amount of bitcoin's smallest unit. All ledger and
// UTXO amounts are carried as Satoshis rather than float BTC to avoid
// rounding drift across postings.
type Satoshis int64

// Zero is the additive identity, used as a starting accumulator.
const Zero Satoshis = 0

func NewSatoshis(v int64) Satoshis { return Satoshis(v) }

// FromBTC converts a BTC-denominated amount to Satoshis, rounding to the
// nearest sat.
func FromBTC(btc float64) Satoshis {
	return Satoshis(btc*satsPerBTC + sign(btc)*0.5)
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

// ToBTC returns the amount expressed in whole bitcoin.
func (s Satoshis) ToBTC() float64 {
	return float64(s) / satsPerBTC
}

func (s Satoshis) Add(other Satoshis) Satoshis { return s + other }
func (s Satoshis) Sub(other Satoshis) Satoshis { return s - other }
func (s Satoshis) Negate() Satoshis            { return -s }
func (s Satoshis) IsPositive() bool            { return s > 0 }
func (s Satoshis) IsNegative() bool            { return s < 0 }
func (s Satoshis) IsZero() bool                { return s == 0 }

func (s Satoshis) String() string { return strconv.FormatInt(int64(s), 10) }

// Value implements driver.Valuer.
func (s Satoshis) Value() (driver.Value, error) { return int64(s), nil }

// Scan implements sql.Scanner.
func (s *Satoshis) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*s = Satoshis(v)
		return nil
	case nil:
		*s = 0
		return nil
	default:
		return fmt.Errorf("scan satoshis: unsupported type %T", src)
	}
}

// SumSatoshis adds a slice of amounts, returning Zero for an empty slice.
func SumSatoshis(amounts []Satoshis) Satoshis {
	total := Zero
	for _, a := range amounts {
		total += a
	}
	return total
}
