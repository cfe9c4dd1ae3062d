// Package amount provides an exact, integer-valued satoshi quantity. All
// arithmetic is performed on int64 satoshis; converting to or from a
// fractional display unit (BTC, mBTC, ...) is a pure formatting concern and
// never feeds back into stored or compared values.
package amount

import (
	"fmt"
	"math"
	"strconv"
)

// SatoshiPerBitcoin is the number of satoshis in one whole coin.
const SatoshiPerBitcoin = 1e8

// Amount represents a quantity of satoshis, the base unit of account for the
// wallet. It is always an exact integer; there is no Amount value that
// cannot be represented losslessly.
type Amount int64

// Unit is a display denomination. It only affects formatting; the
// underlying Amount value is unchanged by it.
type Unit int

const (
	// UnitSatoshi is the base unit: 1 Amount == 1 UnitSatoshi.
	UnitSatoshi Unit = iota
	// UnitBTC is the conventional whole-coin unit.
	UnitBTC
)

func (u Unit) String() string {
	switch u {
	case UnitBTC:
		return "BTC"
	case UnitSatoshi:
		return "satoshi"
	default:
		return "unknown unit"
	}
}

// NewFromFloat builds an Amount from a floating point quantity denominated
// in the given unit, rounding to the nearest satoshi. Use sparingly: this is
// the one place floating point enters the model, and it should only be used
// at the boundary where a human or a JSON field supplies a decimal amount
// (e.g. an Electrum `get_balance` response or a `sendTransaction` request).
func NewFromFloat(f float64, unit Unit) (Amount, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("amount: invalid float %v", f)
	}
	switch unit {
	case UnitBTC:
		f *= SatoshiPerBitcoin
	case UnitSatoshi:
	default:
		return 0, fmt.Errorf("amount: unknown unit %d", unit)
	}
	if f < math.MinInt64 || f > math.MaxInt64 {
		return 0, fmt.Errorf("amount: %v out of range", f)
	}
	return Amount(math.Round(f)), nil
}

// ParseString parses a decimal satoshi or BTC string into an Amount.
func ParseString(s string, unit Unit) (Amount, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("amount: %w", err)
	}
	return NewFromFloat(f, unit)
}

// ToUnit converts the Amount to a floating point value in the given display
// unit. This is a pure formatting operation; the result must never be
// stored back as the authoritative value.
func (a Amount) ToUnit(unit Unit) float64 {
	switch unit {
	case UnitBTC:
		return float64(a) / SatoshiPerBitcoin
	case UnitSatoshi:
		return float64(a)
	default:
		return math.NaN()
	}
}

// ToBTC is a convenience wrapper around ToUnit(UnitBTC).
func (a Amount) ToBTC() float64 {
	return a.ToUnit(UnitBTC)
}

// String formats the amount in satoshis, e.g. "54600 satoshi".
func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10) + " satoshi"
}

// MulRate scales the amount by a fee rate expressed as satoshis per vbyte,
// for a quantity of vbytes. Both operands are integers so the product is
// exact; it is the caller's responsibility to ensure it does not overflow
// int64 (it will not for any real Bitcoin transaction).
func MulRate(ratePerVByte Amount, vBytes uint64) Amount {
	return Amount(int64(ratePerVByte) * int64(vBytes))
}
