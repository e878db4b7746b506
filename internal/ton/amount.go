// Package ton provides fixed-point amount handling and address parsing
// for the escrowed unit.
//
// Amounts are stored as int64 counts of the smallest unit
// (1 TON = 1,000,000,000 nano). Parsing goes through math/big so values
// that would overflow are rejected instead of wrapping.
package ton

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits of one whole unit.
const Decimals = 9

// FeeDecimals is the precision the service fee is rounded to.
const FeeDecimals = 6

var (
	ErrEmptyAmount     = errors.New("ton: empty amount")
	ErrMalformedAmount = errors.New("ton: malformed amount")
	ErrNonPositive     = errors.New("ton: amount must be positive")
	ErrTooPrecise      = errors.New("ton: too many decimal places")
	ErrOverflow        = errors.New("ton: amount out of range")
	ErrInvalidFeeRate  = errors.New("ton: fee rate must be in [0, 1)")
)

// Amount is a quantity in nano units.
type Amount int64

var nanoPerUnit = big.NewInt(1_000_000_000)

// ParseAmount converts a positive decimal string (e.g. "1.5") to nano units.
//
// Rules:
//   - Leading/trailing whitespace is ignored
//   - Signs, exponents and grouping separators are rejected
//   - At most 9 fractional digits are accepted
//   - Zero is rejected
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmptyAmount
	}

	whole, frac, hasPoint := strings.Cut(s, ".")
	if hasPoint && strings.Contains(frac, ".") {
		return 0, ErrMalformedAmount
	}
	if whole == "" && frac == "" {
		return 0, ErrMalformedAmount
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, ErrMalformedAmount
	}
	if len(frac) > Decimals {
		return 0, ErrTooPrecise
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, ErrMalformedAmount
	}
	if !n.IsInt64() {
		return 0, ErrOverflow
	}
	if n.Sign() == 0 {
		return 0, ErrNonPositive
	}
	return Amount(n.Int64()), nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FromNano wraps a raw nano count.
func FromNano(n int64) Amount { return Amount(n) }

// Nano returns the raw nano count.
func (a Amount) Nano() int64 { return int64(a) }

// IsPositive reports whether a > 0.
func (a Amount) IsPositive() bool { return a > 0 }

// String formats the amount in whole units with trailing zeros removed
// ("1.5", "0.075", "12").
func (a Amount) String() string {
	sign := ""
	mag := uint64(a)
	if a < 0 {
		sign = "-"
		mag = -mag
	}
	per := uint64(nanoPerUnit.Int64())
	whole, frac := mag/per, mag%per
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fs := strings.TrimRight(fmt.Sprintf("%09d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fs)
}
