package ton

import (
	"math/big"
	"strings"
)

// FeeRate is the fraction of the total kept as service fee.
type FeeRate struct {
	r *big.Rat
}

// ParseFeeRate parses a decimal fraction such as "0.05".
func ParseFeeRate(s string) (FeeRate, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, "eE/+-") {
		return FeeRate{}, ErrInvalidFeeRate
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return FeeRate{}, ErrInvalidFeeRate
	}
	if r.Sign() < 0 || r.Cmp(big.NewRat(1, 1)) >= 0 {
		return FeeRate{}, ErrInvalidFeeRate
	}
	return FeeRate{r: r}, nil
}

// MustFeeRate is ParseFeeRate for constants; it panics on bad input.
func MustFeeRate(s string) FeeRate {
	fr, err := ParseFeeRate(s)
	if err != nil {
		panic(err)
	}
	return fr
}

// Percent renders the rate as a percentage ("5", "2.5").
func (f FeeRate) Percent() string {
	if f.r == nil {
		return "0"
	}
	p := new(big.Rat).Mul(f.r, big.NewRat(100, 1))
	s := strings.TrimRight(p.FloatString(4), "0")
	return strings.TrimSuffix(s, ".")
}

// String returns the rate as a decimal fraction.
func (f FeeRate) String() string {
	if f.r == nil {
		return "0"
	}
	s := strings.TrimRight(f.r.FloatString(8), "0")
	return strings.TrimSuffix(s, ".")
}

// Breakdown is the fee/seller split of a total. The zero value is an
// empty split; non-empty values come only from Split, so
// Fee + Seller == Total always holds.
type Breakdown struct {
	total  Amount
	fee    Amount
	seller Amount
}

func (b Breakdown) Total() Amount  { return b.total }
func (b Breakdown) Fee() Amount    { return b.fee }
func (b Breakdown) Seller() Amount { return b.seller }

// IsZero reports whether the breakdown is empty.
func (b Breakdown) IsZero() bool { return b.total == 0 }

// Split computes fee = round(total*rate) at FeeDecimals places and
// seller = total - fee. Rounding is half away from zero.
func Split(total Amount, rate FeeRate) Breakdown {
	fee := FeeFor(total, rate)
	return Breakdown{total: total, fee: fee, seller: total - fee}
}

// FeeFor returns round(total*rate) at FeeDecimals places, in nano.
func FeeFor(total Amount, rate FeeRate) Amount {
	if rate.r == nil || total <= 0 {
		return 0
	}
	// fee in units of 10^-FeeDecimals: total_nano * rate / 10^(Decimals-FeeDecimals)
	step := int64(1)
	for i := 0; i < Decimals-FeeDecimals; i++ {
		step *= 10
	}
	scaled := new(big.Rat).Mul(new(big.Rat).SetInt64(int64(total)), rate.r)
	scaled.Quo(scaled, new(big.Rat).SetInt64(step))

	q, rem := new(big.Int).QuoRem(scaled.Num(), scaled.Denom(), new(big.Int))
	// half away from zero: bump when 2*rem >= denom
	if new(big.Int).Mul(rem, big.NewInt(2)).Cmp(scaled.Denom()) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	return Amount(q.Int64() * step)
}

// Restore rebuilds a breakdown from persisted parts. It returns false when
// a part is negative or the parts do not add up. The fee is not recomputed:
// a record keeps the split it was created with even if the rate changed since.
func Restore(total, fee, seller Amount) (Breakdown, bool) {
	if fee < 0 || seller < 0 || fee+seller != total {
		return Breakdown{}, false
	}
	return Breakdown{total: total, fee: fee, seller: seller}, true
}
