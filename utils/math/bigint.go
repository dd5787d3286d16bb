package math

import (
	"math/big"
)

// BpsDenominator is the basis-point fixed-point scale used throughout the
// liquidation math (10000 = 100%).
const BpsDenominator = 10000

var bpsDenom = big.NewInt(BpsDenominator)

// Clone returns a defensive copy of x, or zero when x is nil.
func Clone(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// MulDiv computes x * y / den with full intermediate precision.
// Returns zero when den is zero.
func MulDiv(x, y, den *big.Int) *big.Int {
	if x == nil || y == nil || den == nil || den.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(x, y)
	return out.Div(out, den)
}

// ApplyBps scales amount by bps/10000.
func ApplyBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return MulDiv(amount, new(big.Int).SetUint64(bps), bpsDenom)
}

// BpsRatio computes numerator * 10000 / denominator, the scaled ratio used
// for collateralization checks. Returns zero when denominator is zero.
func BpsRatio(numerator, denominator *big.Int) *big.Int {
	return MulDiv(numerator, bpsDenom, denominator)
}

// Discount reduces amount by bps basis points (amount * (10000-bps) / 10000).
// A bps at or above 10000 yields zero.
func Discount(amount *big.Int, bps uint64) *big.Int {
	if bps >= BpsDenominator {
		return new(big.Int)
	}
	return ApplyBps(amount, BpsDenominator-bps)
}

// Premium increases amount by bps basis points (amount * (10000+bps) / 10000).
func Premium(amount *big.Int, bps uint64) *big.Int {
	return ApplyBps(amount, BpsDenominator+bps)
}

// Min returns the smaller of x and y.
func Min(x, y *big.Int) *big.Int {
	if x.Cmp(y) <= 0 {
		return x
	}
	return y
}

// Max returns the larger of x and y.
func Max(x, y *big.Int) *big.Int {
	if x.Cmp(y) >= 0 {
		return x
	}
	return y
}

// IsZero reports whether x is nil or zero.
func IsZero(x *big.Int) bool {
	return x == nil || x.Sign() == 0
}
