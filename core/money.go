package core

import (
	"github.com/shopspring/decimal"
)

const (
	monetaryPrecision int32 = 18 // contribution and refund amounts (wei-like units)
	fractionPrecision int32 = 18 // bonus, decay and acceptance fractions
	tokenPrecision    int32 = 18 // token allocations
)

var (
	zero = decimal.Zero
	one  = decimal.NewFromInt(1)
)

// virtualOf returns amount × (1 + bonus).
func virtualOf(amount, bonus decimal.Decimal) decimal.Decimal {
	return amount.Mul(one.Add(bonus))
}

// clampFraction bounds f to [0, 1].
func clampFraction(f decimal.Decimal) decimal.Decimal {
	if f.IsNegative() {
		return zero
	}
	if f.GreaterThan(one) {
		return one
	}
	return f
}

// meetsMinimum reports whether amount is positive and at least min, compared at
// monetary precision.
func meetsMinimum(amount, min decimal.Decimal) bool {
	a := amount.Round(monetaryPrecision)
	if !a.IsPositive() {
		return false
	}
	return a.GreaterThanOrEqual(min.Round(monetaryPrecision))
}

// ratio divides num by den at fraction precision; a zero denominator yields zero.
func ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return zero
	}
	return num.DivRound(den, fractionPrecision)
}
