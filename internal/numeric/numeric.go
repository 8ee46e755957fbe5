// Package numeric converts raw on-chain integers into exact decimal units.
//
// Every amount the protocol emits is an unsigned integer scaled by some power
// of ten: underlying token decimals, the 8-decimal position token, or the
// 18-decimal mantissa used for rates and indices. All values use
// shopspring/decimal, never float64 for money.
package numeric

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// MantissaDecimals is the fixed-point exponent of rates, indices and
	// oracle prices.
	MantissaDecimals = 18

	// PositionTokenDecimals is the exponent of every market's position token.
	PositionTokenDecimals = 8
)

var (
	ten = decimal.NewFromInt(10)

	// MantissaScale is 10^18.
	MantissaScale = ScaleFactor(MantissaDecimals)

	// PositionTokenScale is 10^8.
	PositionTokenScale = ScaleFactor(PositionTokenDecimals)
)

// ScaleFactor returns 10^exp as an exact decimal. It multiplies by ten
// rather than taking a power so large exponents stay exact.
// Negative exponents are treated as zero.
func ScaleFactor(exp int) decimal.Decimal {
	bd := decimal.NewFromInt(1)
	for i := 0; i < exp; i++ {
		bd = bd.Mul(ten)
	}
	return bd
}

// DivScale divides v by ScaleFactor(exp) without losing digits. The quotient
// of a decimal by a power of ten never needs more fractional digits than v
// already has plus exp, so that is the precision used.
func DivScale(v decimal.Decimal, exp int) decimal.Decimal {
	if exp <= 0 {
		return v
	}
	frac := int32(0)
	if v.Exponent() < 0 {
		frac = -v.Exponent()
	}
	return v.DivRound(ScaleFactor(exp), frac+int32(exp))
}

// Truncate drops fractional digits beyond digits without rounding, matching
// the protocol's integer division.
func Truncate(v decimal.Decimal, digits int32) decimal.Decimal {
	return v.Truncate(digits)
}

// FromInt converts a raw integer. A nil value is zero.
func FromInt(x *big.Int) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, 0)
}

// Normalize divides a raw integer by 10^decimals.
func Normalize(x *big.Int, decimals int) decimal.Decimal {
	return DivScale(FromInt(x), decimals)
}

// NormalizeTrunc divides a raw integer by 10^decimals and truncates the
// result to digits fractional places.
func NormalizeTrunc(x *big.Int, decimals int, digits int32) decimal.Decimal {
	return Truncate(Normalize(x, decimals), digits)
}

// Quo divides a by b and truncates toward zero at digits fractional places.
// Division by zero yields zero.
func Quo(a, b decimal.Decimal, digits int32) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(b, digits)
	return q
}
