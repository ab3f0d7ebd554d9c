package math

import (
	"CrossMargin/internal/apperrors"
	"math/big"

	"github.com/shopspring/decimal"
)

// DivPrecision is the number of fractional digits kept by divisions and
// products. Fixing it keeps repeated index compounding deterministic.
const DivPrecision int32 = 24

var (
	Zero   = decimal.Zero
	One    = decimal.NewFromInt(1)
	NegOne = decimal.NewFromInt(-1)

	// Values are bounded to the integer range of a signed 80.48 fixed-point
	// number; anything beyond is treated as an overflow.
	maxMagnitude = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 79), 0)
)

// CheckRange rejects values outside the representable range.
func CheckRange(d decimal.Decimal) (decimal.Decimal, error) {
	if d.Abs().GreaterThanOrEqual(maxMagnitude) {
		return decimal.Zero, apperrors.New(apperrors.CodeArithmeticOverflow, "value %s out of range", d.String())
	}
	return d, nil
}

func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	return CheckRange(a.Add(b))
}

func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	return CheckRange(a.Sub(b))
}

func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	return CheckRange(a.Mul(b).Round(DivPrecision))
}

// Div returns a / b, or DivisionByZero.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, apperrors.New(apperrors.CodeDivisionByZero, "%s / 0", a.String())
	}
	return CheckRange(a.DivRound(b, DivPrecision))
}

// Clamp bounds d to [lo, hi].
func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}

// MustParse parses a decimal literal and panics on malformed input. Only
// for constants and test fixtures.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// IsDust reports whether a native amount is non-zero but smaller than one
// native unit.
func IsDust(native decimal.Decimal) bool {
	return !native.IsZero() && native.Abs().LessThan(One)
}
