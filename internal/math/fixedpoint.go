package math

import (
	"CrossMargin/internal/apperrors"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Order book arithmetic is done in lots: prices are quote lots per base lot,
// quantities are base lots. Everything else is a decimal in native units.

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// CheckedAdd returns a + b or ArithmeticOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, apperrors.New(apperrors.CodeArithmeticOverflow, "%d + %d", a, b)
	}
	return c, nil
}

// CheckedSub returns a - b or ArithmeticOverflow.
func CheckedSub(a, b int64) (int64, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, apperrors.New(apperrors.CodeArithmeticOverflow, "%d - %d", a, b)
	}
	return c, nil
}

// CheckedMul returns a * b or ArithmeticOverflow.
func CheckedMul(a, b int64) (int64, error) {
	prod := getInt128()
	defer putInt128(prod)
	prod.Mul(big.NewInt(a), big.NewInt(b))
	if !prod.IsInt64() {
		return 0, apperrors.New(apperrors.CodeArithmeticOverflow, "%d * %d", a, b)
	}
	return prod.Int64(), nil
}

// MulDiv computes a * b / denom with a 128-bit intermediate.
func MulDiv(a, b, denom int64, mode RoundingMode) (int64, error) {
	if denom == 0 {
		return 0, apperrors.New(apperrors.CodeDivisionByZero, "muldiv by zero")
	}
	num := getInt128()
	defer putInt128(num)
	num.Mul(big.NewInt(a), big.NewInt(b))

	return divideInt128(num, denom, mode)
}

func divideInt128(numerator *big.Int, denominator int64, mode RoundingMode) (int64, error) {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// QuoRem truncates toward zero; adjust per mode below.
	quotient.QuoRem(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		negative := (numerator.Sign() < 0) != (denominator < 0)
		switch mode {
		case RoundDown:
			if negative {
				quotient.Sub(quotient, big.NewInt(1))
			}
		case RoundUp:
			if !negative {
				quotient.Add(quotient, big.NewInt(1))
			}
		case RoundHalfEven:
			twice := getInt128()
			twice.Abs(remainder)
			twice.Lsh(twice, 1)
			absDenom := new(big.Int).Abs(denom)
			cmp := twice.Cmp(absDenom)
			putInt128(twice)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				if negative {
					quotient.Sub(quotient, big.NewInt(1))
				} else {
					quotient.Add(quotient, big.NewInt(1))
				}
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, apperrors.New(apperrors.CodeArithmeticOverflow, "quotient exceeds int64")
	}
	return quotient.Int64(), nil
}

// LotsToNativePrice converts a book price (quote lots per base lot) to a
// native price (quote native per base native).
func LotsToNativePrice(priceLots, baseLotSize, quoteLotSize int64) decimal.Decimal {
	return decimal.NewFromInt(priceLots).
		Mul(decimal.NewFromInt(quoteLotSize)).
		DivRound(decimal.NewFromInt(baseLotSize), DivPrecision)
}

// NativePriceToLots converts a native price to book lots, rounding per mode.
func NativePriceToLots(price decimal.Decimal, baseLotSize, quoteLotSize int64, mode RoundingMode) (int64, error) {
	if quoteLotSize == 0 {
		return 0, apperrors.New(apperrors.CodeDivisionByZero, "quote lot size is zero")
	}
	raw := price.Mul(decimal.NewFromInt(baseLotSize)).DivRound(decimal.NewFromInt(quoteLotSize), DivPrecision)
	var lots decimal.Decimal
	switch mode {
	case RoundDown:
		lots = raw.Floor()
	case RoundUp:
		lots = raw.Ceil()
	default:
		lots = raw.RoundBank(0)
	}
	if lots.GreaterThan(decimal.NewFromInt(int64(^uint64(0)>>1))) || lots.LessThan(decimal.NewFromInt(-int64(^uint64(0)>>1))) {
		return 0, apperrors.New(apperrors.CodeArithmeticOverflow, "price %s out of lot range", price)
	}
	return lots.IntPart(), nil
}

// QuoteLotsToNative converts a quote-lot amount (price lots * base lots) to
// native quote units.
func QuoteLotsToNative(quoteLots, quoteLotSize int64) decimal.Decimal {
	return decimal.NewFromInt(quoteLots).Mul(decimal.NewFromInt(quoteLotSize))
}

// BaseLotsToNative converts base lots to native base units.
func BaseLotsToNative(baseLots, baseLotSize int64) decimal.Decimal {
	return decimal.NewFromInt(baseLots).Mul(decimal.NewFromInt(baseLotSize))
}
