package math_test

import (
	"CrossMargin/internal/apperrors"
	fpmath "CrossMargin/internal/math"
	"errors"
	gomath "math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCheckedAddOverflow(t *testing.T) {
	if _, err := fpmath.CheckedAdd(gomath.MaxInt64, 1); !errors.Is(err, apperrors.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if _, err := fpmath.CheckedSub(gomath.MinInt64, 1); !errors.Is(err, apperrors.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	v, err := fpmath.CheckedAdd(-5, 3)
	if err != nil || v != -2 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestCheckedMul(t *testing.T) {
	if _, err := fpmath.CheckedMul(gomath.MaxInt64/2, 3); !errors.Is(err, apperrors.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	v, err := fpmath.CheckedMul(-7, 6)
	if err != nil || v != -42 {
		t.Fatalf("got %d, %v", v, err)
	}
}

func TestMulDivRounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"down positive", 7, 1, 2, fpmath.RoundDown, 3},
		{"up positive", 7, 1, 2, fpmath.RoundUp, 4},
		{"down negative", -7, 1, 2, fpmath.RoundDown, -4},
		{"up negative", -7, 1, 2, fpmath.RoundUp, -3},
		{"half even to even", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"exact", 10, 10, 5, fpmath.RoundHalfEven, 20},
		{"wide intermediate", gomath.MaxInt64, 4, 8, fpmath.RoundDown, gomath.MaxInt64 / 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.d, tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDivByZero(t *testing.T) {
	if _, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown); !errors.Is(err, apperrors.ErrDivisionByZero) {
		t.Fatalf("expected DivisionByZero, got %v", err)
	}
}

func TestDecimalDivByZero(t *testing.T) {
	if _, err := fpmath.Div(fpmath.One, decimal.Zero); !errors.Is(err, apperrors.ErrDivisionByZero) {
		t.Fatalf("expected DivisionByZero, got %v", err)
	}
}

func TestDecimalRange(t *testing.T) {
	huge := decimal.New(1, 30)
	if _, err := fpmath.Mul(huge, huge); !errors.Is(err, apperrors.ErrArithmeticOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
}

func TestLotConversions(t *testing.T) {
	// base lot 100, quote lot 10: a native price of 2.5 is 25 lots.
	lots, err := fpmath.NativePriceToLots(decimal.RequireFromString("2.5"), 100, 10, fpmath.RoundDown)
	if err != nil {
		t.Fatal(err)
	}
	if lots != 25 {
		t.Fatalf("got %d lots, want 25", lots)
	}
	native := fpmath.LotsToNativePrice(25, 100, 10)
	if !native.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("got %s, want 2.5", native)
	}

	up, _ := fpmath.NativePriceToLots(decimal.RequireFromString("2.51"), 100, 10, fpmath.RoundUp)
	down, _ := fpmath.NativePriceToLots(decimal.RequireFromString("2.51"), 100, 10, fpmath.RoundDown)
	if up != 26 || down != 25 {
		t.Fatalf("rounding: up=%d down=%d", up, down)
	}
}

func TestFundingZeroWhenImpactMidEqualsOracle(t *testing.T) {
	oracle := decimal.NewFromInt(100)
	bid := decimal.NewFromInt(99)
	ask := decimal.NewFromInt(101)

	diff, delta, err := fpmath.ComputeFundingDelta(fpmath.FundingInput{
		ImpactBid:   &bid,
		ImpactAsk:   &ask,
		OraclePrice: oracle,
		MinFunding:  decimal.RequireFromString("-0.05"),
		MaxFunding:  decimal.RequireFromString("0.05"),
		BaseLotSize: 10,
		Elapsed:     3600,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !diff.IsZero() || !delta.IsZero() {
		t.Fatalf("expected zero funding, got diff=%s delta=%s", diff, delta)
	}
}

func TestFundingClampedAndScaled(t *testing.T) {
	oracle := decimal.NewFromInt(100)
	bid := decimal.NewFromInt(120)
	ask := decimal.NewFromInt(122)

	diff, delta, err := fpmath.ComputeFundingDelta(fpmath.FundingInput{
		ImpactBid:   &bid,
		ImpactAsk:   &ask,
		OraclePrice: oracle,
		MinFunding:  decimal.RequireFromString("-0.05"),
		MaxFunding:  decimal.RequireFromString("0.05"),
		BaseLotSize: 10,
		Elapsed:     fpmath.SecondsPerDay,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("diff not clamped: %s", diff)
	}
	// 100 * 0.05 * 10 * 1 day
	if !delta.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("delta: got %s, want 50", delta)
	}
}

func TestFundingOneSidedBook(t *testing.T) {
	bid := decimal.NewFromInt(100)
	diff, _, err := fpmath.ComputeFundingDelta(fpmath.FundingInput{
		ImpactBid:   &bid,
		OraclePrice: decimal.NewFromInt(100),
		MinFunding:  decimal.RequireFromString("-0.01"),
		MaxFunding:  decimal.RequireFromString("0.01"),
		BaseLotSize: 1,
		Elapsed:     60,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("bid-only book should pay max funding, got %s", diff)
	}
}

func TestUnsettledFunding(t *testing.T) {
	long, err := fpmath.UnsettledFunding(3, decimal.NewFromInt(10), decimal.NewFromInt(8), decimal.NewFromInt(4), decimal.NewFromInt(2))
	if err != nil {
		t.Fatal(err)
	}
	if !long.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("long: got %s, want 18", long)
	}
	short, _ := fpmath.UnsettledFunding(-2, decimal.NewFromInt(10), decimal.NewFromInt(8), decimal.NewFromInt(4), decimal.NewFromInt(2))
	if !short.Equal(decimal.NewFromInt(-12)) {
		t.Fatalf("short: got %s, want -12", short)
	}
}
