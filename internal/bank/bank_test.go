package bank_test

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/bank"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func defaultParams() bank.RateParams {
	return bank.RateParams{
		OptimalUtil: dec("0.7"),
		OptimalRate: dec("0.06"),
		MaxRate:     dec("1.5"),
		RateScaling: dec("1"),
	}
}

func TestAccrueWithoutDepositsIsDivisionByZero(t *testing.T) {
	b := bank.New(defaultParams(), 100)
	err := b.Accrue(200)
	if !errors.Is(err, apperrors.ErrDivisionByZero) {
		t.Fatalf("expected DivisionByZero, got %v", err)
	}
	if b.LastUpdated != 100 {
		t.Fatalf("failed accrue must not advance last_updated")
	}
}

func TestAccrueBackwardsRejected(t *testing.T) {
	b := bank.New(defaultParams(), 100)
	b.Deposits = dec("1000")
	if err := b.Accrue(50); !errors.Is(err, apperrors.ErrInvalidParam) {
		t.Fatalf("expected InvalidParam, got %v", err)
	}
}

func TestAccrueSameSecondNoop(t *testing.T) {
	b := bank.New(defaultParams(), 100)
	if err := b.Accrue(100); err != nil {
		t.Fatalf("same-second accrue: %v", err)
	}
}

func TestBorrowRateCurve(t *testing.T) {
	p := defaultParams()
	tests := []struct {
		util string
		want string
	}{
		{"0", "0"},
		{"0.35", "0.03"},
		{"0.7", "0.06"},
		{"1", "1.5"},
		{"0.85", "0.78"},
	}
	for _, tt := range tests {
		got, err := p.BorrowRate(dec(tt.util))
		if err != nil {
			t.Fatalf("util %s: %v", tt.util, err)
		}
		if !got.Equal(dec(tt.want)) {
			t.Errorf("util %s: got %s, want %s", tt.util, got, tt.want)
		}
	}
}

func TestAccrueFullYearAtOptimal(t *testing.T) {
	b := bank.New(defaultParams(), 0)
	b.Deposits = dec("1000")
	b.Borrows = dec("700")

	if err := b.Accrue(bank.SecondsPerYear); err != nil {
		t.Fatal(err)
	}
	if !b.BorrowIndex.Equal(dec("1.06")) {
		t.Errorf("borrow index: got %s, want 1.06", b.BorrowIndex)
	}
	// deposit interest = 0.06 * 0.7
	if !b.DepositIndex.Equal(dec("1.042")) {
		t.Errorf("deposit index: got %s, want 1.042", b.DepositIndex)
	}
}

func TestIndexOrderingHoldsUnderRepeatedAccrual(t *testing.T) {
	b := bank.New(defaultParams(), 0)
	b.Deposits = dec("1000")
	b.Borrows = dec("990")

	prevDeposit, prevBorrow := b.DepositIndex, b.BorrowIndex
	now := int64(0)
	for i := 0; i < 500; i++ {
		now += int64(1 + (i*7919)%3600)
		if err := b.Accrue(now); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if b.DepositIndex.GreaterThan(b.BorrowIndex) {
			t.Fatalf("step %d: deposit index %s > borrow index %s", i, b.DepositIndex, b.BorrowIndex)
		}
		if b.DepositIndex.LessThan(prevDeposit) || b.BorrowIndex.LessThan(prevBorrow) {
			t.Fatalf("step %d: index decreased", i)
		}
		prevDeposit, prevBorrow = b.DepositIndex, b.BorrowIndex
	}
}

func TestUtilizationCappedAtOne(t *testing.T) {
	b := bank.New(defaultParams(), 0)
	b.Deposits = dec("100")
	b.Borrows = dec("150")
	util, err := b.Utilization()
	if err != nil {
		t.Fatal(err)
	}
	if !util.Equal(dec("1")) {
		t.Fatalf("got %s, want 1", util)
	}
}

func TestRateParamsValidate(t *testing.T) {
	p := defaultParams()
	p.OptimalUtil = dec("1")
	if err := p.Validate(); !errors.Is(err, apperrors.ErrInvalidParam) {
		t.Fatalf("expected InvalidParam, got %v", err)
	}
	p = defaultParams()
	p.MaxRate = dec("0.01")
	if err := p.Validate(); err == nil {
		t.Fatal("max_rate below optimal_rate accepted")
	}
	if err := defaultParams().Validate(); err != nil {
		t.Fatalf("default params rejected: %v", err)
	}
}
