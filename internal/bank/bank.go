package bank

import (
	"CrossMargin/internal/apperrors"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is the accrual year used by the interest model.
const SecondsPerYear = 31_536_000

// RateParams is the piecewise-linear utilization curve of a bank.
type RateParams struct {
	OptimalUtil decimal.Decimal `json:"optimal_util"`
	OptimalRate decimal.Decimal `json:"optimal_rate"`
	MaxRate     decimal.Decimal `json:"max_rate"`
	RateScaling decimal.Decimal `json:"rate_scaling"`
}

// Validate checks 0 < optimal_util < 1, 0 <= optimal_rate <= max_rate and a
// non-negative scaling.
func (p RateParams) Validate() error {
	if !p.OptimalUtil.IsPositive() || p.OptimalUtil.GreaterThanOrEqual(fpmath.One) {
		return apperrors.New(apperrors.CodeInvalidParam, "optimal_util must be in (0, 1), got %s", p.OptimalUtil)
	}
	if p.OptimalRate.IsNegative() {
		return apperrors.New(apperrors.CodeInvalidParam, "optimal_rate must be >= 0, got %s", p.OptimalRate)
	}
	if p.MaxRate.LessThan(p.OptimalRate) {
		return apperrors.New(apperrors.CodeInvalidParam, "max_rate (%s) must be >= optimal_rate (%s)", p.MaxRate, p.OptimalRate)
	}
	if p.RateScaling.IsNegative() {
		return apperrors.New(apperrors.CodeInvalidParam, "rate_scaling must be >= 0, got %s", p.RateScaling)
	}
	return nil
}

// Bank holds the interest-bearing pool of a single token. Deposits and
// Borrows are stored (index-scaled) totals; multiply by the matching index to
// get native amounts.
type Bank struct {
	DepositIndex decimal.Decimal `json:"deposit_index"`
	BorrowIndex  decimal.Decimal `json:"borrow_index"`
	Deposits     decimal.Decimal `json:"deposits"`
	Borrows      decimal.Decimal `json:"borrows"`
	Rate         RateParams      `json:"rate"`
	LastUpdated  int64           `json:"last_updated"`
}

// New returns a bank with unit indices.
func New(params RateParams, now int64) *Bank {
	return &Bank{
		DepositIndex: fpmath.One,
		BorrowIndex:  fpmath.One,
		Deposits:     decimal.Zero,
		Borrows:      decimal.Zero,
		Rate:         params,
		LastUpdated:  now,
	}
}

// NativeDeposits returns Deposits * DepositIndex.
func (b *Bank) NativeDeposits() (decimal.Decimal, error) {
	return fpmath.Mul(b.Deposits, b.DepositIndex)
}

// NativeBorrows returns Borrows * BorrowIndex.
func (b *Bank) NativeBorrows() (decimal.Decimal, error) {
	return fpmath.Mul(b.Borrows, b.BorrowIndex)
}

// Utilization returns min(native_borrows / native_deposits, 1).
func (b *Bank) Utilization() (decimal.Decimal, error) {
	deposits, err := b.NativeDeposits()
	if err != nil {
		return decimal.Zero, err
	}
	borrows, err := b.NativeBorrows()
	if err != nil {
		return decimal.Zero, err
	}
	util, err := fpmath.Div(borrows, deposits)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Min(util, fpmath.One), nil
}

// BorrowRate returns the annual borrow rate at the given utilization.
func (p RateParams) BorrowRate(util decimal.Decimal) (decimal.Decimal, error) {
	var rate decimal.Decimal
	if util.LessThanOrEqual(p.OptimalUtil) {
		slope, err := fpmath.Div(util, p.OptimalUtil)
		if err != nil {
			return decimal.Zero, err
		}
		if rate, err = fpmath.Mul(slope, p.OptimalRate); err != nil {
			return decimal.Zero, err
		}
	} else {
		extra, err := fpmath.Div(util.Sub(p.OptimalUtil), fpmath.One.Sub(p.OptimalUtil))
		if err != nil {
			return decimal.Zero, err
		}
		slope, err := fpmath.Mul(extra, p.MaxRate.Sub(p.OptimalRate))
		if err != nil {
			return decimal.Zero, err
		}
		if rate, err = fpmath.Add(p.OptimalRate, slope); err != nil {
			return decimal.Zero, err
		}
	}
	return fpmath.Mul(rate, p.RateScaling)
}

// Accrue compounds interest into both indices up to now. It fails with
// DivisionByZero when the bank holds no deposits and with InvalidParam when
// now precedes LastUpdated. On error the bank is left untouched.
func (b *Bank) Accrue(now int64) error {
	if now < b.LastUpdated {
		return apperrors.New(apperrors.CodeInvalidParam, "accrue at %d before last update %d", now, b.LastUpdated)
	}
	if now == b.LastUpdated {
		return nil
	}

	util, err := b.Utilization()
	if err != nil {
		return err
	}
	rate, err := b.Rate.BorrowRate(util)
	if err != nil {
		return err
	}

	elapsed := decimal.NewFromInt(now - b.LastUpdated)
	borrowInterest, err := fpmath.Mul(rate, elapsed)
	if err != nil {
		return err
	}
	if borrowInterest, err = fpmath.Div(borrowInterest, decimal.NewFromInt(SecondsPerYear)); err != nil {
		return err
	}
	depositInterest, err := fpmath.Mul(borrowInterest, util)
	if err != nil {
		return err
	}

	borrowIndex, err := fpmath.Mul(b.BorrowIndex, fpmath.One.Add(borrowInterest))
	if err != nil {
		return err
	}
	depositIndex, err := fpmath.Mul(b.DepositIndex, fpmath.One.Add(depositInterest))
	if err != nil {
		return err
	}

	b.BorrowIndex = borrowIndex
	b.DepositIndex = depositIndex
	b.LastUpdated = now
	return nil
}

// Clone returns a copy. Decimals are immutable values, so a shallow copy is
// a full copy.
func (b *Bank) Clone() *Bank {
	c := *b
	return &c
}
