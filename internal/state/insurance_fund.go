package state

import (
	"CrossMargin/internal/apperrors"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// ComputeCoverage returns how much of deficit a fund holding balance can
// cover and what is left uncovered.
func ComputeCoverage(balance, deficit decimal.Decimal) (covered, remaining decimal.Decimal) {
	if !balance.IsPositive() || !deficit.IsPositive() {
		return decimal.Zero, decimal.Max(deficit, decimal.Zero)
	}
	if balance.GreaterThanOrEqual(deficit) {
		return deficit, decimal.Zero
	}
	return balance, deficit.Sub(balance)
}

// CoverDeficit pays as much of deficit (quote native) as the insurance fund
// allows and returns the covered and uncovered parts.
func (g *Group) CoverDeficit(deficit decimal.Decimal) (covered, remaining decimal.Decimal) {
	covered, remaining = ComputeCoverage(g.InsuranceFund, deficit)
	g.InsuranceFund = g.InsuranceFund.Sub(covered)
	return covered, remaining
}

// AddToInsuranceFund credits the fund.
func (g *Group) AddToInsuranceFund(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperrors.New(apperrors.CodeInvalidParam, "insurance fund deposit must be >= 0, got %s", amount)
	}
	next, err := fpmath.Add(g.InsuranceFund, amount)
	if err != nil {
		return err
	}
	g.InsuranceFund = next
	return nil
}
