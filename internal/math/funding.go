package math

import (
	"github.com/shopspring/decimal"
)

const SecondsPerDay = 86400

// FundingInput captures everything needed to accrue one funding interval.
// ImpactBid/ImpactAsk are native prices, nil when the book side cannot
// absorb the impact quantity.
type FundingInput struct {
	ImpactBid   *decimal.Decimal
	ImpactAsk   *decimal.Decimal
	OraclePrice decimal.Decimal
	MinFunding  decimal.Decimal
	MaxFunding  decimal.Decimal
	BaseLotSize int64
	Elapsed     int64 // seconds since last update
}

// ComputeFundingDelta returns the clamped premium (diff) and the per-base-lot
// amount to add to both cumulative funding accumulators.
func ComputeFundingDelta(in FundingInput) (diff decimal.Decimal, delta decimal.Decimal, err error) {
	if in.Elapsed <= 0 {
		return decimal.Zero, decimal.Zero, nil
	}

	switch {
	case in.ImpactBid != nil && in.ImpactAsk != nil:
		mid := in.ImpactBid.Add(*in.ImpactAsk).Div(decimal.NewFromInt(2))
		ratio, err := Div(mid, in.OraclePrice)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		diff = Clamp(ratio.Sub(One), in.MinFunding, in.MaxFunding)
	case in.ImpactBid != nil:
		diff = in.MaxFunding
	case in.ImpactAsk != nil:
		diff = in.MinFunding
	default:
		diff = decimal.Zero
	}

	if diff.IsZero() {
		return diff, decimal.Zero, nil
	}

	timeFactor, err := Div(decimal.NewFromInt(in.Elapsed), decimal.NewFromInt(SecondsPerDay))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	delta, err = Mul(in.OraclePrice, diff)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if delta, err = Mul(delta, decimal.NewFromInt(in.BaseLotSize)); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if delta, err = Mul(delta, timeFactor); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return diff, delta, nil
}

// UnsettledFunding returns the funding a position owes since its last
// settlement. Positive means the position pays.
func UnsettledFunding(basePosition int64, longFunding, shortFunding, longSettled, shortSettled decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case basePosition > 0:
		return Mul(longFunding.Sub(longSettled), decimal.NewFromInt(basePosition))
	case basePosition < 0:
		return Mul(shortFunding.Sub(shortSettled), decimal.NewFromInt(basePosition))
	default:
		return decimal.Zero, nil
	}
}
