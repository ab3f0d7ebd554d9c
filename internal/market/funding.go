package market

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// FundingUpdate describes one accrual step.
type FundingUpdate struct {
	ImpactBid *decimal.Decimal
	ImpactAsk *decimal.Decimal
	Diff      decimal.Decimal
	Delta     decimal.Decimal
	Elapsed   int64
}

// ImpactPrice returns the native price at which ImpactQuantity base lots of
// side would be filled, ignoring expired orders.
func (m *PerpMarket) ImpactPrice(side book.Side, now int64) (*decimal.Decimal, bool) {
	qty := max(m.Params.ImpactQuantity, 1)
	lots, ok := m.Book.ImpactPrice(side, qty, now)
	if !ok {
		return nil, false
	}
	p := m.LotsToNative(lots)
	return &p, true
}

// UpdateFunding accrues funding from LastUpdated to now against the oracle
// price. Both accumulators move by the same per-base-lot delta.
func (m *PerpMarket) UpdateFunding(oracle decimal.Decimal, now int64) (*FundingUpdate, error) {
	if now < m.LastUpdated {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "funding update at %d before last update %d", now, m.LastUpdated)
	}
	bid, _ := m.ImpactPrice(book.Bid, now)
	ask, _ := m.ImpactPrice(book.Ask, now)

	upd := &FundingUpdate{ImpactBid: bid, ImpactAsk: ask, Elapsed: now - m.LastUpdated}
	if upd.Elapsed == 0 {
		return upd, nil
	}

	diff, delta, err := fpmath.ComputeFundingDelta(fpmath.FundingInput{
		ImpactBid:   bid,
		ImpactAsk:   ask,
		OraclePrice: oracle,
		MinFunding:  m.Params.MinFunding,
		MaxFunding:  m.Params.MaxFunding,
		BaseLotSize: m.Params.BaseLotSize,
		Elapsed:     upd.Elapsed,
	})
	if err != nil {
		return nil, err
	}
	long, err := fpmath.Add(m.LongFunding, delta)
	if err != nil {
		return nil, err
	}
	short, err := fpmath.Add(m.ShortFunding, delta)
	if err != nil {
		return nil, err
	}

	m.LongFunding = long
	m.ShortFunding = short
	m.LastUpdated = now
	upd.Diff = diff
	upd.Delta = delta
	return upd, nil
}
