package account

import (
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// PerpAccount is an account's position in one perp market.
//
// BasePosition is in base lots and QuotePosition in quote native units.
// TakerBase/TakerQuote hold taker fills that are matched but not yet
// consumed from the event queue (base lots and quote lots). BidsQuantity and
// AsksQuantity are the resting order quantities in base lots.
type PerpAccount struct {
	BasePosition        int64           `json:"base_position"`
	QuotePosition       decimal.Decimal `json:"quote_position"`
	LongSettledFunding  decimal.Decimal `json:"long_settled_funding"`
	ShortSettledFunding decimal.Decimal `json:"short_settled_funding"`
	BidsQuantity        int64           `json:"bids_quantity"`
	AsksQuantity        int64           `json:"asks_quantity"`
	TakerBase           int64           `json:"taker_base"`
	TakerQuote          int64           `json:"taker_quote"`
}

func newPerpAccount() PerpAccount {
	return PerpAccount{
		QuotePosition:       decimal.Zero,
		LongSettledFunding:  decimal.Zero,
		ShortSettledFunding: decimal.Zero,
	}
}

// UnsettledFunding is the funding owed since the last settlement; positive
// means the position pays.
func (p *PerpAccount) UnsettledFunding(longFunding, shortFunding decimal.Decimal) (decimal.Decimal, error) {
	return fpmath.UnsettledFunding(p.BasePosition, longFunding, shortFunding, p.LongSettledFunding, p.ShortSettledFunding)
}

// SettleFunding charges unsettled funding to the quote position and records
// the accumulators as settled. Returns the amount charged.
func (p *PerpAccount) SettleFunding(longFunding, shortFunding decimal.Decimal) (decimal.Decimal, error) {
	owed, err := p.UnsettledFunding(longFunding, shortFunding)
	if err != nil {
		return decimal.Zero, err
	}
	quote, err := fpmath.Sub(p.QuotePosition, owed)
	if err != nil {
		return decimal.Zero, err
	}
	p.QuotePosition = quote
	p.LongSettledFunding = longFunding
	p.ShortSettledFunding = shortFunding
	return owed, nil
}

// ChangeBase moves the base position. Funding must be settled first: the
// settled snapshots are reused for the new size.
func (p *PerpAccount) ChangeBase(delta int64) error {
	next, err := fpmath.CheckedAdd(p.BasePosition, delta)
	if err != nil {
		return err
	}
	p.BasePosition = next
	return nil
}

// ChangeQuote moves the quote position by a native amount.
func (p *PerpAccount) ChangeQuote(delta decimal.Decimal) error {
	next, err := fpmath.Add(p.QuotePosition, delta)
	if err != nil {
		return err
	}
	p.QuotePosition = next
	return nil
}

// HasExposure reports whether anything in the market still references the
// account: a position, resting orders or unconsumed taker fills.
func (p *PerpAccount) HasExposure() bool {
	return p.BasePosition != 0 || p.BidsQuantity != 0 || p.AsksQuantity != 0 ||
		p.TakerBase != 0 || p.TakerQuote != 0
}

// IsEmpty reports whether the slot holds nothing at all.
func (p *PerpAccount) IsEmpty() bool {
	return !p.HasExposure() && p.QuotePosition.IsZero()
}
