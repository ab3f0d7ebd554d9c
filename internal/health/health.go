package health

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/cache"
	fpmath "CrossMargin/internal/math"
	"CrossMargin/internal/state"

	"github.com/shopspring/decimal"
)

// Mode selects maintenance or initial weights.
type Mode uint8

const (
	Maint Mode = iota
	Init
)

func (m Mode) String() string {
	if m == Init {
		return "init"
	}
	return "maint"
}

// Components is a health computation split into weighted assets and
// weighted liabilities. Health is their difference.
type Components struct {
	Assets decimal.Decimal `json:"assets"`
	Liabs  decimal.Decimal `json:"liabs"`
}

func (c Components) Health() decimal.Decimal {
	return c.Assets.Sub(c.Liabs)
}

func (c *Components) add(v decimal.Decimal) {
	if v.IsNegative() {
		c.Liabs = c.Liabs.Add(v.Neg())
	} else {
		c.Assets = c.Assets.Add(v)
	}
}

func weigh(value, assetWeight, liabWeight decimal.Decimal) (decimal.Decimal, error) {
	if value.IsNegative() {
		return fpmath.Mul(value, liabWeight)
	}
	return fpmath.Mul(value, assetWeight)
}

func tokenWeights(p state.TokenParams, mode Mode) (asset, liab decimal.Decimal) {
	if mode == Init {
		return p.InitAssetWeight, p.InitLiabWeight
	}
	return p.MaintAssetWeight, p.MaintLiabWeight
}

// ComputeDetailed values every token balance, open-orders balance and perp
// position of a using the cached prices, indices and funding. Any cache entry
// it needs that is stale fails the computation with StaleCache.
func ComputeDetailed(a *account.Account, g *state.Group, snap *cache.Snapshot, mode Mode, now int64) (Components, error) {
	c := Components{Assets: decimal.Zero, Liabs: decimal.Zero}

	for _, i := range g.ListedTokens() {
		native := decimal.Zero
		if !a.Balances[i].IsZero() {
			rb, err := snap.RootBank(i, now)
			if err != nil {
				return Components{}, err
			}
			if native, err = a.NativeBalance(i, rb.DepositIndex, rb.BorrowIndex); err != nil {
				return Components{}, err
			}
		}
		if i < account.MaxPairs && a.IsInBasket(i) {
			oo := a.OpenOrders[i]
			native = native.Add(oo.BaseTotal())
			c.Assets = c.Assets.Add(oo.QuoteTotal())
		}
		if native.IsZero() {
			continue
		}

		price, err := snap.Price(i, now)
		if err != nil {
			return Components{}, err
		}
		value, err := fpmath.Mul(native, price)
		if err != nil {
			return Components{}, err
		}
		aw, lw := tokenWeights(g.Tokens[i].Params, mode)
		weighted, err := weigh(value, aw, lw)
		if err != nil {
			return Components{}, err
		}
		c.add(weighted)
	}

	for _, i := range g.ListedMarkets() {
		pa := &a.Perps[i]
		if pa.IsEmpty() {
			continue
		}
		perp, err := perpComponents(pa, g, snap, i, mode, now)
		if err != nil {
			return Components{}, err
		}
		c.Assets = c.Assets.Add(perp.Assets)
		c.Liabs = c.Liabs.Add(perp.Liabs)
	}

	if _, err := fpmath.CheckRange(c.Assets); err != nil {
		return Components{}, err
	}
	if _, err := fpmath.CheckRange(c.Liabs); err != nil {
		return Components{}, err
	}
	return c, nil
}

// perpComponents values one perp position under the worse of two scenarios:
// all resting bids fill at the oracle price, or all resting asks do.
func perpComponents(pa *account.PerpAccount, g *state.Group, snap *cache.Snapshot, index int, mode Mode, now int64) (Components, error) {
	m := g.Markets[index]
	pmc, err := snap.PerpMarket(index, now)
	if err != nil {
		return Components{}, err
	}

	owed, err := pa.UnsettledFunding(pmc.LongFunding, pmc.ShortFunding)
	if err != nil {
		return Components{}, err
	}
	quote := pa.QuotePosition.Sub(m.QuoteLotsToNative(pa.TakerQuote)).Sub(owed)
	base := pa.BasePosition + pa.TakerBase

	var price decimal.Decimal
	if base != 0 || pa.BidsQuantity != 0 || pa.AsksQuantity != 0 {
		if price, err = snap.Price(index, now); err != nil {
			return Components{}, err
		}
	}

	w := m.Params.Weights()
	aw, lw := w.MaintAsset, w.MaintLiab
	if mode == Init {
		aw, lw = w.InitAsset, w.InitLiab
	}

	scenario := func(base int64, quote decimal.Decimal) (Components, error) {
		sc := Components{Assets: decimal.Zero, Liabs: decimal.Zero}
		value, err := m.BaseValue(base, price)
		if err != nil {
			return Components{}, err
		}
		weighted, err := weigh(value, aw, lw)
		if err != nil {
			return Components{}, err
		}
		sc.add(weighted)
		sc.add(quote)
		return sc, nil
	}

	bidsCost, err := m.BaseValue(pa.BidsQuantity, price)
	if err != nil {
		return Components{}, err
	}
	asksProceeds, err := m.BaseValue(pa.AsksQuantity, price)
	if err != nil {
		return Components{}, err
	}

	bids, err := scenario(base+pa.BidsQuantity, quote.Sub(bidsCost))
	if err != nil {
		return Components{}, err
	}
	asks, err := scenario(base-pa.AsksQuantity, quote.Add(asksProceeds))
	if err != nil {
		return Components{}, err
	}
	if bids.Health().LessThan(asks.Health()) {
		return bids, nil
	}
	return asks, nil
}

// Compute returns assets - liabs under mode.
func Compute(a *account.Account, g *state.Group, snap *cache.Snapshot, mode Mode, now int64) (decimal.Decimal, error) {
	c, err := ComputeDetailed(a, g, snap, mode, now)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Health(), nil
}

// IsLiquidatable reports whether maintenance health is negative.
func IsLiquidatable(a *account.Account, g *state.Group, snap *cache.Snapshot, now int64) (bool, error) {
	h, err := Compute(a, g, snap, Maint, now)
	if err != nil {
		return false, err
	}
	return h.IsNegative(), nil
}
