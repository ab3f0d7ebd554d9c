package liquidation

import (
	"CrossMargin/internal/account"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// DustMove is one balance swept into the dust account.
type DustMove struct {
	Kind   AssetKind       `json:"kind"`
	Index  int             `json:"index"`
	Amount decimal.Decimal `json:"amount"`
}

// ResolveDust moves every token balance and idle perp quote position of a
// that is smaller than one native unit to the dust account. Running it twice
// is a no-op. The dust account itself is never swept.
func (e *Engine) ResolveDust(a *account.Account) ([]DustMove, error) {
	if a.ID == e.g.DustAccount {
		return nil, nil
	}
	dust, err := e.g.Account(e.g.DustAccount)
	if err != nil {
		return nil, err
	}

	var moves []DustMove
	for _, i := range e.g.ListedTokens() {
		native, err := e.g.NativeBalance(a, i)
		if err != nil {
			return nil, err
		}
		if !fpmath.IsDust(native) {
			continue
		}
		b, err := e.g.Bank(i)
		if err != nil {
			return nil, err
		}
		cleared, err := a.ClearBalance(i, b)
		if err != nil {
			return nil, err
		}
		if err := dust.ChangeBalance(i, b, cleared); err != nil {
			return nil, err
		}
		moves = append(moves, DustMove{Kind: KindToken, Index: i, Amount: cleared})
	}

	for _, i := range e.g.ListedMarkets() {
		pa := &a.Perps[i]
		if pa.HasExposure() || a.HasOpenOrders(i) || !fpmath.IsDust(pa.QuotePosition) {
			continue
		}
		q := pa.QuotePosition
		if err := dust.Perps[i].ChangeQuote(q); err != nil {
			return nil, err
		}
		pa.QuotePosition = decimal.Zero
		moves = append(moves, DustMove{Kind: KindPerp, Index: i, Amount: q})
	}

	if _, err := e.CheckExitBankruptcy(a); err != nil {
		return nil, err
	}
	return moves, nil
}
