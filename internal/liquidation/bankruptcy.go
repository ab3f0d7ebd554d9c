package liquidation

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/health"
	fpmath "CrossMargin/internal/math"
	"CrossMargin/internal/state"

	"github.com/shopspring/decimal"
)

// BankruptcyResult describes one bankruptcy resolution step. Amounts are
// quote native except LiabTransfer, which is in the liability's native unit.
type BankruptcyResult struct {
	LiabTransfer     decimal.Decimal
	InsurancePaid    decimal.Decimal
	Socialized       decimal.Decimal
	SocializedPerLot decimal.Decimal
	DustAbsorbed     decimal.Decimal
	ExitedBankruptcy bool
}

// exposure classifies the account's balances. Amounts below one native
// unit are ignored on both sides.
func (e *Engine) exposure(a *account.Account) (hasAssets, hasLiabs bool, err error) {
	for _, i := range e.g.ListedTokens() {
		native, err := e.g.NativeBalance(a, i)
		if err != nil {
			return false, false, err
		}
		switch {
		case native.GreaterThanOrEqual(fpmath.One):
			hasAssets = true
		case native.LessThanOrEqual(fpmath.NegOne):
			hasLiabs = true
		}
	}
	for pair := 0; pair < account.MaxPairs; pair++ {
		if a.IsInBasket(pair) {
			oo := a.OpenOrders[pair]
			if oo.BaseTotal().IsPositive() || oo.QuoteTotal().IsPositive() {
				hasAssets = true
			}
		}
	}
	for _, i := range e.g.ListedMarkets() {
		pa := &a.Perps[i]
		if pa.HasExposure() || a.HasOpenOrders(i) {
			// positions and orders are never treated as settled
			hasAssets = true
		}
		switch {
		case pa.QuotePosition.GreaterThanOrEqual(fpmath.One):
			hasAssets = true
		case pa.QuotePosition.LessThanOrEqual(fpmath.NegOne):
			hasLiabs = true
		}
	}
	return hasAssets, hasLiabs, nil
}

// CheckEnterBankruptcy marks a being-liquidated account bankrupt when it has
// liabilities left and nothing to seize.
func (e *Engine) CheckEnterBankruptcy(a *account.Account) (bool, error) {
	if a.IsBankrupt {
		return true, nil
	}
	hasAssets, hasLiabs, err := e.exposure(a)
	if err != nil {
		return false, err
	}
	if hasAssets || !hasLiabs {
		return false, nil
	}
	return state.Transition(a, state.LiquidationStateBankrupt), nil
}

// CheckExitBankruptcy clears both flags once no liability is left.
func (e *Engine) CheckExitBankruptcy(a *account.Account) (bool, error) {
	if !a.IsBankrupt {
		return false, nil
	}
	_, hasLiabs, err := e.exposure(a)
	if err != nil {
		return false, err
	}
	if hasLiabs {
		return false, nil
	}
	return state.Transition(a, state.LiquidationStateHealthy), nil
}

// fundExhausted: less than one quote native unit left.
func (e *Engine) fundExhausted() bool {
	return e.g.InsuranceFund.LessThan(fpmath.One)
}

func (e *Engine) checkBankruptLiqee(liqee, liqor *account.Account) error {
	if err := e.checkLiqor(liqee, liqor); err != nil {
		return err
	}
	if !liqee.IsBankrupt {
		return apperrors.New(apperrors.CodeNotBankrupt, "account %s is not bankrupt", liqee.ID)
	}
	return nil
}

// ResolvePerpBankruptcy covers a bankrupt account's negative perp quote
// position. The insurance fund pays liqor to take over up to maxLiabTransfer
// of the liability. Once the fund is empty, whatever remains is socialized
// across the market's open positions, or absorbed by the dust account when
// there is no open interest or the amount is dust.
func (e *Engine) ResolvePerpBankruptcy(liqee, liqor *account.Account, marketIndex int, maxLiabTransfer decimal.Decimal) (*BankruptcyResult, error) {
	if !maxLiabTransfer.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "max_liab_transfer must be > 0")
	}
	m, err := e.g.Market(marketIndex)
	if err != nil {
		return nil, err
	}
	if err := e.checkBankruptLiqee(liqee, liqor); err != nil {
		return nil, err
	}
	pa := &liqee.Perps[marketIndex]
	if pa.HasExposure() || liqee.HasOpenOrders(marketIndex) {
		return nil, apperrors.New(apperrors.CodeInvalidParam,
			"perp %d of %s still has base position or orders", marketIndex, liqee.ID)
	}
	if !pa.QuotePosition.IsNegative() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "perp %d of %s has no negative quote", marketIndex, liqee.ID)
	}

	res := &BankruptcyResult{}
	want := decimal.Min(maxLiabTransfer, pa.QuotePosition.Neg())
	covered, _ := e.g.CoverDeficit(want)
	if covered.IsPositive() {
		if err := pa.ChangeQuote(covered); err != nil {
			return nil, err
		}
		if err := liqor.Perps[marketIndex].ChangeQuote(covered.Neg()); err != nil {
			return nil, err
		}
		if err := e.changeBalance(liqor, e.g.QuoteIndex(), covered); err != nil {
			return nil, err
		}
		res.LiabTransfer = covered
		res.InsurancePaid = covered
	}

	if e.fundExhausted() && pa.QuotePosition.IsNegative() {
		loss := pa.QuotePosition.Neg()
		pa.QuotePosition = decimal.Zero
		if m.OpenInterest > 0 && !fpmath.IsDust(loss) {
			perLot, err := m.SocializeLoss(loss)
			if err != nil {
				return nil, err
			}
			e.g.Cache.SetPerpMarket(marketIndex, m.LongFunding, m.ShortFunding, e.now)
			res.Socialized = loss
			res.SocializedPerLot = perLot
		} else {
			dust, err := e.g.Account(e.g.DustAccount)
			if err != nil {
				return nil, err
			}
			if err := dust.Perps[marketIndex].ChangeQuote(loss.Neg()); err != nil {
				return nil, err
			}
			res.DustAbsorbed = loss
		}
	}

	if err := e.finishBankruptcy(liqee, liqor, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ResolveTokenBankruptcy lets liqor repay up to maxLiabTransfer of a bankrupt
// account's borrow in token. Liqor is paid from the insurance fund in quote
// at the oracle price plus the token's liquidation fee. Once the fund is
// empty, the remaining borrow moves to the dust account.
func (e *Engine) ResolveTokenBankruptcy(liqee, liqor *account.Account, token int, maxLiabTransfer decimal.Decimal) (*BankruptcyResult, error) {
	if !maxLiabTransfer.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "max_liab_transfer must be > 0")
	}
	info, err := e.g.Token(token)
	if err != nil {
		return nil, err
	}
	if err := e.checkBankruptLiqee(liqee, liqor); err != nil {
		return nil, err
	}
	liabNative, err := e.g.NativeBalance(liqee, token)
	if err != nil {
		return nil, err
	}
	if !liabNative.IsNegative() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "account %s has no borrow in token %d", liqee.ID, token)
	}

	res := &BankruptcyResult{}
	if !e.fundExhausted() {
		price, err := e.tokenPrice(token)
		if err != nil {
			return nil, err
		}
		perUnit, err := fpmath.Mul(price, fpmath.One.Add(info.Params.LiquidationFee))
		if err != nil {
			return nil, err
		}
		fundCap, err := fpmath.Div(e.g.InsuranceFund, perUnit)
		if err != nil {
			return nil, err
		}
		transfer := decimal.Min(maxLiabTransfer, liabNative.Neg(), fundCap)
		paid, err := fpmath.Mul(transfer, perUnit)
		if err != nil {
			return nil, err
		}
		paid, _ = e.g.CoverDeficit(paid)

		if err := e.changeBalance(liqor, token, transfer.Neg()); err != nil {
			return nil, err
		}
		if err := e.changeBalance(liqee, token, transfer); err != nil {
			return nil, err
		}
		if err := e.changeBalance(liqor, e.g.QuoteIndex(), paid); err != nil {
			return nil, err
		}
		res.LiabTransfer = transfer
		res.InsurancePaid = paid
	}

	if e.fundExhausted() && liqee.Balances[token].IsNegative() {
		b, err := e.g.Bank(token)
		if err != nil {
			return nil, err
		}
		remaining, err := liqee.ClearBalance(token, b)
		if err != nil {
			return nil, err
		}
		dust, err := e.g.Account(e.g.DustAccount)
		if err != nil {
			return nil, err
		}
		if err := dust.ChangeBalance(token, b, remaining); err != nil {
			return nil, err
		}
		res.DustAbsorbed = remaining.Neg()
	}

	if err := e.finishBankruptcy(liqee, liqor, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) finishBankruptcy(liqee, liqor *account.Account, res *BankruptcyResult) error {
	exited, err := e.CheckExitBankruptcy(liqee)
	if err != nil {
		return err
	}
	res.ExitedBankruptcy = exited
	if res.LiabTransfer.IsZero() {
		return nil
	}
	liqorInit, err := e.health(liqor, health.Init)
	if err != nil {
		return err
	}
	if liqorInit.IsNegative() {
		return apperrors.New(apperrors.CodeInsufficientMargin,
			"liquidator %s init health %s after step", liqor.ID, liqorInit.StringFixed(6))
	}
	return nil
}
