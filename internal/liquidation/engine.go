package liquidation

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/health"
	fpmath "CrossMargin/internal/math"
	"CrossMargin/internal/state"

	"github.com/shopspring/decimal"
)

// Engine runs liquidation and bankruptcy steps against a group at a fixed
// timestamp. Funding must be settled on every account passed in.
type Engine struct {
	g   *state.Group
	now int64
}

func New(g *state.Group, now int64) *Engine {
	return &Engine{g: g, now: now}
}

// Result describes a liquidation step. Transfers are native amounts from the
// liqee's point of view: LiabTransfer of liability removed, AssetTransfer of
// asset given up.
type Result struct {
	AssetTransfer decimal.Decimal
	LiabTransfer  decimal.Decimal
	AssetPrice    decimal.Decimal
	LiabPrice     decimal.Decimal

	// perp market liquidation only
	BaseTransfer  int64
	QuoteTransfer decimal.Decimal
	Price         decimal.Decimal

	// Exited is set when the liqee had already recovered and was unflagged
	// without any transfer.
	Exited   bool
	Healthy  bool
	Bankrupt bool
}

func (e *Engine) health(a *account.Account, mode health.Mode) (decimal.Decimal, error) {
	return health.Compute(a, e.g, e.g.Cache, mode, e.now)
}

func (e *Engine) checkLiqor(liqee, liqor *account.Account) error {
	if liqee.ID == liqor.ID {
		return apperrors.New(apperrors.CodeInvalidParam, "account %s cannot liquidate itself", liqee.ID)
	}
	if err := liqor.CheckNotBankrupt(); err != nil {
		return err
	}
	if liqor.BeingLiquidated {
		return apperrors.New(apperrors.CodeAccountAlreadyLiquidating, "liquidator %s is being liquidated", liqor.ID)
	}
	return nil
}

// begin validates the pair, flags the liqee on entry and returns its
// maintenance health before the step. A flagged liqee that has recovered is
// unflagged and reported with exited=true.
func (e *Engine) begin(liqee, liqor *account.Account) (before decimal.Decimal, exited bool, err error) {
	if err := e.checkLiqor(liqee, liqor); err != nil {
		return decimal.Zero, false, err
	}
	if err := liqee.CheckNotBankrupt(); err != nil {
		return decimal.Zero, false, err
	}

	maint, err := e.health(liqee, health.Maint)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !liqee.BeingLiquidated {
		if !maint.IsNegative() {
			return decimal.Zero, false, apperrors.New(apperrors.CodeNotLiquidatable,
				"account %s maint health %s", liqee.ID, maint.StringFixed(6))
		}
		state.Transition(liqee, state.LiquidationStateBeingLiquidated)
		return maint, false, nil
	}

	recovered, err := e.recovered(liqee, maint)
	if err != nil {
		return decimal.Zero, false, err
	}
	if recovered {
		state.Transition(liqee, state.LiquidationStateHealthy)
		return maint, true, nil
	}
	return maint, false, nil
}

// recovered: maint health non-negative and init health within the dust
// threshold.
func (e *Engine) recovered(a *account.Account, maint decimal.Decimal) (bool, error) {
	if maint.IsNegative() {
		return false, nil
	}
	init, err := e.health(a, health.Init)
	if err != nil {
		return false, err
	}
	return init.GreaterThanOrEqual(e.g.Params.DustThreshold), nil
}

// finish enforces the step guards and moves the liqee to its next state.
func (e *Engine) finish(liqee, liqor *account.Account, before decimal.Decimal, res *Result) error {
	after, err := e.health(liqee, health.Maint)
	if err != nil {
		return err
	}
	if after.LessThan(before.Add(e.g.Params.DustThreshold)) {
		return apperrors.New(apperrors.CodeInsufficientMargin,
			"liquidation lowers maint health of %s from %s to %s", liqee.ID, before.StringFixed(6), after.StringFixed(6))
	}
	if liqor != nil {
		liqorInit, err := e.health(liqor, health.Init)
		if err != nil {
			return err
		}
		if liqorInit.IsNegative() {
			return apperrors.New(apperrors.CodeInsufficientMargin,
				"liquidator %s init health %s after step", liqor.ID, liqorInit.StringFixed(6))
		}
	}

	recovered, err := e.recovered(liqee, after)
	if err != nil {
		return err
	}
	switch {
	case recovered:
		state.Transition(liqee, state.LiquidationStateHealthy)
		res.Healthy = true
	default:
		bankrupt, err := e.CheckEnterBankruptcy(liqee)
		if err != nil {
			return err
		}
		res.Bankrupt = bankrupt
	}
	return nil
}

// transferInput is the common shape of the token/token and token/perp
// formulas. Prices are quote per native unit; AssetAvail and LiabOwed are
// positive native amounts.
type transferInput struct {
	AssetPrice, LiabPrice       decimal.Decimal
	AssetFee, LiabFee           decimal.Decimal
	InitAssetWeight             decimal.Decimal
	InitLiabWeight              decimal.Decimal
	AssetAvail, LiabOwed        decimal.Decimal
	MaxLiabTransfer, InitHealth decimal.Decimal
}

// computeTransfer returns the liability to remove and the asset to hand over
// so the liqee's init health reaches zero, bounded by the request, the
// outstanding liability and the available asset.
func computeTransfer(in transferInput) (liab, asset decimal.Decimal, err error) {
	bonus, err := fpmath.Div(in.AssetFee, in.LiabFee)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	weighted, err := fpmath.Mul(in.InitAssetWeight, bonus)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	gain, err := fpmath.Mul(in.LiabPrice, in.InitLiabWeight.Sub(weighted))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	deficitMax, err := fpmath.Div(in.InitHealth.Neg(), gain)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	assetValue, err := fpmath.Mul(in.AssetAvail, in.AssetPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	liabPerAsset, err := fpmath.Mul(in.LiabPrice, bonus)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	assetCap, err := fpmath.Div(assetValue, liabPerAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	liab = decimal.Min(in.MaxLiabTransfer, deficitMax, in.LiabOwed, assetCap)
	if !liab.IsPositive() {
		return decimal.Zero, decimal.Zero, apperrors.New(apperrors.CodeInvalidParam, "nothing to transfer")
	}

	assetQuote, err := fpmath.Mul(liab, liabPerAsset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if asset, err = fpmath.Div(assetQuote, in.AssetPrice); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	asset = decimal.Min(asset, in.AssetAvail)
	return liab, asset, nil
}

func (e *Engine) tokenPrice(token int) (decimal.Decimal, error) {
	return e.g.Cache.Price(token, e.now)
}

// changeBalance applies a native delta on the group bank of token.
func (e *Engine) changeBalance(a *account.Account, token int, delta decimal.Decimal) error {
	b, err := e.g.Bank(token)
	if err != nil {
		return err
	}
	return a.ChangeBalance(token, b, delta)
}
