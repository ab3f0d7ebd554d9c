package liquidation

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/health"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// LiquidateTokenAndToken lets liqor repay up to maxLiabTransfer of the
// liqee's borrow in liabIndex in exchange for its deposit in assetIndex at
// a liquidation-fee discount.
func (e *Engine) LiquidateTokenAndToken(liqee, liqor *account.Account, assetIndex, liabIndex int, maxLiabTransfer decimal.Decimal) (*Result, error) {
	if assetIndex == liabIndex {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "asset and liab token are both %d", assetIndex)
	}
	if !maxLiabTransfer.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "max_liab_transfer must be > 0")
	}
	assetInfo, err := e.g.Token(assetIndex)
	if err != nil {
		return nil, err
	}
	liabInfo, err := e.g.Token(liabIndex)
	if err != nil {
		return nil, err
	}

	before, exited, err := e.begin(liqee, liqor)
	if err != nil {
		return nil, err
	}
	if exited {
		return &Result{Exited: true, Healthy: true}, nil
	}

	assetNative, err := e.g.NativeBalance(liqee, assetIndex)
	if err != nil {
		return nil, err
	}
	liabNative, err := e.g.NativeBalance(liqee, liabIndex)
	if err != nil {
		return nil, err
	}
	if !assetNative.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "liqee has no deposit in token %d", assetIndex)
	}
	if !liabNative.IsNegative() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "liqee has no borrow in token %d", liabIndex)
	}

	assetPrice, err := e.tokenPrice(assetIndex)
	if err != nil {
		return nil, err
	}
	liabPrice, err := e.tokenPrice(liabIndex)
	if err != nil {
		return nil, err
	}
	initHealth, err := e.health(liqee, health.Init)
	if err != nil {
		return nil, err
	}

	liab, asset, err := computeTransfer(transferInput{
		AssetPrice:      assetPrice,
		LiabPrice:       liabPrice,
		AssetFee:        fpmath.One.Add(assetInfo.Params.LiquidationFee),
		LiabFee:         fpmath.One.Sub(liabInfo.Params.LiquidationFee),
		InitAssetWeight: assetInfo.Params.InitAssetWeight,
		InitLiabWeight:  liabInfo.Params.InitLiabWeight,
		AssetAvail:      assetNative,
		LiabOwed:        liabNative.Neg(),
		MaxLiabTransfer: maxLiabTransfer,
		InitHealth:      initHealth,
	})
	if err != nil {
		return nil, err
	}

	if err := e.changeBalance(liqor, liabIndex, liab.Neg()); err != nil {
		return nil, err
	}
	if err := e.changeBalance(liqee, liabIndex, liab); err != nil {
		return nil, err
	}
	if err := e.changeBalance(liqee, assetIndex, asset.Neg()); err != nil {
		return nil, err
	}
	if err := e.changeBalance(liqor, assetIndex, asset); err != nil {
		return nil, err
	}

	res := &Result{
		AssetTransfer: asset,
		LiabTransfer:  liab,
		AssetPrice:    assetPrice,
		LiabPrice:     liabPrice,
	}
	if err := e.finish(liqee, liqor, before, res); err != nil {
		return nil, err
	}
	return res, nil
}

// AssetKind tells whether one side of a token/perp liquidation is a token
// balance or a perp quote position.
type AssetKind uint8

const (
	KindToken AssetKind = iota
	KindPerp
)

func (k AssetKind) String() string {
	if k == KindPerp {
		return "perp"
	}
	return "token"
}

// LiquidateTokenAndPerp trades a token balance against a perp quote position
// with zero base. Exactly one side must be a perp.
func (e *Engine) LiquidateTokenAndPerp(liqee, liqor *account.Account, assetKind AssetKind, assetIndex int, liabKind AssetKind, liabIndex int, maxLiabTransfer decimal.Decimal) (*Result, error) {
	if assetKind == liabKind {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "exactly one side must be a perp, got %s/%s", assetKind, liabKind)
	}
	if !maxLiabTransfer.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "max_liab_transfer must be > 0")
	}

	perpIndex, tokenIndex := liabIndex, assetIndex
	if assetKind == KindPerp {
		perpIndex, tokenIndex = assetIndex, liabIndex
	}
	if _, err := e.g.Market(perpIndex); err != nil {
		return nil, err
	}
	info, err := e.g.Token(tokenIndex)
	if err != nil {
		return nil, err
	}

	before, exited, err := e.begin(liqee, liqor)
	if err != nil {
		return nil, err
	}
	if exited {
		return &Result{Exited: true, Healthy: true}, nil
	}

	pa := &liqee.Perps[perpIndex]
	if pa.HasExposure() || liqee.HasOpenOrders(perpIndex) {
		return nil, apperrors.New(apperrors.CodeInvalidParam,
			"perp %d of %s still has base position or orders", perpIndex, liqee.ID)
	}
	tokenNative, err := e.g.NativeBalance(liqee, tokenIndex)
	if err != nil {
		return nil, err
	}
	tokenPrice, err := e.tokenPrice(tokenIndex)
	if err != nil {
		return nil, err
	}
	initHealth, err := e.health(liqee, health.Init)
	if err != nil {
		return nil, err
	}

	in := transferInput{MaxLiabTransfer: maxLiabTransfer, InitHealth: initHealth}
	if assetKind == KindToken {
		if !tokenNative.IsPositive() || !pa.QuotePosition.IsNegative() {
			return nil, apperrors.New(apperrors.CodeInvalidParam, "need token %d deposit and negative perp %d quote", tokenIndex, perpIndex)
		}
		in.AssetPrice, in.LiabPrice = tokenPrice, fpmath.One
		in.AssetFee, in.LiabFee = fpmath.One.Add(info.Params.LiquidationFee), fpmath.One
		in.InitAssetWeight, in.InitLiabWeight = info.Params.InitAssetWeight, fpmath.One
		in.AssetAvail, in.LiabOwed = tokenNative, pa.QuotePosition.Neg()
	} else {
		if !tokenNative.IsNegative() || !pa.QuotePosition.IsPositive() {
			return nil, apperrors.New(apperrors.CodeInvalidParam, "need token %d borrow and positive perp %d quote", tokenIndex, perpIndex)
		}
		in.AssetPrice, in.LiabPrice = fpmath.One, tokenPrice
		in.AssetFee, in.LiabFee = fpmath.One, fpmath.One.Sub(info.Params.LiquidationFee)
		in.InitAssetWeight, in.InitLiabWeight = fpmath.One, info.Params.InitLiabWeight
		in.AssetAvail, in.LiabOwed = pa.QuotePosition, tokenNative.Neg()
	}

	liab, asset, err := computeTransfer(in)
	if err != nil {
		return nil, err
	}

	lp := &liqor.Perps[perpIndex]
	if assetKind == KindToken {
		// liqor takes over the negative quote and receives the token
		if err := pa.ChangeQuote(liab); err != nil {
			return nil, err
		}
		if err := lp.ChangeQuote(liab.Neg()); err != nil {
			return nil, err
		}
		if err := e.changeBalance(liqee, tokenIndex, asset.Neg()); err != nil {
			return nil, err
		}
		if err := e.changeBalance(liqor, tokenIndex, asset); err != nil {
			return nil, err
		}
	} else {
		// liqor repays the token borrow and receives positive quote
		if err := e.changeBalance(liqor, tokenIndex, liab.Neg()); err != nil {
			return nil, err
		}
		if err := e.changeBalance(liqee, tokenIndex, liab); err != nil {
			return nil, err
		}
		if err := pa.ChangeQuote(asset.Neg()); err != nil {
			return nil, err
		}
		if err := lp.ChangeQuote(asset); err != nil {
			return nil, err
		}
	}

	res := &Result{
		AssetTransfer: asset,
		LiabTransfer:  liab,
		AssetPrice:    in.AssetPrice,
		LiabPrice:     in.LiabPrice,
	}
	if err := e.finish(liqee, liqor, before, res); err != nil {
		return nil, err
	}
	return res, nil
}
