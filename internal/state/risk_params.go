package state

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/bank"
	fpmath "CrossMargin/internal/math"
	"fmt"

	"github.com/shopspring/decimal"
)

// TokenParams are the health weights and liquidation fee of a token.
type TokenParams struct {
	MaintAssetWeight decimal.Decimal `json:"maint_asset_weight"`
	InitAssetWeight  decimal.Decimal `json:"init_asset_weight"`
	MaintLiabWeight  decimal.Decimal `json:"maint_liab_weight"`
	InitLiabWeight   decimal.Decimal `json:"init_liab_weight"`
	LiquidationFee   decimal.Decimal `json:"liquidation_fee"`
	Rate             bank.RateParams `json:"rate"`
}

// QuoteTokenParams weighs the quote currency at par.
func QuoteTokenParams(rate bank.RateParams) TokenParams {
	return TokenParams{
		MaintAssetWeight: fpmath.One,
		InitAssetWeight:  fpmath.One,
		MaintLiabWeight:  fpmath.One,
		InitLiabWeight:   fpmath.One,
		LiquidationFee:   decimal.Zero,
		Rate:             rate,
	}
}

// TokenInfo describes a listed token.
type TokenInfo struct {
	Index    int         `json:"index"`
	Symbol   string      `json:"symbol"`
	Decimals int32       `json:"decimals"`
	Params   TokenParams `json:"params"`
}

// ValidateTokenParams checks that weights are ordered
// 0 < init_asset <= maint_asset <= 1 <= maint_liab <= init_liab and that the
// liquidation fee is in [0, 1).
func ValidateTokenParams(p TokenParams) error {
	if !p.InitAssetWeight.IsPositive() {
		return fmt.Errorf("init_asset_weight must be > 0, got %s", p.InitAssetWeight)
	}
	if p.InitAssetWeight.GreaterThan(p.MaintAssetWeight) {
		return fmt.Errorf("init_asset_weight (%s) must be <= maint_asset_weight (%s)", p.InitAssetWeight, p.MaintAssetWeight)
	}
	if p.MaintAssetWeight.GreaterThan(fpmath.One) {
		return fmt.Errorf("maint_asset_weight must be <= 1, got %s", p.MaintAssetWeight)
	}
	if p.MaintLiabWeight.LessThan(fpmath.One) {
		return fmt.Errorf("maint_liab_weight must be >= 1, got %s", p.MaintLiabWeight)
	}
	if p.InitLiabWeight.LessThan(p.MaintLiabWeight) {
		return fmt.Errorf("init_liab_weight (%s) must be >= maint_liab_weight (%s)", p.InitLiabWeight, p.MaintLiabWeight)
	}
	if p.LiquidationFee.IsNegative() || p.LiquidationFee.GreaterThanOrEqual(fpmath.One) {
		return fmt.Errorf("liquidation_fee must be in [0, 1), got %s", p.LiquidationFee)
	}
	return p.Rate.Validate()
}

// SetTokenParams validates and applies new token parameters. The bank's
// accumulated indices are untouched: new rates apply from the next accrual.
func (g *Group) SetTokenParams(token int, p TokenParams) error {
	info, err := g.Token(token)
	if err != nil {
		return err
	}
	if token == g.QuoteIndex() {
		p.MaintAssetWeight, p.InitAssetWeight = fpmath.One, fpmath.One
		p.MaintLiabWeight, p.InitLiabWeight = fpmath.One, fpmath.One
	}
	if err := ValidateTokenParams(p); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidParam, err, fmt.Sprintf("token %d params", token))
	}
	info.Params = p
	g.Banks[token].Rate = p.Rate
	return nil
}
