package core

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/liquidation"

	"github.com/google/uuid"
)

// loadPair loads liqee and liqor with funding settled. The signer must be
// allowed to act for the liqor.
func (c *DeterministicCore) loadPair(t *txn, signer, liqeeID, liqorID uuid.UUID) (liqee, liqor *account.Account, err error) {
	if liqeeID == liqorID {
		return nil, nil, apperrors.New(apperrors.CodeInvalidParam, "liqee and liqor must differ")
	}
	liqor, err = c.load(t, liqorID)
	if err != nil {
		return nil, nil, err
	}
	if err := liqor.Authorize(signer); err != nil {
		return nil, nil, err
	}
	liqee, err = c.load(t, liqeeID)
	if err != nil {
		return nil, nil, err
	}
	return liqee, liqor, nil
}

func parseAssetKind(s string) (liquidation.AssetKind, error) {
	switch s {
	case "token":
		return liquidation.KindToken, nil
	case "perp":
		return liquidation.KindPerp, nil
	}
	return 0, apperrors.New(apperrors.CodeInvalidParam, "unknown asset type %q", s)
}

func (c *DeterministicCore) handleLiquidateTokenAndToken(t *txn, ins *instruction.LiquidateTokenAndToken) ([]event.Record, error) {
	liqee, liqor, err := c.loadPair(t, ins.Signer, ins.Liqee, ins.Liqor)
	if err != nil {
		return nil, err
	}
	res, err := liquidation.New(t.g, t.now).LiquidateTokenAndToken(liqee, liqor, ins.AssetIndex, ins.LiabIndex, ins.MaxLiabTransfer)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.LiquidateTokenAndToken{
		Liqee:         liqee.ID,
		Liqor:         liqor.ID,
		AssetIndex:    ins.AssetIndex,
		LiabIndex:     ins.LiabIndex,
		AssetTransfer: res.AssetTransfer,
		LiabTransfer:  res.LiabTransfer,
		AssetPrice:    res.AssetPrice,
		LiabPrice:     res.LiabPrice,
		Bankruptcy:    res.Bankrupt,
		Unflagged:     res.Healthy,
	}}, nil
}

func (c *DeterministicCore) handleLiquidateTokenAndPerp(t *txn, ins *instruction.LiquidateTokenAndPerp) ([]event.Record, error) {
	assetKind, err := parseAssetKind(ins.AssetType)
	if err != nil {
		return nil, err
	}
	liabKind, err := parseAssetKind(ins.LiabType)
	if err != nil {
		return nil, err
	}
	liqee, liqor, err := c.loadPair(t, ins.Signer, ins.Liqee, ins.Liqor)
	if err != nil {
		return nil, err
	}
	if assetKind == liquidation.KindPerp {
		if _, err := t.market(ins.AssetIndex); err != nil {
			return nil, err
		}
	}
	if liabKind == liquidation.KindPerp {
		if _, err := t.market(ins.LiabIndex); err != nil {
			return nil, err
		}
	}
	res, err := liquidation.New(t.g, t.now).LiquidateTokenAndPerp(liqee, liqor,
		assetKind, ins.AssetIndex, liabKind, ins.LiabIndex, ins.MaxLiabTransfer)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.LiquidateTokenAndPerp{
		Liqee:         liqee.ID,
		Liqor:         liqor.ID,
		AssetType:     assetKind.String(),
		AssetIndex:    ins.AssetIndex,
		LiabType:      liabKind.String(),
		LiabIndex:     ins.LiabIndex,
		AssetTransfer: res.AssetTransfer,
		LiabTransfer:  res.LiabTransfer,
		AssetPrice:    res.AssetPrice,
		LiabPrice:     res.LiabPrice,
		Bankruptcy:    res.Bankrupt,
		Unflagged:     res.Healthy,
	}}, nil
}

// handleLiquidatePerpMarket cancels the liqee's orders in the market before
// taking over part of its base position.
func (c *DeterministicCore) handleLiquidatePerpMarket(t *txn, ins *instruction.LiquidatePerpMarket) ([]event.Record, error) {
	liqee, liqor, err := c.loadPair(t, ins.Signer, ins.Liqee, ins.Liqor)
	if err != nil {
		return nil, err
	}
	if _, err := t.market(ins.Market); err != nil {
		return nil, err
	}
	res, cancelled, err := liquidation.New(t.g, t.now).LiquidatePerpMarket(liqee, liqor, ins.Market, ins.BaseTransferRequest)
	if err != nil {
		return nil, err
	}
	rec := &event.LiquidatePerpMarket{
		Liqee:         liqee.ID,
		Liqor:         liqor.ID,
		Market:        ins.Market,
		Price:         res.Price,
		BaseTransfer:  res.BaseTransfer,
		QuoteTransfer: res.QuoteTransfer,
		Bankruptcy:    res.Bankrupt,
		Unflagged:     res.Healthy,
	}
	for _, leaf := range cancelled {
		rec.CanceledOrders = append(rec.CanceledOrders, leaf.OrderID)
	}
	return []event.Record{rec}, nil
}

func (c *DeterministicCore) handleResolvePerpBankruptcy(t *txn, ins *instruction.ResolvePerpBankruptcy) ([]event.Record, error) {
	liqee, liqor, err := c.loadPair(t, ins.Signer, ins.Liqee, ins.Liqor)
	if err != nil {
		return nil, err
	}
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	res, err := liquidation.New(t.g, t.now).ResolvePerpBankruptcy(liqee, liqor, ins.Market, ins.MaxLiabTransfer)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.PerpBankruptcy{
		Liqee:             liqee.ID,
		Liqor:             liqor.ID,
		Market:            ins.Market,
		InsuranceTransfer: res.InsurancePaid,
		SocializedLoss:    res.Socialized,
		SocializedPerLot:  res.SocializedPerLot,
		DustAbsorbed:      res.DustAbsorbed,
		LongFunding:       m.LongFunding,
		ShortFunding:      m.ShortFunding,
		ExitedBankruptcy:  res.ExitedBankruptcy,
	}}, nil
}

func (c *DeterministicCore) handleResolveTokenBankruptcy(t *txn, ins *instruction.ResolveTokenBankruptcy) ([]event.Record, error) {
	liqee, liqor, err := c.loadPair(t, ins.Signer, ins.Liqee, ins.Liqor)
	if err != nil {
		return nil, err
	}
	res, err := liquidation.New(t.g, t.now).ResolveTokenBankruptcy(liqee, liqor, ins.Token, ins.MaxLiabTransfer)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.TokenBankruptcy{
		Liqee:             liqee.ID,
		Liqor:             liqor.ID,
		Token:             ins.Token,
		LiabTransfer:      res.LiabTransfer,
		InsuranceTransfer: res.InsurancePaid,
		DustAbsorbed:      res.DustAbsorbed,
		ExitedBankruptcy:  res.ExitedBankruptcy,
	}}, nil
}

// handleResolveDust is permissionless. Nothing to sweep produces no record.
func (c *DeterministicCore) handleResolveDust(t *txn, ins *instruction.ResolveDust) ([]event.Record, error) {
	a, err := c.load(t, ins.Account)
	if err != nil {
		return nil, err
	}
	moves, err := liquidation.New(t.g, t.now).ResolveDust(a)
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		return nil, nil
	}
	rec := &event.ResolveDust{Account: a.ID}
	for _, mv := range moves {
		rec.Moves = append(rec.Moves, event.DustMove{Kind: mv.Kind.String(), Index: mv.Index, Amount: mv.Amount})
	}
	return []event.Record{rec}, nil
}
