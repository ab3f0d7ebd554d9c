package liquidation

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	"CrossMargin/internal/health"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// LiquidatePerpMarket transfers up to baseTransferRequest base lots of the
// liqee's perp position to liqor at the oracle price adjusted by the market's
// liquidation fee. The request is signed like the liqee's position: positive
// when the liqee is long. The liqee's resting orders in the market are
// cancelled first.
func (e *Engine) LiquidatePerpMarket(liqee, liqor *account.Account, marketIndex int, baseTransferRequest int64) (*Result, []book.LeafNode, error) {
	if baseTransferRequest == 0 {
		return nil, nil, apperrors.New(apperrors.CodeInvalidParam, "base_transfer_request must be non-zero")
	}
	m, err := e.g.Market(marketIndex)
	if err != nil {
		return nil, nil, err
	}

	before, exited, err := e.begin(liqee, liqor)
	if err != nil {
		return nil, nil, err
	}
	if exited {
		return &Result{Exited: true, Healthy: true}, nil, nil
	}

	cancelled := m.CancelAllOrders(liqee, 0)

	pa := &liqee.Perps[marketIndex]
	if pa.TakerBase != 0 {
		return nil, nil, apperrors.New(apperrors.CodeInvalidParam,
			"account %s has unconsumed fills in market %d", liqee.ID, marketIndex)
	}
	base := pa.BasePosition
	if base == 0 || (base > 0) != (baseTransferRequest > 0) {
		return nil, nil, apperrors.New(apperrors.CodeInvalidParam,
			"request %d does not match base position %d", baseTransferRequest, base)
	}

	price, err := e.g.Cache.Price(marketIndex, e.now)
	if err != nil {
		return nil, nil, err
	}
	lotPrice, err := m.BaseValue(1, price)
	if err != nil {
		return nil, nil, err
	}
	initHealth, err := e.health(liqee, health.Init)
	if err != nil {
		return nil, nil, err
	}

	w := m.Params.Weights()
	fee := m.Params.LiquidationFee
	var feeFactor, gainFactor decimal.Decimal
	if base > 0 {
		feeFactor = fpmath.One.Sub(fee)
		gainFactor = feeFactor.Sub(w.InitAsset)
	} else {
		feeFactor = fpmath.One.Add(fee)
		gainFactor = w.InitLiab.Sub(feeFactor)
	}
	gain, err := fpmath.Mul(lotPrice, gainFactor)
	if err != nil {
		return nil, nil, err
	}

	var maxLots int64
	if initHealth.IsNegative() {
		lots, err := fpmath.Div(initHealth.Neg(), gain)
		if err != nil {
			return nil, nil, err
		}
		maxLots = lots.Ceil().IntPart()
	}
	if maxLots < 0 {
		maxLots = 0
	}
	transfer := min(abs(baseTransferRequest), abs(base), maxLots)

	res := &Result{Price: price}
	if transfer > 0 {
		perLot, err := fpmath.Mul(lotPrice, feeFactor)
		if err != nil {
			return nil, nil, err
		}
		quote, err := fpmath.Mul(perLot, decimal.NewFromInt(transfer))
		if err != nil {
			return nil, nil, err
		}

		// signed from the liqee's side: a long liqee sells base for quote
		baseDelta, quoteDelta := -transfer, quote
		if base < 0 {
			baseDelta, quoteDelta = transfer, quote.Neg()
		}
		lp := &liqor.Perps[marketIndex]
		liqeeOld, liqorOld := pa.BasePosition, lp.BasePosition
		if err := pa.ChangeBase(baseDelta); err != nil {
			return nil, nil, err
		}
		if err := pa.ChangeQuote(quoteDelta); err != nil {
			return nil, nil, err
		}
		if err := lp.ChangeBase(-baseDelta); err != nil {
			return nil, nil, err
		}
		if err := lp.ChangeQuote(quoteDelta.Neg()); err != nil {
			return nil, nil, err
		}
		m.ApplyOpenInterest(liqeeOld, pa.BasePosition)
		m.ApplyOpenInterest(liqorOld, lp.BasePosition)

		if err := m.PushLiquidate(book.LiquidateEvent{
			Timestamp:      e.now,
			Liqee:          liqee.ID,
			Liqor:          liqor.ID,
			Price:          price,
			Quantity:       -baseDelta,
			LiquidationFee: fee,
		}); err != nil {
			return nil, nil, err
		}

		res.BaseTransfer = -baseDelta
		res.QuoteTransfer = quoteDelta
	}

	if err := e.finish(liqee, liqor, before, res); err != nil {
		return nil, nil, err
	}
	return res, cancelled, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
