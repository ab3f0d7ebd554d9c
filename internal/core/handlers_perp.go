package core

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	"CrossMargin/internal/event"
	"CrossMargin/internal/health"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/market"
	fpmath "CrossMargin/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// handlePlaceOrder settles funding, matches the order and requires
// non-negative init health afterwards. A reduce-only order that does not
// lower init health is accepted even when health stays negative.
func (c *DeterministicCore) handlePlaceOrder(t *txn, ins *instruction.PlaceOrder) ([]event.Record, error) {
	side, err := book.ParseSide(ins.Side)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "place order")
	}
	orderType, err := book.ParseOrderType(ins.OrderType)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "place order")
	}
	a, err := c.load(t, ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ins.Signer); err != nil {
		return nil, err
	}
	if err := checkNotLiquidating(a); err != nil {
		return nil, err
	}
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	oracle, err := t.g.Cache.Price(ins.Market, t.now)
	if err != nil {
		return nil, err
	}
	before, err := health.Compute(a, t.g, t.g.Cache, health.Init, t.now)
	if err != nil {
		return nil, err
	}

	p, err := m.PlaceOrder(a, market.OrderRequest{
		Side:          side,
		Type:          orderType,
		PriceLots:     ins.Price,
		QuantityLots:  ins.Quantity,
		ClientOrderID: ins.ClientOrderID,
		Expiry:        ins.Expiry,
		ReduceOnly:    ins.ReduceOnly,
		MaxDepth:      ins.MaxDepth,
	}, oracle, t.now)
	if err != nil {
		return nil, err
	}

	after, err := health.Compute(a, t.g, t.g.Cache, health.Init, t.now)
	if err != nil {
		return nil, err
	}
	if after.IsNegative() && !(ins.ReduceOnly && after.GreaterThanOrEqual(before)) {
		return nil, apperrors.New(apperrors.CodeInsufficientMargin,
			"order leaves init health %s", after.StringFixed(6))
	}

	rec := &event.NewOrder{
		Market:        ins.Market,
		Account:       a.ID,
		OrderID:       p.OrderID,
		ClientOrderID: ins.ClientOrderID,
		Side:          side.String(),
		OrderType:     orderType.String(),
		Price:         p.Price,
		Quantity:      p.Quantity,
		Filled:        abs(p.Result.TakerBase),
		Fills:         p.Result.Fills,
	}
	if p.Result.Posted != nil {
		rec.Posted = p.Result.Posted.Quantity
	}
	return []event.Record{rec}, nil
}

func (c *DeterministicCore) handleCancelOrder(t *txn, ins *instruction.CancelOrder) ([]event.Record, error) {
	a, err := t.account(ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ins.Signer); err != nil {
		return nil, err
	}
	if err := a.CheckNotBankrupt(); err != nil {
		return nil, err
	}
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	slot, found := a.FindOrder(ins.Market, ins.OrderID)
	if !found {
		return nil, nil
	}
	side := a.Orders[slot].Side
	leaf, ok := m.CancelOrder(a, ins.OrderID)
	if !ok {
		return nil, nil
	}
	return []event.Record{cancelRecord(ins.Market, a.ID, side, leaf)}, nil
}

func (c *DeterministicCore) handleCancelOrderByClientID(t *txn, ins *instruction.CancelOrderByClientID) ([]event.Record, error) {
	a, err := t.account(ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ins.Signer); err != nil {
		return nil, err
	}
	if err := a.CheckNotBankrupt(); err != nil {
		return nil, err
	}
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	slot, found := a.FindOrderByClientID(ins.Market, ins.ClientOrderID)
	if !found {
		return nil, nil
	}
	side := a.Orders[slot].Side
	leaf, ok := m.CancelOrderByClientID(a, ins.ClientOrderID)
	if !ok {
		return nil, nil
	}
	return []event.Record{cancelRecord(ins.Market, a.ID, side, leaf)}, nil
}

func cancelRecord(marketIndex int, acct uuid.UUID, side book.Side, leaf book.LeafNode) *event.CancelOrder {
	return &event.CancelOrder{
		Market:   marketIndex,
		Account:  acct,
		OrderID:  leaf.OrderID,
		Side:     side.String(),
		Price:    leaf.Price,
		Quantity: leaf.Quantity,
	}
}

func (c *DeterministicCore) handleCancelAllOrders(t *txn, ins *instruction.CancelAllOrders) ([]event.Record, error) {
	a, err := t.account(ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ins.Signer); err != nil {
		return nil, err
	}
	if err := a.CheckNotBankrupt(); err != nil {
		return nil, err
	}
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	leaves := m.CancelAllOrders(a, ins.Limit)
	if len(leaves) == 0 {
		return nil, nil
	}
	rec := &event.CancelAllPerpOrders{Market: ins.Market, Account: a.ID}
	for _, leaf := range leaves {
		rec.OrderIDs = append(rec.OrderIDs, leaf.OrderID)
	}
	return []event.Record{rec}, nil
}

// handleConsumeEvents is permissionless. Every account named by a consumed
// event is loaded through the transaction.
func (c *DeterministicCore) handleConsumeEvents(t *txn, ins *instruction.ConsumeEvents) ([]event.Record, error) {
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	consumed, err := m.ConsumeEvents(ins.Limit, t.account)
	if err != nil {
		return nil, err
	}
	var records []event.Record
	for _, ev := range consumed {
		switch ev.Type {
		case book.EventFill:
			f := ev.Fill
			records = append(records, &event.Fill{
				Market:       ins.Market,
				SeqNum:       ev.SeqNum,
				Timestamp:    f.Timestamp,
				TakerSide:    f.TakerSide.String(),
				Maker:        f.Maker,
				MakerOrderID: f.MakerOrderID,
				MakerFee:     f.MakerFee,
				MakerOut:     f.MakerOut,
				Taker:        f.Taker,
				TakerOrderID: f.TakerOrderID,
				TakerFee:     f.TakerFee,
				Price:        f.Price,
				Quantity:     f.Quantity,
			})
		case book.EventOut:
			o := ev.Out
			records = append(records, &event.Out{
				Market:   ins.Market,
				SeqNum:   ev.SeqNum,
				Owner:    o.Owner,
				OrderID:  o.OrderID,
				Side:     o.Side.String(),
				Quantity: o.Quantity,
			})
		}
	}
	return records, nil
}

// handleSettlePnl is permissionless: it realizes min(pnl_a, -pnl_b) of
// quote, moving it from B's perp position into A's quote token balance.
func (c *DeterministicCore) handleSettlePnl(t *txn, ins *instruction.SettlePnl) ([]event.Record, error) {
	if ins.AccountA == ins.AccountB {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "cannot settle an account against itself")
	}
	a, err := c.load(t, ins.AccountA)
	if err != nil {
		return nil, err
	}
	b, err := c.load(t, ins.AccountB)
	if err != nil {
		return nil, err
	}
	m, err := t.g.Market(ins.Market)
	if err != nil {
		return nil, err
	}
	price, err := t.g.Cache.Price(ins.Market, t.now)
	if err != nil {
		return nil, err
	}

	pnlA, err := perpPnl(m, &a.Perps[ins.Market], price)
	if err != nil {
		return nil, err
	}
	pnlB, err := perpPnl(m, &b.Perps[ins.Market], price)
	if err != nil {
		return nil, err
	}
	if !pnlA.IsPositive() || !pnlB.IsNegative() {
		return nil, apperrors.New(apperrors.CodeInvalidParam,
			"settle needs positive pnl on a (%s) and negative on b (%s)", pnlA, pnlB)
	}
	settlement := decimal.Min(pnlA, pnlB.Neg())

	quote := t.g.QuoteIndex()
	bank, err := t.g.Bank(quote)
	if err != nil {
		return nil, err
	}
	if err := a.Perps[ins.Market].ChangeQuote(settlement.Neg()); err != nil {
		return nil, err
	}
	if err := a.ChangeBalance(quote, bank, settlement); err != nil {
		return nil, err
	}
	if err := b.Perps[ins.Market].ChangeQuote(settlement); err != nil {
		return nil, err
	}
	if err := b.ChangeBalance(quote, bank, settlement.Neg()); err != nil {
		return nil, err
	}
	return []event.Record{&event.SettlePnl{
		Market:     ins.Market,
		AccountA:   a.ID,
		AccountB:   b.ID,
		Settlement: settlement,
	}}, nil
}

// handleSettleFees moves a market's accrued fees into the insurance fund.
// Nothing to settle is a no-op.
func (c *DeterministicCore) handleSettleFees(t *txn, ins *instruction.SettleFees) ([]event.Record, error) {
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	fees := m.FeesAccrued
	if !fees.IsPositive() {
		return nil, nil
	}
	if err := t.g.AddToInsuranceFund(fees); err != nil {
		return nil, err
	}
	m.FeesAccrued = decimal.Zero
	return []event.Record{&event.SettleFees{Market: ins.Market, Settlement: fees}}, nil
}

func perpPnl(m *market.PerpMarket, pa *account.PerpAccount, price decimal.Decimal) (decimal.Decimal, error) {
	base, err := m.BaseValue(pa.BasePosition, price)
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.Add(pa.QuotePosition, base)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
