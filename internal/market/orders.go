package market

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// OrderRequest is a perp order as submitted by an account.
type OrderRequest struct {
	Side          book.Side
	Type          book.OrderType
	PriceLots     int64
	QuantityLots  int64
	ClientOrderID uint64
	Expiry        int64
	ReduceOnly    bool
	MaxDepth      int
}

// Placement is the outcome of PlaceOrder.
type Placement struct {
	OrderID  uint64
	Price    int64
	Quantity int64
	Result   *book.Result
}

// Band returns the lowest and highest acceptable price in lots: the oracle
// price widened by one maintenance-leverage step either way.
func (m *PerpMarket) Band(oracle decimal.Decimal) (low, high int64, err error) {
	step, err := fpmath.Div(oracle, m.Params.MaintLeverage)
	if err != nil {
		return 0, 0, err
	}
	high, err = fpmath.NativePriceToLots(oracle.Add(step), m.Params.BaseLotSize, m.Params.QuoteLotSize, fpmath.RoundDown)
	if err != nil {
		return 0, 0, err
	}
	low, err = fpmath.NativePriceToLots(oracle.Sub(step), m.Params.BaseLotSize, m.Params.QuoteLotSize, fpmath.RoundUp)
	if err != nil {
		return 0, 0, err
	}
	return max(low, 1), high, nil
}

// reduceOnlyLimit returns how many base lots an order on side may add
// without growing or flipping the account's position, counting unconsumed
// taker fills, queued maker fills and same-side resting orders.
func (m *PerpMarket) reduceOnlyLimit(acct *account.Account, side book.Side) int64 {
	pa := &acct.Perps[m.Index]
	tentative := pa.BasePosition + pa.TakerBase + m.Queue.PendingMakerBase(acct.ID)
	if side == book.Bid {
		return max(-tentative-pa.BidsQuantity, 0)
	}
	return max(tentative-pa.AsksQuantity, 0)
}

// PlaceOrder checks the band and reduce-only constraints, assigns the order
// id, runs the matching engine and records taker exposure and the resting
// order on acct. Funding must already be settled on acct.
func (m *PerpMarket) PlaceOrder(acct *account.Account, req OrderRequest, oracle decimal.Decimal, now int64) (*Placement, error) {
	if req.QuantityLots <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "quantity must be > 0, got %d", req.QuantityLots)
	}
	if req.MaxDepth < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "max_depth must be >= 0")
	}

	low, high, err := m.Band(oracle)
	if err != nil {
		return nil, err
	}
	price := req.PriceLots
	if req.Type == book.Market {
		if req.Side == book.Bid {
			price = high
		} else {
			price = low
		}
	} else {
		if price <= 0 {
			return nil, apperrors.New(apperrors.CodeInvalidParam, "price must be > 0, got %d", price)
		}
		if (req.Side == book.Bid && price > high) || (req.Side == book.Ask && price < low) {
			return nil, apperrors.New(apperrors.CodePriceOutOfBand,
				"%s at %d outside band [%d, %d]", req.Side, price, low, high)
		}
	}

	quantity := req.QuantityLots
	if req.ReduceOnly {
		quantity = min(quantity, m.reduceOnlyLimit(acct, req.Side))
		if quantity == 0 {
			return nil, apperrors.New(apperrors.CodeReduceOnlyViolation,
				"reduce-only %s would not reduce position in market %d", req.Side, m.Index)
		}
	}

	slot := account.NoSlot
	if req.Type.Rests() {
		if slot, err = acct.NextFreeSlot(); err != nil {
			return nil, err
		}
	}

	m.SeqNum++
	orderID := m.SeqNum

	res, err := m.Book.NewOrder(book.OrderParams{
		Side:          req.Side,
		Type:          req.Type,
		Price:         price,
		Quantity:      quantity,
		OrderID:       orderID,
		Owner:         acct.ID,
		OwnerSlot:     slot,
		ClientOrderID: req.ClientOrderID,
		Expiry:        req.Expiry,
		MaxDepth:      req.MaxDepth,
		MakerFee:      m.Params.MakerFee,
		TakerFee:      m.Params.TakerFee,
	}, m.Queue, now)
	if err != nil {
		return nil, err
	}

	pa := &acct.Perps[m.Index]
	if pa.TakerBase, err = fpmath.CheckedAdd(pa.TakerBase, res.TakerBase); err != nil {
		return nil, err
	}
	if pa.TakerQuote, err = fpmath.CheckedAdd(pa.TakerQuote, res.TakerQuote); err != nil {
		return nil, err
	}

	if res.Posted != nil {
		acct.AddOrder(slot, m.Index, req.Side, orderID, req.ClientOrderID)
		if req.Side == book.Bid {
			pa.BidsQuantity += res.Posted.Quantity
		} else {
			pa.AsksQuantity += res.Posted.Quantity
		}
	}

	return &Placement{OrderID: orderID, Price: price, Quantity: quantity, Result: res}, nil
}

// CancelOrder removes one of acct's resting orders. A missing order is not
// an error; ok reports whether anything was removed.
func (m *PerpMarket) CancelOrder(acct *account.Account, orderID uint64) (leaf book.LeafNode, ok bool) {
	slot, found := acct.FindOrder(m.Index, orderID)
	if !found {
		return book.LeafNode{}, false
	}
	return m.cancelSlot(acct, slot)
}

// CancelOrderByClientID is CancelOrder keyed by the client order id.
func (m *PerpMarket) CancelOrderByClientID(acct *account.Account, clientOrderID uint64) (book.LeafNode, bool) {
	slot, found := acct.FindOrderByClientID(m.Index, clientOrderID)
	if !found {
		return book.LeafNode{}, false
	}
	return m.cancelSlot(acct, slot)
}

// CancelAllOrders cancels up to limit of acct's orders in slot order and
// returns the removed orders.
func (m *PerpMarket) CancelAllOrders(acct *account.Account, limit int) []book.LeafNode {
	var out []book.LeafNode
	for _, slot := range acct.OrderSlots(m.Index) {
		if limit > 0 && len(out) >= limit {
			break
		}
		if leaf, ok := m.cancelSlot(acct, slot); ok {
			out = append(out, leaf)
		}
	}
	return out
}

func (m *PerpMarket) cancelSlot(acct *account.Account, slot int) (book.LeafNode, bool) {
	os := acct.Orders[slot]
	leaf, ok := m.Book.CancelOrder(os.Side, os.OrderID)
	if !ok {
		// Filled or expired: the slot is released when its event is consumed.
		return book.LeafNode{}, false
	}
	acct.RemoveOrder(slot)
	pa := &acct.Perps[m.Index]
	if os.Side == book.Bid {
		pa.BidsQuantity -= leaf.Quantity
	} else {
		pa.AsksQuantity -= leaf.Quantity
	}
	return leaf, true
}
