package book

import (
	"CrossMargin/internal/apperrors"
	fpmath "CrossMargin/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Book is the two-sided order book of one perp market.
type Book struct {
	Bids *BookSide `json:"bids"`
	Asks *BookSide `json:"asks"`
}

func NewBook(capacity int) *Book {
	return &Book{
		Bids: NewBookSide(Bid, capacity),
		Asks: NewBookSide(Ask, capacity),
	}
}

func (b *Book) Side(s Side) *BookSide {
	if s == Bid {
		return b.Bids
	}
	return b.Asks
}

func (b *Book) Clone() *Book {
	return &Book{Bids: b.Bids.Clone(), Asks: b.Asks.Clone()}
}

// OrderParams is a fully validated order as the matching engine sees it.
// Price is already clamped to the oracle band for market orders.
type OrderParams struct {
	Side          Side
	Type          OrderType
	Price         int64
	Quantity      int64
	OrderID       uint64
	Owner         uuid.UUID
	OwnerSlot     int
	ClientOrderID uint64
	Expiry        int64
	MaxDepth      int
	MakerFee      decimal.Decimal
	TakerFee      decimal.Decimal
}

// Result summarizes what NewOrder did.
type Result struct {
	// Signed taker exposure: base lots bought (negative when sold) and the
	// matching quote lots paid (negative when received).
	TakerBase  int64
	TakerQuote int64

	Fills   int
	Posted  *LeafNode
	Expired []LeafNode
	Evicted *LeafNode
}

func crosses(side Side, limit, resting int64) bool {
	if side == Bid {
		return limit >= resting
	}
	return limit <= resting
}

// NewOrder matches p against the opposing side, pushes Fill events for every
// match and rests any residual quantity the order type allows. Expired
// opposing orders met during the walk are removed and reported as Out events.
// On error the book and queue may be partially modified; the caller is
// expected to discard them.
func (b *Book) NewOrder(p OrderParams, q *EventQueue, now int64) (*Result, error) {
	if p.Quantity <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "quantity must be > 0, got %d", p.Quantity)
	}
	if p.Price <= 0 {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "price must be > 0, got %d", p.Price)
	}
	if p.Expiry != 0 && now >= p.Expiry {
		return nil, apperrors.New(apperrors.CodeOrderExpired, "order expiry %d not after %d", p.Expiry, now)
	}

	opp := b.Side(p.Side.Invert())
	price := p.Price

	switch p.Type {
	case PostOnly:
		if best, ok := opp.Best(now); ok && crosses(p.Side, price, best.Price) {
			return nil, apperrors.New(apperrors.CodePostOnlyCross,
				"post-only %s at %d crosses %d", p.Side, price, best.Price)
		}
	case PostOnlySlide:
		if best, ok := opp.Best(now); ok && crosses(p.Side, price, best.Price) {
			if p.Side == Bid {
				price = best.Price - 1
			} else {
				price = best.Price + 1
			}
			if price <= 0 {
				return nil, apperrors.New(apperrors.CodePostOnlyCross, "no room to slide below %d", best.Price)
			}
		}
	}

	res := &Result{}
	remaining := p.Quantity

	if p.Type != PostOnly && p.Type != PostOnlySlide {
		var filled, expired []uint32
		levels := 0
		var lastPrice int64 = -1

		for _, h := range opp.Order {
			if remaining == 0 {
				break
			}
			maker := &opp.Nodes[h]
			if maker.IsExpired(now) {
				expired = append(expired, h)
				continue
			}
			if !crosses(p.Side, price, maker.Price) {
				break
			}
			if maker.Price != lastPrice {
				levels++
				if p.MaxDepth > 0 && levels > p.MaxDepth {
					break
				}
				lastPrice = maker.Price
			}

			match := min(remaining, maker.Quantity)
			quote, err := fpmath.CheckedMul(match, maker.Price)
			if err != nil {
				return nil, err
			}
			maker.Quantity -= match
			remaining -= match

			fill := FillEvent{
				Timestamp:          now,
				TakerSide:          p.Side,
				Maker:              maker.Owner,
				MakerSlot:          maker.OwnerSlot,
				MakerOrderID:       maker.OrderID,
				MakerClientOrderID: maker.ClientOrderID,
				MakerFee:           p.MakerFee,
				MakerOut:           maker.Quantity == 0,
				MakerTimestamp:     maker.Timestamp,
				BestInitial:        maker.BestInitial,
				Taker:              p.Owner,
				TakerOrderID:       p.OrderID,
				TakerClientOrderID: p.ClientOrderID,
				TakerFee:           p.TakerFee,
				Price:              maker.Price,
				Quantity:           match,
			}
			if _, err := q.PushBack(NewFill(fill)); err != nil {
				return nil, err
			}
			res.Fills++

			if p.Side == Bid {
				res.TakerBase += match
				res.TakerQuote += quote
			} else {
				res.TakerBase -= match
				res.TakerQuote -= quote
			}
			if maker.Quantity == 0 {
				filled = append(filled, h)
			}
		}

		for _, h := range filled {
			opp.Remove(h)
		}
		for _, h := range expired {
			leaf, _ := opp.Remove(h)
			if _, err := q.PushBack(NewOut(OutEvent{
				Timestamp: now,
				Side:      opp.Side,
				Owner:     leaf.Owner,
				OwnerSlot: leaf.OwnerSlot,
				OrderID:   leaf.OrderID,
				Quantity:  leaf.Quantity,
			})); err != nil {
				return nil, err
			}
			res.Expired = append(res.Expired, leaf)
		}
	}

	if remaining == 0 || !p.Type.Rests() {
		return res, nil
	}

	own := b.Side(p.Side)
	leaf := LeafNode{
		OrderID:         p.OrderID,
		Owner:           p.Owner,
		OwnerSlot:       p.OwnerSlot,
		ClientOrderID:   p.ClientOrderID,
		Price:           price,
		Quantity:        remaining,
		Timestamp:       now,
		ExpiryTimestamp: p.Expiry,
		OrderType:       p.Type,
		BestInitial:     b.bestInitial(p.Side, now),
	}

	if own.IsFull() {
		wh, _ := own.Worst()
		worst := own.Get(wh)
		if !own.Better(&leaf, worst) {
			return nil, apperrors.New(apperrors.CodeBookFull,
				"%s side full (%d) and order at %d is not better than %d", p.Side, own.Capacity(), price, worst.Price)
		}
		evicted, _ := own.Remove(wh)
		if _, err := q.PushBack(NewOut(OutEvent{
			Timestamp: now,
			Side:      own.Side,
			Owner:     evicted.Owner,
			OwnerSlot: evicted.OwnerSlot,
			OrderID:   evicted.OrderID,
			Quantity:  evicted.Quantity,
		})); err != nil {
			return nil, err
		}
		res.Evicted = &evicted
	}

	own.Insert(leaf)
	res.Posted = &leaf
	return res, nil
}

// bestInitial is the best price on the order's own side when it is placed,
// or zero on an empty side.
func (b *Book) bestInitial(s Side, now int64) int64 {
	if best, ok := b.Side(s).Best(now); ok {
		return best.Price
	}
	return 0
}

// CancelOrder removes the order with orderID from side. A missing order is
// reported with ok=false and no error.
func (b *Book) CancelOrder(s Side, orderID uint64) (LeafNode, bool) {
	bs := b.Side(s)
	h, ok := bs.Find(orderID)
	if !ok {
		return LeafNode{}, false
	}
	return bs.Remove(h)
}

// ImpactPrice walks side until quantity base lots are covered and returns the
// price of the order that completes it. Expired orders are ignored.
func (b *Book) ImpactPrice(s Side, quantity int64, now int64) (int64, bool) {
	var sum int64
	var price int64
	found := false
	b.Side(s).Iter(func(_ uint32, n *LeafNode) bool {
		if n.IsExpired(now) {
			return true
		}
		sum += n.Quantity
		if sum >= quantity {
			price = n.Price
			found = true
			return false
		}
		return true
	})
	return price, found
}
