package book

import (
	"fmt"

	"github.com/google/uuid"
)

// Side of an order.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) Invert() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", s)
	}
}

// ParseSide accepts "bid"/"buy" and "ask"/"sell".
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "buy":
		return Bid, nil
	case "ask", "sell":
		return Ask, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// OrderType controls how an order interacts with the book.
type OrderType uint8

const (
	Limit OrderType = iota
	ImmediateOrCancel
	PostOnly
	Market
	PostOnlySlide
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case ImmediateOrCancel:
		return "ioc"
	case PostOnly:
		return "post_only"
	case Market:
		return "market"
	case PostOnlySlide:
		return "post_only_slide"
	default:
		return fmt.Sprintf("order_type(%d)", t)
	}
}

func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "limit":
		return Limit, nil
	case "ioc":
		return ImmediateOrCancel, nil
	case "post_only":
		return PostOnly, nil
	case "market":
		return Market, nil
	case "post_only_slide":
		return PostOnlySlide, nil
	}
	return 0, fmt.Errorf("unknown order type %q", s)
}

// Rests reports whether unfilled quantity of this type stays on the book.
func (t OrderType) Rests() bool {
	return t == Limit || t == PostOnly || t == PostOnlySlide
}

// LeafNode is a resting order. Price is in quote lots per base lot and
// Quantity in base lots.
type LeafNode struct {
	OrderID         uint64    `json:"order_id"`
	Owner           uuid.UUID `json:"owner"`
	OwnerSlot       int       `json:"owner_slot"`
	ClientOrderID   uint64    `json:"client_order_id"`
	Price           int64     `json:"price"`
	Quantity        int64     `json:"quantity"`
	Timestamp       int64     `json:"timestamp"`
	ExpiryTimestamp int64     `json:"expiry_timestamp"`
	OrderType       OrderType `json:"order_type"`
	BestInitial     int64     `json:"best_initial"`
}

// IsExpired reports whether the order's time in force has lapsed. An expiry
// of zero never lapses.
func (n *LeafNode) IsExpired(now int64) bool {
	return n.ExpiryTimestamp != 0 && now >= n.ExpiryTimestamp
}
