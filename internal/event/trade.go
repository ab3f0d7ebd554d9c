package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewOrder describes a placement. Price and quantities are in lots;
// Posted is the quantity left resting on the book.
type NewOrder struct {
	Market        int       `json:"market"`
	Account       uuid.UUID `json:"account"`
	OrderID       uint64    `json:"order_id"`
	ClientOrderID uint64    `json:"client_order_id"`
	Side          string    `json:"side"`
	OrderType     string    `json:"order_type"`
	Price         int64     `json:"price"`
	Quantity      int64     `json:"quantity"`
	Filled        int64     `json:"filled"`
	Posted        int64     `json:"posted"`
	Fills         int       `json:"fills"`
}

func (*NewOrder) RecordType() RecordType { return RecordTypeNewOrder }

type CancelOrder struct {
	Market   int       `json:"market"`
	Account  uuid.UUID `json:"account"`
	OrderID  uint64    `json:"order_id"`
	Side     string    `json:"side"`
	Price    int64     `json:"price"`
	Quantity int64     `json:"quantity"`
}

func (*CancelOrder) RecordType() RecordType { return RecordTypeCancelOrder }

type CancelAllPerpOrders struct {
	Market   int       `json:"market"`
	Account  uuid.UUID `json:"account"`
	OrderIDs []uint64  `json:"order_ids"`
}

func (*CancelAllPerpOrders) RecordType() RecordType { return RecordTypeCancelAllPerpOrders }

// Fill is written when a fill event is consumed and applied to both
// accounts. Fees are rates fixed at match time.
type Fill struct {
	Market       int             `json:"market"`
	SeqNum       uint64          `json:"seq_num"`
	Timestamp    int64           `json:"timestamp"`
	TakerSide    string          `json:"taker_side"`
	Maker        uuid.UUID       `json:"maker"`
	MakerOrderID uint64          `json:"maker_order_id"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	MakerOut     bool            `json:"maker_out"`
	Taker        uuid.UUID       `json:"taker"`
	TakerOrderID uint64          `json:"taker_order_id"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	Price        int64           `json:"price"`
	Quantity     int64           `json:"quantity"`
}

func (*Fill) RecordType() RecordType { return RecordTypeFill }

type Out struct {
	Market   int       `json:"market"`
	SeqNum   uint64    `json:"seq_num"`
	Owner    uuid.UUID `json:"owner"`
	OrderID  uint64    `json:"order_id"`
	Side     string    `json:"side"`
	Quantity int64     `json:"quantity"`
}

func (*Out) RecordType() RecordType { return RecordTypeOut }

// SettlePnl: Settlement quote moved from AccountB's perp position to
// AccountA's.
type SettlePnl struct {
	Market     int             `json:"market"`
	AccountA   uuid.UUID       `json:"account_a"`
	AccountB   uuid.UUID       `json:"account_b"`
	Settlement decimal.Decimal `json:"settlement"`
}

func (*SettlePnl) RecordType() RecordType { return RecordTypeSettlePnl }

type SettleFees struct {
	Market     int             `json:"market"`
	Settlement decimal.Decimal `json:"settlement"`
}

func (*SettleFees) RecordType() RecordType { return RecordTypeSettleFees }
