package book

import (
	"CrossMargin/internal/apperrors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType uint8

const (
	EventFill EventType = iota
	EventOut
	EventLiquidate
)

func (t EventType) String() string {
	switch t {
	case EventFill:
		return "fill"
	case EventOut:
		return "out"
	case EventLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// FillEvent records a match between a resting maker and an incoming taker.
// Fee rates are fixed at match time.
type FillEvent struct {
	Timestamp int64 `json:"timestamp"`
	TakerSide Side  `json:"taker_side"`

	Maker              uuid.UUID       `json:"maker"`
	MakerSlot          int             `json:"maker_slot"`
	MakerOrderID       uint64          `json:"maker_order_id"`
	MakerClientOrderID uint64          `json:"maker_client_order_id"`
	MakerFee           decimal.Decimal `json:"maker_fee"`
	MakerOut           bool            `json:"maker_out"`
	MakerTimestamp     int64           `json:"maker_timestamp"`
	BestInitial        int64           `json:"best_initial"`

	Taker              uuid.UUID       `json:"taker"`
	TakerOrderID       uint64          `json:"taker_order_id"`
	TakerClientOrderID uint64          `json:"taker_client_order_id"`
	TakerFee           decimal.Decimal `json:"taker_fee"`

	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
}

// MakerBaseChange is the signed base lots the maker receives.
func (f *FillEvent) MakerBaseChange() int64 {
	if f.TakerSide == Ask {
		return f.Quantity
	}
	return -f.Quantity
}

// OutEvent reports an order leaving the book without a fill: cancelled,
// expired or evicted.
type OutEvent struct {
	Timestamp int64     `json:"timestamp"`
	Side      Side      `json:"side"`
	Owner     uuid.UUID `json:"owner"`
	OwnerSlot int       `json:"owner_slot"`
	OrderID   uint64    `json:"order_id"`
	Quantity  int64     `json:"quantity"`
}

// LiquidateEvent is informational; the position transfer has already been
// applied when it is pushed. Quantity is the base lots the liquidator
// received (negative when it sold).
type LiquidateEvent struct {
	Timestamp      int64           `json:"timestamp"`
	Liqee          uuid.UUID       `json:"liqee"`
	Liqor          uuid.UUID       `json:"liqor"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	LiquidationFee decimal.Decimal `json:"liquidation_fee"`
}

// AnyEvent is a queue slot holding exactly one of the event kinds.
type AnyEvent struct {
	Type      EventType       `json:"type"`
	SeqNum    uint64          `json:"seq_num"`
	Fill      *FillEvent      `json:"fill,omitempty"`
	Out       *OutEvent       `json:"out,omitempty"`
	Liquidate *LiquidateEvent `json:"liquidate,omitempty"`
}

func NewFill(f FillEvent) AnyEvent           { return AnyEvent{Type: EventFill, Fill: &f} }
func NewOut(o OutEvent) AnyEvent             { return AnyEvent{Type: EventOut, Out: &o} }
func NewLiquidate(l LiquidateEvent) AnyEvent { return AnyEvent{Type: EventLiquidate, Liquidate: &l} }

// EventQueue is a bounded ring buffer between the matching engine and the
// settlement of fills.
type EventQueue struct {
	Head   int        `json:"head"`
	Count  int        `json:"count"`
	SeqNum uint64     `json:"seq_num"`
	Buf    []AnyEvent `json:"buf"`
}

func NewEventQueue(capacity int) *EventQueue {
	return &EventQueue{Buf: make([]AnyEvent, capacity)}
}

func (q *EventQueue) Len() int      { return q.Count }
func (q *EventQueue) Cap() int      { return len(q.Buf) }
func (q *EventQueue) IsFull() bool  { return q.Count == len(q.Buf) }
func (q *EventQueue) IsEmpty() bool { return q.Count == 0 }

// PushBack appends ev, stamping it with the next sequence number.
func (q *EventQueue) PushBack(ev AnyEvent) (uint64, error) {
	if q.IsFull() {
		return 0, apperrors.New(apperrors.CodeQueueFull, "event queue full (%d)", len(q.Buf))
	}
	ev.SeqNum = q.SeqNum
	q.Buf[(q.Head+q.Count)%len(q.Buf)] = ev
	q.Count++
	q.SeqNum++
	return ev.SeqNum, nil
}

func (q *EventQueue) PeekFront() (*AnyEvent, bool) {
	if q.IsEmpty() {
		return nil, false
	}
	return &q.Buf[q.Head], true
}

func (q *EventQueue) PopFront() (AnyEvent, bool) {
	if q.IsEmpty() {
		return AnyEvent{}, false
	}
	ev := q.Buf[q.Head]
	q.Buf[q.Head] = AnyEvent{}
	q.Head = (q.Head + 1) % len(q.Buf)
	q.Count--
	return ev, true
}

// RevertPushes drops events pushed after the queue had desiredLen entries.
func (q *EventQueue) RevertPushes(desiredLen int) {
	for q.Count > desiredLen {
		q.Count--
		q.SeqNum--
		q.Buf[(q.Head+q.Count)%len(q.Buf)] = AnyEvent{}
	}
}

// Iter visits queued events front to back.
func (q *EventQueue) Iter(fn func(ev *AnyEvent) bool) {
	for i := 0; i < q.Count; i++ {
		if !fn(&q.Buf[(q.Head+i)%len(q.Buf)]) {
			return
		}
	}
}

// PendingMakerBase sums the base lots owner will receive as a maker once the
// queued fills are consumed.
func (q *EventQueue) PendingMakerBase(owner uuid.UUID) int64 {
	var total int64
	q.Iter(func(ev *AnyEvent) bool {
		if ev.Type == EventFill && ev.Fill.Maker == owner {
			total += ev.Fill.MakerBaseChange()
		}
		return true
	})
	return total
}

func (q *EventQueue) Clone() *EventQueue {
	c := *q
	c.Buf = make([]AnyEvent, len(q.Buf))
	for i, ev := range q.Buf {
		c.Buf[i] = ev.clone()
	}
	return &c
}

func (ev AnyEvent) clone() AnyEvent {
	if ev.Fill != nil {
		f := *ev.Fill
		ev.Fill = &f
	}
	if ev.Out != nil {
		o := *ev.Out
		ev.Out = &o
	}
	if ev.Liquidate != nil {
		l := *ev.Liquidate
		ev.Liquidate = &l
	}
	return ev
}
