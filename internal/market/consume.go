package market

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	fpmath "CrossMargin/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountLoader resolves an account id for mutation.
type AccountLoader func(id uuid.UUID) (*account.Account, error)

// SettleFunding charges acct's unsettled funding in this market against the
// live accumulators.
func (m *PerpMarket) SettleFunding(acct *account.Account) (decimal.Decimal, error) {
	return acct.Perps[m.Index].SettleFunding(m.LongFunding, m.ShortFunding)
}

// ConsumeEvents applies up to limit queued events to the accounts they
// reference and pops them. Fill events move positions and fees, Out events
// release order slots, Liquidate events are only drained.
func (m *PerpMarket) ConsumeEvents(limit int, load AccountLoader) ([]book.AnyEvent, error) {
	var consumed []book.AnyEvent
	for limit <= 0 || len(consumed) < limit {
		ev, ok := m.Queue.PeekFront()
		if !ok {
			break
		}
		switch ev.Type {
		case book.EventFill:
			if err := m.applyFill(ev.Fill, load); err != nil {
				return consumed, err
			}
		case book.EventOut:
			if err := m.applyOut(ev.Out, load); err != nil {
				return consumed, err
			}
		case book.EventLiquidate:
		}
		popped, _ := m.Queue.PopFront()
		consumed = append(consumed, popped)
	}
	return consumed, nil
}

func (m *PerpMarket) releaseSlot(acct *account.Account, slot int, orderID uint64) {
	if slot < 0 || slot >= account.MaxOpenOrders {
		return
	}
	if os := acct.Orders[slot]; os.Market == m.Index && os.OrderID == orderID {
		acct.RemoveOrder(slot)
	}
}

func (m *PerpMarket) applyFill(f *book.FillEvent, load AccountLoader) error {
	maker, err := load(f.Maker)
	if err != nil {
		return err
	}
	taker, err := load(f.Taker)
	if err != nil {
		return err
	}

	quoteLots, err := fpmath.CheckedMul(f.Price, f.Quantity)
	if err != nil {
		return err
	}
	notional := m.QuoteLotsToNative(quoteLots)
	makerFee, err := fpmath.Mul(notional, f.MakerFee)
	if err != nil {
		return err
	}
	takerFee, err := fpmath.Mul(notional, f.TakerFee)
	if err != nil {
		return err
	}

	makerBase := f.MakerBaseChange()
	makerQuote := notional
	if makerBase > 0 {
		makerQuote = notional.Neg()
	}

	if _, err := m.SettleFunding(maker); err != nil {
		return err
	}
	mp := &maker.Perps[m.Index]
	oldMaker := mp.BasePosition
	if err := mp.ChangeBase(makerBase); err != nil {
		return err
	}
	if err := mp.ChangeQuote(makerQuote.Sub(makerFee)); err != nil {
		return err
	}
	if f.TakerSide == book.Ask {
		mp.BidsQuantity -= f.Quantity
	} else {
		mp.AsksQuantity -= f.Quantity
	}
	if f.MakerOut {
		m.releaseSlot(maker, f.MakerSlot, f.MakerOrderID)
	}
	m.ApplyOpenInterest(oldMaker, mp.BasePosition)

	if _, err := m.SettleFunding(taker); err != nil {
		return err
	}
	tp := &taker.Perps[m.Index]
	oldTaker := tp.BasePosition
	if err := tp.ChangeBase(-makerBase); err != nil {
		return err
	}
	if err := tp.ChangeQuote(makerQuote.Neg().Sub(takerFee)); err != nil {
		return err
	}
	tp.TakerBase += makerBase
	if makerBase > 0 {
		tp.TakerQuote += quoteLots
	} else {
		tp.TakerQuote -= quoteLots
	}
	m.ApplyOpenInterest(oldTaker, tp.BasePosition)

	fees, err := fpmath.Add(m.FeesAccrued, makerFee.Add(takerFee))
	if err != nil {
		return err
	}
	m.FeesAccrued = fees
	return nil
}

func (m *PerpMarket) applyOut(o *book.OutEvent, load AccountLoader) error {
	owner, err := load(o.Owner)
	if err != nil {
		return err
	}
	pa := &owner.Perps[m.Index]
	if o.Side == book.Bid {
		pa.BidsQuantity -= o.Quantity
	} else {
		pa.AsksQuantity -= o.Quantity
	}
	m.releaseSlot(owner, o.OwnerSlot, o.OrderID)
	return nil
}

// PushLiquidate records a liquidation on the event queue.
func (m *PerpMarket) PushLiquidate(ev book.LiquidateEvent) error {
	if _, err := m.Queue.PushBack(book.NewLiquidate(ev)); err != nil {
		return apperrors.Wrap(apperrors.CodeQueueFull, err, "liquidate event")
	}
	return nil
}
