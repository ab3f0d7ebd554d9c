package account

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/bank"
	"CrossMargin/internal/book"
	fpmath "CrossMargin/internal/math"
	"math/bits"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MaxTokens         = 16
	QuoteIndex        = MaxTokens - 1
	MaxPairs          = MaxTokens - 1
	MaxOpenOrders     = 64
	MaxInMarginBasket = 10

	NoSlot = -1
)

// OpenOrdersRef mirrors the balances an external spot open-orders account
// holds for one pair. Amounts are native.
type OpenOrdersRef struct {
	BaseFree    decimal.Decimal `json:"base_free"`
	BaseLocked  decimal.Decimal `json:"base_locked"`
	QuoteFree   decimal.Decimal `json:"quote_free"`
	QuoteLocked decimal.Decimal `json:"quote_locked"`
}

func (o OpenOrdersRef) BaseTotal() decimal.Decimal  { return o.BaseFree.Add(o.BaseLocked) }
func (o OpenOrdersRef) QuoteTotal() decimal.Decimal { return o.QuoteFree.Add(o.QuoteLocked) }

// OrderSlot tracks one resting perp order of the account.
type OrderSlot struct {
	Market        int       `json:"market"`
	Side          book.Side `json:"side"`
	OrderID       uint64    `json:"order_id"`
	ClientOrderID uint64    `json:"client_order_id"`
}

// Account is a cross-margin account. Balances are stored amounts: a positive
// entry is scaled by the token's deposit index, a negative one by its borrow
// index.
type Account struct {
	ID       uuid.UUID `json:"id"`
	Owner    uuid.UUID `json:"owner"`
	Delegate uuid.UUID `json:"delegate"`

	Balances [MaxTokens]decimal.Decimal `json:"balances"`
	Perps    [MaxPairs]PerpAccount      `json:"perps"`

	InMarginBasket    uint64                   `json:"in_margin_basket"`
	NumInMarginBasket int                      `json:"num_in_margin_basket"`
	OpenOrders        [MaxPairs]OpenOrdersRef  `json:"open_orders"`
	Orders            [MaxOpenOrders]OrderSlot `json:"orders"`
	FreeOrderSlots    uint64                   `json:"free_order_slots"`

	BeingLiquidated bool `json:"being_liquidated"`
	IsBankrupt      bool `json:"is_bankrupt"`
}

func New(id, owner uuid.UUID) *Account {
	a := &Account{
		ID:             id,
		Owner:          owner,
		FreeOrderSlots: ^uint64(0),
	}
	for i := range a.Balances {
		a.Balances[i] = decimal.Zero
	}
	for i := range a.Perps {
		a.Perps[i] = newPerpAccount()
	}
	for i := range a.OpenOrders {
		a.OpenOrders[i] = OpenOrdersRef{}
	}
	return a
}

// Clone returns an independent copy. All fields are values.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// Authorize allows the owner or the delegate.
func (a *Account) Authorize(signer uuid.UUID) error {
	if signer == a.Owner || (a.Delegate != uuid.Nil && signer == a.Delegate) {
		return nil
	}
	return apperrors.New(apperrors.CodeUnauthorized, "%s may not act for account %s", signer, a.ID)
}

// AuthorizeOwner allows only the owner.
func (a *Account) AuthorizeOwner(signer uuid.UUID) error {
	if signer == a.Owner {
		return nil
	}
	return apperrors.New(apperrors.CodeUnauthorized, "%s is not the owner of account %s", signer, a.ID)
}

// NativeBalance converts the stored balance of token with the given indices.
func (a *Account) NativeBalance(token int, depositIndex, borrowIndex decimal.Decimal) (decimal.Decimal, error) {
	stored := a.Balances[token]
	switch {
	case stored.IsPositive():
		return fpmath.Mul(stored, depositIndex)
	case stored.IsNegative():
		return fpmath.Mul(stored, borrowIndex)
	default:
		return decimal.Zero, nil
	}
}

// ChangeBalance moves the native balance of token by delta, repaying borrows
// before creating deposits (and the reverse for withdrawals), and keeps the
// bank's stored totals in step.
func (a *Account) ChangeBalance(token int, b *bank.Bank, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	stored := a.Balances[token]
	deposits, borrows := b.Deposits, b.Borrows

	if delta.IsPositive() {
		if stored.IsNegative() {
			owed, err := fpmath.Mul(stored.Neg(), b.BorrowIndex)
			if err != nil {
				return err
			}
			if delta.LessThanOrEqual(owed) {
				repay, err := fpmath.Div(delta, b.BorrowIndex)
				if err != nil {
					return err
				}
				repay = decimal.Min(repay, stored.Neg())
				stored = stored.Add(repay)
				borrows = borrows.Sub(repay)
				delta = decimal.Zero
			} else {
				borrows = borrows.Sub(stored.Neg())
				stored = decimal.Zero
				delta = delta.Sub(owed)
			}
		}
		if delta.IsPositive() {
			add, err := fpmath.Div(delta, b.DepositIndex)
			if err != nil {
				return err
			}
			stored = stored.Add(add)
			deposits = deposits.Add(add)
		}
	} else {
		delta = delta.Neg()
		if stored.IsPositive() {
			held, err := fpmath.Mul(stored, b.DepositIndex)
			if err != nil {
				return err
			}
			if delta.LessThanOrEqual(held) {
				take, err := fpmath.Div(delta, b.DepositIndex)
				if err != nil {
					return err
				}
				take = decimal.Min(take, stored)
				stored = stored.Sub(take)
				deposits = deposits.Sub(take)
				delta = decimal.Zero
			} else {
				deposits = deposits.Sub(stored)
				stored = decimal.Zero
				delta = delta.Sub(held)
			}
		}
		if delta.IsPositive() {
			borrow, err := fpmath.Div(delta, b.BorrowIndex)
			if err != nil {
				return err
			}
			stored = stored.Sub(borrow)
			borrows = borrows.Add(borrow)
		}
	}

	if _, err := fpmath.CheckRange(stored); err != nil {
		return err
	}
	a.Balances[token] = stored
	b.Deposits = deposits
	b.Borrows = borrows
	return nil
}

// ClearBalance zeroes the stored balance of token, removes it from the
// bank's totals and returns the native amount that was held.
func (a *Account) ClearBalance(token int, b *bank.Bank) (decimal.Decimal, error) {
	native, err := a.NativeBalance(token, b.DepositIndex, b.BorrowIndex)
	if err != nil {
		return decimal.Zero, err
	}
	stored := a.Balances[token]
	if stored.IsPositive() {
		b.Deposits = b.Deposits.Sub(stored)
	} else {
		b.Borrows = b.Borrows.Add(stored)
	}
	a.Balances[token] = decimal.Zero
	return native, nil
}

// IsInBasket reports whether the spot pair is in the margin basket.
func (a *Account) IsInBasket(pair int) bool {
	return a.InMarginBasket&(1<<uint(pair)) != 0
}

// AddToBasket enters a spot pair into the margin basket.
func (a *Account) AddToBasket(pair int) error {
	if pair < 0 || pair >= MaxPairs {
		return apperrors.New(apperrors.CodeInvalidParam, "pair %d out of range", pair)
	}
	if a.IsInBasket(pair) {
		return nil
	}
	if a.NumInMarginBasket >= MaxInMarginBasket {
		return apperrors.New(apperrors.CodeMarginBasketFull, "margin basket holds %d pairs", a.NumInMarginBasket)
	}
	a.InMarginBasket |= 1 << uint(pair)
	a.NumInMarginBasket++
	return nil
}

// SetOpenOrders replaces the mirrored spot balances of a basket entry.
func (a *Account) SetOpenOrders(pair int, ref OpenOrdersRef) error {
	if !a.IsInBasket(pair) {
		return apperrors.New(apperrors.CodeInvalidParam, "pair %d not in margin basket", pair)
	}
	for _, v := range []decimal.Decimal{ref.BaseFree, ref.BaseLocked, ref.QuoteFree, ref.QuoteLocked} {
		if v.IsNegative() {
			return apperrors.New(apperrors.CodeInvalidParam, "open orders amounts must be >= 0")
		}
	}
	a.OpenOrders[pair] = ref
	return nil
}

// NextFreeSlot returns the lowest free order slot without claiming it.
func (a *Account) NextFreeSlot() (int, error) {
	if a.FreeOrderSlots == 0 {
		return NoSlot, apperrors.New(apperrors.CodeTooManyOpenOrders, "account %s has %d open orders", a.ID, MaxOpenOrders)
	}
	return bits.TrailingZeros64(a.FreeOrderSlots), nil
}

// AddOrder claims slot for a resting order.
func (a *Account) AddOrder(slot, market int, side book.Side, orderID, clientOrderID uint64) {
	a.FreeOrderSlots &^= 1 << uint(slot)
	a.Orders[slot] = OrderSlot{
		Market:        market,
		Side:          side,
		OrderID:       orderID,
		ClientOrderID: clientOrderID,
	}
}

// RemoveOrder frees slot.
func (a *Account) RemoveOrder(slot int) {
	if slot < 0 || slot >= MaxOpenOrders {
		return
	}
	a.FreeOrderSlots |= 1 << uint(slot)
	a.Orders[slot] = OrderSlot{}
}

func (a *Account) slotUsed(slot int) bool {
	return a.FreeOrderSlots&(1<<uint(slot)) == 0
}

// FindOrder returns the slot of the resting order with orderID on market.
func (a *Account) FindOrder(market int, orderID uint64) (int, bool) {
	for i := range a.Orders {
		if a.slotUsed(i) && a.Orders[i].Market == market && a.Orders[i].OrderID == orderID {
			return i, true
		}
	}
	return NoSlot, false
}

// FindOrderByClientID returns the slot of the resting order with the given
// client order id on market.
func (a *Account) FindOrderByClientID(market int, clientOrderID uint64) (int, bool) {
	for i := range a.Orders {
		if a.slotUsed(i) && a.Orders[i].Market == market && a.Orders[i].ClientOrderID == clientOrderID {
			return i, true
		}
	}
	return NoSlot, false
}

// OrderSlots returns the used slots on market in slot order.
func (a *Account) OrderSlots(market int) []int {
	var out []int
	for i := range a.Orders {
		if a.slotUsed(i) && a.Orders[i].Market == market {
			out = append(out, i)
		}
	}
	return out
}

func (a *Account) HasOpenOrders(market int) bool {
	return len(a.OrderSlots(market)) > 0
}

// CheckNotBankrupt fails with BankruptAccountLocked for bankrupt accounts.
func (a *Account) CheckNotBankrupt() error {
	if a.IsBankrupt {
		return apperrors.New(apperrors.CodeBankruptAccountLocked, "account %s is bankrupt", a.ID)
	}
	return nil
}
