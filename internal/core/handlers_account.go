package core

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/health"
	"CrossMargin/internal/instruction"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (c *DeterministicCore) handleCreateAccount(t *txn, ins *instruction.CreateAccount) ([]event.Record, error) {
	if ins.Account == uuid.Nil || ins.Signer == uuid.Nil {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "account id and signer are required")
	}
	a, err := t.createAccount(ins.Account, ins.Signer)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.AccountCreated{Account: a.ID, Owner: a.Owner}}, nil
}

func (c *DeterministicCore) handleSetDelegate(t *txn, ins *instruction.SetDelegate) ([]event.Record, error) {
	a, err := t.account(ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.AuthorizeOwner(ins.Signer); err != nil {
		return nil, err
	}
	a.Delegate = ins.Delegate
	return []event.Record{&event.DelegateSet{Account: a.ID, Delegate: a.Delegate}}, nil
}

func (c *DeterministicCore) handleDeposit(t *txn, ins *instruction.Deposit) ([]event.Record, error) {
	if !ins.Quantity.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "deposit quantity must be > 0, got %s", ins.Quantity)
	}
	a, err := c.load(t, ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.Authorize(ins.Signer); err != nil {
		return nil, err
	}
	if err := a.CheckNotBankrupt(); err != nil {
		return nil, err
	}
	if _, err := t.g.Cache.RootBank(ins.Token, t.now); err != nil {
		return nil, err
	}
	b, err := t.g.Bank(ins.Token)
	if err != nil {
		return nil, err
	}
	if err := a.ChangeBalance(ins.Token, b, ins.Quantity); err != nil {
		return nil, err
	}
	balance, err := t.g.NativeBalance(a, ins.Token)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.Deposit{
		Account:  a.ID,
		Owner:    a.Owner,
		Token:    ins.Token,
		Quantity: ins.Quantity,
		Balance:  balance,
	}}, nil
}

// handleWithdraw moves tokens out of the account. Withdrawing more than the
// deposit borrows the rest, which needs AllowBorrow, bank liquidity and a
// non-negative init health afterwards.
func (c *DeterministicCore) handleWithdraw(t *txn, ins *instruction.Withdraw) ([]event.Record, error) {
	if !ins.Quantity.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "withdraw quantity must be > 0, got %s", ins.Quantity)
	}
	a, err := c.load(t, ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.AuthorizeOwner(ins.Signer); err != nil {
		return nil, err
	}
	if err := checkNotLiquidating(a); err != nil {
		return nil, err
	}
	if _, err := t.g.Cache.RootBank(ins.Token, t.now); err != nil {
		return nil, err
	}
	b, err := t.g.Bank(ins.Token)
	if err != nil {
		return nil, err
	}
	before, err := t.g.NativeBalance(a, ins.Token)
	if err != nil {
		return nil, err
	}
	borrowed := decimal.Max(ins.Quantity.Sub(decimal.Max(before, decimal.Zero)), decimal.Zero)
	if borrowed.IsPositive() && !ins.AllowBorrow {
		return nil, apperrors.New(apperrors.CodeInsufficientFunds,
			"account %s holds %s of token %d, withdraw %s", a.ID, before, ins.Token, ins.Quantity)
	}
	if err := a.ChangeBalance(ins.Token, b, ins.Quantity.Neg()); err != nil {
		return nil, err
	}

	deposits, err := b.NativeDeposits()
	if err != nil {
		return nil, err
	}
	borrows, err := b.NativeBorrows()
	if err != nil {
		return nil, err
	}
	if borrows.GreaterThan(deposits) {
		return nil, apperrors.New(apperrors.CodeInsufficientFunds,
			"bank %d would lend %s against %s deposits", ins.Token, borrows, deposits)
	}

	init, err := health.Compute(a, t.g, t.g.Cache, health.Init, t.now)
	if err != nil {
		return nil, err
	}
	if init.IsNegative() {
		return nil, apperrors.New(apperrors.CodeInsufficientMargin,
			"withdraw leaves init health %s", init.StringFixed(6))
	}

	balance, err := t.g.NativeBalance(a, ins.Token)
	if err != nil {
		return nil, err
	}
	return []event.Record{&event.Withdraw{
		Account:  a.ID,
		Owner:    a.Owner,
		Token:    ins.Token,
		Quantity: ins.Quantity,
		Borrowed: borrowed,
		Balance:  balance,
	}}, nil
}

func (c *DeterministicCore) handleAddToMarginBasket(t *txn, ins *instruction.AddToMarginBasket) ([]event.Record, error) {
	a, err := t.account(ins.Account)
	if err != nil {
		return nil, err
	}
	if err := a.AuthorizeOwner(ins.Signer); err != nil {
		return nil, err
	}
	if err := a.CheckNotBankrupt(); err != nil {
		return nil, err
	}
	if ins.Pair < 0 || ins.Pair >= account.MaxPairs {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "pair %d out of range", ins.Pair)
	}
	if _, err := t.g.Token(ins.Pair); err != nil {
		return nil, err
	}
	if err := a.AddToBasket(ins.Pair); err != nil {
		return nil, err
	}
	return []event.Record{&event.MarginBasket{Account: a.ID, Pair: ins.Pair}}, nil
}

// handleUpdateOpenOrders mirrors external spot balances. The owner, the
// delegate or the admin relaying the external venue may sign.
func (c *DeterministicCore) handleUpdateOpenOrders(t *txn, ins *instruction.UpdateOpenOrders) ([]event.Record, error) {
	a, err := t.account(ins.Account)
	if err != nil {
		return nil, err
	}
	if ins.Signer != t.g.Admin {
		if err := a.Authorize(ins.Signer); err != nil {
			return nil, err
		}
	}
	ref := account.OpenOrdersRef{
		BaseFree:    ins.BaseFree,
		BaseLocked:  ins.BaseLocked,
		QuoteFree:   ins.QuoteFree,
		QuoteLocked: ins.QuoteLocked,
	}
	if err := a.SetOpenOrders(ins.Pair, ref); err != nil {
		return nil, err
	}
	return []event.Record{&event.OpenOrdersBalance{
		Account:     a.ID,
		Pair:        ins.Pair,
		BaseFree:    ref.BaseFree,
		BaseLocked:  ref.BaseLocked,
		QuoteFree:   ref.QuoteFree,
		QuoteLocked: ref.QuoteLocked,
	}}, nil
}
