package core

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"

	"github.com/google/uuid"
)

func (c *DeterministicCore) dispatch(t *txn, ins instruction.Instruction) ([]event.Record, error) {
	switch in := ins.(type) {
	case *instruction.CreateAccount:
		return c.handleCreateAccount(t, in)
	case *instruction.SetDelegate:
		return c.handleSetDelegate(t, in)
	case *instruction.Deposit:
		return c.handleDeposit(t, in)
	case *instruction.Withdraw:
		return c.handleWithdraw(t, in)
	case *instruction.AddToMarginBasket:
		return c.handleAddToMarginBasket(t, in)
	case *instruction.UpdateOpenOrders:
		return c.handleUpdateOpenOrders(t, in)

	case *instruction.UpdatePrice:
		return c.handleUpdatePrice(t, in)
	case *instruction.CachePrices:
		return c.handleCachePrices(t, in)
	case *instruction.CacheRootBanks:
		return c.handleCacheRootBanks(t, in)
	case *instruction.CachePerpMarkets:
		return c.handleCachePerpMarkets(t, in)
	case *instruction.UpdateRootBank:
		return c.handleUpdateRootBank(t, in)
	case *instruction.UpdateFunding:
		return c.handleUpdateFunding(t, in)

	case *instruction.PlaceOrder:
		return c.handlePlaceOrder(t, in)
	case *instruction.CancelOrder:
		return c.handleCancelOrder(t, in)
	case *instruction.CancelOrderByClientID:
		return c.handleCancelOrderByClientID(t, in)
	case *instruction.CancelAllOrders:
		return c.handleCancelAllOrders(t, in)
	case *instruction.ConsumeEvents:
		return c.handleConsumeEvents(t, in)
	case *instruction.SettlePnl:
		return c.handleSettlePnl(t, in)
	case *instruction.SettleFees:
		return c.handleSettleFees(t, in)

	case *instruction.LiquidateTokenAndToken:
		return c.handleLiquidateTokenAndToken(t, in)
	case *instruction.LiquidateTokenAndPerp:
		return c.handleLiquidateTokenAndPerp(t, in)
	case *instruction.LiquidatePerpMarket:
		return c.handleLiquidatePerpMarket(t, in)
	case *instruction.ResolvePerpBankruptcy:
		return c.handleResolvePerpBankruptcy(t, in)
	case *instruction.ResolveTokenBankruptcy:
		return c.handleResolveTokenBankruptcy(t, in)
	case *instruction.ResolveDust:
		return c.handleResolveDust(t, in)

	case *instruction.ChangeTokenParams:
		return c.handleChangeTokenParams(t, in)
	case *instruction.ChangeMarketParams:
		return c.handleChangeMarketParams(t, in)
	case *instruction.ChangeGroupParams:
		return c.handleChangeGroupParams(t, in)
	case *instruction.AddToInsuranceFund:
		return c.handleAddToInsuranceFund(t, in)
	}
	return nil, apperrors.New(apperrors.CodeInvalidParam, "unsupported instruction %s", ins.Kind())
}

// load returns a live account with funding settled in every market.
func (c *DeterministicCore) load(t *txn, id uuid.UUID) (*account.Account, error) {
	a, err := t.account(id)
	if err != nil {
		return nil, err
	}
	for _, i := range t.g.ListedMarkets() {
		if _, err := t.g.Markets[i].SettleFunding(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (c *DeterministicCore) checkAdmin(signer uuid.UUID) error {
	if signer != c.group.Admin {
		return apperrors.New(apperrors.CodeUnauthorized, "%s is not the group admin", signer)
	}
	return nil
}

func (c *DeterministicCore) checkOracle(signer uuid.UUID) error {
	if signer != c.group.Oracle {
		return apperrors.New(apperrors.CodeUnauthorized, "%s is not the price authority", signer)
	}
	return nil
}

func checkNotLiquidating(a *account.Account) error {
	if err := a.CheckNotBankrupt(); err != nil {
		return err
	}
	if a.BeingLiquidated {
		return apperrors.New(apperrors.CodeAccountAlreadyLiquidating, "account %s is being liquidated", a.ID)
	}
	return nil
}
