package core

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/market"
	"CrossMargin/internal/state"
	"encoding/json"
)

// handleChangeTokenParams accrues the bank at the old rates before the new
// parameters take effect.
func (c *DeterministicCore) handleChangeTokenParams(t *txn, ins *instruction.ChangeTokenParams) ([]event.Record, error) {
	if err := c.checkAdmin(ins.Signer); err != nil {
		return nil, err
	}
	var p state.TokenParams
	if err := json.Unmarshal(ins.Params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "token params")
	}
	b, err := t.g.Bank(ins.Token)
	if err != nil {
		return nil, err
	}
	if err := accrue(b, t.now); err != nil {
		return nil, err
	}
	if err := t.g.SetTokenParams(ins.Token, p); err != nil {
		return nil, err
	}
	return paramsChanged("token", ins.Token, t.g.Tokens[ins.Token].Params)
}

func (c *DeterministicCore) handleChangeMarketParams(t *txn, ins *instruction.ChangeMarketParams) ([]event.Record, error) {
	if err := c.checkAdmin(ins.Signer); err != nil {
		return nil, err
	}
	var p market.Params
	if err := json.Unmarshal(ins.Params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "market params")
	}
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	if err := m.SetParams(p); err != nil {
		return nil, err
	}
	return paramsChanged("market", ins.Market, m.Params)
}

func (c *DeterministicCore) handleChangeGroupParams(t *txn, ins *instruction.ChangeGroupParams) ([]event.Record, error) {
	if err := c.checkAdmin(ins.Signer); err != nil {
		return nil, err
	}
	var p state.GroupParams
	if err := json.Unmarshal(ins.Params, &p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParam, err, "group params")
	}
	if err := t.g.SetParams(p); err != nil {
		return nil, err
	}
	return paramsChanged("group", -1, t.g.Params)
}

// paramsChanged records the parameters as applied, after normalization.
func paramsChanged(scope string, index int, applied any) ([]event.Record, error) {
	raw, err := json.Marshal(applied)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, err, "encode params")
	}
	return []event.Record{&event.ParamsChanged{Scope: scope, Index: index, Params: raw}}, nil
}

func (c *DeterministicCore) handleAddToInsuranceFund(t *txn, ins *instruction.AddToInsuranceFund) ([]event.Record, error) {
	if err := c.checkAdmin(ins.Signer); err != nil {
		return nil, err
	}
	if !ins.Amount.IsPositive() {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "insurance fund deposit must be > 0, got %s", ins.Amount)
	}
	if err := t.g.AddToInsuranceFund(ins.Amount); err != nil {
		return nil, err
	}
	return []event.Record{&event.InsuranceFundDeposit{Amount: ins.Amount, Balance: t.g.InsuranceFund}}, nil
}
