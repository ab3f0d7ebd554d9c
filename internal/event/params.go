package event

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ParamsChanged: Scope is "token", "market" or "group"; Index is -1 for
// group parameters.
type ParamsChanged struct {
	Scope  string          `json:"scope"`
	Index  int             `json:"index"`
	Params json.RawMessage `json:"params"`
}

func (*ParamsChanged) RecordType() RecordType { return RecordTypeParamsChanged }

type InsuranceFundDeposit struct {
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
}

func (*InsuranceFundDeposit) RecordType() RecordType { return RecordTypeInsuranceFundDeposit }
