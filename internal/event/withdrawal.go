package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Withdraw: Borrowed is the part of Quantity that was not covered by
// deposits and became a borrow.
type Withdraw struct {
	Account  uuid.UUID       `json:"account"`
	Owner    uuid.UUID       `json:"owner"`
	Token    int             `json:"token"`
	Quantity decimal.Decimal `json:"quantity"`
	Borrowed decimal.Decimal `json:"borrowed"`
	Balance  decimal.Decimal `json:"balance"`
}

func (*Withdraw) RecordType() RecordType { return RecordTypeWithdraw }
