package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountCreated struct {
	Account uuid.UUID `json:"account"`
	Owner   uuid.UUID `json:"owner"`
}

func (*AccountCreated) RecordType() RecordType { return RecordTypeAccountCreated }

type DelegateSet struct {
	Account  uuid.UUID `json:"account"`
	Delegate uuid.UUID `json:"delegate"`
}

func (*DelegateSet) RecordType() RecordType { return RecordTypeDelegateSet }

// Deposit: Quantity is native. Balance is the native balance afterwards.
type Deposit struct {
	Account  uuid.UUID       `json:"account"`
	Owner    uuid.UUID       `json:"owner"`
	Token    int             `json:"token"`
	Quantity decimal.Decimal `json:"quantity"`
	Balance  decimal.Decimal `json:"balance"`
}

func (*Deposit) RecordType() RecordType { return RecordTypeDeposit }

type MarginBasket struct {
	Account uuid.UUID `json:"account"`
	Pair    int       `json:"pair"`
}

func (*MarginBasket) RecordType() RecordType { return RecordTypeMarginBasket }

// OpenOrdersBalance mirrors an external open-orders record update.
type OpenOrdersBalance struct {
	Account     uuid.UUID       `json:"account"`
	Pair        int             `json:"pair"`
	BaseFree    decimal.Decimal `json:"base_free"`
	BaseLocked  decimal.Decimal `json:"base_locked"`
	QuoteFree   decimal.Decimal `json:"quote_free"`
	QuoteLocked decimal.Decimal `json:"quote_locked"`
}

func (*OpenOrdersBalance) RecordType() RecordType { return RecordTypeOpenOrdersBalance }
