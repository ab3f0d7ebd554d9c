package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RecordType discriminates event-log records.
type RecordType int32

const (
	RecordTypeUnknown RecordType = iota
	RecordTypeAccountCreated
	RecordTypeDelegateSet
	RecordTypeDeposit
	RecordTypeWithdraw
	RecordTypeMarginBasket
	RecordTypeOpenOrdersBalance
	RecordTypeCachePrices
	RecordTypeCacheRootBanks
	RecordTypeCachePerpMarkets
	RecordTypeUpdateRootBank
	RecordTypeUpdateFunding
	RecordTypeNewOrder
	RecordTypeCancelOrder
	RecordTypeCancelAllPerpOrders
	RecordTypeFill
	RecordTypeOut
	RecordTypeSettlePnl
	RecordTypeSettleFees
	RecordTypeLiquidateTokenAndToken
	RecordTypeLiquidateTokenAndPerp
	RecordTypeLiquidatePerpMarket
	RecordTypePerpBankruptcy
	RecordTypeTokenBankruptcy
	RecordTypeResolveDust
	RecordTypeAccountFlagged
	RecordTypeParamsChanged
	RecordTypeInsuranceFundDeposit
)

var recordTypeNames = map[RecordType]string{
	RecordTypeAccountCreated:         "AccountCreated",
	RecordTypeDelegateSet:            "DelegateSet",
	RecordTypeDeposit:                "Deposit",
	RecordTypeWithdraw:               "Withdraw",
	RecordTypeMarginBasket:           "MarginBasket",
	RecordTypeOpenOrdersBalance:      "OpenOrdersBalance",
	RecordTypeCachePrices:            "CachePrices",
	RecordTypeCacheRootBanks:         "CacheRootBanks",
	RecordTypeCachePerpMarkets:       "CachePerpMarkets",
	RecordTypeUpdateRootBank:         "UpdateRootBank",
	RecordTypeUpdateFunding:          "UpdateFunding",
	RecordTypeNewOrder:               "NewOrder",
	RecordTypeCancelOrder:            "CancelOrder",
	RecordTypeCancelAllPerpOrders:    "CancelAllPerpOrders",
	RecordTypeFill:                   "Fill",
	RecordTypeOut:                    "Out",
	RecordTypeSettlePnl:              "SettlePnl",
	RecordTypeSettleFees:             "SettleFees",
	RecordTypeLiquidateTokenAndToken: "LiquidateTokenAndToken",
	RecordTypeLiquidateTokenAndPerp:  "LiquidateTokenAndPerp",
	RecordTypeLiquidatePerpMarket:    "LiquidatePerpMarket",
	RecordTypePerpBankruptcy:         "PerpBankruptcy",
	RecordTypeTokenBankruptcy:        "TokenBankruptcy",
	RecordTypeResolveDust:            "ResolveDust",
	RecordTypeAccountFlagged:         "AccountFlagged",
	RecordTypeParamsChanged:          "ParamsChanged",
	RecordTypeInsuranceFundDeposit:   "InsuranceFundDeposit",
}

func (rt RecordType) String() string {
	if name, ok := recordTypeNames[rt]; ok {
		return name
	}
	return "Unknown"
}

// Record is implemented by every event-log record.
type Record interface {
	RecordType() RecordType
}

// Envelope wraps the output of one applied instruction in the log.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	IdempotencyKey string

	// Instruction kind that produced the records
	Kind string

	Signer uuid.UUID

	// Versioned instruction timestamp (NOT wall-clock), unix seconds
	Timestamp int64

	Source         string
	SourceSequence int64

	// Encoded instruction, replayed on recovery
	Payload []byte

	Records []Record

	// SHA-256 of state AFTER applying this instruction
	StateHash [32]byte

	// Previous instruction's state hash (chain integrity)
	PrevHash [32]byte
}

type typedRecord struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeRecords renders records as a JSON array of {type, data} objects so
// the log is readable without the Go types.
func EncodeRecords(records []Record) ([]byte, error) {
	out := make([]typedRecord, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s record: %w", r.RecordType(), err)
		}
		out = append(out, typedRecord{Type: r.RecordType().String(), Data: data})
	}
	return json.Marshal(out)
}

// RecordTypes lists the type names of records in order.
func RecordTypes(records []Record) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.RecordType().String()
	}
	return names
}
