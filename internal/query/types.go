package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FillResponse is one consumed fill in a perp market.
type FillResponse struct {
	Market       int             `json:"market"`
	SeqNum       int64           `json:"seq_num"`
	Sequence     int64           `json:"sequence"`
	TakerSide    string          `json:"taker_side"`
	Maker        uuid.UUID       `json:"maker"`
	MakerOrderID int64           `json:"maker_order_id"`
	Taker        uuid.UUID       `json:"taker"`
	TakerOrderID int64           `json:"taker_order_id"`
	Price        int64           `json:"price"`
	Quantity     int64           `json:"quantity"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	FillTime     time.Time       `json:"fill_time"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// FundingHistoryResponse is one funding accrual of a market.
type FundingHistoryResponse struct {
	Market       int             `json:"market"`
	Sequence     int64           `json:"sequence"`
	Oracle       decimal.Decimal `json:"oracle"`
	Delta        decimal.Decimal `json:"delta"`
	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	Timestamp    int64           `json:"timestamp"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// LiquidationResponse is a liquidation, bankruptcy or flagging record that
// involved an account. Body holds the record as written to the log.
type LiquidationResponse struct {
	Sequence   int64           `json:"sequence"`
	RecordType string          `json:"record_type"`
	Liqee      uuid.UUID       `json:"liqee"`
	Liqor      *uuid.UUID      `json:"liqor,omitempty"`
	Body       json.RawMessage `json:"body"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedUpTo     int64   `json:"checked_up_to"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
