package event

import (
	"github.com/shopspring/decimal"
)

// CachePrices lists the accepted quotes; Rejected holds the token indices
// whose quote failed validation.
type CachePrices struct {
	Tokens   []int             `json:"tokens"`
	Prices   []decimal.Decimal `json:"prices"`
	Rejected []int             `json:"rejected,omitempty"`
}

func (*CachePrices) RecordType() RecordType { return RecordTypeCachePrices }

type CacheRootBanks struct {
	Tokens         []int             `json:"tokens"`
	DepositIndexes []decimal.Decimal `json:"deposit_indexes"`
	BorrowIndexes  []decimal.Decimal `json:"borrow_indexes"`
}

func (*CacheRootBanks) RecordType() RecordType { return RecordTypeCacheRootBanks }

type CachePerpMarkets struct {
	Markets       []int             `json:"markets"`
	LongFundings  []decimal.Decimal `json:"long_fundings"`
	ShortFundings []decimal.Decimal `json:"short_fundings"`
}

func (*CachePerpMarkets) RecordType() RecordType { return RecordTypeCachePerpMarkets }

type UpdateRootBank struct {
	Token        int             `json:"token"`
	DepositIndex decimal.Decimal `json:"deposit_index"`
	BorrowIndex  decimal.Decimal `json:"borrow_index"`
	Utilization  decimal.Decimal `json:"utilization"`
}

func (*UpdateRootBank) RecordType() RecordType { return RecordTypeUpdateRootBank }

// UpdateFunding: impact prices are nil when that side of the book could not
// absorb the impact quantity.
type UpdateFunding struct {
	Market       int              `json:"market"`
	Oracle       decimal.Decimal  `json:"oracle"`
	ImpactBid    *decimal.Decimal `json:"impact_bid,omitempty"`
	ImpactAsk    *decimal.Decimal `json:"impact_ask,omitempty"`
	Diff         decimal.Decimal  `json:"diff"`
	Delta        decimal.Decimal  `json:"delta"`
	LongFunding  decimal.Decimal  `json:"long_funding"`
	ShortFunding decimal.Decimal  `json:"short_funding"`
	Elapsed      int64            `json:"elapsed"`
}

func (*UpdateFunding) RecordType() RecordType { return RecordTypeUpdateFunding }
