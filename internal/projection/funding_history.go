package projection

import (
	"sync"

	"github.com/shopspring/decimal"
)

// FundingHistoryEntry is one funding accrual of a market.
type FundingHistoryEntry struct {
	Market       int             `json:"market"`
	Sequence     int64           `json:"sequence"`
	Oracle       decimal.Decimal `json:"oracle"`
	Delta        decimal.Decimal `json:"delta"`
	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	Timestamp    int64           `json:"timestamp"`
}

// FundingHistoryProjection keeps the most recent funding accruals of every
// market in memory, bounded per market.
type FundingHistoryProjection struct {
	mu       sync.RWMutex
	capacity int
	entries  map[int][]FundingHistoryEntry
}

func NewFundingHistoryProjection(capacity int) *FundingHistoryProjection {
	if capacity <= 0 {
		capacity = 1024
	}
	return &FundingHistoryProjection{
		capacity: capacity,
		entries:  make(map[int][]FundingHistoryEntry),
	}
}

// AddEntry records an accrual, evicting the oldest one of the market when
// full.
func (p *FundingHistoryProjection) AddEntry(entry FundingHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := append(p.entries[entry.Market], entry)
	if len(list) > p.capacity {
		list = list[len(list)-p.capacity:]
	}
	p.entries[entry.Market] = list
}

// QueryByMarket returns up to limit entries of market, newest first.
func (p *FundingHistoryProjection) QueryByMarket(market int, limit int) []FundingHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := p.entries[market]
	result := make([]FundingHistoryEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}
