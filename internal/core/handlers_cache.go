package core

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/bank"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"strconv"

	"github.com/shopspring/decimal"
)

func (c *DeterministicCore) handleUpdatePrice(t *txn, ins *instruction.UpdatePrice) ([]event.Record, error) {
	if err := c.checkOracle(ins.Signer); err != nil {
		return nil, err
	}
	rec := &event.CachePrices{}
	changed, err := t.g.Cache.UpdatePrice(ins.Token, ins.Price, ins.Confidence, ins.PublishTime)
	if err != nil {
		c.recordPriceReject(ins.Token, err)
		return nil, err
	}
	if changed {
		rec.Tokens = append(rec.Tokens, ins.Token)
		rec.Prices = append(rec.Prices, ins.Price)
	} else {
		rec.Rejected = append(rec.Rejected, ins.Token)
	}
	return []event.Record{rec}, nil
}

// handleCachePrices applies a batch of quotes. A bad quote is skipped and
// reported in the record; it does not fail the batch.
func (c *DeterministicCore) handleCachePrices(t *txn, ins *instruction.CachePrices) ([]event.Record, error) {
	if err := c.checkOracle(ins.Signer); err != nil {
		return nil, err
	}
	rec := &event.CachePrices{}
	for _, q := range ins.Quotes {
		changed, err := t.g.Cache.UpdatePrice(q.Token, q.Price, q.Confidence, q.PublishTime)
		if err != nil {
			c.recordPriceReject(q.Token, err)
			rec.Rejected = append(rec.Rejected, q.Token)
			continue
		}
		if !changed {
			rec.Rejected = append(rec.Rejected, q.Token)
			continue
		}
		rec.Tokens = append(rec.Tokens, q.Token)
		rec.Prices = append(rec.Prices, q.Price)
	}
	return []event.Record{rec}, nil
}

func (c *DeterministicCore) recordPriceReject(token int, err error) {
	if c.metrics != nil {
		c.metrics.PriceRejected.WithLabelValues(strconv.Itoa(token), string(apperrors.CodeOf(err))).Inc()
	}
}

// handleCacheRootBanks copies bank indices into the cache. An empty token
// list refreshes every listed token.
func (c *DeterministicCore) handleCacheRootBanks(t *txn, ins *instruction.CacheRootBanks) ([]event.Record, error) {
	tokens := ins.Tokens
	if len(tokens) == 0 {
		tokens = t.g.ListedTokens()
	}
	rec := &event.CacheRootBanks{}
	for _, i := range tokens {
		b, err := t.g.Bank(i)
		if err != nil {
			return nil, err
		}
		t.g.Cache.SetRootBank(i, b.DepositIndex, b.BorrowIndex, t.now)
		rec.Tokens = append(rec.Tokens, i)
		rec.DepositIndexes = append(rec.DepositIndexes, b.DepositIndex)
		rec.BorrowIndexes = append(rec.BorrowIndexes, b.BorrowIndex)
	}
	return []event.Record{rec}, nil
}

// handleCachePerpMarkets copies funding accumulators into the cache. An
// empty market list refreshes every market.
func (c *DeterministicCore) handleCachePerpMarkets(t *txn, ins *instruction.CachePerpMarkets) ([]event.Record, error) {
	markets := ins.Markets
	if len(markets) == 0 {
		markets = t.g.ListedMarkets()
	}
	rec := &event.CachePerpMarkets{}
	for _, i := range markets {
		m, err := t.g.Market(i)
		if err != nil {
			return nil, err
		}
		t.g.Cache.SetPerpMarket(i, m.LongFunding, m.ShortFunding, t.now)
		rec.Markets = append(rec.Markets, i)
		rec.LongFundings = append(rec.LongFundings, m.LongFunding)
		rec.ShortFundings = append(rec.ShortFundings, m.ShortFunding)
	}
	return []event.Record{rec}, nil
}

// accrue compounds interest up to now. A bank without deposits has nothing
// to compound and only moves its clock.
func accrue(b *bank.Bank, now int64) error {
	if b.Deposits.IsZero() {
		if now > b.LastUpdated {
			b.LastUpdated = now
		}
		return nil
	}
	return b.Accrue(now)
}

func (c *DeterministicCore) handleUpdateRootBank(t *txn, ins *instruction.UpdateRootBank) ([]event.Record, error) {
	b, err := t.g.Bank(ins.Token)
	if err != nil {
		return nil, err
	}
	if err := accrue(b, t.now); err != nil {
		return nil, err
	}
	t.g.Cache.SetRootBank(ins.Token, b.DepositIndex, b.BorrowIndex, t.now)

	util := decimal.Zero
	if !b.Deposits.IsZero() {
		if util, err = b.Utilization(); err != nil {
			return nil, err
		}
	}
	return []event.Record{&event.UpdateRootBank{
		Token:        ins.Token,
		DepositIndex: b.DepositIndex,
		BorrowIndex:  b.BorrowIndex,
		Utilization:  util,
	}}, nil
}

// handleUpdateFunding accrues funding against a fresh oracle price and
// refreshes the market's cache entry.
func (c *DeterministicCore) handleUpdateFunding(t *txn, ins *instruction.UpdateFunding) ([]event.Record, error) {
	m, err := t.market(ins.Market)
	if err != nil {
		return nil, err
	}
	oracle, err := t.g.Cache.Price(ins.Market, t.now)
	if err != nil {
		return nil, err
	}
	upd, err := m.UpdateFunding(oracle, t.now)
	if err != nil {
		return nil, err
	}
	t.g.Cache.SetPerpMarket(ins.Market, m.LongFunding, m.ShortFunding, t.now)
	return []event.Record{&event.UpdateFunding{
		Market:       ins.Market,
		Oracle:       oracle,
		ImpactBid:    upd.ImpactBid,
		ImpactAsk:    upd.ImpactAsk,
		Diff:         upd.Diff,
		Delta:        upd.Delta,
		LongFunding:  m.LongFunding,
		ShortFunding: m.ShortFunding,
		Elapsed:      upd.Elapsed,
	}}, nil
}
