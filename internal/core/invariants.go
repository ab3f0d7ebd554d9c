package core

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/health"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// sweepsAllAccounts lists the instructions that can move the health of
// accounts they never load: cache refreshes, funding changes and
// governance edits to weights, leverage or cache intervals.
func sweepsAllAccounts(ins instruction.Instruction) bool {
	switch ins.(type) {
	case *instruction.UpdatePrice, *instruction.CachePrices, *instruction.CacheRootBanks,
		*instruction.CachePerpMarkets, *instruction.UpdateRootBank, *instruction.UpdateFunding,
		*instruction.ResolvePerpBankruptcy,
		*instruction.ChangeTokenParams, *instruction.ChangeMarketParams, *instruction.ChangeGroupParams:
		return true
	}
	return false
}

// postCheck flags every affected account whose maintenance health is
// negative. Accounts whose health cannot be computed from the cache are left
// alone; the next instruction that needs it fails with StaleCache.
func (c *DeterministicCore) postCheck(t *txn, ins instruction.Instruction) ([]event.Record, error) {
	ids := t.touched()
	if sweepsAllAccounts(ins) {
		ids = make([]uuid.UUID, 0, len(t.g.AccountOrder))
		for _, id := range t.g.AccountOrder {
			if id != t.g.DustAccount {
				ids = append(ids, id)
			}
		}
	}

	var records []event.Record
	for _, id := range ids {
		a, ok := t.g.Accounts[id]
		if !ok || a.BeingLiquidated || a.IsBankrupt {
			continue
		}
		maint, err := health.Compute(a, t.g, t.g.Cache, health.Maint, t.now)
		if errors.Is(err, apperrors.ErrStaleCache) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !maint.IsNegative() {
			continue
		}
		if _, err := t.account(id); err != nil {
			return nil, err
		}
		state.Transition(a, state.LiquidationStateBeingLiquidated)
		records = append(records, &event.AccountFlagged{Account: id, MaintHealth: maint})
	}
	return records, nil
}

// checkInvariants verifies structural properties no valid instruction can
// break. A violation means a bug, and the caller panics.
func (c *DeterministicCore) checkInvariants(t *txn) error {
	g := t.g
	for _, i := range g.ListedTokens() {
		b := g.Banks[i]
		if b.DepositIndex.GreaterThan(b.BorrowIndex) {
			return fmt.Errorf("bank %d: deposit index %s above borrow index %s", i, b.DepositIndex, b.BorrowIndex)
		}
		if !b.DepositIndex.IsPositive() {
			return fmt.Errorf("bank %d: deposit index %s", i, b.DepositIndex)
		}
	}
	for _, i := range t.touchedMarkets() {
		m := g.Markets[i]
		if m.OpenInterest < 0 {
			return fmt.Errorf("market %d: open interest %d", i, m.OpenInterest)
		}
		if m.Queue.Len() > m.Queue.Cap() {
			return fmt.Errorf("market %d: event queue holds %d of %d", i, m.Queue.Len(), m.Queue.Cap())
		}
	}
	for _, id := range t.touched() {
		a, ok := g.Accounts[id]
		if !ok {
			continue
		}
		if a.IsBankrupt && !a.BeingLiquidated {
			return fmt.Errorf("account %s: bankrupt but not being liquidated", id)
		}
		for i := range a.Perps {
			pa := &a.Perps[i]
			if pa.BidsQuantity < 0 || pa.AsksQuantity < 0 {
				return fmt.Errorf("account %s market %d: negative resting quantity", id, i)
			}
		}
		if a.NumInMarginBasket > account.MaxInMarginBasket {
			return fmt.Errorf("account %s: %d basket entries", id, a.NumInMarginBasket)
		}
	}
	if g.InsuranceFund.IsNegative() {
		return fmt.Errorf("insurance fund %s", g.InsuranceFund)
	}
	return nil
}

type marketDigest struct {
	Index        int             `json:"index"`
	OpenInterest int64           `json:"open_interest"`
	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	SeqNum       uint64          `json:"seq_num"`
	QueueLen     int             `json:"queue_len"`
	FeesAccrued  decimal.Decimal `json:"fees_accrued"`
}

type bankDigest struct {
	Index        int             `json:"index"`
	DepositIndex decimal.Decimal `json:"deposit_index"`
	BorrowIndex  decimal.Decimal `json:"borrow_index"`
	Deposits     decimal.Decimal `json:"deposits"`
	Borrows      decimal.Decimal `json:"borrows"`
}

type stateDigest struct {
	Accounts      []*account.Account `json:"accounts"`
	Markets       []marketDigest     `json:"markets"`
	Banks         []bankDigest       `json:"banks"`
	InsuranceFund decimal.Decimal    `json:"insurance_fund"`
	CacheVersion  uint64             `json:"cache_version"`
}

// computeStateDigest serializes everything the instruction touched in a
// fixed order: accounts by id (dust account last), markets and banks by
// index.
func (c *DeterministicCore) computeStateDigest(t *txn) ([]byte, error) {
	g := t.g
	d := stateDigest{InsuranceFund: g.InsuranceFund, CacheVersion: g.Cache.Version}
	for _, id := range t.touched() {
		if a, ok := g.Accounts[id]; ok {
			d.Accounts = append(d.Accounts, a)
		}
	}
	if dust, ok := g.Accounts[g.DustAccount]; ok {
		d.Accounts = append(d.Accounts, dust)
	}
	for _, i := range t.touchedMarkets() {
		m := g.Markets[i]
		d.Markets = append(d.Markets, marketDigest{
			Index:        i,
			OpenInterest: m.OpenInterest,
			LongFunding:  m.LongFunding,
			ShortFunding: m.ShortFunding,
			SeqNum:       m.SeqNum,
			QueueLen:     m.Queue.Len(),
			FeesAccrued:  m.FeesAccrued,
		})
	}
	for _, i := range g.ListedTokens() {
		b := g.Banks[i]
		d.Banks = append(d.Banks, bankDigest{
			Index:        i,
			DepositIndex: b.DepositIndex,
			BorrowIndex:  b.BorrowIndex,
			Deposits:     b.Deposits,
			Borrows:      b.Borrows,
		})
	}
	return json.Marshal(d)
}

// observeState updates gauges after a committed instruction.
func (c *DeterministicCore) observeState(t *txn, records []event.Record) {
	g := t.g
	fund, _ := g.InsuranceFund.Float64()
	c.metrics.InsuranceFundBalance.Set(fund)
	for _, i := range t.touchedMarkets() {
		m := g.Markets[i]
		label := strconv.Itoa(i)
		c.metrics.OpenInterest.WithLabelValues(label).Set(float64(m.OpenInterest))
		c.metrics.EventQueueDepth.WithLabelValues(label).Set(float64(m.Queue.Len()))
		c.metrics.BookDepth.WithLabelValues(label, "bid").Set(float64(m.Book.Bids.Len()))
		c.metrics.BookDepth.WithLabelValues(label, "ask").Set(float64(m.Book.Asks.Len()))
	}
	for _, r := range records {
		switch rec := r.(type) {
		case *event.AccountFlagged:
			c.metrics.AccountsFlagged.Inc()
		case *event.Fill:
			c.metrics.FillsConsumed.WithLabelValues(strconv.Itoa(rec.Market)).Inc()
		case *event.UpdateFunding:
			delta, _ := rec.Delta.Float64()
			c.metrics.FundingDelta.WithLabelValues(strconv.Itoa(rec.Market)).Set(delta)
			c.metrics.FundingUpdates.WithLabelValues(strconv.Itoa(rec.Market)).Inc()
		case *event.UpdateRootBank:
			util, _ := rec.Utilization.Float64()
			c.metrics.BankUtilization.WithLabelValues(strconv.Itoa(rec.Token)).Set(util)
		case *event.LiquidateTokenAndToken, *event.LiquidateTokenAndPerp, *event.LiquidatePerpMarket:
			c.metrics.LiquidationSteps.WithLabelValues(r.RecordType().String()).Inc()
		case *event.PerpBankruptcy:
			c.metrics.Bankruptcies.WithLabelValues("perp").Inc()
			loss, _ := rec.SocializedLoss.Float64()
			c.metrics.SocializedLoss.WithLabelValues(strconv.Itoa(rec.Market)).Add(loss)
		case *event.TokenBankruptcy:
			c.metrics.Bankruptcies.WithLabelValues("token").Inc()
		case *event.ResolveDust:
			c.metrics.DustSwept.Add(float64(len(rec.Moves)))
		}
	}
}
