package core

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/bank"
	"CrossMargin/internal/cache"
	"CrossMargin/internal/market"
	"CrossMargin/internal/state"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// txn makes one instruction atomic. Banks, the cache snapshot, group
// scalars and the dust account are captured up front because the
// liquidation engine reaches them directly. Accounts and markets are
// captured on first access. rollback restores every captured pre-image.
type txn struct {
	g   *state.Group
	now int64

	banks         [account.MaxTokens]*bank.Bank
	tokens        [account.MaxTokens]*state.TokenInfo
	snap          *cache.Snapshot
	params        state.GroupParams
	insuranceFund decimal.Decimal
	accountOrder  int

	accounts map[uuid.UUID]*account.Account
	created  []uuid.UUID
	markets  map[int]*market.PerpMarket
}

func begin(g *state.Group, now int64) *txn {
	t := &txn{
		g:             g,
		now:           now,
		snap:          g.Cache.Clone(),
		params:        g.Params,
		insuranceFund: g.InsuranceFund,
		accountOrder:  len(g.AccountOrder),
		accounts:      make(map[uuid.UUID]*account.Account),
		markets:       make(map[int]*market.PerpMarket),
	}
	for i, b := range g.Banks {
		if b != nil {
			t.banks[i] = b.Clone()
		}
	}
	for i, ti := range g.Tokens {
		if ti != nil {
			c := *ti
			t.tokens[i] = &c
		}
	}
	if dust, ok := g.Accounts[g.DustAccount]; ok {
		t.accounts[dust.ID] = dust.Clone()
	}
	return t
}

// account returns the live account, capturing its pre-image once.
func (t *txn) account(id uuid.UUID) (*account.Account, error) {
	a, err := t.g.Account(id)
	if err != nil {
		return nil, err
	}
	if _, seen := t.accounts[id]; !seen {
		t.accounts[id] = a.Clone()
	}
	return a, nil
}

// createAccount opens an account that rollback removes again.
func (t *txn) createAccount(id, owner uuid.UUID) (*account.Account, error) {
	a, err := t.g.CreateAccount(id, owner)
	if err != nil {
		return nil, err
	}
	t.created = append(t.created, id)
	return a, nil
}

// market returns the live market, capturing a deep copy once.
func (t *txn) market(index int) (*market.PerpMarket, error) {
	m, err := t.g.Market(index)
	if err != nil {
		return nil, err
	}
	if _, seen := t.markets[index]; !seen {
		t.markets[index] = m.Clone()
	}
	return m, nil
}

// touched returns the ids of every account accessed through the txn except
// the dust account, sorted.
func (t *txn) touched() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(t.accounts)+len(t.created))
	for id := range t.accounts {
		if id != t.g.DustAccount {
			out = append(out, id)
		}
	}
	for _, id := range t.created {
		if _, seen := t.accounts[id]; !seen {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

// touchedMarkets returns the indices of markets accessed through the txn.
func (t *txn) touchedMarkets() []int {
	out := make([]int, 0, len(t.markets))
	for i := range t.markets {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (t *txn) rollback() {
	g := t.g
	for id, pre := range t.accounts {
		if live, ok := g.Accounts[id]; ok {
			*live = *pre
		}
	}
	for _, id := range t.created {
		delete(g.Accounts, id)
	}
	g.AccountOrder = g.AccountOrder[:t.accountOrder]

	for i, pre := range t.markets {
		*g.Markets[i] = *pre
	}
	for i, pre := range t.banks {
		if pre != nil {
			*g.Banks[i] = *pre
		}
	}
	for i, pre := range t.tokens {
		if pre != nil {
			*g.Tokens[i] = *pre
		}
	}
	*g.Cache = *t.snap
	g.Params = t.params
	g.InsuranceFund = t.insuranceFund
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
