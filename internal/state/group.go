package state

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/bank"
	"CrossMargin/internal/cache"
	"CrossMargin/internal/market"
	fpmath "CrossMargin/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultDustThreshold is the init health tolerance used to leave
// liquidation and to guard liquidation steps.
var DefaultDustThreshold = decimal.NewFromInt(-1)

// GroupParams are group-wide settings changed by ChangeGroupParams.
type GroupParams struct {
	MaxAccounts        int                  `json:"max_accounts"`
	DustThreshold      decimal.Decimal      `json:"dust_threshold"`
	MaxConfidenceRatio decimal.Decimal      `json:"max_confidence_ratio"`
	Intervals          cache.ValidIntervals `json:"intervals"`
}

func (p GroupParams) Validate() error {
	if p.MaxAccounts <= 0 {
		return apperrors.New(apperrors.CodeInvalidParam, "max_accounts must be > 0")
	}
	if p.DustThreshold.IsPositive() {
		return apperrors.New(apperrors.CodeInvalidParam, "dust_threshold must be <= 0, got %s", p.DustThreshold)
	}
	if !p.MaxConfidenceRatio.IsPositive() || p.MaxConfidenceRatio.GreaterThanOrEqual(fpmath.One) {
		return apperrors.New(apperrors.CodeInvalidParam, "max_confidence_ratio must be in (0, 1)")
	}
	if p.Intervals.Price <= 0 || p.Intervals.RootBank <= 0 || p.Intervals.PerpMarket <= 0 {
		return apperrors.New(apperrors.CodeInvalidParam, "valid intervals must be > 0")
	}
	return nil
}

// Group is the complete state of one cross-margin venue: listed tokens with
// their banks, perp markets, accounts, the root cache and group scalars.
type Group struct {
	Admin         uuid.UUID                            `json:"admin"`
	Oracle        uuid.UUID                            `json:"oracle"`
	DustAccount   uuid.UUID                            `json:"dust_account"`
	Params        GroupParams                          `json:"params"`
	InsuranceFund decimal.Decimal                      `json:"insurance_fund"`
	Tokens        [account.MaxTokens]*TokenInfo        `json:"tokens"`
	Banks         [account.MaxTokens]*bank.Bank        `json:"banks"`
	Markets       [account.MaxPairs]*market.PerpMarket `json:"markets"`
	Cache         *cache.Snapshot                      `json:"cache"`

	Accounts     map[uuid.UUID]*account.Account `json:"accounts"`
	AccountOrder []uuid.UUID                    `json:"account_order"`
}

// NewGroup creates an empty group with its dust account.
func NewGroup(admin uuid.UUID, params GroupParams) (*Group, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	snap := cache.NewSnapshot(account.MaxTokens, params.Intervals)
	snap.MaxConfidenceRatio = params.MaxConfidenceRatio

	g := &Group{
		Admin:         admin,
		Oracle:        admin,
		Params:        params,
		InsuranceFund: decimal.Zero,
		Cache:         snap,
		Accounts:      make(map[uuid.UUID]*account.Account),
	}
	dust := account.New(uuid.NewSHA1(uuid.NameSpaceOID, append(admin[:], []byte("dust")...)), admin)
	g.DustAccount = dust.ID
	g.Accounts[dust.ID] = dust
	g.AccountOrder = append(g.AccountOrder, dust.ID)
	return g, nil
}

func (g *Group) QuoteIndex() int { return account.QuoteIndex }

// ListToken registers a token and its bank. The quote token always sits at
// QuoteIndex.
func (g *Group) ListToken(index int, symbol string, decimals int32, p TokenParams, now int64) error {
	if index < 0 || index >= account.MaxTokens {
		return apperrors.New(apperrors.CodeInvalidParam, "token index %d out of range", index)
	}
	if g.Tokens[index] != nil {
		return apperrors.New(apperrors.CodeInvalidParam, "token %d already listed", index)
	}
	if index == account.QuoteIndex {
		p = QuoteTokenParams(p.Rate)
	}
	if err := ValidateTokenParams(p); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidParam, err, symbol)
	}
	g.Tokens[index] = &TokenInfo{Index: index, Symbol: symbol, Decimals: decimals, Params: p}
	g.Banks[index] = bank.New(p.Rate, now)
	g.Cache.SetRootBank(index, fpmath.One, fpmath.One, now)
	return nil
}

// AddMarket creates the perp market for base token index.
func (g *Group) AddMarket(index int, name string, p market.Params, now int64) error {
	if index < 0 || index >= account.MaxPairs {
		return apperrors.New(apperrors.CodeInvalidParam, "market index %d out of range", index)
	}
	if g.Tokens[index] == nil {
		return apperrors.New(apperrors.CodeNotFound, "base token %d not listed", index)
	}
	if g.Markets[index] != nil {
		return apperrors.New(apperrors.CodeInvalidParam, "market %d already exists", index)
	}
	m, err := market.New(index, name, p, now)
	if err != nil {
		return err
	}
	g.Markets[index] = m
	g.Cache.SetPerpMarket(index, m.LongFunding, m.ShortFunding, now)
	return nil
}

func (g *Group) Token(index int) (*TokenInfo, error) {
	if index < 0 || index >= account.MaxTokens || g.Tokens[index] == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "token %d", index)
	}
	return g.Tokens[index], nil
}

func (g *Group) Bank(index int) (*bank.Bank, error) {
	if _, err := g.Token(index); err != nil {
		return nil, err
	}
	return g.Banks[index], nil
}

func (g *Group) Market(index int) (*market.PerpMarket, error) {
	if index < 0 || index >= account.MaxPairs || g.Markets[index] == nil {
		return nil, apperrors.New(apperrors.CodeNotFound, "perp market %d", index)
	}
	return g.Markets[index], nil
}

func (g *Group) Account(id uuid.UUID) (*account.Account, error) {
	a, ok := g.Accounts[id]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "account %s", id)
	}
	return a, nil
}

// CreateAccount opens a new account for owner. The dust account does not
// count towards MaxAccounts.
func (g *Group) CreateAccount(id, owner uuid.UUID) (*account.Account, error) {
	if _, exists := g.Accounts[id]; exists {
		return nil, apperrors.New(apperrors.CodeInvalidParam, "account %s already exists", id)
	}
	if len(g.Accounts)-1 >= g.Params.MaxAccounts {
		return nil, apperrors.New(apperrors.CodeMaxAccountsReached, "group holds %d accounts", g.Params.MaxAccounts)
	}
	a := account.New(id, owner)
	g.Accounts[id] = a
	g.AccountOrder = append(g.AccountOrder, id)
	return a, nil
}

// ListedTokens returns the indices of listed tokens in ascending order.
func (g *Group) ListedTokens() []int {
	var out []int
	for i, t := range g.Tokens {
		if t != nil {
			out = append(out, i)
		}
	}
	return out
}

// ListedMarkets returns the indices of existing perp markets.
func (g *Group) ListedMarkets() []int {
	var out []int
	for i, m := range g.Markets {
		if m != nil {
			out = append(out, i)
		}
	}
	return out
}

// SetParams applies validated group parameters and pushes the cache
// settings into the snapshot.
func (g *Group) SetParams(p GroupParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(g.Accounts)-1 > p.MaxAccounts {
		return apperrors.New(apperrors.CodeInvalidParam, "max_accounts %d below current count", p.MaxAccounts)
	}
	g.Params = p
	g.Cache.Intervals = p.Intervals
	g.Cache.MaxConfidenceRatio = p.MaxConfidenceRatio
	return nil
}

// NativeBalance returns an account's native balance of token using the
// bank's current indices.
func (g *Group) NativeBalance(a *account.Account, token int) (decimal.Decimal, error) {
	b, err := g.Bank(token)
	if err != nil {
		return decimal.Zero, err
	}
	return a.NativeBalance(token, b.DepositIndex, b.BorrowIndex)
}
