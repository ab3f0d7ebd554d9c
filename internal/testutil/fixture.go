package testutil

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/bank"
	"CrossMargin/internal/cache"
	"CrossMargin/internal/market"
	"CrossMargin/internal/state"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TokenBTC   = 0
	TokenETH   = 1
	TokenQuote = account.QuoteIndex
	MarketBTC  = 0

	// FixtureStart is the timestamp every fixture starts at.
	FixtureStart int64 = 1_700_000_000
)

// D parses a decimal literal.
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func DefaultRate() bank.RateParams {
	return bank.RateParams{
		OptimalUtil: D("0.7"),
		OptimalRate: D("0.06"),
		MaxRate:     D("1.5"),
		RateScaling: D("1"),
	}
}

func DefaultTokenParams() state.TokenParams {
	return state.TokenParams{
		MaintAssetWeight: D("0.9"),
		InitAssetWeight:  D("0.8"),
		MaintLiabWeight:  D("1.1"),
		InitLiabWeight:   D("1.2"),
		LiquidationFee:   D("0.05"),
		Rate:             DefaultRate(),
	}
}

func DefaultMarketParams() market.Params {
	return market.Params{
		BaseLotSize:    1,
		QuoteLotSize:   1,
		MaintLeverage:  D("20"),
		InitLeverage:   D("10"),
		MakerFee:       D("0"),
		TakerFee:       D("0.0005"),
		LiquidationFee: D("0.025"),
		ImpactQuantity: 1,
		MinFunding:     D("-0.05"),
		MaxFunding:     D("0.05"),
		MaxBookDepth:   64,
		EventQueueSize: 128,
	}
}

func DefaultGroupParams() state.GroupParams {
	return state.GroupParams{
		MaxAccounts:        1000,
		DustThreshold:      state.DefaultDustThreshold,
		MaxConfidenceRatio: cache.DefaultMaxConfidenceRatio,
		Intervals:          cache.ValidIntervals{Price: 60, RootBank: 3600, PerpMarket: 3600},
	}
}

// Fixture is a ready-to-use group: BTC and ETH against a quote token, a
// BTC perp market, prices BTC=100 and ETH=10, all caches fresh at Now.
type Fixture struct {
	t     testing.TB
	Group *state.Group
	Admin uuid.UUID
	Now   int64
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	admin := uuid.New()
	g, err := state.NewGroup(admin, DefaultGroupParams())
	if err != nil {
		t.Fatalf("new group: %v", err)
	}
	f := &Fixture{t: t, Group: g, Admin: admin, Now: FixtureStart}

	f.must(g.ListToken(TokenQuote, "USDC", 6, state.TokenParams{Rate: DefaultRate()}, f.Now))
	f.must(g.ListToken(TokenBTC, "BTC", 6, DefaultTokenParams(), f.Now))
	f.must(g.ListToken(TokenETH, "ETH", 6, DefaultTokenParams(), f.Now))
	f.must(g.AddMarket(MarketBTC, "BTC-PERP", DefaultMarketParams(), f.Now))

	f.SetPrice(TokenBTC, "100")
	f.SetPrice(TokenETH, "10")
	return f
}

func (f *Fixture) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("fixture: %v", err)
	}
}

// NewAccount creates an account owned by a fresh owner id.
func (f *Fixture) NewAccount() *account.Account {
	f.t.Helper()
	a, err := f.Group.CreateAccount(uuid.New(), uuid.New())
	f.must(err)
	return a
}

// SetPrice publishes an oracle price with zero confidence at Now.
func (f *Fixture) SetPrice(token int, price string) {
	f.t.Helper()
	_, err := f.Group.Cache.UpdatePrice(token, D(price), decimal.Zero, f.Now)
	f.must(err)
}

// Deposit changes a's native balance of token directly on the bank.
func (f *Fixture) Deposit(a *account.Account, token int, amount string) {
	f.t.Helper()
	b, err := f.Group.Bank(token)
	f.must(err)
	f.must(a.ChangeBalance(token, b, D(amount)))
}

// Advance moves Now forward and re-stamps every root bank and perp market
// cache entry. Prices are left alone.
func (f *Fixture) Advance(seconds int64) {
	f.Now += seconds
	for _, i := range f.Group.ListedTokens() {
		b := f.Group.Banks[i]
		f.Group.Cache.SetRootBank(i, b.DepositIndex, b.BorrowIndex, f.Now)
	}
	for _, i := range f.Group.ListedMarkets() {
		m := f.Group.Markets[i]
		f.Group.Cache.SetPerpMarket(i, m.LongFunding, m.ShortFunding, f.Now)
	}
}

// Market returns the BTC perp market.
func (f *Fixture) Market() *market.PerpMarket {
	return f.Group.Markets[MarketBTC]
}
