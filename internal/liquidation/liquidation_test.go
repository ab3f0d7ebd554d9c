package liquidation_test

import (
	"testing"

	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	"CrossMargin/internal/health"
	"CrossMargin/internal/liquidation"
	"CrossMargin/internal/market"
	"CrossMargin/internal/state"
	"CrossMargin/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertClose(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	diff := got.Sub(testutil.D(want)).Abs()
	assert.True(t, diff.LessThan(testutil.D("0.000000000001")), "want %s, got %s", want, got)
}

func native(t *testing.T, f *testutil.Fixture, a *account.Account, token int) decimal.Decimal {
	t.Helper()
	n, err := f.Group.NativeBalance(a, token)
	require.NoError(t, err)
	return n
}

func placeAsk(price, qty int64) market.OrderRequest {
	return market.OrderRequest{Side: book.Ask, Type: book.Limit, PriceLots: price, QuantityLots: qty}
}

func bankrupt(a *account.Account) {
	state.Transition(a, state.LiquidationStateBeingLiquidated)
	state.Transition(a, state.LiquidationStateBankrupt)
}

func TestTokenAndTokenRestoresInitHealth(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	f.Deposit(liqee, testutil.TokenQuote, "-95")
	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenQuote, "1000")

	e := liquidation.New(f.Group, f.Now)
	res, err := e.LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenQuote, testutil.D("1000"))
	require.NoError(t, err)

	// init health -15 gains 1 - 0.8 * 1.05 per quote repaid
	assert.True(t, res.LiabTransfer.Equal(testutil.D("93.75")), "liab %s", res.LiabTransfer)
	assert.True(t, res.AssetTransfer.Equal(testutil.D("0.984375")), "asset %s", res.AssetTransfer)
	assert.True(t, res.Healthy)
	assert.False(t, liqee.BeingLiquidated)

	assertClose(t, "0.015625", native(t, f, liqee, testutil.TokenBTC))
	assertClose(t, "-1.25", native(t, f, liqee, testutil.TokenQuote))
	assertClose(t, "0.984375", native(t, f, liqor, testutil.TokenBTC))
	assertClose(t, "906.25", native(t, f, liqor, testutil.TokenQuote))

	init, err := health.Compute(liqee, f.Group, f.Group.Cache, health.Init, f.Now)
	require.NoError(t, err)
	assertClose(t, "0", init)
}

func TestHealthyAccountNotLiquidatable(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	f.Deposit(liqee, testutil.TokenQuote, "-10")
	liqor := f.NewAccount()

	_, err := liquidation.New(f.Group, f.Now).LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenQuote, testutil.D("10"))
	require.ErrorIs(t, err, apperrors.ErrNotLiquidatable)
	assert.False(t, liqee.BeingLiquidated)
}

func TestLiquidationPreconditions(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	f.Deposit(liqee, testutil.TokenQuote, "-95")
	liqor := f.NewAccount()
	e := liquidation.New(f.Group, f.Now)
	max := testutil.D("10")

	_, err := e.LiquidateTokenAndToken(liqee, liqee, testutil.TokenBTC, testutil.TokenQuote, max)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParam)

	_, err = e.LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenBTC, max)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParam)

	liqor.BeingLiquidated = true
	_, err = e.LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenQuote, max)
	assert.ErrorIs(t, err, apperrors.ErrAccountAlreadyLiquidating)
	liqor.BeingLiquidated = false

	bankrupt(liqee)
	_, err = e.LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenQuote, max)
	assert.ErrorIs(t, err, apperrors.ErrBankruptAccountLocked)
}

func TestRecoveredAccountExitsWithoutTransfer(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	f.Deposit(liqee, testutil.TokenQuote, "-10")
	liqee.BeingLiquidated = true
	liqor := f.NewAccount()

	res, err := liquidation.New(f.Group, f.Now).LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenQuote, testutil.D("10"))
	require.NoError(t, err)
	assert.True(t, res.Exited)
	assert.False(t, liqee.BeingLiquidated)
	assertClose(t, "1", native(t, f, liqee, testutil.TokenBTC))
}

func TestTokenAndPerpTakesNegativeQuote(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	liqee.Perps[testutil.MarketBTC].QuotePosition = testutil.D("-95")
	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenQuote, "1000")

	res, err := liquidation.New(f.Group, f.Now).LiquidateTokenAndPerp(liqee, liqor,
		liquidation.KindToken, testutil.TokenBTC, liquidation.KindPerp, testutil.MarketBTC, testutil.D("1000"))
	require.NoError(t, err)

	assert.True(t, res.LiabTransfer.Equal(testutil.D("93.75")), "liab %s", res.LiabTransfer)
	assert.True(t, res.AssetTransfer.Equal(testutil.D("0.984375")), "asset %s", res.AssetTransfer)
	assertClose(t, "-1.25", liqee.Perps[testutil.MarketBTC].QuotePosition)
	assertClose(t, "-93.75", liqor.Perps[testutil.MarketBTC].QuotePosition)
	assert.False(t, liqee.BeingLiquidated)
}

func TestTokenAndPerpRequiresFlatPosition(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	liqee.Perps[testutil.MarketBTC].QuotePosition = testutil.D("-200")
	liqee.Perps[testutil.MarketBTC].BasePosition = 1
	liqor := f.NewAccount()

	e := liquidation.New(f.Group, f.Now)
	_, err := e.LiquidateTokenAndPerp(liqee, liqor,
		liquidation.KindToken, testutil.TokenBTC, liquidation.KindPerp, testutil.MarketBTC, testutil.D("10"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidParam)

	_, err = e.LiquidateTokenAndPerp(liqee, liqor,
		liquidation.KindToken, testutil.TokenBTC, liquidation.KindToken, testutil.TokenETH, testutil.D("10"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidParam)
}

func TestPerpMarketLiquidationTransfersLots(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.Market()
	liqee := f.NewAccount()
	liqee.Perps[testutil.MarketBTC].BasePosition = 10
	liqee.Perps[testutil.MarketBTC].QuotePosition = testutil.D("-960")
	m.OpenInterest = 10
	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenQuote, "1000")

	res, _, err := liquidation.New(f.Group, f.Now).LiquidatePerpMarket(liqee, liqor, testutil.MarketBTC, 10)
	require.NoError(t, err)

	// init health -60, each lot gains 100 * (0.975 - 0.9)
	assert.Equal(t, int64(8), res.BaseTransfer)
	assert.True(t, res.QuoteTransfer.Equal(testutil.D("780")), "quote %s", res.QuoteTransfer)

	pa, lp := liqee.Perps[testutil.MarketBTC], liqor.Perps[testutil.MarketBTC]
	assert.Equal(t, int64(2), pa.BasePosition)
	assertClose(t, "-180", pa.QuotePosition)
	assert.Equal(t, int64(8), lp.BasePosition)
	assertClose(t, "-780", lp.QuotePosition)
	assert.Equal(t, int64(10), m.OpenInterest)
	assert.True(t, res.Healthy)

	require.Equal(t, 1, m.Queue.Len())
	ev, ok := m.Queue.PeekFront()
	require.True(t, ok)
	require.Equal(t, book.EventLiquidate, ev.Type)
	assert.Equal(t, int64(8), ev.Liquidate.Quantity)
	assert.Equal(t, liqee.ID, ev.Liquidate.Liqee)
}

func TestPerpMarketLiquidationCancelsOrders(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.Market()
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenQuote, "100")
	pa := &liqee.Perps[testutil.MarketBTC]
	pa.BasePosition = 10
	pa.QuotePosition = testutil.D("-1060")
	m.OpenInterest = 10

	_, err := m.PlaceOrder(liqee, placeAsk(101, 1), testutil.D("100"), f.Now)
	require.NoError(t, err)
	require.True(t, liqee.HasOpenOrders(testutil.MarketBTC))

	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenQuote, "1000")
	_, cancelled, err := liquidation.New(f.Group, f.Now).LiquidatePerpMarket(liqee, liqor, testutil.MarketBTC, 1)
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)
	assert.False(t, liqee.HasOpenOrders(testutil.MarketBTC))
	assert.Equal(t, int64(0), pa.AsksQuantity)
}

func TestPerpMarketRequestMustMatchSide(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	liqee.Perps[testutil.MarketBTC].BasePosition = 10
	liqee.Perps[testutil.MarketBTC].QuotePosition = testutil.D("-960")
	liqor := f.NewAccount()

	_, _, err := liquidation.New(f.Group, f.Now).LiquidatePerpMarket(liqee, liqor, testutil.MarketBTC, -5)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParam)
}

func TestLiquidationEntersBankruptcy(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenBTC, "1")
	f.Deposit(liqee, testutil.TokenQuote, "-120")
	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenQuote, "1000")

	e := liquidation.New(f.Group, f.Now)
	res, err := e.LiquidateTokenAndToken(liqee, liqor, testutil.TokenBTC, testutil.TokenQuote, testutil.D("1000"))
	require.NoError(t, err)
	assert.True(t, res.Bankrupt)
	assert.True(t, liqee.IsBankrupt)

	// the only remaining liability is quote; the fund pays 10 of it and the
	// dust account takes the rest
	require.NoError(t, f.Group.AddToInsuranceFund(testutil.D("10")))
	owed := native(t, f, liqee, testutil.TokenQuote).Neg()

	br, err := e.ResolveTokenBankruptcy(liqee, liqor, testutil.TokenQuote, testutil.D("1000"))
	require.NoError(t, err)
	assert.True(t, br.InsurancePaid.Equal(testutil.D("10")))
	assert.True(t, br.ExitedBankruptcy)
	assert.False(t, liqee.IsBankrupt)
	assert.True(t, f.Group.InsuranceFund.IsZero())
	assert.True(t, liqee.Balances[testutil.TokenQuote].IsZero())

	dust, err := f.Group.Account(f.Group.DustAccount)
	require.NoError(t, err)
	assertClose(t, owed.Sub(testutil.D("10")).Neg().String(), native(t, f, dust, testutil.TokenQuote))
}

func TestTokenBankruptcyPaysFeeFromFund(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenETH, "-5")
	bankrupt(liqee)
	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenETH, "10")
	require.NoError(t, f.Group.AddToInsuranceFund(testutil.D("1000")))

	br, err := liquidation.New(f.Group, f.Now).ResolveTokenBankruptcy(liqee, liqor, testutil.TokenETH, testutil.D("2"))
	require.NoError(t, err)

	// 2 ETH at 10 plus the 5% fee
	assert.True(t, br.LiabTransfer.Equal(testutil.D("2")))
	assert.True(t, br.InsurancePaid.Equal(testutil.D("21")))
	assertClose(t, "979", f.Group.InsuranceFund)
	assertClose(t, "-3", native(t, f, liqee, testutil.TokenETH))
	assertClose(t, "8", native(t, f, liqor, testutil.TokenETH))
	assertClose(t, "21", native(t, f, liqor, testutil.TokenQuote))
	assert.True(t, liqee.IsBankrupt)
}

func TestPerpBankruptcySocializesRemainder(t *testing.T) {
	f := testutil.NewFixture(t)
	m := f.Market()
	long, short := f.NewAccount(), f.NewAccount()
	long.Perps[testutil.MarketBTC].BasePosition = 5
	short.Perps[testutil.MarketBTC].BasePosition = -5
	m.OpenInterest = 5

	liqee := f.NewAccount()
	liqee.Perps[testutil.MarketBTC].QuotePosition = testutil.D("-100")
	bankrupt(liqee)
	liqor := f.NewAccount()
	f.Deposit(liqor, testutil.TokenQuote, "1000")
	require.NoError(t, f.Group.AddToInsuranceFund(testutil.D("40")))

	br, err := liquidation.New(f.Group, f.Now).ResolvePerpBankruptcy(liqee, liqor, testutil.MarketBTC, testutil.D("1000"))
	require.NoError(t, err)

	assert.True(t, br.InsurancePaid.Equal(testutil.D("40")))
	assert.True(t, br.Socialized.Equal(testutil.D("60")))
	assert.True(t, br.SocializedPerLot.Equal(testutil.D("6")))
	assert.True(t, br.ExitedBankruptcy)
	assert.True(t, liqee.Perps[testutil.MarketBTC].QuotePosition.IsZero())
	assertClose(t, "-40", liqor.Perps[testutil.MarketBTC].QuotePosition)
	assertClose(t, "1040", native(t, f, liqor, testutil.TokenQuote))

	cached, err := f.Group.Cache.PerpMarket(testutil.MarketBTC, f.Now)
	require.NoError(t, err)
	assert.True(t, cached.LongFunding.Equal(testutil.D("6")))
	assert.True(t, cached.ShortFunding.Equal(testutil.D("-6")))

	// both sides pay half of the loss
	owedLong, err := long.Perps[testutil.MarketBTC].UnsettledFunding(m.LongFunding, m.ShortFunding)
	require.NoError(t, err)
	owedShort, err := short.Perps[testutil.MarketBTC].UnsettledFunding(m.LongFunding, m.ShortFunding)
	require.NoError(t, err)
	assert.True(t, owedLong.Add(owedShort).Equal(testutil.D("60")))
}

func TestPerpBankruptcyWithoutOpenInterestGoesToDust(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	liqee.Perps[testutil.MarketBTC].QuotePosition = testutil.D("-30")
	bankrupt(liqee)
	liqor := f.NewAccount()

	br, err := liquidation.New(f.Group, f.Now).ResolvePerpBankruptcy(liqee, liqor, testutil.MarketBTC, testutil.D("1000"))
	require.NoError(t, err)
	assert.True(t, br.DustAbsorbed.Equal(testutil.D("30")))
	assert.True(t, br.ExitedBankruptcy)

	dust, err := f.Group.Account(f.Group.DustAccount)
	require.NoError(t, err)
	assertClose(t, "-30", dust.Perps[testutil.MarketBTC].QuotePosition)
}

func TestResolveRequiresBankruptLiqee(t *testing.T) {
	f := testutil.NewFixture(t)
	liqee := f.NewAccount()
	f.Deposit(liqee, testutil.TokenETH, "-1")
	liqor := f.NewAccount()

	_, err := liquidation.New(f.Group, f.Now).ResolveTokenBankruptcy(liqee, liqor, testutil.TokenETH, testutil.D("1"))
	assert.ErrorIs(t, err, apperrors.ErrNotBankrupt)
}

func TestEnterBankruptcyCountsPerpPositionAsAsset(t *testing.T) {
	f := testutil.NewFixture(t)
	a := f.NewAccount()
	f.Deposit(a, testutil.TokenQuote, "-50")
	a.Perps[testutil.MarketBTC].BasePosition = 1
	state.Transition(a, state.LiquidationStateBeingLiquidated)

	e := liquidation.New(f.Group, f.Now)
	entered, err := e.CheckEnterBankruptcy(a)
	require.NoError(t, err)
	assert.False(t, entered)

	a.Perps[testutil.MarketBTC].BasePosition = 0
	entered, err = e.CheckEnterBankruptcy(a)
	require.NoError(t, err)
	assert.True(t, entered)
	assert.Equal(t, state.LiquidationStateBankrupt, state.StateOf(a))
}

func TestResolveDustIsIdempotent(t *testing.T) {
	f := testutil.NewFixture(t)
	a := f.NewAccount()
	f.Deposit(a, testutil.TokenBTC, "0.4")
	f.Deposit(a, testutil.TokenETH, "-0.3")
	f.Deposit(a, testutil.TokenQuote, "25")
	a.Perps[testutil.MarketBTC].QuotePosition = testutil.D("0.7")

	e := liquidation.New(f.Group, f.Now)
	moves, err := e.ResolveDust(a)
	require.NoError(t, err)
	assert.Len(t, moves, 3)

	assert.True(t, a.Balances[testutil.TokenBTC].IsZero())
	assert.True(t, a.Balances[testutil.TokenETH].IsZero())
	assertClose(t, "25", native(t, f, a, testutil.TokenQuote))
	assert.True(t, a.Perps[testutil.MarketBTC].QuotePosition.IsZero())

	dust, err := f.Group.Account(f.Group.DustAccount)
	require.NoError(t, err)
	assertClose(t, "0.4", native(t, f, dust, testutil.TokenBTC))
	assertClose(t, "-0.3", native(t, f, dust, testutil.TokenETH))
	assertClose(t, "0.7", dust.Perps[testutil.MarketBTC].QuotePosition)

	moves, err = e.ResolveDust(a)
	require.NoError(t, err)
	assert.Empty(t, moves)

	moves, err = e.ResolveDust(dust)
	require.NoError(t, err)
	assert.Empty(t, moves)
}
