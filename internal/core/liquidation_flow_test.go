package core_test

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/market"
	"CrossMargin/internal/testutil"
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (h *harness) setPrice(token int, price string) {
	h.t.Helper()
	up := &instruction.UpdatePrice{Header: h.header(h.f.Admin)}
	up.Token, up.Price, up.PublishTime = token, testutil.D(price), h.f.Now
	h.apply(up)
}

func (h *harness) consume(index int) {
	h.t.Helper()
	h.apply(&instruction.ConsumeEvents{Header: h.header(uuid.New()), Market: index})
}

// liquidator opens an account funded with 1000 quote.
func (h *harness) liquidator() (uuid.UUID, uuid.UUID) {
	h.t.Helper()
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "1000")
	return id, owner
}

func onlyRecord[T event.Record](t *testing.T, records []event.Record) T {
	t.Helper()
	for _, r := range records {
		if rec, ok := r.(T); ok {
			return rec
		}
	}
	var zero T
	t.Fatalf("no %T in %d records", zero, len(records))
	return zero
}

func within(got, want decimal.Decimal, tol string) bool {
	return got.Sub(want).Abs().LessThanOrEqual(testutil.D(tol))
}

// ============================================================================
// Matching and settlement
// ============================================================================

func TestCrossingOrder_ConsumeEventsSettlesBothSides(t *testing.T) {
	h := newHarness(t)
	maker, makerOwner := h.openAccount()
	h.deposit(maker, makerOwner, testutil.TokenQuote, "10000")
	taker, takerOwner := h.openAccount()
	h.deposit(taker, takerOwner, testutil.TokenQuote, "200")

	h.apply(&instruction.PlaceOrder{
		Header: h.header(makerOwner), Account: maker, Market: testutil.MarketBTC,
		Side: "ask", OrderType: "limit", Price: 100, Quantity: 10,
	})
	drainOutputs(h.persist)
	h.apply(&instruction.PlaceOrder{
		Header: h.header(takerOwner), Account: taker, Market: testutil.MarketBTC,
		Side: "bid", OrderType: "limit", Price: 100, Quantity: 10,
	})

	placed := onlyRecord[*event.NewOrder](t, lastRecords(t, h.persist))
	if placed.Filled != 10 || placed.Posted != 0 {
		t.Fatalf("expected a full taker fill, got %+v", placed)
	}
	m := h.f.Market()
	if m.Queue.Len() != 1 {
		t.Fatalf("queue holds %d events, want 1 fill", m.Queue.Len())
	}
	tp := &h.account(taker).Perps[testutil.MarketBTC]
	if tp.TakerBase != 10 || tp.BasePosition != 0 {
		t.Fatalf("before consume: taker base %d, position %d", tp.TakerBase, tp.BasePosition)
	}
	if !h.account(maker).HasOpenOrders(testutil.MarketBTC) {
		t.Fatal("maker slot is held until the fill is consumed")
	}

	h.consume(testutil.MarketBTC)

	fill := onlyRecord[*event.Fill](t, lastRecords(t, h.persist))
	if fill.Maker != maker || fill.Taker != taker || fill.Quantity != 10 || !fill.MakerOut {
		t.Errorf("unexpected fill record %+v", fill)
	}
	if m.Queue.Len() != 0 {
		t.Errorf("queue not drained: %d", m.Queue.Len())
	}
	if tp.BasePosition != 10 || tp.TakerBase != 0 || tp.TakerQuote != 0 {
		t.Errorf("taker perp after consume: %+v", *tp)
	}
	if !tp.QuotePosition.Equal(testutil.D("-1000.5")) {
		t.Errorf("taker quote = %s, want -1000.5 after the taker fee", tp.QuotePosition)
	}
	mp := h.account(maker).Perps[testutil.MarketBTC]
	if mp.BasePosition != -10 || !mp.QuotePosition.Equal(testutil.D("1000")) {
		t.Errorf("maker perp after consume: base %d quote %s", mp.BasePosition, mp.QuotePosition)
	}
	if h.account(maker).HasOpenOrders(testutil.MarketBTC) {
		t.Error("maker slot not released")
	}
	if m.OpenInterest != 10 {
		t.Errorf("open interest = %d, want 10", m.OpenInterest)
	}
	if !m.FeesAccrued.Equal(testutil.D("0.5")) {
		t.Errorf("fees accrued = %s, want 0.5", m.FeesAccrued)
	}
}

// ============================================================================
// Rejections leave the group untouched
// ============================================================================

// ethMarket lists an ETH perp with edit applied to the default params. The
// oracle band at ETH=10 is exactly price 10.
func ethMarket(t *testing.T, edit func(p *market.Params)) func(f *testutil.Fixture) {
	return func(f *testutil.Fixture) {
		p := testutil.DefaultMarketParams()
		edit(&p)
		if err := f.Group.AddMarket(testutil.TokenETH, "ETH-PERP", p, f.Now); err != nil {
			t.Fatalf("add ETH-PERP: %v", err)
		}
	}
}

func (h *harness) restingAsk(index int, price, qty int64) uuid.UUID {
	h.t.Helper()
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "1000")
	h.apply(&instruction.PlaceOrder{
		Header: h.header(owner), Account: id, Market: index,
		Side: "ask", OrderType: "limit", Price: price, Quantity: qty,
	})
	return id
}

func (h *harness) groupState() []byte {
	h.t.Helper()
	snap, err := h.c.CreateSnapshotState()
	if err != nil {
		h.t.Fatalf("snapshot: %v", err)
	}
	return snap.Group
}

func (h *harness) requireUnchanged(before []byte, seq int64) {
	h.t.Helper()
	if !bytes.Equal(h.groupState(), before) {
		h.t.Error("group state changed by a rejected instruction")
	}
	if h.c.GetSequence() != seq {
		h.t.Errorf("sequence advanced on rejection: %d -> %d", seq, h.c.GetSequence())
	}
	if outputs := drainOutputs(h.persist); len(outputs) != 0 {
		h.t.Errorf("rejected instruction emitted %d outputs", len(outputs))
	}
}

func TestPlaceOrder_QueueFullRollsBackPartialMatch(t *testing.T) {
	h := newHarnessWith(t, ethMarket(t, func(p *market.Params) { p.EventQueueSize = 1 }))
	first := h.restingAsk(testutil.TokenETH, 10, 1)
	second := h.restingAsk(testutil.TokenETH, 10, 1)
	taker, takerOwner := h.openAccount()
	h.deposit(taker, takerOwner, testutil.TokenQuote, "1000")
	drainOutputs(h.persist)
	before, seq := h.groupState(), h.c.GetSequence()

	// the first fill takes the only queue slot, the second cannot be pushed
	err := h.c.ProcessInstruction(&instruction.PlaceOrder{
		Header: h.header(takerOwner), Account: taker, Market: testutil.TokenETH,
		Side: "bid", OrderType: "limit", Price: 10, Quantity: 2,
	})
	if apperrors.CodeOf(err) != apperrors.CodeQueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	h.requireUnchanged(before, seq)

	m := h.c.Group().Markets[testutil.TokenETH]
	if m.Book.Asks.Len() != 2 || m.Queue.Len() != 0 {
		t.Errorf("book asks %d, queue %d; want 2 resting asks and no events", m.Book.Asks.Len(), m.Queue.Len())
	}
	for _, id := range []uuid.UUID{first, second} {
		if !h.account(id).HasOpenOrders(testutil.TokenETH) {
			t.Errorf("maker %s lost its resting order", id)
		}
	}
	if tp := h.account(taker).Perps[testutil.TokenETH]; tp.TakerBase != 0 || tp.TakerQuote != 0 {
		t.Errorf("taker kept a partial fill: %+v", tp)
	}
}

func TestPlaceOrder_BookFullLeavesStateUnchanged(t *testing.T) {
	h := newHarnessWith(t, ethMarket(t, func(p *market.Params) { p.MaxBookDepth = 1 }))
	h.restingAsk(testutil.TokenETH, 10, 1)
	late, lateOwner := h.openAccount()
	h.deposit(late, lateOwner, testutil.TokenQuote, "1000")
	drainOutputs(h.persist)
	before, seq := h.groupState(), h.c.GetSequence()

	err := h.c.ProcessInstruction(&instruction.PlaceOrder{
		Header: h.header(lateOwner), Account: late, Market: testutil.TokenETH,
		Side: "ask", OrderType: "limit", Price: 10, Quantity: 1,
	})
	if apperrors.CodeOf(err) != apperrors.CodeBookFull {
		t.Fatalf("expected BookFull, got %v", err)
	}
	h.requireUnchanged(before, seq)
	if h.account(late).HasOpenOrders(testutil.TokenETH) {
		t.Error("rejected order kept an order slot")
	}
}

// ============================================================================
// Liquidation
// ============================================================================

func TestLiquidateTokenAndToken_RestoresHealth(t *testing.T) {
	h := newHarness(t)
	liqee, _ := h.borrower("75")
	// maint: 80 * 0.9 - 75 = -3, init: 80 * 0.8 - 75 = -11
	h.setPrice(testutil.TokenBTC, "80")
	if !h.account(liqee).BeingLiquidated {
		t.Fatal("liqee should be flagged at BTC=80")
	}
	liqor, liqorOwner := h.liquidator()
	drainOutputs(h.persist)

	h.apply(&instruction.LiquidateTokenAndToken{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		AssetIndex: testutil.TokenBTC, LiabIndex: testutil.TokenQuote, MaxLiabTransfer: testutil.D("1000"),
	})

	rec := onlyRecord[*event.LiquidateTokenAndToken](t, lastRecords(t, h.persist))
	// liab = 11 / (1 - 0.8 * 1.05), asset = liab * 1.05 / 80
	if !rec.LiabTransfer.Equal(testutil.D("68.75")) {
		t.Errorf("liab transfer = %s, want 68.75", rec.LiabTransfer)
	}
	if !within(rec.AssetTransfer, testutil.D("0.90234375"), "0.000000001") {
		t.Errorf("asset transfer = %s, want 0.90234375", rec.AssetTransfer)
	}
	if !rec.Unflagged || rec.Bankruptcy {
		t.Errorf("liqee should recover: %+v", rec)
	}
	if h.account(liqee).BeingLiquidated {
		t.Error("liqee still flagged")
	}
	if got := h.balance(liqee, testutil.TokenQuote); !got.Equal(testutil.D("-6.25")) {
		t.Errorf("liqee quote = %s, want -6.25", got)
	}
	if got := h.balance(liqor, testutil.TokenQuote); !got.Equal(testutil.D("931.25")) {
		t.Errorf("liqor quote = %s, want 931.25", got)
	}
	if got := h.balance(liqor, testutil.TokenBTC); !got.Equal(rec.AssetTransfer) {
		t.Errorf("liqor BTC = %s, want %s", got, rec.AssetTransfer)
	}
}

func TestLiquidateTokenAndToken_HealthyLiqeeRejected(t *testing.T) {
	h := newHarness(t)
	liqee, _ := h.borrower("75")
	liqor, liqorOwner := h.liquidator()
	drainOutputs(h.persist)
	before, seq := h.groupState(), h.c.GetSequence()

	err := h.c.ProcessInstruction(&instruction.LiquidateTokenAndToken{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		AssetIndex: testutil.TokenBTC, LiabIndex: testutil.TokenQuote, MaxLiabTransfer: testutil.D("1000"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeNotLiquidatable {
		t.Fatalf("expected NotLiquidatable, got %v", err)
	}
	h.requireUnchanged(before, seq)
}

func TestLiquidatePerpMarket_TakesOverBase(t *testing.T) {
	h := newHarness(t)
	liqee, _ := h.openLong("200")
	// maint: 840 * 0.95 - 800.5 = -2.5, init: 840 * 0.9 - 800.5 = -44.5
	h.setPrice(testutil.TokenBTC, "84")
	if !h.account(liqee).BeingLiquidated {
		t.Fatal("long should be flagged at BTC=84")
	}
	liqor, liqorOwner := h.liquidator()
	drainOutputs(h.persist)

	h.apply(&instruction.LiquidatePerpMarket{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		Market: testutil.MarketBTC, BaseTransferRequest: 10,
	})

	rec := onlyRecord[*event.LiquidatePerpMarket](t, lastRecords(t, h.persist))
	// ceil(44.5 / (84 * (0.975 - 0.9))) = 8 lots at 84 * 0.975
	if rec.BaseTransfer != 8 {
		t.Fatalf("base transfer = %d, want 8", rec.BaseTransfer)
	}
	if !rec.QuoteTransfer.Equal(testutil.D("655.2")) {
		t.Errorf("quote transfer = %s, want 655.2", rec.QuoteTransfer)
	}
	if !rec.Unflagged {
		t.Error("liqee should recover after the transfer")
	}
	lp := h.account(liqee).Perps[testutil.MarketBTC]
	rp := h.account(liqor).Perps[testutil.MarketBTC]
	if lp.BasePosition != 2 || rp.BasePosition != 8 {
		t.Errorf("positions liqee %d liqor %d, want 2 and 8", lp.BasePosition, rp.BasePosition)
	}
	if !rp.QuotePosition.Equal(testutil.D("-655.2")) {
		t.Errorf("liqor quote = %s, want -655.2", rp.QuotePosition)
	}
	m := h.f.Market()
	if m.OpenInterest != 10 {
		t.Errorf("open interest = %d, want 10", m.OpenInterest)
	}
	if m.Queue.Len() != 1 {
		t.Errorf("expected one liquidate event on the queue, got %d", m.Queue.Len())
	}
}

// ============================================================================
// Bankruptcy
// ============================================================================

func TestLiquidateTokenAndPerp_ThenResolvePerpBankruptcy(t *testing.T) {
	h := newHarness(t)
	maker, makerOwner := h.openAccount()
	h.deposit(maker, makerOwner, testutil.TokenQuote, "10000")
	liqee, liqeeOwner := h.openAccount()
	h.deposit(liqee, liqeeOwner, testutil.TokenBTC, "1")

	// buy 5 at 100, sell 5 at 96: flat with a realized loss in perp quote
	trade := func(makerSide, takerSide string, price int64) {
		h.apply(&instruction.PlaceOrder{
			Header: h.header(makerOwner), Account: maker, Market: testutil.MarketBTC,
			Side: makerSide, OrderType: "limit", Price: price, Quantity: 5,
		})
		h.apply(&instruction.PlaceOrder{
			Header: h.header(liqeeOwner), Account: liqee, Market: testutil.MarketBTC,
			Side: takerSide, OrderType: "limit", Price: price, Quantity: 5,
		})
		h.consume(testutil.MarketBTC)
	}
	trade("ask", "bid", 100)
	trade("bid", "ask", 96)

	pa := &h.account(liqee).Perps[testutil.MarketBTC]
	if pa.BasePosition != 0 || !pa.QuotePosition.Equal(testutil.D("-20.49")) {
		t.Fatalf("liqee perp base %d quote %s, want 0 and -20.49", pa.BasePosition, pa.QuotePosition)
	}
	if h.f.Market().OpenInterest != 0 {
		t.Fatalf("open interest = %d, want 0", h.f.Market().OpenInterest)
	}

	// maint: 20 * 0.9 - 20.49 < 0
	h.setPrice(testutil.TokenBTC, "20")
	if !h.account(liqee).BeingLiquidated {
		t.Fatal("liqee should be flagged at BTC=20")
	}
	liqor, liqorOwner := h.liquidator()
	drainOutputs(h.persist)

	h.apply(&instruction.LiquidateTokenAndPerp{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		AssetType: "token", AssetIndex: testutil.TokenBTC,
		LiabType: "perp", LiabIndex: testutil.MarketBTC,
		MaxLiabTransfer: testutil.D("1000"),
	})
	liq := onlyRecord[*event.LiquidateTokenAndPerp](t, lastRecords(t, h.persist))
	// the whole BTC deposit only covers 20 / 1.05 of the quote owed
	if !within(liq.LiabTransfer, testutil.D("19.047619"), "0.000001") {
		t.Errorf("liab transfer = %s, want about 19.047619", liq.LiabTransfer)
	}
	if !liq.Bankruptcy || !h.account(liqee).IsBankrupt {
		t.Fatalf("liqee with only perp debt left should be bankrupt: %+v", liq)
	}
	rp := h.account(liqor).Perps[testutil.MarketBTC]
	if !rp.QuotePosition.Equal(liq.LiabTransfer.Neg()) {
		t.Errorf("liqor perp quote = %s, want %s", rp.QuotePosition, liq.LiabTransfer.Neg())
	}

	owed := pa.QuotePosition.Neg()
	h.apply(&instruction.ResolvePerpBankruptcy{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		Market: testutil.MarketBTC, MaxLiabTransfer: testutil.D("1000"),
	})
	res := onlyRecord[*event.PerpBankruptcy](t, lastRecords(t, h.persist))
	// empty fund and no open interest: the dust account absorbs the loss
	if !res.InsuranceTransfer.IsZero() || !res.SocializedLoss.IsZero() {
		t.Errorf("nothing should be paid or socialized: %+v", res)
	}
	if !res.DustAbsorbed.Equal(owed) {
		t.Errorf("dust absorbed %s, want %s", res.DustAbsorbed, owed)
	}
	if !res.ExitedBankruptcy {
		t.Error("liqee should leave bankruptcy")
	}
	a := h.account(liqee)
	if a.IsBankrupt || a.BeingLiquidated || !a.Perps[testutil.MarketBTC].QuotePosition.IsZero() {
		t.Errorf("liqee not cleared: bankrupt=%v flagged=%v quote=%s",
			a.IsBankrupt, a.BeingLiquidated, a.Perps[testutil.MarketBTC].QuotePosition)
	}
	dust := h.account(h.c.Group().DustAccount).Perps[testutil.MarketBTC]
	if !dust.QuotePosition.Equal(owed.Neg()) {
		t.Errorf("dust perp quote = %s, want %s", dust.QuotePosition, owed.Neg())
	}
}

func TestLiquidateTokenAndToken_ThenResolveTokenBankruptcy(t *testing.T) {
	h := newHarness(t)
	liqee, _ := h.borrower("75")
	// maint: 50 * 0.9 - 75 = -30
	h.setPrice(testutil.TokenBTC, "50")
	liqor, liqorOwner := h.liquidator()
	drainOutputs(h.persist)

	h.apply(&instruction.LiquidateTokenAndToken{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		AssetIndex: testutil.TokenBTC, LiabIndex: testutil.TokenQuote, MaxLiabTransfer: testutil.D("1000"),
	})
	liq := onlyRecord[*event.LiquidateTokenAndToken](t, lastRecords(t, h.persist))
	// the deposit is worth 50 / 1.05 of quote at the liquidation discount
	if !within(liq.LiabTransfer, testutil.D("47.619047"), "0.000001") {
		t.Errorf("liab transfer = %s, want about 47.619047", liq.LiabTransfer)
	}
	if !liq.Bankruptcy || !h.account(liqee).IsBankrupt {
		t.Fatalf("liqee with no assets left should be bankrupt: %+v", liq)
	}

	h.apply(&instruction.AddToInsuranceFund{Header: h.header(h.f.Admin), Amount: testutil.D("10")})
	owed := h.balance(liqee, testutil.TokenQuote).Neg()
	liqorQuote := h.balance(liqor, testutil.TokenQuote)
	drainOutputs(h.persist)

	h.apply(&instruction.ResolveTokenBankruptcy{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		Token: testutil.TokenQuote, MaxLiabTransfer: testutil.D("1000"),
	})
	res := onlyRecord[*event.TokenBankruptcy](t, lastRecords(t, h.persist))
	if !res.LiabTransfer.Equal(testutil.D("10")) || !res.InsuranceTransfer.Equal(testutil.D("10")) {
		t.Errorf("fund should cover 10: %+v", res)
	}
	if !res.DustAbsorbed.Equal(owed.Sub(testutil.D("10"))) {
		t.Errorf("dust absorbed %s, want %s", res.DustAbsorbed, owed.Sub(testutil.D("10")))
	}
	if !res.ExitedBankruptcy || h.account(liqee).IsBankrupt {
		t.Error("liqee should leave bankruptcy")
	}
	if got := h.balance(liqee, testutil.TokenQuote); !got.IsZero() {
		t.Errorf("liqee quote = %s, want 0", got)
	}
	if !h.c.Group().InsuranceFund.IsZero() {
		t.Errorf("insurance fund = %s, want 0", h.c.Group().InsuranceFund)
	}
	// liqor repays 10 of quote and is paid 10 of quote from the fund
	if got := h.balance(liqor, testutil.TokenQuote); !got.Equal(liqorQuote) {
		t.Errorf("liqor quote = %s, want %s", got, liqorQuote)
	}
	if got := h.balance(h.c.Group().DustAccount, testutil.TokenQuote); !got.Equal(res.DustAbsorbed.Neg()) {
		t.Errorf("dust account quote = %s, want %s", got, res.DustAbsorbed.Neg())
	}
}

func TestResolveTokenBankruptcy_SolventAccountRejected(t *testing.T) {
	h := newHarness(t)
	liqee, _ := h.borrower("75")
	liqor, liqorOwner := h.liquidator()
	drainOutputs(h.persist)
	before, seq := h.groupState(), h.c.GetSequence()

	err := h.c.ProcessInstruction(&instruction.ResolveTokenBankruptcy{
		Header: h.header(liqorOwner), Liqee: liqee, Liqor: liqor,
		Token: testutil.TokenQuote, MaxLiabTransfer: testutil.D("1000"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeNotBankrupt {
		t.Fatalf("expected NotBankrupt, got %v", err)
	}
	h.requireUnchanged(before, seq)
}
