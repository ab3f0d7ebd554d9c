package core_test

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/core"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/testutil"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	f       *testutil.Fixture
	c       *core.DeterministicCore
	persist chan core.CoreOutput
	proj    chan core.CoreOutput
	keys    int
}

// newHarness creates a core over a fresh fixture with buffered channels and
// no DB checker.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets setup change the fixture group before the core takes
// it over.
func newHarnessWith(t *testing.T, setup func(f *testutil.Fixture)) *harness {
	t.Helper()
	f := testutil.NewFixture(t)
	if setup != nil {
		setup(f)
	}
	persist := make(chan core.CoreOutput, 1024)
	proj := make(chan core.CoreOutput, 1024)
	c := core.NewDeterministicCore(f.Group, 0, persist, proj, core.Options{IdempotencyCapacity: 1024})
	return &harness{t: t, f: f, c: c, persist: persist, proj: proj}
}

// header stamps a fresh idempotency key and the fixture clock.
func (h *harness) header(signer uuid.UUID) instruction.Header {
	h.keys++
	return instruction.Header{
		IdempotencyKey: fmt.Sprintf("k-%d", h.keys),
		Signer:         signer,
		Timestamp:      h.f.Now,
	}
}

func (h *harness) apply(ins instruction.Instruction) {
	h.t.Helper()
	if err := h.c.ProcessInstruction(ins); err != nil {
		h.t.Fatalf("%s failed: %v", ins.Kind(), err)
	}
}

// openAccount creates an account through the core and returns its id and
// owner.
func (h *harness) openAccount() (uuid.UUID, uuid.UUID) {
	h.t.Helper()
	id, owner := uuid.New(), uuid.New()
	h.apply(&instruction.CreateAccount{Header: h.header(owner), Account: id})
	return id, owner
}

func (h *harness) deposit(id, owner uuid.UUID, token int, qty string) {
	h.t.Helper()
	h.apply(&instruction.Deposit{Header: h.header(owner), Account: id, Token: token, Quantity: testutil.D(qty)})
}

func (h *harness) balance(id uuid.UUID, token int) decimal.Decimal {
	h.t.Helper()
	g := h.c.Group()
	a, err := g.Account(id)
	if err != nil {
		h.t.Fatalf("account %s: %v", id, err)
	}
	bal, err := g.NativeBalance(a, token)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return bal
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func lastRecords(t *testing.T, ch chan core.CoreOutput) []event.Record {
	t.Helper()
	outputs := drainOutputs(ch)
	if len(outputs) == 0 {
		t.Fatal("no output emitted")
	}
	return outputs[len(outputs)-1].Envelope.Records
}

// ============================================================================
// Accounts
// ============================================================================

func TestDeposit_CreditsBalance(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "1000")

	if got := h.balance(id, testutil.TokenQuote); !got.Equal(testutil.D("1000")) {
		t.Fatalf("expected balance 1000, got %s", got)
	}
	records := lastRecords(t, h.persist)
	dep, ok := records[0].(*event.Deposit)
	if !ok {
		t.Fatalf("expected Deposit record, got %T", records[0])
	}
	if !dep.Balance.Equal(testutil.D("1000")) || dep.Token != testutil.TokenQuote {
		t.Errorf("unexpected record %+v", dep)
	}
}

func TestDeposit_RequiresAuthorizedSigner(t *testing.T) {
	h := newHarness(t)
	id, _ := h.openAccount()

	err := h.c.ProcessInstruction(&instruction.Deposit{
		Header: h.header(uuid.New()), Account: id, Token: testutil.TokenQuote, Quantity: testutil.D("1"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestWithdraw_WithoutBorrowRejectedAndRolledBack(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "100")
	seq := h.c.GetSequence()

	err := h.c.ProcessInstruction(&instruction.Withdraw{
		Header: h.header(owner), Account: id, Token: testutil.TokenQuote, Quantity: testutil.D("150"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeInsufficientFunds {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	if got := h.balance(id, testutil.TokenQuote); !got.Equal(testutil.D("100")) {
		t.Errorf("balance changed on rejected withdraw: %s", got)
	}
	if h.c.GetSequence() != seq {
		t.Errorf("sequence advanced on rejection: %d -> %d", seq, h.c.GetSequence())
	}
}

func TestRejectedInstruction_LoggedWithKindAndKey(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	f := testutil.NewFixture(t)
	c := core.NewDeterministicCore(f.Group, 0, make(chan core.CoreOutput, 8), make(chan core.CoreOutput, 8),
		core.Options{Logger: &logger})

	owner := uuid.New()
	err := c.ProcessInstruction(&instruction.Withdraw{
		Header:  instruction.Header{IdempotencyKey: "w-1", Signer: owner, Timestamp: f.Now},
		Account: uuid.New(), Token: testutil.TokenQuote, Quantity: testutil.D("1"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if line["kind"] != "withdraw" || line["idempotency_key"] != "w-1" || line["message"] != "instruction rejected" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestWithdraw_BorrowBeyondInitHealthRollsBack(t *testing.T) {
	h := newHarness(t)
	lender, lenderOwner := h.openAccount()
	h.deposit(lender, lenderOwner, testutil.TokenQuote, "10000")
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenBTC, "1")

	bank := h.c.Group().Banks[testutil.TokenQuote]
	borrowsBefore := bank.Borrows

	// 1 BTC at 100 is worth 80 of init health
	err := h.c.ProcessInstruction(&instruction.Withdraw{
		Header: h.header(owner), Account: id, Token: testutil.TokenQuote,
		Quantity: testutil.D("90"), AllowBorrow: true,
	})
	if apperrors.CodeOf(err) != apperrors.CodeInsufficientMargin {
		t.Fatalf("expected InsufficientMargin, got %v", err)
	}
	if got := h.balance(id, testutil.TokenQuote); !got.IsZero() {
		t.Errorf("quote balance should be restored to 0, got %s", got)
	}
	if !h.c.Group().Banks[testutil.TokenQuote].Borrows.Equal(borrowsBefore) {
		t.Errorf("bank borrows not restored")
	}
}

// ============================================================================
// Health flagging
// ============================================================================

func TestPriceDrop_FlagsUnhealthyAccount(t *testing.T) {
	h := newHarness(t)
	lender, lenderOwner := h.openAccount()
	h.deposit(lender, lenderOwner, testutil.TokenQuote, "10000")
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenBTC, "1")
	h.apply(&instruction.Withdraw{
		Header: h.header(owner), Account: id, Token: testutil.TokenQuote,
		Quantity: testutil.D("60"), AllowBorrow: true,
	})
	drainOutputs(h.persist)

	// maint: 60*0.9 - 60*1 = -6
	up := &instruction.UpdatePrice{Header: h.header(h.f.Admin)}
	up.Token, up.Price, up.PublishTime = testutil.TokenBTC, testutil.D("60"), h.f.Now
	h.apply(up)

	a, _ := h.c.Group().Account(id)
	if !a.BeingLiquidated {
		t.Fatal("account should be flagged for liquidation")
	}
	var flagged bool
	for _, r := range lastRecords(t, h.persist) {
		if af, ok := r.(*event.AccountFlagged); ok && af.Account == id {
			flagged = true
			if !af.MaintHealth.IsNegative() {
				t.Errorf("flagged with non-negative health %s", af.MaintHealth)
			}
		}
	}
	if !flagged {
		t.Error("expected AccountFlagged record")
	}

	err := h.c.ProcessInstruction(&instruction.Withdraw{
		Header: h.header(owner), Account: id, Token: testutil.TokenBTC, Quantity: testutil.D("0.1"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeAccountAlreadyLiquidating {
		t.Fatalf("expected AccountAlreadyLiquidating, got %v", err)
	}
}

func TestUpdatePrice_RequiresPriceAuthority(t *testing.T) {
	h := newHarness(t)
	up := &instruction.UpdatePrice{Header: h.header(uuid.New())}
	up.Token, up.Price, up.PublishTime = testutil.TokenBTC, testutil.D("60"), h.f.Now

	if err := h.c.ProcessInstruction(up); apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

// ============================================================================
// Perp orders
// ============================================================================

func TestPlaceThenCancelOrder(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "1000")
	drainOutputs(h.persist)

	h.apply(&instruction.PlaceOrder{
		Header: h.header(owner), Account: id, Market: testutil.MarketBTC,
		Side: "bid", OrderType: "limit", Price: 99, Quantity: 2, ClientOrderID: 7,
	})
	records := lastRecords(t, h.persist)
	placed, ok := records[0].(*event.NewOrder)
	if !ok {
		t.Fatalf("expected NewOrder record, got %T", records[0])
	}
	if placed.Posted != 2 || placed.Filled != 0 {
		t.Fatalf("expected 2 posted and nothing filled, got %+v", placed)
	}
	a, _ := h.c.Group().Account(id)
	if !a.HasOpenOrders(testutil.MarketBTC) {
		t.Fatal("order slot not recorded")
	}

	h.apply(&instruction.CancelOrder{Header: h.header(owner), Account: id, Market: testutil.MarketBTC, OrderID: placed.OrderID})
	records = lastRecords(t, h.persist)
	cancelled, ok := records[0].(*event.CancelOrder)
	if !ok {
		t.Fatalf("expected CancelOrder record, got %T", records[0])
	}
	if cancelled.OrderID != placed.OrderID || cancelled.Quantity != 2 {
		t.Errorf("unexpected cancel record %+v", cancelled)
	}
	if a.HasOpenOrders(testutil.MarketBTC) {
		t.Error("order slot not released")
	}
	if h.f.Market().Book.Bids.Len() != 0 {
		t.Error("book should be empty")
	}
}

func TestCancelUnknownOrder_IsNoop(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	drainOutputs(h.persist)

	h.apply(&instruction.CancelOrder{Header: h.header(owner), Account: id, Market: testutil.MarketBTC, OrderID: 42})
	if records := lastRecords(t, h.persist); len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestPlaceOrder_BadSideIsInvalidParam(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()

	err := h.c.ProcessInstruction(&instruction.PlaceOrder{
		Header: h.header(owner), Account: id, Market: testutil.MarketBTC,
		Side: "sideways", OrderType: "limit", Price: 99, Quantity: 1,
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidParam {
		t.Fatalf("expected InvalidParam, got %v", err)
	}
}

// ============================================================================
// Dust
// ============================================================================

func TestResolveDust_Idempotent(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "0.5")
	drainOutputs(h.persist)

	h.apply(&instruction.ResolveDust{Header: h.header(uuid.New()), Account: id})
	records := lastRecords(t, h.persist)
	if len(records) != 1 {
		t.Fatalf("expected one ResolveDust record, got %d", len(records))
	}
	if got := h.balance(id, testutil.TokenQuote); !got.IsZero() {
		t.Fatalf("dust not swept: %s", got)
	}
	if got := h.balance(h.c.Group().DustAccount, testutil.TokenQuote); !got.Equal(testutil.D("0.5")) {
		t.Fatalf("dust account should hold 0.5, got %s", got)
	}

	h.apply(&instruction.ResolveDust{Header: h.header(uuid.New()), Account: id})
	if records := lastRecords(t, h.persist); len(records) != 0 {
		t.Fatalf("second sweep should do nothing, got %d records", len(records))
	}
}

// ============================================================================
// Governance
// ============================================================================

func TestAddToInsuranceFund_AdminOnly(t *testing.T) {
	h := newHarness(t)

	err := h.c.ProcessInstruction(&instruction.AddToInsuranceFund{Header: h.header(uuid.New()), Amount: testutil.D("10")})
	if apperrors.CodeOf(err) != apperrors.CodeUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}

	h.apply(&instruction.AddToInsuranceFund{Header: h.header(h.f.Admin), Amount: testutil.D("10")})
	if !h.c.Group().InsuranceFund.Equal(testutil.D("10")) {
		t.Fatalf("expected fund 10, got %s", h.c.Group().InsuranceFund)
	}
}

func TestChangeGroupParams_BadJSONIsInvalidParam(t *testing.T) {
	h := newHarness(t)
	err := h.c.ProcessInstruction(&instruction.ChangeGroupParams{
		Header: h.header(h.f.Admin), Params: instruction.RawMessage(`{"max_accounts": "many"}`),
	})
	if apperrors.CodeOf(err) != apperrors.CodeInvalidParam {
		t.Fatalf("expected InvalidParam, got %v", err)
	}
}

// ============================================================================
// Pipeline: idempotency, ordering, hashing
// ============================================================================

func TestDuplicateInstruction_Skipped(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	dep := &instruction.Deposit{Header: h.header(owner), Account: id, Token: testutil.TokenQuote, Quantity: testutil.D("5")}
	drainOutputs(h.persist)

	h.apply(dep)
	h.apply(dep)

	if outputs := drainOutputs(h.persist); len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if got := h.balance(id, testutil.TokenQuote); !got.Equal(testutil.D("5")) {
		t.Fatalf("duplicate applied twice: %s", got)
	}
}

func TestSourceSequenceGap_Rejected(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()

	ins := func(seq int64) *instruction.Deposit {
		hdr := h.header(owner)
		hdr.Source, hdr.SourceSequence = "gateway", seq
		return &instruction.Deposit{Header: hdr, Account: id, Token: testutil.TokenQuote, Quantity: testutil.D("1")}
	}
	h.apply(ins(0))
	seq := h.c.GetSequence()

	if err := h.c.ProcessInstruction(ins(2)); err == nil {
		t.Fatal("expected sequence gap error")
	}
	if h.c.GetSequence() != seq {
		t.Fatal("gap must not be applied")
	}
	h.apply(ins(1))
}

func TestHashChain_PrevHashLinks(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "1")
	h.deposit(id, owner, testutil.TokenQuote, "2")

	outputs := drainOutputs(h.persist)
	if len(outputs) != 3 {
		t.Fatalf("expected 3 outputs, got %d", len(outputs))
	}
	for i := 1; i < len(outputs); i++ {
		if outputs[i].Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Fatalf("output %d does not link to %d", i, i-1)
		}
		if outputs[i].Envelope.Sequence != outputs[i-1].Envelope.Sequence+1 {
			t.Fatalf("sequences not contiguous at %d", i)
		}
	}
	if h.c.GetStateHash() != outputs[2].Envelope.StateHash {
		t.Fatal("core hash differs from last envelope")
	}
}

func TestSnapshotRestoreThenReplay_ReproducesHashes(t *testing.T) {
	h := newHarness(t)
	id, owner := h.openAccount()
	h.deposit(id, owner, testutil.TokenQuote, "100")

	snap, err := h.c.CreateSnapshotState()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	drainOutputs(h.persist)

	h.deposit(id, owner, testutil.TokenQuote, "50")
	h.apply(&instruction.Withdraw{Header: h.header(owner), Account: id, Token: testutil.TokenQuote, Quantity: testutil.D("20")})
	tail := drainOutputs(h.persist)

	replayed := core.NewDeterministicCore(testutil.NewFixture(t).Group, 0,
		make(chan core.CoreOutput, 16), make(chan core.CoreOutput, 16), core.Options{IdempotencyCapacity: 1024})
	if err := replayed.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, o := range tail {
		if err := replayed.Replay(o.Envelope.Sequence, o.Envelope.Payload); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if replayed.GetStateHash() != h.c.GetStateHash() {
		t.Fatal("replayed state hash differs")
	}
	if replayed.GetSequence() != h.c.GetSequence() {
		t.Fatalf("sequence %d, want %d", replayed.GetSequence(), h.c.GetSequence())
	}
}

func TestReplay_WrongSequenceRejected(t *testing.T) {
	h := newHarness(t)
	if err := h.c.Replay(5, []byte(`{}`)); err == nil {
		t.Fatal("expected sequence mismatch")
	}
}

func TestProjectionChannelFull_DropsWithoutBlocking(t *testing.T) {
	f := testutil.NewFixture(t)
	persist := make(chan core.CoreOutput, 16)
	proj := make(chan core.CoreOutput, 1)
	c := core.NewDeterministicCore(f.Group, 0, persist, proj, core.Options{IdempotencyCapacity: 16})

	for i := 0; i < 3; i++ {
		ins := &instruction.AddToInsuranceFund{
			Header: instruction.Header{IdempotencyKey: fmt.Sprintf("f-%d", i), Signer: f.Admin, Timestamp: f.Now},
			Amount: testutil.D("1"),
		}
		if err := c.ProcessInstruction(ins); err != nil {
			t.Fatalf("instruction %d: %v", i, err)
		}
	}
	if len(persist) != 3 {
		t.Errorf("persist channel should hold all 3 outputs, got %d", len(persist))
	}
	if len(proj) != 1 {
		t.Errorf("projection channel should hold 1 output, got %d", len(proj))
	}
}

func TestRejectedInstruction_ReturnsTypedError(t *testing.T) {
	h := newHarness(t)
	err := h.c.ProcessInstruction(&instruction.ResolveDust{Header: h.header(uuid.New()), Account: uuid.New()})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
