package state_test

import (
	"CrossMargin/internal/account"
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/bank"
	"CrossMargin/internal/cache"
	"CrossMargin/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newGroup(t *testing.T, maxAccounts int) *state.Group {
	t.Helper()
	g, err := state.NewGroup(uuid.New(), state.GroupParams{
		MaxAccounts:        maxAccounts,
		DustThreshold:      state.DefaultDustThreshold,
		MaxConfidenceRatio: cache.DefaultMaxConfidenceRatio,
		Intervals:          cache.ValidIntervals{Price: 10, RootBank: 10, PerpMarket: 10},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestLiquidationStateTransitions(t *testing.T) {
	tests := []struct {
		from, to state.LiquidationState
		ok       bool
	}{
		{state.LiquidationStateHealthy, state.LiquidationStateBeingLiquidated, true},
		{state.LiquidationStateHealthy, state.LiquidationStateBankrupt, false},
		{state.LiquidationStateBeingLiquidated, state.LiquidationStateHealthy, true},
		{state.LiquidationStateBeingLiquidated, state.LiquidationStateBankrupt, true},
		{state.LiquidationStateBankrupt, state.LiquidationStateHealthy, true},
		{state.LiquidationStateBankrupt, state.LiquidationStateBeingLiquidated, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTransitionSetsFlags(t *testing.T) {
	a := account.New(uuid.New(), uuid.New())
	if state.Transition(a, state.LiquidationStateBankrupt) {
		t.Fatal("healthy account jumped to bankrupt")
	}
	state.Transition(a, state.LiquidationStateBeingLiquidated)
	state.Transition(a, state.LiquidationStateBankrupt)
	if !a.BeingLiquidated || !a.IsBankrupt {
		t.Fatalf("flags: liquidating=%v bankrupt=%v", a.BeingLiquidated, a.IsBankrupt)
	}
	state.Transition(a, state.LiquidationStateHealthy)
	if a.BeingLiquidated || a.IsBankrupt {
		t.Fatal("flags not cleared")
	}
}

func TestCoverDeficit(t *testing.T) {
	g := newGroup(t, 4)
	if err := g.AddToInsuranceFund(dec("30")); err != nil {
		t.Fatal(err)
	}
	covered, remaining := g.CoverDeficit(dec("50"))
	if !covered.Equal(dec("30")) || !remaining.Equal(dec("20")) || !g.InsuranceFund.IsZero() {
		t.Fatalf("covered=%s remaining=%s fund=%s", covered, remaining, g.InsuranceFund)
	}
}

func TestMaxAccounts(t *testing.T) {
	g := newGroup(t, 1)
	if _, err := g.CreateAccount(uuid.New(), uuid.New()); err != nil {
		t.Fatal(err)
	}
	if _, err := g.CreateAccount(uuid.New(), uuid.New()); !errors.Is(err, apperrors.ErrMaxAccountsReached) {
		t.Fatalf("expected MaxAccountsReached, got %v", err)
	}
	if _, err := g.Account(g.DustAccount); err != nil {
		t.Fatalf("dust account missing: %v", err)
	}
}

func TestTokenParamsOrdering(t *testing.T) {
	g := newGroup(t, 1)
	rate := bank.RateParams{OptimalUtil: dec("0.7"), OptimalRate: dec("0.06"), MaxRate: dec("1.5"), RateScaling: dec("1")}
	bad := state.TokenParams{
		MaintAssetWeight: dec("0.8"),
		InitAssetWeight:  dec("0.9"),
		MaintLiabWeight:  dec("1.2"),
		InitLiabWeight:   dec("1.4"),
		Rate:             rate,
	}
	if err := g.ListToken(0, "BTC", 6, bad, 0); !errors.Is(err, apperrors.ErrInvalidParam) {
		t.Fatalf("expected InvalidParam, got %v", err)
	}

	if err := g.ListToken(account.QuoteIndex, "USDC", 6, state.TokenParams{Rate: rate}, 0); err != nil {
		t.Fatalf("quote listing: %v", err)
	}
	q, _ := g.Token(account.QuoteIndex)
	if !q.Params.InitLiabWeight.Equal(dec("1")) {
		t.Fatalf("quote weights not forced to 1: %+v", q.Params)
	}
}
