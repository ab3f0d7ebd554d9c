package state

import (
	"CrossMargin/internal/account"
)

// LiquidationState is the lifecycle of an account with respect to
// liquidation. It is derived from the account's flags.
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateBeingLiquidated
	LiquidationStateBankrupt
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateBeingLiquidated:
		return "BeingLiquidated"
	case LiquidationStateBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	validTransitions := map[LiquidationState][]LiquidationState{
		LiquidationStateHealthy: {
			LiquidationStateBeingLiquidated,
		},
		LiquidationStateBeingLiquidated: {
			LiquidationStateHealthy, // resolved by deposits or liquidation
			LiquidationStateBankrupt,
		},
		LiquidationStateBankrupt: {
			LiquidationStateHealthy, // after insurance fund / socialization
		},
	}

	for _, allowed := range validTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// StateOf reads the liquidation state from the account flags.
func StateOf(a *account.Account) LiquidationState {
	switch {
	case a.IsBankrupt:
		return LiquidationStateBankrupt
	case a.BeingLiquidated:
		return LiquidationStateBeingLiquidated
	default:
		return LiquidationStateHealthy
	}
}

// Transition moves a to next, returning false when the transition is not
// allowed. Moving to the current state is a no-op that succeeds.
func Transition(a *account.Account, next LiquidationState) bool {
	cur := StateOf(a)
	if cur == next {
		return true
	}
	if !cur.CanTransitionTo(next) {
		return false
	}
	a.BeingLiquidated = next == LiquidationStateBeingLiquidated || next == LiquidationStateBankrupt
	a.IsBankrupt = next == LiquidationStateBankrupt
	return true
}
