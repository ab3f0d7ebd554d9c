package instruction

import (
	"encoding/json"
	"fmt"
)

// RawMessage is an opaque JSON document.
type RawMessage = json.RawMessage

var registry = map[Kind]func() Instruction{
	KindCreateAccount:          func() Instruction { return &CreateAccount{} },
	KindSetDelegate:            func() Instruction { return &SetDelegate{} },
	KindDeposit:                func() Instruction { return &Deposit{} },
	KindWithdraw:               func() Instruction { return &Withdraw{} },
	KindAddToMarginBasket:      func() Instruction { return &AddToMarginBasket{} },
	KindUpdateOpenOrders:       func() Instruction { return &UpdateOpenOrders{} },
	KindUpdatePrice:            func() Instruction { return &UpdatePrice{} },
	KindCachePrices:            func() Instruction { return &CachePrices{} },
	KindCacheRootBanks:         func() Instruction { return &CacheRootBanks{} },
	KindCachePerpMarkets:       func() Instruction { return &CachePerpMarkets{} },
	KindUpdateRootBank:         func() Instruction { return &UpdateRootBank{} },
	KindUpdateFunding:          func() Instruction { return &UpdateFunding{} },
	KindPlaceOrder:             func() Instruction { return &PlaceOrder{} },
	KindCancelOrder:            func() Instruction { return &CancelOrder{} },
	KindCancelOrderByClientID:  func() Instruction { return &CancelOrderByClientID{} },
	KindCancelAllOrders:        func() Instruction { return &CancelAllOrders{} },
	KindConsumeEvents:          func() Instruction { return &ConsumeEvents{} },
	KindSettlePnl:              func() Instruction { return &SettlePnl{} },
	KindSettleFees:             func() Instruction { return &SettleFees{} },
	KindLiquidateTokenAndToken: func() Instruction { return &LiquidateTokenAndToken{} },
	KindLiquidateTokenAndPerp:  func() Instruction { return &LiquidateTokenAndPerp{} },
	KindLiquidatePerpMarket:    func() Instruction { return &LiquidatePerpMarket{} },
	KindResolvePerpBankruptcy:  func() Instruction { return &ResolvePerpBankruptcy{} },
	KindResolveTokenBankruptcy: func() Instruction { return &ResolveTokenBankruptcy{} },
	KindResolveDust:            func() Instruction { return &ResolveDust{} },
	KindChangeTokenParams:      func() Instruction { return &ChangeTokenParams{} },
	KindChangeMarketParams:     func() Instruction { return &ChangeMarketParams{} },
	KindChangeGroupParams:      func() Instruction { return &ChangeGroupParams{} },
	KindAddToInsuranceFund:     func() Instruction { return &AddToInsuranceFund{} },
}

// Known reports whether k is a registered kind.
func Known(k Kind) bool {
	_, ok := registry[k]
	return ok
}

// Encode serializes ins with its kind in the header.
func Encode(ins Instruction) ([]byte, error) {
	ins.header().Kind = ins.Kind()
	return json.Marshal(ins)
}

// Decode parses a JSON instruction, dispatching on its "kind" field.
func Decode(data []byte) (Instruction, error) {
	var probe struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode instruction: %w", err)
	}
	ctor, ok := registry[probe.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown instruction kind %q", probe.Kind)
	}
	ins := ctor()
	if err := json.Unmarshal(data, ins); err != nil {
		return nil, fmt.Errorf("decode %s: %w", probe.Kind, err)
	}
	return ins, nil
}

// Validate checks the header fields every instruction needs.
func Validate(ins Instruction) error {
	h := ins.header()
	if h.IdempotencyKey == "" {
		return fmt.Errorf("%s: missing idempotency_key", ins.Kind())
	}
	if h.Timestamp <= 0 {
		return fmt.Errorf("%s: timestamp must be > 0", ins.Kind())
	}
	if h.SourceSequence < 0 {
		return fmt.Errorf("%s: negative source_sequence", ins.Kind())
	}
	return nil
}
