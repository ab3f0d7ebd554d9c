package instruction

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind discriminates instruction payloads on the wire and in the log.
type Kind string

const (
	KindCreateAccount     Kind = "create_account"
	KindSetDelegate       Kind = "set_delegate"
	KindDeposit           Kind = "deposit"
	KindWithdraw          Kind = "withdraw"
	KindAddToMarginBasket Kind = "add_to_margin_basket"
	KindUpdateOpenOrders  Kind = "update_open_orders"

	KindUpdatePrice      Kind = "update_price"
	KindCachePrices      Kind = "cache_prices"
	KindCacheRootBanks   Kind = "cache_root_banks"
	KindCachePerpMarkets Kind = "cache_perp_markets"
	KindUpdateRootBank   Kind = "update_root_bank"
	KindUpdateFunding    Kind = "update_funding"

	KindPlaceOrder            Kind = "place_order"
	KindCancelOrder           Kind = "cancel_order"
	KindCancelOrderByClientID Kind = "cancel_order_by_client_id"
	KindCancelAllOrders       Kind = "cancel_all_orders"
	KindConsumeEvents         Kind = "consume_events"
	KindSettlePnl             Kind = "settle_pnl"
	KindSettleFees            Kind = "settle_fees"

	KindLiquidateTokenAndToken Kind = "liquidate_token_and_token"
	KindLiquidateTokenAndPerp  Kind = "liquidate_token_and_perp"
	KindLiquidatePerpMarket    Kind = "liquidate_perp_market"
	KindResolvePerpBankruptcy  Kind = "resolve_perp_bankruptcy"
	KindResolveTokenBankruptcy Kind = "resolve_token_bankruptcy"
	KindResolveDust            Kind = "resolve_dust"

	KindChangeTokenParams  Kind = "change_token_params"
	KindChangeMarketParams Kind = "change_market_params"
	KindChangeGroupParams  Kind = "change_group_params"
	KindAddToInsuranceFund Kind = "add_to_insurance_fund"
)

// Header carries the fields shared by every instruction.
//
// Source names the upstream stream for ordering checks; an empty Source
// skips them. Timestamp is the versioned execution time in unix seconds:
// the core never reads the wall clock.
type Header struct {
	Kind           Kind      `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key"`
	Source         string    `json:"source,omitempty"`
	SourceSequence int64     `json:"source_sequence,omitempty"`
	Signer         uuid.UUID `json:"signer"`
	Timestamp      int64     `json:"timestamp"`
}

func (h *Header) header() *Header { return h }

// Instruction is implemented by every instruction payload.
type Instruction interface {
	Kind() Kind
	header() *Header
}

// HeaderOf returns the shared header of ins.
func HeaderOf(ins Instruction) *Header { return ins.header() }

// --- accounts ---

type CreateAccount struct {
	Header
	Account uuid.UUID `json:"account"`
}

type SetDelegate struct {
	Header
	Account  uuid.UUID `json:"account"`
	Delegate uuid.UUID `json:"delegate"`
}

type Deposit struct {
	Header
	Account  uuid.UUID       `json:"account"`
	Token    int             `json:"token"`
	Quantity decimal.Decimal `json:"quantity"`
}

type Withdraw struct {
	Header
	Account     uuid.UUID       `json:"account"`
	Token       int             `json:"token"`
	Quantity    decimal.Decimal `json:"quantity"`
	AllowBorrow bool            `json:"allow_borrow"`
}

type AddToMarginBasket struct {
	Header
	Account uuid.UUID `json:"account"`
	Pair    int       `json:"pair"`
}

// UpdateOpenOrders mirrors the balances of an external spot open-orders
// record into a margin basket entry.
type UpdateOpenOrders struct {
	Header
	Account     uuid.UUID       `json:"account"`
	Pair        int             `json:"pair"`
	BaseFree    decimal.Decimal `json:"base_free"`
	BaseLocked  decimal.Decimal `json:"base_locked"`
	QuoteFree   decimal.Decimal `json:"quote_free"`
	QuoteLocked decimal.Decimal `json:"quote_locked"`
}

// --- caches ---

// PriceQuote is one oracle observation.
type PriceQuote struct {
	Token       int             `json:"token"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishTime int64           `json:"publish_time"`
}

type UpdatePrice struct {
	Header
	PriceQuote
}

type CachePrices struct {
	Header
	Quotes []PriceQuote `json:"quotes"`
}

type CacheRootBanks struct {
	Header
	Tokens []int `json:"tokens"`
}

type CachePerpMarkets struct {
	Header
	Markets []int `json:"markets"`
}

type UpdateRootBank struct {
	Header
	Token int `json:"token"`
}

type UpdateFunding struct {
	Header
	Market int `json:"market"`
}

// --- perp trading ---

// PlaceOrder submits a perp order. Price and quantity are in lots; Side is
// "bid" or "ask", OrderType one of "limit", "ioc", "post_only", "market",
// "post_only_slide".
type PlaceOrder struct {
	Header
	Account       uuid.UUID `json:"account"`
	Market        int       `json:"market"`
	Side          string    `json:"side"`
	OrderType     string    `json:"order_type"`
	Price         int64     `json:"price"`
	Quantity      int64     `json:"quantity"`
	ClientOrderID uint64    `json:"client_order_id"`
	Expiry        int64     `json:"expiry,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
	MaxDepth      int       `json:"max_depth,omitempty"`
}

type CancelOrder struct {
	Header
	Account uuid.UUID `json:"account"`
	Market  int       `json:"market"`
	OrderID uint64    `json:"order_id"`
}

type CancelOrderByClientID struct {
	Header
	Account       uuid.UUID `json:"account"`
	Market        int       `json:"market"`
	ClientOrderID uint64    `json:"client_order_id"`
}

type CancelAllOrders struct {
	Header
	Account uuid.UUID `json:"account"`
	Market  int       `json:"market"`
	Limit   int       `json:"limit"`
}

type ConsumeEvents struct {
	Header
	Market int `json:"market"`
	Limit  int `json:"limit"`
}

// SettlePnl moves realized perp profit from AccountA to AccountB's
// counterparty loss into token balances.
type SettlePnl struct {
	Header
	AccountA uuid.UUID `json:"account_a"`
	AccountB uuid.UUID `json:"account_b"`
	Market   int       `json:"market"`
}

type SettleFees struct {
	Header
	Market int `json:"market"`
}

// --- liquidation ---

type LiquidateTokenAndToken struct {
	Header
	Liqee           uuid.UUID       `json:"liqee"`
	Liqor           uuid.UUID       `json:"liqor"`
	AssetIndex      int             `json:"asset_index"`
	LiabIndex       int             `json:"liab_index"`
	MaxLiabTransfer decimal.Decimal `json:"max_liab_transfer"`
}

// LiquidateTokenAndPerp: AssetType and LiabType are "token" or "perp".
type LiquidateTokenAndPerp struct {
	Header
	Liqee           uuid.UUID       `json:"liqee"`
	Liqor           uuid.UUID       `json:"liqor"`
	AssetType       string          `json:"asset_type"`
	AssetIndex      int             `json:"asset_index"`
	LiabType        string          `json:"liab_type"`
	LiabIndex       int             `json:"liab_index"`
	MaxLiabTransfer decimal.Decimal `json:"max_liab_transfer"`
}

type LiquidatePerpMarket struct {
	Header
	Liqee               uuid.UUID `json:"liqee"`
	Liqor               uuid.UUID `json:"liqor"`
	Market              int       `json:"market"`
	BaseTransferRequest int64     `json:"base_transfer_request"`
}

type ResolvePerpBankruptcy struct {
	Header
	Liqee           uuid.UUID       `json:"liqee"`
	Liqor           uuid.UUID       `json:"liqor"`
	Market          int             `json:"market"`
	MaxLiabTransfer decimal.Decimal `json:"max_liab_transfer"`
}

type ResolveTokenBankruptcy struct {
	Header
	Liqee           uuid.UUID       `json:"liqee"`
	Liqor           uuid.UUID       `json:"liqor"`
	Token           int             `json:"token"`
	MaxLiabTransfer decimal.Decimal `json:"max_liab_transfer"`
}

type ResolveDust struct {
	Header
	Account uuid.UUID `json:"account"`
}

// --- governance ---

// ChangeTokenParams carries the new parameters as JSON so the instruction
// package stays free of state types.
type ChangeTokenParams struct {
	Header
	Token  int        `json:"token"`
	Params RawMessage `json:"params"`
}

type ChangeMarketParams struct {
	Header
	Market int        `json:"market"`
	Params RawMessage `json:"params"`
}

type ChangeGroupParams struct {
	Header
	Params RawMessage `json:"params"`
}

type AddToInsuranceFund struct {
	Header
	Amount decimal.Decimal `json:"amount"`
}

func (*CreateAccount) Kind() Kind          { return KindCreateAccount }
func (*SetDelegate) Kind() Kind            { return KindSetDelegate }
func (*Deposit) Kind() Kind                { return KindDeposit }
func (*Withdraw) Kind() Kind               { return KindWithdraw }
func (*AddToMarginBasket) Kind() Kind      { return KindAddToMarginBasket }
func (*UpdateOpenOrders) Kind() Kind       { return KindUpdateOpenOrders }
func (*UpdatePrice) Kind() Kind            { return KindUpdatePrice }
func (*CachePrices) Kind() Kind            { return KindCachePrices }
func (*CacheRootBanks) Kind() Kind         { return KindCacheRootBanks }
func (*CachePerpMarkets) Kind() Kind       { return KindCachePerpMarkets }
func (*UpdateRootBank) Kind() Kind         { return KindUpdateRootBank }
func (*UpdateFunding) Kind() Kind          { return KindUpdateFunding }
func (*PlaceOrder) Kind() Kind             { return KindPlaceOrder }
func (*CancelOrder) Kind() Kind            { return KindCancelOrder }
func (*CancelOrderByClientID) Kind() Kind  { return KindCancelOrderByClientID }
func (*CancelAllOrders) Kind() Kind        { return KindCancelAllOrders }
func (*ConsumeEvents) Kind() Kind          { return KindConsumeEvents }
func (*SettlePnl) Kind() Kind              { return KindSettlePnl }
func (*SettleFees) Kind() Kind             { return KindSettleFees }
func (*LiquidateTokenAndToken) Kind() Kind { return KindLiquidateTokenAndToken }
func (*LiquidateTokenAndPerp) Kind() Kind  { return KindLiquidateTokenAndPerp }
func (*LiquidatePerpMarket) Kind() Kind    { return KindLiquidatePerpMarket }
func (*ResolvePerpBankruptcy) Kind() Kind  { return KindResolvePerpBankruptcy }
func (*ResolveTokenBankruptcy) Kind() Kind { return KindResolveTokenBankruptcy }
func (*ResolveDust) Kind() Kind            { return KindResolveDust }
func (*ChangeTokenParams) Kind() Kind      { return KindChangeTokenParams }
func (*ChangeMarketParams) Kind() Kind     { return KindChangeMarketParams }
func (*ChangeGroupParams) Kind() Kind      { return KindChangeGroupParams }
func (*AddToInsuranceFund) Kind() Kind     { return KindAddToInsuranceFund }
