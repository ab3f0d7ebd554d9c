package market

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/book"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// Params are the governance-controlled parameters of a perp market.
type Params struct {
	BaseLotSize    int64           `json:"base_lot_size"`
	QuoteLotSize   int64           `json:"quote_lot_size"`
	MaintLeverage  decimal.Decimal `json:"maint_leverage"`
	InitLeverage   decimal.Decimal `json:"init_leverage"`
	MakerFee       decimal.Decimal `json:"maker_fee"`
	TakerFee       decimal.Decimal `json:"taker_fee"`
	LiquidationFee decimal.Decimal `json:"liquidation_fee"`
	ImpactQuantity int64           `json:"impact_quantity"`
	MinFunding     decimal.Decimal `json:"min_funding"`
	MaxFunding     decimal.Decimal `json:"max_funding"`
	MaxBookDepth   int             `json:"max_book_depth"`
	EventQueueSize int             `json:"event_queue_size"`
}

// Validate checks lot sizes, leverage ordering (init < maint), fee and
// funding bounds.
func (p Params) Validate() error {
	if p.BaseLotSize <= 0 || p.QuoteLotSize <= 0 {
		return apperrors.New(apperrors.CodeInvalidParam, "lot sizes must be > 0, got base=%d quote=%d", p.BaseLotSize, p.QuoteLotSize)
	}
	if !p.InitLeverage.GreaterThan(fpmath.One) {
		return apperrors.New(apperrors.CodeInvalidParam, "init_leverage must be > 1, got %s", p.InitLeverage)
	}
	if !p.MaintLeverage.GreaterThan(p.InitLeverage) {
		return apperrors.New(apperrors.CodeInvalidParam, "maint_leverage (%s) must be > init_leverage (%s)", p.MaintLeverage, p.InitLeverage)
	}
	if p.LiquidationFee.IsNegative() || p.LiquidationFee.GreaterThanOrEqual(fpmath.One) {
		return apperrors.New(apperrors.CodeInvalidParam, "liquidation_fee must be in [0, 1), got %s", p.LiquidationFee)
	}
	if p.TakerFee.IsNegative() || p.MakerFee.Add(p.TakerFee).IsNegative() {
		return apperrors.New(apperrors.CodeInvalidParam, "fees must not pay out more than they collect")
	}
	if p.MinFunding.GreaterThan(p.MaxFunding) {
		return apperrors.New(apperrors.CodeInvalidParam, "min_funding (%s) > max_funding (%s)", p.MinFunding, p.MaxFunding)
	}
	if p.ImpactQuantity < 0 {
		return apperrors.New(apperrors.CodeInvalidParam, "impact_quantity must be >= 0")
	}
	if p.MaxBookDepth <= 0 || p.EventQueueSize <= 0 {
		return apperrors.New(apperrors.CodeInvalidParam, "book depth and event queue size must be > 0")
	}
	return nil
}

// Weights are the health weights of a perp base position.
type Weights struct {
	MaintAsset decimal.Decimal
	InitAsset  decimal.Decimal
	MaintLiab  decimal.Decimal
	InitLiab   decimal.Decimal
}

// Weights derives asset weight 1-1/leverage and liab weight 1+1/leverage.
func (p Params) Weights() Weights {
	maint := fpmath.One.DivRound(p.MaintLeverage, fpmath.DivPrecision)
	init := fpmath.One.DivRound(p.InitLeverage, fpmath.DivPrecision)
	return Weights{
		MaintAsset: fpmath.One.Sub(maint),
		InitAsset:  fpmath.One.Sub(init),
		MaintLiab:  fpmath.One.Add(maint),
		InitLiab:   fpmath.One.Add(init),
	}
}

// PerpMarket is a perpetual futures market: its book, event queue and
// cumulative funding.
type PerpMarket struct {
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Params Params `json:"params"`

	Book  *book.Book       `json:"book"`
	Queue *book.EventQueue `json:"queue"`

	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	OpenInterest int64           `json:"open_interest"`
	LastUpdated  int64           `json:"last_updated"`
	SeqNum       uint64          `json:"seq_num"`
	FeesAccrued  decimal.Decimal `json:"fees_accrued"`
}

func New(index int, name string, params Params, now int64) (*PerpMarket, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &PerpMarket{
		Index:        index,
		Name:         name,
		Params:       params,
		Book:         book.NewBook(params.MaxBookDepth),
		Queue:        book.NewEventQueue(params.EventQueueSize),
		LongFunding:  decimal.Zero,
		ShortFunding: decimal.Zero,
		LastUpdated:  now,
		FeesAccrued:  decimal.Zero,
	}, nil
}

func (m *PerpMarket) Clone() *PerpMarket {
	c := *m
	c.Book = m.Book.Clone()
	c.Queue = m.Queue.Clone()
	return &c
}

// SetParams applies new governance parameters. Book capacity and queue size
// are fixed at creation.
func (m *PerpMarket) SetParams(p Params) error {
	p.MaxBookDepth = m.Params.MaxBookDepth
	p.EventQueueSize = m.Params.EventQueueSize
	if p.BaseLotSize != m.Params.BaseLotSize || p.QuoteLotSize != m.Params.QuoteLotSize {
		return apperrors.New(apperrors.CodeInvalidParam, "lot sizes of market %d cannot change", m.Index)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.Params = p
	return nil
}

// LotsToNative converts a price in lots to a native price.
func (m *PerpMarket) LotsToNative(priceLots int64) decimal.Decimal {
	return fpmath.LotsToNativePrice(priceLots, m.Params.BaseLotSize, m.Params.QuoteLotSize)
}

// QuoteLotsToNative converts quote lots to native quote.
func (m *PerpMarket) QuoteLotsToNative(lots int64) decimal.Decimal {
	return fpmath.QuoteLotsToNative(lots, m.Params.QuoteLotSize)
}

// BaseValue values base lots at a native price.
func (m *PerpMarket) BaseValue(baseLots int64, price decimal.Decimal) (decimal.Decimal, error) {
	return fpmath.Mul(fpmath.BaseLotsToNative(baseLots, m.Params.BaseLotSize), price)
}

// ApplyOpenInterest adjusts open interest for a base position moving from
// old to next. Open interest counts long base lots.
func (m *PerpMarket) ApplyOpenInterest(old, next int64) {
	m.OpenInterest += max(next, 0) - max(old, 0)
}

// SocializeLoss spreads loss (quote native) over every open position by
// charging it through the funding accumulators: longs pay via LongFunding,
// shorts via ShortFunding. Returns the per-base-lot charge.
func (m *PerpMarket) SocializeLoss(loss decimal.Decimal) (decimal.Decimal, error) {
	if m.OpenInterest <= 0 {
		return decimal.Zero, apperrors.New(apperrors.CodeDivisionByZero, "market %d has no open interest", m.Index)
	}
	perLot, err := fpmath.Div(loss, decimal.NewFromInt(2*m.OpenInterest))
	if err != nil {
		return decimal.Zero, err
	}
	long, err := fpmath.Add(m.LongFunding, perLot)
	if err != nil {
		return decimal.Zero, err
	}
	short, err := fpmath.Sub(m.ShortFunding, perLot)
	if err != nil {
		return decimal.Zero, err
	}
	m.LongFunding = long
	m.ShortFunding = short
	return perLot, nil
}
