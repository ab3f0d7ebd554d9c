package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Unflagged is set on liquidation records when the liqee left liquidation
// with the step, or had already recovered before it.
type LiquidateTokenAndToken struct {
	Liqee         uuid.UUID       `json:"liqee"`
	Liqor         uuid.UUID       `json:"liqor"`
	AssetIndex    int             `json:"asset_index"`
	LiabIndex     int             `json:"liab_index"`
	AssetTransfer decimal.Decimal `json:"asset_transfer"`
	LiabTransfer  decimal.Decimal `json:"liab_transfer"`
	AssetPrice    decimal.Decimal `json:"asset_price"`
	LiabPrice     decimal.Decimal `json:"liab_price"`
	Bankruptcy    bool            `json:"bankruptcy"`
	Unflagged     bool            `json:"unflagged"`
}

func (*LiquidateTokenAndToken) RecordType() RecordType { return RecordTypeLiquidateTokenAndToken }

type LiquidateTokenAndPerp struct {
	Liqee         uuid.UUID       `json:"liqee"`
	Liqor         uuid.UUID       `json:"liqor"`
	AssetType     string          `json:"asset_type"`
	AssetIndex    int             `json:"asset_index"`
	LiabType      string          `json:"liab_type"`
	LiabIndex     int             `json:"liab_index"`
	AssetTransfer decimal.Decimal `json:"asset_transfer"`
	LiabTransfer  decimal.Decimal `json:"liab_transfer"`
	AssetPrice    decimal.Decimal `json:"asset_price"`
	LiabPrice     decimal.Decimal `json:"liab_price"`
	Bankruptcy    bool            `json:"bankruptcy"`
	Unflagged     bool            `json:"unflagged"`
}

func (*LiquidateTokenAndPerp) RecordType() RecordType { return RecordTypeLiquidateTokenAndPerp }

// LiquidatePerpMarket: BaseTransfer is the base lots the liqor received
// (negative when it took a short); QuoteTransfer the quote the liqee got.
type LiquidatePerpMarket struct {
	Liqee          uuid.UUID       `json:"liqee"`
	Liqor          uuid.UUID       `json:"liqor"`
	Market         int             `json:"market"`
	Price          decimal.Decimal `json:"price"`
	BaseTransfer   int64           `json:"base_transfer"`
	QuoteTransfer  decimal.Decimal `json:"quote_transfer"`
	CanceledOrders []uint64        `json:"canceled_orders,omitempty"`
	Bankruptcy     bool            `json:"bankruptcy"`
	Unflagged      bool            `json:"unflagged"`
}

func (*LiquidatePerpMarket) RecordType() RecordType { return RecordTypeLiquidatePerpMarket }

type PerpBankruptcy struct {
	Liqee             uuid.UUID       `json:"liqee"`
	Liqor             uuid.UUID       `json:"liqor"`
	Market            int             `json:"market"`
	InsuranceTransfer decimal.Decimal `json:"insurance_transfer"`
	SocializedLoss    decimal.Decimal `json:"socialized_loss"`
	SocializedPerLot  decimal.Decimal `json:"socialized_per_lot"`
	DustAbsorbed      decimal.Decimal `json:"dust_absorbed"`
	LongFunding       decimal.Decimal `json:"long_funding"`
	ShortFunding      decimal.Decimal `json:"short_funding"`
	ExitedBankruptcy  bool            `json:"exited_bankruptcy"`
}

func (*PerpBankruptcy) RecordType() RecordType { return RecordTypePerpBankruptcy }

type TokenBankruptcy struct {
	Liqee             uuid.UUID       `json:"liqee"`
	Liqor             uuid.UUID       `json:"liqor"`
	Token             int             `json:"token"`
	LiabTransfer      decimal.Decimal `json:"liab_transfer"`
	InsuranceTransfer decimal.Decimal `json:"insurance_transfer"`
	DustAbsorbed      decimal.Decimal `json:"dust_absorbed"`
	ExitedBankruptcy  bool            `json:"exited_bankruptcy"`
}

func (*TokenBankruptcy) RecordType() RecordType { return RecordTypeTokenBankruptcy }

// DustMove is one sub-unit balance moved to the dust account.
type DustMove struct {
	Kind   string          `json:"kind"`
	Index  int             `json:"index"`
	Amount decimal.Decimal `json:"amount"`
}

type ResolveDust struct {
	Account uuid.UUID  `json:"account"`
	Moves   []DustMove `json:"moves"`
}

func (*ResolveDust) RecordType() RecordType { return RecordTypeResolveDust }

// AccountFlagged is written when an instruction leaves an account with
// negative maintenance health and it enters liquidation.
type AccountFlagged struct {
	Account     uuid.UUID       `json:"account"`
	MaintHealth decimal.Decimal `json:"maint_health"`
}

func (*AccountFlagged) RecordType() RecordType { return RecordTypeAccountFlagged }
