package cache

import (
	"CrossMargin/internal/apperrors"
	fpmath "CrossMargin/internal/math"

	"github.com/shopspring/decimal"
)

// DefaultMaxConfidenceRatio is the widest confidence interval (relative to
// price) a feed update may carry before it is rejected.
var DefaultMaxConfidenceRatio = decimal.RequireFromString("0.10")

// PriceCache is the last accepted oracle quote for a token.
type PriceCache struct {
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	LastUpdate int64           `json:"last_update"`
}

// RootBankCache is a copy of a bank's indices at LastUpdate.
type RootBankCache struct {
	DepositIndex decimal.Decimal `json:"deposit_index"`
	BorrowIndex  decimal.Decimal `json:"borrow_index"`
	LastUpdate   int64           `json:"last_update"`
}

// PerpMarketCache is a copy of a market's cumulative funding at LastUpdate.
type PerpMarketCache struct {
	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	LastUpdate   int64           `json:"last_update"`
}

// ValidIntervals holds the freshness window, in seconds, of each cache kind.
type ValidIntervals struct {
	Price      int64 `json:"price"`
	RootBank   int64 `json:"root_bank"`
	PerpMarket int64 `json:"perp_market"`
}

// Snapshot is the versioned root cache every valuation reads from. It is
// passed explicitly to the health engine, the matching engine and the
// liquidation engine; nothing reads prices from ambient state.
type Snapshot struct {
	Version            uint64            `json:"version"`
	Intervals          ValidIntervals    `json:"intervals"`
	MaxConfidenceRatio decimal.Decimal   `json:"max_confidence_ratio"`
	QuoteIndex         int               `json:"quote_index"`
	Prices             []PriceCache      `json:"prices"`
	RootBanks          []RootBankCache   `json:"root_banks"`
	PerpMarkets        []PerpMarketCache `json:"perp_markets"`
}

// NewSnapshot allocates a snapshot for numTokens tokens; the last token is
// the quote currency and numTokens-1 perp markets may exist.
func NewSnapshot(numTokens int, intervals ValidIntervals) *Snapshot {
	s := &Snapshot{
		Intervals:          intervals,
		MaxConfidenceRatio: DefaultMaxConfidenceRatio,
		QuoteIndex:         numTokens - 1,
		Prices:             make([]PriceCache, numTokens),
		RootBanks:          make([]RootBankCache, numTokens),
		PerpMarkets:        make([]PerpMarketCache, numTokens-1),
	}
	for i := range s.RootBanks {
		s.RootBanks[i].DepositIndex = fpmath.One
		s.RootBanks[i].BorrowIndex = fpmath.One
	}
	return s
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Prices = append([]PriceCache(nil), s.Prices...)
	c.RootBanks = append([]RootBankCache(nil), s.RootBanks...)
	c.PerpMarkets = append([]PerpMarketCache(nil), s.PerpMarkets...)
	return &c
}

func fresh(lastUpdate, interval, now int64) bool {
	return lastUpdate > 0 && now-lastUpdate <= interval
}

// Price returns the cached price of token, or StaleCache.
func (s *Snapshot) Price(token int, now int64) (decimal.Decimal, error) {
	if token == s.QuoteIndex {
		return fpmath.One, nil
	}
	if token < 0 || token >= len(s.Prices) {
		return decimal.Zero, apperrors.New(apperrors.CodeNotFound, "price cache %d", token)
	}
	pc := s.Prices[token]
	if !fresh(pc.LastUpdate, s.Intervals.Price, now) {
		return decimal.Zero, apperrors.New(apperrors.CodeStaleCache,
			"price cache for token %d last updated %d, now %d", token, pc.LastUpdate, now)
	}
	return pc.Price, nil
}

// RootBank returns the cached indices of token, or StaleCache.
func (s *Snapshot) RootBank(token int, now int64) (RootBankCache, error) {
	if token < 0 || token >= len(s.RootBanks) {
		return RootBankCache{}, apperrors.New(apperrors.CodeNotFound, "root bank cache %d", token)
	}
	rb := s.RootBanks[token]
	if !fresh(rb.LastUpdate, s.Intervals.RootBank, now) {
		return RootBankCache{}, apperrors.New(apperrors.CodeStaleCache,
			"root bank cache for token %d last updated %d, now %d", token, rb.LastUpdate, now)
	}
	return rb, nil
}

// PerpMarket returns the cached funding of market, or StaleCache.
func (s *Snapshot) PerpMarket(market int, now int64) (PerpMarketCache, error) {
	if market < 0 || market >= len(s.PerpMarkets) {
		return PerpMarketCache{}, apperrors.New(apperrors.CodeNotFound, "perp market cache %d", market)
	}
	pm := s.PerpMarkets[market]
	if !fresh(pm.LastUpdate, s.Intervals.PerpMarket, now) {
		return PerpMarketCache{}, apperrors.New(apperrors.CodeStaleCache,
			"perp market cache %d last updated %d, now %d", market, pm.LastUpdate, now)
	}
	return pm, nil
}

// UpdatePrice applies an oracle quote. A quote whose confidence interval is
// wider than MaxConfidenceRatio of its price returns InvalidConfidence and
// leaves the entry untouched. A quote older than the cached one is ignored.
// Returns true when the entry changed.
func (s *Snapshot) UpdatePrice(token int, price, confidence decimal.Decimal, publishTime int64) (bool, error) {
	if token < 0 || token >= len(s.Prices) || token == s.QuoteIndex {
		return false, apperrors.New(apperrors.CodeInvalidParam, "no oracle for token %d", token)
	}
	if !price.IsPositive() {
		return false, apperrors.New(apperrors.CodeInvalidParam, "non-positive price %s", price)
	}
	if confidence.IsNegative() {
		return false, apperrors.New(apperrors.CodeInvalidParam, "negative confidence %s", confidence)
	}

	ratio, err := fpmath.Div(confidence, price)
	if err != nil {
		return false, err
	}
	if ratio.GreaterThan(s.MaxConfidenceRatio) {
		return false, apperrors.New(apperrors.CodeInvalidConfidence,
			"confidence %s is %s of price %s", confidence, ratio.StringFixed(4), price)
	}

	pc := &s.Prices[token]
	if publishTime < pc.LastUpdate {
		return false, nil
	}
	pc.Price = price
	pc.Confidence = confidence
	pc.LastUpdate = publishTime
	s.Version++
	return true, nil
}

// SetRootBank refreshes the cached indices of token.
func (s *Snapshot) SetRootBank(token int, depositIndex, borrowIndex decimal.Decimal, now int64) {
	s.RootBanks[token] = RootBankCache{
		DepositIndex: depositIndex,
		BorrowIndex:  borrowIndex,
		LastUpdate:   now,
	}
	s.Version++
}

// SetPerpMarket refreshes the cached funding of market.
func (s *Snapshot) SetPerpMarket(market int, longFunding, shortFunding decimal.Decimal, now int64) {
	s.PerpMarkets[market] = PerpMarketCache{
		LongFunding:  longFunding,
		ShortFunding: shortFunding,
		LastUpdate:   now,
	}
	s.Version++
}
