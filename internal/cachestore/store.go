// Package cachestore mirrors the committed root cache and the set of
// accounts under liquidation into Redis, for liquidators and keepers that
// run outside the core process.
package cachestore

import (
	"CrossMargin/internal/core"
	"CrossMargin/internal/event"
	"CrossMargin/internal/observability"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Store writes envelopes into Redis hashes and a sorted set:
//
//	{prefix}:price:{token}     price, sequence
//	{prefix}:rootbank:{token}  deposit_index, borrow_index, sequence
//	{prefix}:perp:{market}     long_funding, short_funding, sequence
//	{prefix}:flagged           account -> maint health at flagging
//	{prefix}:sequence          last mirrored sequence
type Store struct {
	rdb     *redis.Client
	prefix  string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Dial connects and pings Redis.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func New(rdb *redis.Client, prefix string, metrics *observability.Metrics, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = "cm"
	}
	return &Store{rdb: rdb, prefix: prefix, metrics: metrics, logger: logger}
}

func (s *Store) PriceKey(token int) string    { return s.prefix + ":price:" + strconv.Itoa(token) }
func (s *Store) RootBankKey(token int) string { return s.prefix + ":rootbank:" + strconv.Itoa(token) }
func (s *Store) PerpKey(market int) string    { return s.prefix + ":perp:" + strconv.Itoa(market) }
func (s *Store) FlaggedKey() string           { return s.prefix + ":flagged" }
func (s *Store) SequenceKey() string          { return s.prefix + ":sequence" }

// Run mirrors outputs until ctx is cancelled or in is closed. Write errors
// are logged and counted; the next envelope carrying the same key repairs
// the entry.
func (s *Store) Run(ctx context.Context, in <-chan core.CoreOutput) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			start := time.Now()
			err := s.Apply(ctx, out.Envelope)
			result := "ok"
			if err != nil {
				result = "error"
				s.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("cache mirror write failed")
			}
			if s.metrics != nil {
				s.metrics.CacheMirrorWrites.WithLabelValues(result).Inc()
				s.metrics.CacheMirrorLatency.Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Apply writes the cache-relevant records of env in one pipeline.
func (s *Store) Apply(ctx context.Context, env *event.Envelope) error {
	pipe := s.rdb.TxPipeline()
	seq := env.Sequence
	for _, r := range env.Records {
		switch rec := r.(type) {
		case *event.CachePrices:
			for i, token := range rec.Tokens {
				pipe.HSet(ctx, s.PriceKey(token), "price", rec.Prices[i].String(), "sequence", seq)
			}
		case *event.CacheRootBanks:
			for i, token := range rec.Tokens {
				pipe.HSet(ctx, s.RootBankKey(token),
					"deposit_index", rec.DepositIndexes[i].String(),
					"borrow_index", rec.BorrowIndexes[i].String(),
					"sequence", seq)
			}
		case *event.CachePerpMarkets:
			for i, market := range rec.Markets {
				pipe.HSet(ctx, s.PerpKey(market),
					"long_funding", rec.LongFundings[i].String(),
					"short_funding", rec.ShortFundings[i].String(),
					"sequence", seq)
			}
		case *event.AccountFlagged:
			score, _ := rec.MaintHealth.Float64()
			pipe.ZAdd(ctx, s.FlaggedKey(), redis.Z{Score: score, Member: rec.Account.String()})
		case *event.LiquidateTokenAndToken:
			if rec.Unflagged {
				pipe.ZRem(ctx, s.FlaggedKey(), rec.Liqee.String())
			}
		case *event.LiquidateTokenAndPerp:
			if rec.Unflagged {
				pipe.ZRem(ctx, s.FlaggedKey(), rec.Liqee.String())
			}
		case *event.LiquidatePerpMarket:
			if rec.Unflagged {
				pipe.ZRem(ctx, s.FlaggedKey(), rec.Liqee.String())
			}
		case *event.PerpBankruptcy:
			if rec.ExitedBankruptcy {
				pipe.ZRem(ctx, s.FlaggedKey(), rec.Liqee.String())
			}
		case *event.TokenBankruptcy:
			if rec.ExitedBankruptcy {
				pipe.ZRem(ctx, s.FlaggedKey(), rec.Liqee.String())
			}
		}
	}
	pipe.Set(ctx, s.SequenceKey(), seq, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// PriceEntry is a mirrored oracle price.
type PriceEntry struct {
	Price    decimal.Decimal `json:"price"`
	Sequence int64           `json:"sequence"`
}

// Price reads the mirrored price of token; ok is false when none was
// mirrored yet.
func (s *Store) Price(ctx context.Context, token int) (entry PriceEntry, ok bool, err error) {
	vals, err := s.rdb.HGetAll(ctx, s.PriceKey(token)).Result()
	if err != nil {
		return PriceEntry{}, false, err
	}
	if len(vals) == 0 {
		return PriceEntry{}, false, nil
	}
	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return PriceEntry{}, false, fmt.Errorf("price of token %d: %w", token, err)
	}
	seq, err := strconv.ParseInt(vals["sequence"], 10, 64)
	if err != nil {
		return PriceEntry{}, false, fmt.Errorf("sequence of token %d: %w", token, err)
	}
	return PriceEntry{Price: price, Sequence: seq}, true, nil
}

// FlaggedAccount is an account under liquidation with the maintenance health
// it was flagged at.
type FlaggedAccount struct {
	Account     string  `json:"account"`
	MaintHealth float64 `json:"maint_health"`
}

// Flagged lists accounts under liquidation, least healthy first.
func (s *Store) Flagged(ctx context.Context, limit int64) ([]FlaggedAccount, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, s.FlaggedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FlaggedAccount, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, FlaggedAccount{Account: member, MaintHealth: z.Score})
	}
	return out, nil
}

// Sequence returns the last mirrored sequence, or -1 when nothing was
// mirrored.
func (s *Store) Sequence(ctx context.Context) (int64, error) {
	seq, err := s.rdb.Get(ctx, s.SequenceKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	return seq, err
}
