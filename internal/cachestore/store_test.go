package cachestore_test

import (
	"CrossMargin/internal/cachestore"
	"CrossMargin/internal/event"
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysUsePrefix(t *testing.T) {
	s := cachestore.New(nil, "venue", nil, zerolog.Nop())
	assert.Equal(t, "venue:price:3", s.PriceKey(3))
	assert.Equal(t, "venue:rootbank:0", s.RootBankKey(0))
	assert.Equal(t, "venue:perp:1", s.PerpKey(1))
	assert.Equal(t, "venue:flagged", s.FlaggedKey())
	assert.Equal(t, "venue:sequence", s.SequenceKey())
}

func TestDefaultPrefix(t *testing.T) {
	s := cachestore.New(nil, "", nil, zerolog.Nop())
	assert.Equal(t, "cm:flagged", s.FlaggedKey())
}

func TestDialRejectsEmptyAddress(t *testing.T) {
	_, err := cachestore.Dial(context.Background(), "", "", 0)
	assert.Error(t, err)
}

// liveStore connects to CM_TEST_REDIS_ADDR or skips.
func liveStore(t *testing.T) *cachestore.Store {
	t.Helper()
	addr := os.Getenv("CM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CM_TEST_REDIS_ADDR not set")
	}
	rdb, err := cachestore.Dial(context.Background(), addr, "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })

	prefix := "cmtest-" + uuid.NewString()
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(context.Background(), keys...)
		}
	})
	return cachestore.New(rdb, prefix, nil, zerolog.Nop())
}

func TestApply_MirrorsPricesAndFlaggedSet(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	acct := uuid.New()

	err := s.Apply(ctx, &event.Envelope{
		Sequence: 7,
		Records: []event.Record{
			&event.CachePrices{Tokens: []int{1}, Prices: []decimal.Decimal{decimal.NewFromInt(60)}},
			&event.AccountFlagged{Account: acct, MaintHealth: decimal.NewFromInt(-5)},
		},
	})
	require.NoError(t, err)

	px, ok, err := s.Price(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, px.Price.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, int64(7), px.Sequence)

	flagged, err := s.Flagged(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, acct.String(), flagged[0].Account)
	assert.Equal(t, -5.0, flagged[0].MaintHealth)

	err = s.Apply(ctx, &event.Envelope{
		Sequence: 8,
		Records:  []event.Record{&event.LiquidateTokenAndToken{Liqee: acct, Unflagged: true}},
	})
	require.NoError(t, err)

	flagged, err = s.Flagged(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	seq, err := s.Sequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), seq)
}

func TestPrice_MissingToken(t *testing.T) {
	s := liveStore(t)
	_, ok, err := s.Price(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, ok)
}
