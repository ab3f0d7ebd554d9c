package persistence_test

import (
	"CrossMargin/internal/core"
	"CrossMargin/internal/event"
	"CrossMargin/internal/instruction"
	"CrossMargin/internal/persistence"
	"CrossMargin/internal/testutil"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsFromEnvelope(t *testing.T) {
	acct, owner := uuid.New(), uuid.New()
	env := &event.Envelope{
		Sequence:       7,
		IdempotencyKey: "dep-1",
		Kind:           "deposit",
		Signer:         owner,
		Timestamp:      1_700_000_000,
		Payload:        []byte(`{"kind":"deposit"}`),
		Records: []event.Record{
			&event.Deposit{Account: acct, Owner: owner, Token: 0, Quantity: testutil.D("5"), Balance: testutil.D("5")},
		},
		StateHash: [32]byte{1},
		PrevHash:  [32]byte{2},
	}

	row, recs, err := persistence.RowsFromEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, int64(7), row.Sequence)
	assert.Equal(t, owner.String(), row.Signer)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), row.Timestamp)
	assert.Equal(t, byte(1), row.StateHash[0])
	assert.Len(t, row.StateHash, 32)

	require.Len(t, recs, 1)
	assert.Equal(t, "Deposit", recs[0].RecordType)
	assert.Equal(t, 0, recs[0].Index)

	var decoded []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(row.Records, &decoded))
	assert.Len(t, decoded, 1)
}

// logHarness drives a core into a real event log.
type logHarness struct {
	t       *testing.T
	f       *testutil.Fixture
	core    *core.DeterministicCore
	genesis *core.SnapshotState
	persist chan core.CoreOutput
	keys    int
}

func newLogHarness(t *testing.T) *logHarness {
	f := testutil.NewFixture(t)
	persist := make(chan core.CoreOutput, 64)
	proj := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(f.Group, 0, persist, proj, core.Options{IdempotencyCapacity: 64})
	genesis, err := c.CreateSnapshotState()
	require.NoError(t, err)
	return &logHarness{t: t, f: f, core: c, genesis: genesis, persist: persist}
}

func (h *logHarness) header(signer uuid.UUID) instruction.Header {
	h.keys++
	return instruction.Header{IdempotencyKey: fmt.Sprintf("k-%d", h.keys), Signer: signer, Timestamp: h.f.Now}
}

func (h *logHarness) apply(ins instruction.Instruction) {
	h.t.Helper()
	require.NoError(h.t, h.core.ProcessInstruction(ins))
}

func TestEventLogRoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	_, err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	h := newLogHarness(t)
	acct, owner := uuid.New(), uuid.New()
	h.apply(&instruction.CreateAccount{Header: h.header(owner), Account: acct})
	h.apply(&instruction.Deposit{Header: h.header(owner), Account: acct, Token: testutil.TokenQuote, Quantity: testutil.D("250")})
	close(h.persist)

	var flushed []int64
	w := persistence.NewPersistenceWorker(db, h.persist, 10, 5*time.Millisecond, nil, zerolog.Nop())
	w.OnFlushed(func(batch []core.CoreOutput) {
		for _, out := range batch {
			flushed = append(flushed, out.Envelope.Sequence)
		}
	})
	require.NoError(t, w.Run(ctx))
	assert.Equal(t, []int64{0, 1}, flushed)

	mgr := persistence.NewSnapshotManager(db)
	latest, err := mgr.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest)

	// replay the log into a core restored at genesis
	logged, err := mgr.LoadEventsFrom(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, logged, 2)

	replayed := core.NewDeterministicCore(nil, 0, make(chan core.CoreOutput, 4), make(chan core.CoreOutput, 4), core.Options{IdempotencyCapacity: 64})
	require.NoError(t, replayed.RestoreFromSnapshot(h.genesis))
	for _, li := range logged {
		require.NoError(t, replayed.Replay(li.Sequence, li.Payload))
		got := replayed.GetStateHash()
		assert.Equal(t, li.StateHash, got[:], "state hash at %d", li.Sequence)
	}
	assert.Equal(t, h.core.GetStateHash(), replayed.GetStateHash())

	// snapshots are only loaded once verified against the log
	snap, err := h.core.CreateSnapshotState()
	require.NoError(t, err)
	size, err := mgr.SaveSnapshot(ctx, snap, time.Now())
	require.NoError(t, err)
	assert.Positive(t, size)

	loaded, err := mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	ok, err := mgr.VerifySnapshot(ctx, snap.Sequence)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err = mgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, int64(1), loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	// second deduplication tier
	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate("deposit", "k-2")
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = checker.IsDuplicate("deposit", "k-99")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := checker.RecentKeys(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"create_account:k-1", "deposit:k-2"}, keys)
}

func TestMigratorPendingAfterUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	_, err := m.Up(ctx)
	require.NoError(t, err)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
