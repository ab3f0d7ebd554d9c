package main

import (
	"CrossMargin/internal/apperrors"
	"CrossMargin/internal/core"
	"CrossMargin/internal/ingestion"
	"CrossMargin/internal/observability"
	"CrossMargin/internal/persistence"
	"CrossMargin/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// coreLoop is the only goroutine that touches the deterministic core. NATS
// deliveries, API submissions and snapshot captures are serialized here.
type coreLoop struct {
	core     *core.DeterministicCore
	parser   *ingestion.Parser
	snaps    *snapshotter
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger

	captures chan chan captureResult
	lastSnap int64
}

type captureResult struct {
	snap *core.SnapshotState
	err  error
}

func newCoreLoop(
	dc *core.DeterministicCore,
	parser *ingestion.Parser,
	snaps *snapshotter,
	interval int64,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *coreLoop {
	return &coreLoop{
		core:     dc,
		parser:   parser,
		snaps:    snaps,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		captures: make(chan chan captureResult),
		lastSnap: dc.GetSequence() - 1,
	}
}

// Run applies instructions until ctx is cancelled. NATS messages are acked
// once the core has applied or rejected them; unparseable payloads are acked
// too so they are not redelivered forever.
func (l *coreLoop) Run(ctx context.Context, raw <-chan ingestion.RawEvent, subs <-chan ingestion.Submission) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-raw:
			ins, err := l.parser.Parse(ev)
			if err != nil {
				l.logger.Warn().Err(err).Str("subject", ev.Subject).Msg("dropping unparseable message")
				ev.AckFunc()
				continue
			}
			if err := l.core.ProcessInstruction(ins); err != nil {
				l.logger.Debug().Err(err).Str("subject", ev.Subject).Msg("instruction rejected")
			}
			ev.AckFunc()
			l.observeLatency("nats", ev.Timestamp)
			l.maybeSnapshot()

		case sub := <-subs:
			err := l.core.ProcessInstruction(sub.Instruction)
			sub.Done(err)
			l.observeLatency(sub.Origin, sub.Received)
			l.maybeSnapshot()

		case reply := <-l.captures:
			snap, err := l.core.CreateSnapshotState()
			reply <- captureResult{snap: snap, err: err}
		}
	}
}

func (l *coreLoop) observeLatency(source string, since time.Time) {
	if l.metrics != nil && !since.IsZero() {
		l.metrics.IngestToApply.WithLabelValues(source).Observe(time.Since(since).Seconds())
	}
}

// maybeSnapshot hands a capture to the snapshotter every interval sequences.
// A capture is skipped while the previous one is still being written.
func (l *coreLoop) maybeSnapshot() {
	if l.interval <= 0 || l.core.GetSequence()-1-l.lastSnap < l.interval {
		return
	}
	snap, err := l.core.CreateSnapshotState()
	if err != nil {
		l.logger.Error().Err(err).Msg("snapshot capture failed")
		return
	}
	if l.snaps.enqueue(snap) {
		l.lastSnap = snap.Sequence
	}
}

// capture asks the loop for a snapshot of the current state.
func (l *coreLoop) capture(ctx context.Context) (*core.SnapshotState, error) {
	reply := make(chan captureResult, 1)
	select {
	case l.captures <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.snap, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// snapshotter writes snapshots once the envelope at their sequence is
// committed, then verifies them against the logged state hash. Only
// verified snapshots are used for recovery.
type snapshotter struct {
	mgr       *persistence.SnapshotManager
	persisted *atomic.Int64
	queue     chan *core.SnapshotState
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func newSnapshotter(mgr *persistence.SnapshotManager, persisted *atomic.Int64, metrics *observability.Metrics, logger zerolog.Logger) *snapshotter {
	return &snapshotter{
		mgr:       mgr,
		persisted: persisted,
		queue:     make(chan *core.SnapshotState, 1),
		metrics:   metrics,
		logger:    logger,
	}
}

func (s *snapshotter) enqueue(snap *core.SnapshotState) bool {
	select {
	case s.queue <- snap:
		return true
	default:
		return false
	}
}

func (s *snapshotter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-s.queue:
			if err := s.save(ctx, snap); err != nil {
				s.logger.Warn().Err(err).Int64("sequence", snap.Sequence).Msg("periodic snapshot failed")
			}
		}
	}
}

func (s *snapshotter) save(ctx context.Context, snap *core.SnapshotState) error {
	if snap.Sequence < 0 {
		return errors.New("nothing applied yet")
	}
	start := time.Now()
	if err := s.waitPersisted(ctx, snap.Sequence); err != nil {
		return err
	}

	size, err := s.mgr.SaveSnapshot(ctx, snap, time.Now().UTC())
	if err != nil {
		return err
	}
	ok, err := s.mgr.VerifySnapshot(ctx, snap.Sequence)
	if err != nil {
		return fmt.Errorf("verify snapshot %d: %w", snap.Sequence, err)
	}
	if !ok {
		return fmt.Errorf("snapshot %d does not match the logged state hash", snap.Sequence)
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

func (s *snapshotter) waitPersisted(ctx context.Context, seq int64) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.persisted.Load() < seq {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sequence %d to persist: %w", seq, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// adminService backs the admin API.
type adminService struct {
	db     *sql.DB
	mgr    *persistence.SnapshotManager
	loop   *coreLoop
	snaps  *snapshotter
	logger zerolog.Logger
}

func (a *adminService) LatestSequence(ctx context.Context) (int64, error) {
	return a.mgr.GetLatestSequence(ctx)
}

func (a *adminService) RebuildProjections(ctx context.Context) error {
	return projection.RebuildProjections(ctx, a.db, a.logger)
}

func (a *adminService) TakeSnapshot(ctx context.Context) (int64, error) {
	snap, err := a.loop.capture(ctx)
	if err != nil {
		return 0, err
	}
	if snap.Sequence < 0 {
		return -1, apperrors.New(apperrors.CodeNotFound, "no instruction applied yet")
	}
	if err := a.snaps.save(ctx, snap); err != nil {
		return 0, err
	}
	return snap.Sequence, nil
}
