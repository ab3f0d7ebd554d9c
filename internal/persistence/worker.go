package persistence

import (
	"CrossMargin/internal/core"
	"CrossMargin/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes envelopes
// to Postgres. The core sends on that channel blocking, so a slow worker
// stalls the core instead of losing events.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onFlushed, when set, receives every batch after it is committed.
	onFlushed func([]core.CoreOutput)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnFlushed registers a callback for committed batches, such as the
// outbound publisher. It must be set before Run.
func (pw *PersistenceWorker) OnFlushed(fn func([]core.CoreOutput)) {
	pw.onFlushed = fn
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when ctx is cancelled or the input
// channel is closed, flushing what it holds first.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("envelopes", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}
			batch = append(batch, output)
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt runs without ctx.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("envelopes", len(batch)).Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush")
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	var records []RecordRow
	for _, out := range batch {
		row, recs, err := RowsFromEnvelope(out.Envelope)
		if err != nil {
			pw.countError("encode")
			return err
		}
		events = append(events, row)
		records = append(records, recs...)
	}

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, events, tx); err != nil {
		pw.countError("write_envelopes")
		return err
	}
	if err := pw.writer.WriteRecordBatch(ctx, records, tx); err != nil {
		pw.countError("write_records")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	if pw.onFlushed != nil {
		pw.onFlushed(batch)
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// Writer exposes the underlying writer.
func (pw *PersistenceWorker) Writer() *EventLogWriter {
	return pw.writer
}
