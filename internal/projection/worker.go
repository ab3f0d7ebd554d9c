package projection

import (
	"CrossMargin/internal/core"
	"CrossMargin/internal/event"
	"CrossMargin/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionWorker turns envelopes into query tables. The projection
// channel drops on full, so the tables are eventually consistent and can be
// rebuilt from the event log with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	funding   *FundingHistoryProjection
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	funding *FundingHistoryProjection,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		funding:   funding,
		metrics:   metrics,
		logger:    logger,
		lastSeq:   -1,
	}
}

func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			start := time.Now()
			if err := pw.processOutput(ctx, output.Envelope); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("projection update failed")
			}
			if pw.lastSeq >= 0 && output.Envelope.Sequence > pw.lastSeq+1 && pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues("gap").Add(float64(output.Envelope.Sequence - pw.lastSeq - 1))
			}
			pw.lastSeq = output.Envelope.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdDur.WithLabelValues("main").Observe(time.Since(start).Seconds())
				pw.metrics.QueryFreshnessLag.WithLabelValues("main").Observe(time.Since(time.Unix(output.Envelope.Timestamp, 0)).Seconds())
			}
		}
	}
}

// LastSequence is the sequence of the last envelope seen.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

func (pw *ProjectionWorker) processOutput(ctx context.Context, env *event.Envelope) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, r := range env.Records {
		if err := pw.project(ctx, tx, env, i, r); err != nil {
			return fmt.Errorf("%s projection: %w", r.RecordType(), err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) project(ctx context.Context, tx *sql.Tx, env *event.Envelope, idx int, r event.Record) error {
	switch rec := r.(type) {
	case *event.Deposit:
		return upsertBalance(ctx, tx, rec.Account.String(), rec.Token, rec.Balance.String(), env.Sequence)
	case *event.Withdraw:
		return upsertBalance(ctx, tx, rec.Account.String(), rec.Token, rec.Balance.String(), env.Sequence)

	case *event.Fill:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.fills
				(market, seq_num, sequence, taker_side, maker, maker_order_id, taker, taker_order_id,
				 price, quantity, maker_fee, taker_fee, fill_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (market, seq_num) DO NOTHING
		`, rec.Market, int64(rec.SeqNum), env.Sequence, rec.TakerSide, rec.Maker, int64(rec.MakerOrderID),
			rec.Taker, int64(rec.TakerOrderID), rec.Price, rec.Quantity,
			rec.MakerFee.String(), rec.TakerFee.String(), time.Unix(rec.Timestamp, 0).UTC())
		return err

	case *event.UpdateFunding:
		if pw.funding != nil {
			pw.funding.AddEntry(FundingHistoryEntry{
				Market:       rec.Market,
				Sequence:     env.Sequence,
				Oracle:       rec.Oracle,
				Delta:        rec.Delta,
				LongFunding:  rec.LongFunding,
				ShortFunding: rec.ShortFunding,
				Timestamp:    env.Timestamp,
			})
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.funding_history
				(market, sequence, oracle, delta, long_funding, short_funding, elapsed, funding_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (market, sequence) DO NOTHING
		`, rec.Market, env.Sequence, rec.Oracle.String(), rec.Delta.String(),
			rec.LongFunding.String(), rec.ShortFunding.String(), rec.Elapsed, time.Unix(env.Timestamp, 0).UTC())
		return err

	case *event.LiquidateTokenAndToken:
		return insertLiquidation(ctx, tx, env, idx, r, rec.Liqee.String(), rec.Liqor.String())
	case *event.LiquidateTokenAndPerp:
		return insertLiquidation(ctx, tx, env, idx, r, rec.Liqee.String(), rec.Liqor.String())
	case *event.LiquidatePerpMarket:
		return insertLiquidation(ctx, tx, env, idx, r, rec.Liqee.String(), rec.Liqor.String())
	case *event.PerpBankruptcy:
		return insertLiquidation(ctx, tx, env, idx, r, rec.Liqee.String(), rec.Liqor.String())
	case *event.TokenBankruptcy:
		return insertLiquidation(ctx, tx, env, idx, r, rec.Liqee.String(), rec.Liqor.String())
	case *event.AccountFlagged:
		return insertLiquidation(ctx, tx, env, idx, r, rec.Account.String(), "")
	}
	return nil
}

func upsertBalance(ctx context.Context, tx *sql.Tx, acct string, token int, balance string, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, token, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, token)
		DO UPDATE SET balance = $3, last_sequence = $4
		WHERE projections.balances.last_sequence < $4
	`, acct, token, balance, seq)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, env *event.Envelope, idx int, r event.Record, liqee, liqor string) error {
	body, err := event.EncodeRecords([]event.Record{r})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history (sequence, idx, record_type, liqee, liqor, body, occurred_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		ON CONFLICT (sequence, idx) DO NOTHING
	`, env.Sequence, idx, r.RecordType().String(), liqee, liqor, body, time.Unix(env.Timestamp, 0).UTC())
	return err
}

// RebuildProjections truncates the query tables and refills them from the
// persisted records. The in-memory funding history is not rebuilt.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.fills`,
		`TRUNCATE projections.funding_history`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// record bodies are [{"type": ..., "data": {...}}]
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, token, balance, last_sequence)
		SELECT DISTINCT ON (d->>'account', (d->>'token')::int)
			d->>'account', (d->>'token')::int, d->>'balance', r.sequence
		FROM event_log.records r, LATERAL (SELECT r.body->0->'data' AS d) x
		WHERE r.record_type IN ('Deposit', 'Withdraw')
		ORDER BY d->>'account', (d->>'token')::int, r.sequence DESC
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.fills
			(market, seq_num, sequence, taker_side, maker, maker_order_id, taker, taker_order_id,
			 price, quantity, maker_fee, taker_fee, fill_time)
		SELECT (d->>'market')::int, (d->>'seq_num')::bigint, r.sequence, d->>'taker_side',
			(d->>'maker')::uuid, (d->>'maker_order_id')::bigint, (d->>'taker')::uuid,
			(d->>'taker_order_id')::bigint, (d->>'price')::bigint, (d->>'quantity')::bigint,
			d->>'maker_fee', d->>'taker_fee', to_timestamp((d->>'timestamp')::bigint)
		FROM event_log.records r, LATERAL (SELECT r.body->0->'data' AS d) x
		WHERE r.record_type = 'Fill'
	`); err != nil {
		return fmt.Errorf("rebuild fills: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history (sequence, idx, record_type, liqee, liqor, body, occurred_at)
		SELECT r.sequence, r.idx, r.record_type,
			COALESCE(d->>'liqee', d->>'account'), d->>'liqor', r.body, e.timestamp
		FROM event_log.records r
		JOIN event_log.envelopes e ON e.sequence = r.sequence,
		LATERAL (SELECT r.body->0->'data' AS d) x
		WHERE r.record_type IN ('LiquidateTokenAndToken', 'LiquidateTokenAndPerp', 'LiquidatePerpMarket',
			'PerpBankruptcy', 'TokenBankruptcy', 'AccountFlagged')
	`); err != nil {
		return fmt.Errorf("rebuild liquidations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
