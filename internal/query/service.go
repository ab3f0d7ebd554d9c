package query

import (
	"CrossMargin/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxPageSize caps the limit of every history query.
const MaxPageSize = 500

// QueryService provides read-only access to the projection tables. Every
// response carries as_of_sequence, the last envelope the projections have
// applied.
type QueryService struct {
	db      *sql.DB
	funding *projection.FundingHistoryProjection
}

// NewQueryService builds the service. funding may be nil, in which case
// funding history always comes from the database.
func NewQueryService(db *sql.DB, funding *projection.FundingHistoryProjection) *QueryService {
	return &QueryService{db: db, funding: funding}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// GetFills returns fills of market where account was maker or taker, newest
// first. A nil account returns every fill of the market. beforeSeqNum pages
// backwards.
func (qs *QueryService) GetFills(
	ctx context.Context,
	market int,
	account *uuid.UUID,
	limit int,
	beforeSeqNum *int64,
) ([]FillResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT seq_num, sequence, taker_side, maker, maker_order_id, taker, taker_order_id,
		       price, quantity, maker_fee, taker_fee, fill_time
		FROM projections.fills
		WHERE market = $1
	`
	args := []interface{}{market}
	argIdx := 2

	if account != nil {
		query += fmt.Sprintf(" AND (maker = $%d OR taker = $%d)", argIdx, argIdx)
		args = append(args, *account)
		argIdx++
	}
	if beforeSeqNum != nil {
		query += fmt.Sprintf(" AND seq_num < $%d", argIdx)
		args = append(args, *beforeSeqNum)
		argIdx++
	}
	query += " ORDER BY seq_num DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []FillResponse
	for rows.Next() {
		f := FillResponse{Market: market, AsOfSequence: asOfSeq}
		var makerFee, takerFee string
		if err := rows.Scan(
			&f.SeqNum, &f.Sequence, &f.TakerSide, &f.Maker, &f.MakerOrderID, &f.Taker, &f.TakerOrderID,
			&f.Price, &f.Quantity, &makerFee, &takerFee, &f.FillTime,
		); err != nil {
			return nil, err
		}
		if f.MakerFee, err = decimal.NewFromString(makerFee); err != nil {
			return nil, err
		}
		if f.TakerFee, err = decimal.NewFromString(takerFee); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// GetFundingHistory returns the funding accruals of market, newest first.
// Recent entries are served from memory; paging past them reads the table.
func (qs *QueryService) GetFundingHistory(
	ctx context.Context,
	market int,
	limit int,
	beforeSequence *int64,
) ([]FundingHistoryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	if qs.funding != nil && beforeSequence == nil {
		if entries := qs.funding.QueryByMarket(market, limit); len(entries) == limit {
			out := make([]FundingHistoryResponse, len(entries))
			for i, e := range entries {
				out[i] = FundingHistoryResponse{
					Market:       e.Market,
					Sequence:     e.Sequence,
					Oracle:       e.Oracle,
					Delta:        e.Delta,
					LongFunding:  e.LongFunding,
					ShortFunding: e.ShortFunding,
					Timestamp:    e.Timestamp,
					AsOfSequence: asOfSeq,
				}
			}
			return out, nil
		}
	}

	query := `
		SELECT sequence, oracle, delta, long_funding, short_funding, funding_time
		FROM projections.funding_history
		WHERE market = $1
	`
	args := []interface{}{market}
	argIdx := 2
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []FundingHistoryResponse
	for rows.Next() {
		h := FundingHistoryResponse{Market: market, AsOfSequence: asOfSeq}
		var oracle, delta, long, short string
		var at time.Time
		if err := rows.Scan(&h.Sequence, &oracle, &delta, &long, &short, &at); err != nil {
			return nil, err
		}
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{{&h.Oracle, oracle}, {&h.Delta, delta}, {&h.LongFunding, long}, {&h.ShortFunding, short}} {
			if *p.dst, err = decimal.NewFromString(p.src); err != nil {
				return nil, err
			}
		}
		h.Timestamp = at.Unix()
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetLiquidationHistory returns the liquidation records where account was
// liqee or liqor, newest first.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]LiquidationResponse, error) {
	query := `
		SELECT sequence, record_type, liqee, liqor, body, occurred_at
		FROM projections.liquidation_history
		WHERE (liqee = $1 OR liqor = $1)
	`
	args := []interface{}{account}
	argIdx := 2
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC, idx DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		var liqor uuid.NullUUID
		if err := rows.Scan(&r.Sequence, &r.RecordType, &r.Liqee, &liqor, &r.Body, &r.OccurredAt); err != nil {
			return nil, err
		}
		if liqor.Valid {
			id := liqor.UUID
			r.Liqor = &id
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the persisted envelopes in order and reports every
// sequence whose prev_hash does not match the state_hash before it, and
// every missing sequence.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{CheckedUpTo: -1}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, state_hash, prev_hash
		FROM event_log.envelopes
		ORDER BY sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prevSeq int64 = -1
	var prevState []byte
	for rows.Next() {
		var seq int64
		var stateHash, prevHash []byte
		if err := rows.Scan(&seq, &stateHash, &prevHash); err != nil {
			return nil, err
		}
		if seq != prevSeq+1 {
			report.SequenceGaps = append(report.SequenceGaps, prevSeq+1)
		} else if prevState != nil && string(prevHash) != string(prevState) {
			report.HashChainBreaks = append(report.HashChainBreaks, seq)
		}
		prevSeq, prevState = seq, stateHash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.CheckedUpTo = prevSeq
	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.SequenceGaps) == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
