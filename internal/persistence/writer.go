package persistence

import (
	"CrossMargin/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes envelopes and their records to Postgres using
// multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.envelopes. Payload is the encoded
// instruction, replayed on recovery.
type EventRow struct {
	Sequence       int64
	Kind           string
	IdempotencyKey string
	Signer         string
	Source         string
	SourceSequence int64
	Payload        []byte
	Records        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// RecordRow is a row in event_log.records: one typed record of an envelope.
type RecordRow struct {
	Sequence   int64
	Index      int
	RecordType string
	Body       []byte
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromEnvelope renders an envelope as its log rows.
func RowsFromEnvelope(env *event.Envelope) (EventRow, []RecordRow, error) {
	records, err := event.EncodeRecords(env.Records)
	if err != nil {
		return EventRow{}, nil, err
	}
	row := EventRow{
		Sequence:       env.Sequence,
		Kind:           env.Kind,
		IdempotencyKey: env.IdempotencyKey,
		Signer:         env.Signer.String(),
		Source:         env.Source,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		Records:        records,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      time.Unix(env.Timestamp, 0).UTC(),
	}

	rows := make([]RecordRow, 0, len(env.Records))
	for i, r := range env.Records {
		body, err := event.EncodeRecords([]event.Record{r})
		if err != nil {
			return EventRow{}, nil, err
		}
		rows = append(rows, RecordRow{
			Sequence:   env.Sequence,
			Index:      i,
			RecordType: r.RecordType().String(),
			Body:       body,
		})
	}
	return row, rows, nil
}

// WriteEventBatch inserts envelopes; replays of an existing sequence are
// ignored.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, events []EventRow, ex execer) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query := `INSERT INTO event_log.envelopes
		(sequence, kind, idempotency_key, signer, source, source_sequence, payload, records, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 11
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.Kind, e.IdempotencyKey, e.Signer, e.Source, e.SourceSequence,
			e.Payload, e.Records, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteRecordBatch inserts the typed records of a batch.
func (w *EventLogWriter) WriteRecordBatch(ctx context.Context, records []RecordRow, ex execer) error {
	if len(records) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query := `INSERT INTO event_log.records (sequence, idx, record_type, body) VALUES `

	const cols = 4
	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*cols)
	for i, r := range records {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, r.Sequence, r.Index, r.RecordType, r.Body)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, idx) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+i)
	}
	sb.WriteByte(')')
	return sb.String()
}
