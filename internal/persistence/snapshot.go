package persistence

import (
	"CrossMargin/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager stores full core snapshots and reads the log back for
// replay. A warm restart loads the latest verified snapshot and replays
// from its sequence + 1.
type SnapshotManager struct {
	db *sql.DB
}

// formatVersion 1: JSON-encoded core.SnapshotState.
const formatVersion int32 = 1

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash[:], formatVersion, len(data), createdAt)
	if err != nil {
		return 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil for
// a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, formatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// VerifySnapshot marks the snapshot verified when its hash matches the
// state hash logged at the same sequence.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64) (bool, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s SET verified = TRUE
		FROM event_log.envelopes e
		WHERE s.sequence = $1 AND e.sequence = $1 AND s.state_hash = e.state_hash
	`, sequence)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoggedInstruction is one replayable entry of the log.
type LoggedInstruction struct {
	Sequence  int64
	Payload   []byte
	StateHash []byte
}

// LoadEventsFrom returns logged instructions with sequence >= fromSequence
// in order, at most limit of them.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]LoggedInstruction, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, payload, state_hash
		FROM event_log.envelopes
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoggedInstruction
	for rows.Next() {
		var li LoggedInstruction
		if err := rows.Scan(&li.Sequence, &li.Payload, &li.StateHash); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, or -1 for an empty
// log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.envelopes`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
