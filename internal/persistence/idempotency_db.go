package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the second deduplication tier: it looks the
// key up in the persisted event log.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether an envelope with this kind and key exists.
func (pic *PostgresIdempotencyChecker) IsDuplicate(kind string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.envelopes
		WHERE kind = $1 AND idempotency_key = $2
		LIMIT 1
	`, kind, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite keys of the last n envelopes up to and
// including sequence, oldest first, for warming the in-memory tier.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, upTo int64, n int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT kind || ':' || idempotency_key FROM (
			SELECT kind, idempotency_key, sequence FROM event_log.envelopes
			WHERE sequence <= $1
			ORDER BY sequence DESC
			LIMIT $2
		) recent ORDER BY sequence ASC
	`, upTo, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
