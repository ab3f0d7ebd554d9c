package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// TestPostgresDSN returns the DSN for integration tests, empty when they
// should be skipped.
func TestPostgresDSN() string {
	return os.Getenv("CM_TEST_POSTGRES_DSN")
}

// TestRedisAddr returns the Redis address for integration tests.
func TestRedisAddr() string {
	return os.Getenv("CM_TEST_REDIS_ADDR")
}

// SetupTestDB opens the integration database, skipping the test when none
// is configured or reachable. The caller runs migrations. Cleanup truncates
// every table the service writes.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := TestPostgresDSN()
	if dsn == "" {
		t.Skip("CM_TEST_POSTGRES_DSN not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	t.Cleanup(func() {
		for _, table := range []string{
			"event_log.records",
			"event_log.envelopes",
			"event_log.snapshots",
			"projections.balances",
			"projections.fills",
			"projections.funding_history",
			"projections.liquidation_history",
			"projections.watermark",
		} {
			db.Exec("TRUNCATE " + table + " CASCADE")
		}
		db.Close()
	})
	return db
}
