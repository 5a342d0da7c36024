package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/strategy-pipeline/internal/storage/migrations"
	"github.com/atlas-desktop/strategy-pipeline/internal/storage/postgres"
)

// testDSNEnv names the database the integration tests run against.
// Unset means the postgres tests are skipped, so the suite passes
// without a running database.
const testDSNEnv = "PIPELINE_TEST_DATABASE_URL"

var testTables = []string{
	"strategies", "validation_cache", "backtest_results", "trades",
	"subaccounts", "emergency_stops", "strategy_events",
	"scheduled_task_executions", "pairs_update_log",
}

// setupTestDB connects to the test database, applies migrations, and
// truncates every table so tests start clean.
func setupTestDB(t *testing.T) *postgres.Pool {
	t.Helper()

	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres tests", testDSNEnv)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err, "connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool), "apply migrations")

	for _, table := range testTables {
		_, err := pool.Exec(ctx, "TRUNCATE TABLE "+table)
		require.NoError(t, err, "truncate %s", table)
	}

	return pool
}
