package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container with migrations applied and
// returns its connection string.
func setupPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("eventvault_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, MigratePostgres(connStr))
	// Second run is a no-op.
	require.NoError(t, MigratePostgres(connStr))

	return connStr
}

func TestPostgresStore(t *testing.T) {
	connStr := setupPostgres(t)

	runEventStoreContract(t, func(t *testing.T) EventStore {
		store, err := NewPostgresStore(context.Background(), connStr, PostgresOptions{MaxConns: 4})
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = store.pool.Exec(context.Background(), "TRUNCATE event_logs")
			_ = store.Close()
		})
		return store
	})
}
