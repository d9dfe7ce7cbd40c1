package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"yield-alerts/internal/config"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("yieldwatch"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations are idempotent")
	return pool
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	pool := setupPostgres(t)
	store := NewStore(pool)
	ctx := context.Background()

	empty, err := LoadState(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, empty.Conditions)
	assert.Empty(t, empty.Alerts)
	assert.True(t, empty.Snapshot.IsZero())

	conditions, alerts, snap := sampleState(t)
	require.NoError(t, store.SaveConditions(ctx, conditions))
	require.NoError(t, store.SaveAlerts(ctx, alerts))
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	// Replacing drops rows that are no longer present.
	require.NoError(t, store.SaveConditions(ctx, conditions[:1]))
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	st, err := LoadState(ctx, store)
	require.NoError(t, err)
	require.Len(t, st.Conditions, 1)
	assert.Equal(t, conditions[0].Rule, st.Conditions[0].Rule)
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, alerts[0].ID, st.Alerts[0].ID)
	assert.Equal(t, snap.Len(), st.Snapshot.Len())
}

func TestPostgresAdvisoryLock(t *testing.T) {
	pool := setupPostgres(t)
	store := NewStore(pool)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok, "second session cannot take the lock")

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}
