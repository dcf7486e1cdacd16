package backend

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *PGRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("trackit_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := NewPGRepository(ctx, pool, logger)
	require.NoError(t, err)

	// schema creation is idempotent
	_, err = NewPGRepository(ctx, pool, logger)
	require.NoError(t, err)
	return repo
}

func TestPGRepository(t *testing.T) {
	repo := setupPostgres(t)
	ctx := context.Background()

	t.Run("crud", func(t *testing.T) {
		id, err := repo.Create(ctx, Entry{UserID: "alice", MetricTypeID: 1, Value: 78.3, Day: "2024-01-05", IsHealthBridge: true})
		require.NoError(t, err)
		assert.Positive(t, id)

		entries, total, err := repo.List(ctx, "alice", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, entries, 1)
		assert.Equal(t, id, entries[0].ID)
		assert.Equal(t, 78.3, entries[0].Value)
		assert.Equal(t, "2024-01-05", entries[0].Day)
		assert.True(t, entries[0].IsHealthBridge)
		assert.False(t, entries[0].CreatedAt.IsZero())

		require.NoError(t, repo.Update(ctx, "alice", id, 77.9, "2024-01-06"))
		entries, _, err = repo.List(ctx, "alice", 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 77.9, entries[0].Value)
		assert.Equal(t, "2024-01-06", entries[0].Day)

		require.NoError(t, repo.Delete(ctx, "alice", id))
		assert.ErrorIs(t, repo.Delete(ctx, "alice", id), ErrNotFound)
		assert.ErrorIs(t, repo.Update(ctx, "alice", id, 1, "2024-01-06"), ErrNotFound)
	})

	t.Run("scoped per user", func(t *testing.T) {
		id, err := repo.Create(ctx, Entry{UserID: "bob", MetricTypeID: 2, Value: 181, Day: "2024-02-01"})
		require.NoError(t, err)

		assert.ErrorIs(t, repo.Delete(ctx, "carol", id), ErrNotFound)
		assert.ErrorIs(t, repo.Update(ctx, "carol", id, 180, "2024-02-01"), ErrNotFound)

		entries, total, err := repo.List(ctx, "carol", 10, 0)
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, entries)
	})

	t.Run("paging", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			_, err := repo.Create(ctx, Entry{UserID: "dave", MetricTypeID: 4, Value: 80 + float64(i), Day: "2024-03-01"})
			require.NoError(t, err)
		}
		first, total, err := repo.List(ctx, "dave", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, first, 2)

		last, _, err := repo.List(ctx, "dave", 2, 4)
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, 84.0, last[0].Value)
		assert.Less(t, first[1].ID, last[0].ID)
	})

	t.Run("rejects unknown metric type", func(t *testing.T) {
		_, err := repo.Create(ctx, Entry{UserID: "alice", MetricTypeID: 42, Value: 1, Day: "2024-01-05"})
		assert.Error(t, err)
	})
}
