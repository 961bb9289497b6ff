//go:build integration

package masterdata

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/hirebridge/pkg/schema"
	"github.com/platinummonkey/hirebridge/pkg/upstream"
)

func setupTenantDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("tenant_test"),
		postgres.WithUsername("hirebridge"),
		postgres.WithPassword("hirebridge_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	_, err = schema.RunMigrations(ctx, db, schema.Tenant(), nil)
	require.NoError(t, err)
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	db := setupTenantDB(t)
	ctx := context.Background()
	store := NewPostgresStore(db)
	rec := NewReconciler(newFakeFetcher())

	snap := snapshotOf(
		[]upstream.RemotePosition{pos("2", "1", "HRD"), pos("1", "", "CEO")},
		[]upstream.RemoteLevel{level("10", "Junior", 1)},
		[]upstream.RemoteEducation{education("20", "Bachelor", 1)},
	)

	t.Run("first pass creates hierarchy", func(t *testing.T) {
		result := rec.Apply(ctx, store, snap)
		require.NoError(t, result.Err())
		assert.Equal(t, map[string]string{"CEO": "", "HRD": "CEO"}, parentNames(t, store))
	})

	t.Run("second pass is a no-op", func(t *testing.T) {
		result := rec.Apply(ctx, store, snap)
		require.NoError(t, result.Err())
		for _, cr := range result.Categories {
			assert.False(t, cr.Changed())
		}
	})

	t.Run("soft-deleted row is restored", func(t *testing.T) {
		junior := findByName(t, store, CategoryJobLevel, "Junior")
		require.NoError(t, store.SoftDelete(ctx, CategoryJobLevel, junior.ID))

		result := rec.Apply(ctx, store, snap)
		require.NoError(t, result.Err())
		assert.Equal(t, 1, result.Categories[CategoryJobLevel].Restored)

		count, err := store.Count(ctx, CategoryJobLevel, true)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("swapped names converge in one pass", func(t *testing.T) {
		seed := snapshotOf(nil, nil, []upstream.RemoteEducation{
			education("20", "Bachelor", 1),
			education("21", "Master", 2),
		})
		require.NoError(t, rec.Apply(ctx, store, seed).Err())

		result := rec.Apply(ctx, store, snapshotOf(nil, nil, []upstream.RemoteEducation{
			education("20", "Master", 1),
			education("21", "Bachelor", 2),
		}))
		require.NoError(t, result.Err())
		assert.Equal(t, "20", findByName(t, store, CategoryEducation, "Master").ExternalID)
		assert.Equal(t, "21", findByName(t, store, CategoryEducation, "Bachelor").ExternalID)
	})

	t.Run("partial unique index rejects active duplicates", func(t *testing.T) {
		err := store.Insert(ctx, &Node{Category: CategoryEducation, Name: "Bachelor"})
		assert.ErrorIs(t, err, ErrConflict)
	})
}
