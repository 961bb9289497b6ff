package identity

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var membershipCols = []string{
	"id", "tenant_id", "global_id", "role", "is_owner", "tenant_join_date",
	"is_integrated", "integrated_at", "external_ref", "created_at", "updated_at",
}

var tenantUserCols = []string{
	"id", "global_id", "name", "email", "password_hash", "role", "is_owner", "tenant_join_date",
	"last_login_ip", "last_login_at", "last_login_user_agent",
	"is_integrated", "integrated_at", "external_ref", "created_at", "updated_at",
}

func TestPostgresCentralStore_GetMembership(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresCentralStore(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("found with nullable columns", func(t *testing.T) {
		rows := sqlmock.NewRows(membershipCols).
			AddRow(1, "t-1", "g-1", "admin", true, now, false, nil, nil, now, now)
		mock.ExpectQuery(`FROM tenant_memberships\s+WHERE tenant_id = \$1 AND global_id = \$2`).
			WithArgs("t-1", "g-1").
			WillReturnRows(rows)

		m, err := store.GetMembership(ctx, "t-1", "g-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.ID)
		assert.Equal(t, RoleAdmin, m.Role)
		assert.True(t, m.IsOwner)
		require.NotNil(t, m.TenantJoinDate)
		assert.Nil(t, m.IntegratedAt)
		assert.Equal(t, "", m.ExternalRef)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(`FROM tenant_memberships`).
			WithArgs("t-1", "missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetMembership(ctx, "t-1", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresCentralStore_CreateMembership(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresCentralStore(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("inserted", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO tenant_memberships .* ON CONFLICT \(tenant_id, global_id\) DO NOTHING`).
			WithArgs("t-1", "g-1", "recruiter", false, sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

		m := &Membership{TenantID: "t-1", GlobalID: "g-1", Role: RoleRecruiter}
		created, err := store.CreateMembership(ctx, m)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(5), m.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict is not an error", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO tenant_memberships`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

		created, err := store.CreateMembership(ctx, &Membership{TenantID: "t-1", GlobalID: "g-1", Role: RoleRecruiter})
		require.NoError(t, err)
		assert.False(t, created)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresCentralStore_StampJoinDate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresCentralStore(db)
	at := time.Now()

	mock.ExpectExec(`UPDATE tenant_memberships\s+SET tenant_join_date = \$3, updated_at = \$3\s+WHERE tenant_id = \$1 AND global_id = \$2 AND tenant_join_date IS NULL`).
		WithArgs("t-1", "g-1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tenant_memberships`).
		WithArgs("t-1", "g-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	stamped, err := store.StampJoinDate(context.Background(), "t-1", "g-1", at)
	require.NoError(t, err)
	assert.True(t, stamped)

	stamped, err = store.StampJoinDate(context.Background(), "t-1", "g-1", at)
	require.NoError(t, err)
	assert.False(t, stamped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCentralStore_SetExternalLink(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresCentralStore(db)
	at := time.Now()

	mock.ExpectExec(`UPDATE tenant_memberships\s+SET is_integrated = TRUE`).
		WithArgs("t-1", "g-1", "https://hr.example.com|9", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.SetExternalLink(context.Background(), "t-1", "g-1", "https://hr.example.com|9", at)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTenantUserStore_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTenantUserStore(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("success", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO tenant_users`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(11, now, now))

		rec := &TenantUserRecord{GlobalID: "g-1", Name: "Alice", Role: RoleRecruiter, TenantJoinDate: &now}
		require.NoError(t, store.Create(ctx, rec))
		assert.Equal(t, int64(11), rec.ID)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO tenant_users`).
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

		err := store.Create(ctx, &TenantUserRecord{GlobalID: "g-1", Role: RoleRecruiter})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other error", func(t *testing.T) {
		mock.ExpectQuery(`INSERT INTO tenant_users`).
			WillReturnError(errors.New("connection reset"))

		err := store.Create(ctx, &TenantUserRecord{GlobalID: "g-1", Role: RoleRecruiter})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrAlreadyExists)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTenantUserStore_TouchLogin(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTenantUserStore(db)
	ctx := context.Background()
	joined := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("keeps join date via coalesce", func(t *testing.T) {
		rows := sqlmock.NewRows(tenantUserCols).AddRow(
			3, "g-1", "Alice", "alice@example.com", "hash", "recruiter", false, joined,
			"10.0.0.9", at, "curl", false, nil, nil, joined, at,
		)
		mock.ExpectQuery(`UPDATE tenant_users\s+SET last_login_ip = \$2, last_login_at = \$3, last_login_user_agent = \$4,\s+tenant_join_date = COALESCE\(tenant_join_date, \$3\)`).
			WithArgs("g-1", "10.0.0.9", at, "curl").
			WillReturnRows(rows)

		rec, err := store.TouchLogin(ctx, "g-1", RequestMeta{IP: "10.0.0.9", UserAgent: "curl"}, at)
		require.NoError(t, err)
		assert.Equal(t, joined, *rec.TenantJoinDate)
		assert.Equal(t, at, *rec.LastLoginAt)
		assert.Equal(t, "10.0.0.9", rec.LastLoginIP)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE tenant_users`).WillReturnError(sql.ErrNoRows)

		_, err := store.TouchLogin(ctx, "nobody", RequestMeta{}, at)
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTenantUserStore_GetByGlobalID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresTenantUserStore(db)
	now := time.Now()

	mock.ExpectQuery(`FROM tenant_users\s+WHERE global_id = \$1`).
		WithArgs("g-2").
		WillReturnRows(sqlmock.NewRows(tenantUserCols).AddRow(
			4, "g-2", "Bob", "bob@example.com", "hash", "owner", true, nil,
			nil, nil, nil, true, now, "https://hr.example.com|5", now, now,
		))

	rec, err := store.GetByGlobalID(context.Background(), "g-2")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, rec.Role)
	assert.Nil(t, rec.TenantJoinDate)
	assert.Equal(t, "https://hr.example.com", rec.Reference().Domain)
	assert.Equal(t, "5", rec.Reference().RemoteID)
	require.NoError(t, mock.ExpectationsWereMet())
}
