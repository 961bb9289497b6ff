package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hirebridge/pkg/extref"
	"github.com/platinummonkey/hirebridge/pkg/observability"
)

var (
	acme  = Tenant{ID: "t-1", Code: "ACME", Slug: "acme"}
	alice = GlobalIdentity{GlobalID: "g-alice", Name: "Alice", Email: "alice@example.com", PasswordHash: "$2y$hash"}
)

func newTestSynchronizer() (*Synchronizer, *fakeCentral, *stepClock) {
	clock := &stepClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	central := newFakeCentral()
	return NewSynchronizer(central, WithClock(clock.Now)), central, clock
}

func TestSyncTenantUser(t *testing.T) {
	ctx := context.Background()

	t.Run("creates mirror on first join", func(t *testing.T) {
		syncer, _, clock := newTestSynchronizer()
		users := newFakeTenantUsers()

		rec, err := syncer.SyncTenantUser(ctx, users, acme, alice, RequestMeta{IP: "10.0.0.1", UserAgent: "curl"})
		require.NoError(t, err)

		assert.Equal(t, alice.GlobalID, rec.GlobalID)
		assert.Equal(t, alice.Name, rec.Name)
		assert.Equal(t, alice.Email, rec.Email)
		assert.Equal(t, alice.PasswordHash, rec.PasswordHash)
		assert.Equal(t, RoleRecruiter, rec.Role)
		assert.False(t, rec.IsOwner)
		require.NotNil(t, rec.TenantJoinDate)
		assert.Equal(t, clock.Now(), *rec.TenantJoinDate)
		assert.Equal(t, "10.0.0.1", rec.LastLoginIP)
		assert.Equal(t, "curl", rec.LastLoginUserAgent)
		assert.Equal(t, 1, users.count())
	})

	t.Run("join date is immutable across logins", func(t *testing.T) {
		syncer, _, clock := newTestSynchronizer()
		users := newFakeTenantUsers()

		first, err := syncer.SyncTenantUser(ctx, users, acme, alice, RequestMeta{IP: "10.0.0.1"})
		require.NoError(t, err)
		joined := *first.TenantJoinDate

		clock.Advance(48 * time.Hour)
		second, err := syncer.SyncTenantUser(ctx, users, acme, alice, RequestMeta{IP: "10.0.0.2", UserAgent: "firefox"})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, joined, *second.TenantJoinDate)
		assert.Equal(t, "10.0.0.2", second.LastLoginIP)
		assert.Equal(t, "firefox", second.LastLoginUserAgent)
		assert.Equal(t, clock.Now(), *second.LastLoginAt)
		assert.Equal(t, 1, users.count())
	})

	t.Run("existing row without join date gets one", func(t *testing.T) {
		syncer, _, clock := newTestSynchronizer()
		users := newFakeTenantUsers()
		users.rows[alice.GlobalID] = &TenantUserRecord{ID: 9, GlobalID: alice.GlobalID, Role: RoleAdmin}

		rec, err := syncer.SyncTenantUser(ctx, users, acme, alice, RequestMeta{})
		require.NoError(t, err)
		require.NotNil(t, rec.TenantJoinDate)
		assert.Equal(t, clock.Now(), *rec.TenantJoinDate)
		assert.Equal(t, RoleAdmin, rec.Role)
	})

	t.Run("uniqueness race becomes an update", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := observability.NewMetrics(registry)
		central := newFakeCentral()
		syncer := NewSynchronizer(central, WithSyncMetrics(metrics))

		users := newFakeTenantUsers()
		users.raceOnCreate = true

		rec, err := syncer.SyncTenantUser(ctx, users, acme, alice, RequestMeta{IP: "10.0.0.3"})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.3", rec.LastLoginIP)
		assert.Equal(t, 1, users.count())
		assert.Equal(t, 1, users.createCalls)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.IdentitySyncTotal.WithLabelValues(stepSyncTenantUser, "race")))
	})

	t.Run("missing global id", func(t *testing.T) {
		syncer, _, _ := newTestSynchronizer()
		_, err := syncer.SyncTenantUser(ctx, newFakeTenantUsers(), acme, GlobalIdentity{}, RequestMeta{})
		assert.ErrorIs(t, err, ErrMissingGlobalID)
	})
}

func TestAttachUserToTenant(t *testing.T) {
	ctx := context.Background()

	t.Run("twice leaves one row", func(t *testing.T) {
		syncer, central, _ := newTestSynchronizer()

		require.NoError(t, syncer.AttachUserToTenant(ctx, alice, acme))
		require.NoError(t, syncer.AttachUserToTenant(ctx, alice, acme))

		assert.Equal(t, 1, central.count())
		m, err := central.GetMembership(ctx, acme.ID, alice.GlobalID)
		require.NoError(t, err)
		assert.Equal(t, RoleRecruiter, m.Role)
		assert.Nil(t, m.TenantJoinDate)
	})

	t.Run("concurrent joins leave one row", func(t *testing.T) {
		syncer, central, _ := newTestSynchronizer()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, syncer.AttachUserToTenant(ctx, alice, acme))
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, central.count())
	})

	t.Run("existing membership is untouched", func(t *testing.T) {
		syncer, central, _ := newTestSynchronizer()
		_, err := central.CreateMembership(ctx, &Membership{TenantID: acme.ID, GlobalID: alice.GlobalID, Role: RoleOwner, IsOwner: true})
		require.NoError(t, err)

		require.NoError(t, syncer.AttachUserToTenant(ctx, alice, acme))

		m, err := central.GetMembership(ctx, acme.ID, alice.GlobalID)
		require.NoError(t, err)
		assert.Equal(t, RoleOwner, m.Role)
		assert.True(t, m.IsOwner)
	})
}

func TestUpdateCentralTenantUser(t *testing.T) {
	ctx := context.Background()

	t.Run("no membership is a no-op", func(t *testing.T) {
		syncer, central, _ := newTestSynchronizer()
		require.NoError(t, syncer.UpdateCentralTenantUser(ctx, alice, acme))
		assert.Equal(t, 0, central.count())
	})

	t.Run("stamps null join date once", func(t *testing.T) {
		syncer, central, clock := newTestSynchronizer()
		require.NoError(t, syncer.AttachUserToTenant(ctx, alice, acme))

		require.NoError(t, syncer.UpdateCentralTenantUser(ctx, alice, acme))
		first := clock.Now()

		clock.Advance(time.Hour)
		require.NoError(t, syncer.UpdateCentralTenantUser(ctx, alice, acme))

		m, err := central.GetMembership(ctx, acme.ID, alice.GlobalID)
		require.NoError(t, err)
		require.NotNil(t, m.TenantJoinDate)
		assert.Equal(t, first, *m.TenantJoinDate)
	})
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	syncer, central, clock := newTestSynchronizer()
	users := newFakeTenantUsers()

	rec, err := syncer.Join(ctx, users, acme, alice, RequestMeta{IP: "10.1.1.1"})
	require.NoError(t, err)

	m, err := central.GetMembership(ctx, acme.ID, alice.GlobalID)
	require.NoError(t, err)
	require.NotNil(t, m.TenantJoinDate)
	assert.Equal(t, *rec.TenantJoinDate, *m.TenantJoinDate)
	assert.Equal(t, RoleRecruiter, m.Role)

	// Re-running the sequence converges on the same state.
	clock.Advance(24 * time.Hour)
	again, err := syncer.Join(ctx, users, acme, alice, RequestMeta{IP: "10.1.1.2"})
	require.NoError(t, err)

	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, *rec.TenantJoinDate, *again.TenantJoinDate)
	assert.Equal(t, 1, users.count())
	assert.Equal(t, 1, central.count())

	m, err = central.GetMembership(ctx, acme.ID, alice.GlobalID)
	require.NoError(t, err)
	assert.Equal(t, *rec.TenantJoinDate, *m.TenantJoinDate)
}

func TestLinkExternalAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("incomplete reference", func(t *testing.T) {
		syncer, _, _ := newTestSynchronizer()
		err := syncer.LinkExternalAccount(ctx, newFakeTenantUsers(), acme, alice, extref.Parse("|123"))
		assert.ErrorIs(t, err, ErrIncompleteReference)
	})

	t.Run("links both stores", func(t *testing.T) {
		syncer, central, _ := newTestSynchronizer()
		users := newFakeTenantUsers()
		_, err := syncer.Join(ctx, users, acme, alice, RequestMeta{})
		require.NoError(t, err)

		ref := extref.New("https://hr.example.com/", "42")
		require.NoError(t, syncer.LinkExternalAccount(ctx, users, acme, alice, ref))

		m, err := central.GetMembership(ctx, acme.ID, alice.GlobalID)
		require.NoError(t, err)
		assert.True(t, m.IsIntegrated)
		assert.Equal(t, "https://hr.example.com|42", m.ExternalRef)
		assert.Equal(t, ref, m.Reference())

		rec, err := users.GetByGlobalID(ctx, alice.GlobalID)
		require.NoError(t, err)
		assert.True(t, rec.IsIntegrated)
		assert.Equal(t, m.ExternalRef, rec.ExternalRef)
	})

	t.Run("membership missing", func(t *testing.T) {
		syncer, _, _ := newTestSynchronizer()
		err := syncer.LinkExternalAccount(ctx, newFakeTenantUsers(), acme, alice, extref.New("https://hr.example.com", "1"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMappingRoundTrip(t *testing.T) {
	joined := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &Membership{
		TenantID:       acme.ID,
		GlobalID:       alice.GlobalID,
		Role:           RoleAdmin,
		IsOwner:        true,
		TenantJoinDate: &joined,
		IsIntegrated:   true,
		IntegratedAt:   &joined,
		ExternalRef:    "https://hr.example.com|7",
	}

	mirror := MirrorFromMembership(m, alice)
	assert.Equal(t, alice.Email, mirror.Email)
	assert.Equal(t, RoleAdmin, mirror.Role)
	assert.True(t, mirror.IsOwner)

	back := MembershipFromMirror(mirror, acme)
	assert.Equal(t, m.TenantID, back.TenantID)
	assert.Equal(t, m.GlobalID, back.GlobalID)
	assert.Equal(t, m.Role, back.Role)
	assert.Equal(t, m.IsOwner, back.IsOwner)
	assert.Equal(t, *m.TenantJoinDate, *back.TenantJoinDate)
	assert.Equal(t, m.ExternalRef, back.ExternalRef)

	// Mapped values are copies.
	*mirror.TenantJoinDate = joined.Add(time.Hour)
	assert.Equal(t, joined, *m.TenantJoinDate)

	assert.Equal(t, DefaultRole, MirrorFromMembership(nil, alice).Role)
	assert.Equal(t, DefaultRole, MembershipFromMirror(nil, acme).Role)
}
