package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hirebridge/pkg/extref"
	"github.com/platinummonkey/hirebridge/pkg/observability"
)

// Identity step names recorded in metrics
const (
	stepSyncTenantUser = "sync_tenant_user"
	stepAttach         = "attach"
	stepStampJoinDate  = "stamp_join_date"
	stepLink           = "link"
)

// Synchronizer keeps the central membership and the tenant-local mirror in
// step for join and login events. Every operation is idempotent on its own,
// so callers may retry any subset after a partial failure.
//
// The tenant store is passed per call; the synchronizer never holds a
// reference to an active tenant.
type Synchronizer struct {
	central CentralStore
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// SyncOption configures a Synchronizer
type SyncOption func(*Synchronizer)

// WithSyncLogger sets the logger
func WithSyncLogger(l *observability.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = l }
}

// WithSyncMetrics sets the metrics recorder
func WithSyncMetrics(m *observability.Metrics) SyncOption {
	return func(s *Synchronizer) { s.metrics = m }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.now = now }
}

// NewSynchronizer creates a synchronizer bound to the central store
func NewSynchronizer(central CentralStore, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		central: central,
		logger:  observability.NopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncTenantUser creates or refreshes the tenant-local mirror for identity.
// An existing row only gets new login metadata; its join date is kept. A
// create that loses a race with a concurrent join falls back to the update.
func (s *Synchronizer) SyncTenantUser(ctx context.Context, store TenantUserStore, tenant Tenant, identity GlobalIdentity, meta RequestMeta) (*TenantUserRecord, error) {
	if identity.GlobalID == "" {
		return nil, ErrMissingGlobalID
	}
	log := s.logger.WithTenant(tenant.Slug).WithField("global_id", identity.GlobalID)
	now := s.now()

	_, err := store.GetByGlobalID(ctx, identity.GlobalID)
	switch {
	case err == nil:
		rec, err := store.TouchLogin(ctx, identity.GlobalID, meta, now)
		if err != nil {
			s.metrics.RecordIdentityStep(stepSyncTenantUser, "error")
			return nil, fmt.Errorf("failed to refresh tenant user: %w", err)
		}
		s.metrics.RecordIdentityStep(stepSyncTenantUser, "updated")
		return rec, nil

	case !errors.Is(err, ErrNotFound):
		s.metrics.RecordIdentityStep(stepSyncTenantUser, "error")
		return nil, fmt.Errorf("failed to look up tenant user: %w", err)
	}

	rec := MirrorFromMembership(&Membership{Role: DefaultRole, TenantJoinDate: &now}, identity)
	rec.LastLoginIP = meta.IP
	rec.LastLoginAt = &now
	rec.LastLoginUserAgent = meta.UserAgent

	err = store.Create(ctx, rec)
	if errors.Is(err, ErrAlreadyExists) {
		log.Debug("Concurrent first join detected, updating existing tenant user")
		updated, err := store.TouchLogin(ctx, identity.GlobalID, meta, now)
		if err != nil {
			s.metrics.RecordIdentityStep(stepSyncTenantUser, "error")
			return nil, fmt.Errorf("failed to refresh tenant user after race: %w", err)
		}
		s.metrics.RecordIdentityStep(stepSyncTenantUser, "race")
		return updated, nil
	}
	if err != nil {
		s.metrics.RecordIdentityStep(stepSyncTenantUser, "error")
		return nil, fmt.Errorf("failed to create tenant user: %w", err)
	}

	log.Info("Created tenant user")
	s.metrics.RecordIdentityStep(stepSyncTenantUser, "created")
	return rec, nil
}

// AttachUserToTenant ensures a central membership exists for the pair. An
// existing row is left as is.
func (s *Synchronizer) AttachUserToTenant(ctx context.Context, identity GlobalIdentity, tenant Tenant) error {
	if identity.GlobalID == "" {
		return ErrMissingGlobalID
	}
	m := &Membership{
		TenantID: tenant.ID,
		GlobalID: identity.GlobalID,
		Role:     DefaultRole,
	}
	return s.attach(ctx, tenant, m)
}

func (s *Synchronizer) attach(ctx context.Context, tenant Tenant, m *Membership) error {
	_, err := s.central.GetMembership(ctx, m.TenantID, m.GlobalID)
	if err == nil {
		s.metrics.RecordIdentityStep(stepAttach, "noop")
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.metrics.RecordIdentityStep(stepAttach, "error")
		return fmt.Errorf("failed to look up membership: %w", err)
	}

	created, err := s.central.CreateMembership(ctx, m)
	if err != nil {
		s.metrics.RecordIdentityStep(stepAttach, "error")
		return err
	}
	if !created {
		s.metrics.RecordIdentityStep(stepAttach, "race")
		return nil
	}

	s.logger.WithTenant(tenant.Slug).WithField("global_id", m.GlobalID).Info("Attached user to tenant")
	s.metrics.RecordIdentityStep(stepAttach, "created")
	return nil
}

// UpdateCentralTenantUser stamps the membership join date if it is still
// unset. A missing membership is not an error.
func (s *Synchronizer) UpdateCentralTenantUser(ctx context.Context, identity GlobalIdentity, tenant Tenant) error {
	return s.stampJoinDate(ctx, identity, tenant, s.now())
}

func (s *Synchronizer) stampJoinDate(ctx context.Context, identity GlobalIdentity, tenant Tenant, at time.Time) error {
	if identity.GlobalID == "" {
		return ErrMissingGlobalID
	}

	m, err := s.central.GetMembership(ctx, tenant.ID, identity.GlobalID)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordIdentityStep(stepStampJoinDate, "noop")
		return nil
	}
	if err != nil {
		s.metrics.RecordIdentityStep(stepStampJoinDate, "error")
		return fmt.Errorf("failed to look up membership: %w", err)
	}
	if m.TenantJoinDate != nil {
		s.metrics.RecordIdentityStep(stepStampJoinDate, "noop")
		return nil
	}

	stamped, err := s.central.StampJoinDate(ctx, tenant.ID, identity.GlobalID, at)
	if err != nil {
		s.metrics.RecordIdentityStep(stepStampJoinDate, "error")
		return err
	}
	if stamped {
		s.metrics.RecordIdentityStep(stepStampJoinDate, "updated")
	} else {
		s.metrics.RecordIdentityStep(stepStampJoinDate, "noop")
	}
	return nil
}

// Join runs the full join sequence: refresh the mirror, attach the
// membership, then copy the mirror's join date to the membership.
func (s *Synchronizer) Join(ctx context.Context, store TenantUserStore, tenant Tenant, identity GlobalIdentity, meta RequestMeta) (*TenantUserRecord, error) {
	rec, err := s.SyncTenantUser(ctx, store, tenant, identity, meta)
	if err != nil {
		return nil, err
	}

	if err := s.attach(ctx, tenant, MembershipFromMirror(rec, tenant)); err != nil {
		return rec, fmt.Errorf("failed to attach membership: %w", err)
	}

	joinedAt := s.now()
	if rec.TenantJoinDate != nil {
		joinedAt = *rec.TenantJoinDate
	}
	if err := s.stampJoinDate(ctx, identity, tenant, joinedAt); err != nil {
		return rec, fmt.Errorf("failed to stamp membership join date: %w", err)
	}
	return rec, nil
}

// LinkExternalAccount records the upstream account on both the membership
// and the mirror.
func (s *Synchronizer) LinkExternalAccount(ctx context.Context, store TenantUserStore, tenant Tenant, identity GlobalIdentity, ref extref.Reference) error {
	if identity.GlobalID == "" {
		return ErrMissingGlobalID
	}
	if !ref.IsComplete() {
		return ErrIncompleteReference
	}
	now := s.now()
	packed := ref.String()

	if err := s.central.SetExternalLink(ctx, tenant.ID, identity.GlobalID, packed, now); err != nil {
		s.metrics.RecordIdentityStep(stepLink, "error")
		return fmt.Errorf("failed to link membership: %w", err)
	}
	if err := store.SetExternalLink(ctx, identity.GlobalID, packed, now); err != nil {
		s.metrics.RecordIdentityStep(stepLink, "error")
		return fmt.Errorf("failed to link tenant user: %w", err)
	}

	s.logger.WithTenant(tenant.Slug).WithFields(map[string]interface{}{
		"global_id": identity.GlobalID,
		"domain":    ref.Domain,
	}).Info("Linked external account")
	s.metrics.RecordIdentityStep(stepLink, "updated")
	return nil
}
