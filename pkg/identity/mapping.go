package identity

import "time"

// MirrorFromMembership builds the tenant-local mirror for a membership.
// Profile and credentials come from the global identity; role, ownership,
// join date and integration fields come from the membership. Login
// metadata is left empty.
func MirrorFromMembership(m *Membership, identity GlobalIdentity) *TenantUserRecord {
	r := &TenantUserRecord{
		GlobalID:     identity.GlobalID,
		Name:         identity.Name,
		Email:        identity.Email,
		PasswordHash: identity.PasswordHash,
		Role:         DefaultRole,
	}
	if m == nil {
		return r
	}
	if m.Role != "" {
		r.Role = m.Role
	}
	r.IsOwner = m.IsOwner
	r.TenantJoinDate = copyTime(m.TenantJoinDate)
	r.IsIntegrated = m.IsIntegrated
	r.IntegratedAt = copyTime(m.IntegratedAt)
	r.ExternalRef = m.ExternalRef
	return r
}

// MembershipFromMirror builds the central membership for a mirror row.
// It is the inverse of MirrorFromMembership for the shared fields.
func MembershipFromMirror(r *TenantUserRecord, tenant Tenant) *Membership {
	m := &Membership{
		TenantID: tenant.ID,
		Role:     DefaultRole,
	}
	if r == nil {
		return m
	}
	m.GlobalID = r.GlobalID
	if r.Role != "" {
		m.Role = r.Role
	}
	m.IsOwner = r.IsOwner
	m.TenantJoinDate = copyTime(r.TenantJoinDate)
	m.IsIntegrated = r.IsIntegrated
	m.IntegratedAt = copyTime(r.IntegratedAt)
	m.ExternalRef = r.ExternalRef
	return m
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
