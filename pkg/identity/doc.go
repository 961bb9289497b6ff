// Package identity reconciles a global user's membership in a tenant across
// the central membership table and the tenant-local user mirror.
//
// A join runs three independently idempotent steps:
//
//	rec, err := syncer.SyncTenantUser(ctx, tenantUsers, tenant, who, meta)
//	err = syncer.AttachUserToTenant(ctx, who, tenant)
//	err = syncer.UpdateCentralTenantUser(ctx, who, tenant)
//
// Join runs all three in order. The join date is written once and never
// overwritten by later logins.
package identity
