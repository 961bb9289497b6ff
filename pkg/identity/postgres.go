package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// PostgresCentralStore implements CentralStore on the central database
type PostgresCentralStore struct {
	db *sql.DB
}

// NewPostgresCentralStore creates a central store
func NewPostgresCentralStore(db *sql.DB) *PostgresCentralStore {
	return &PostgresCentralStore{db: db}
}

const membershipColumns = `id, tenant_id, global_id, role, is_owner, tenant_join_date,
		       is_integrated, integrated_at, external_ref, created_at, updated_at`

// GetMembership returns ErrNotFound when the pair has no row
func (s *PostgresCentralStore) GetMembership(ctx context.Context, tenantID, globalID string) (*Membership, error) {
	query := `
		SELECT ` + membershipColumns + `
		FROM tenant_memberships
		WHERE tenant_id = $1 AND global_id = $2
	`
	m := &Membership{}
	var joinDate, integratedAt sql.NullTime
	var externalRef sql.NullString
	err := s.db.QueryRowContext(ctx, query, tenantID, globalID).Scan(
		&m.ID, &m.TenantID, &m.GlobalID, &m.Role, &m.IsOwner, &joinDate,
		&m.IsIntegrated, &integratedAt, &externalRef, &m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	m.TenantJoinDate = timePtr(joinDate)
	m.IntegratedAt = timePtr(integratedAt)
	m.ExternalRef = externalRef.String
	return m, nil
}

// CreateMembership inserts the row unless the pair already exists
func (s *PostgresCentralStore) CreateMembership(ctx context.Context, m *Membership) (bool, error) {
	query := `
		INSERT INTO tenant_memberships (tenant_id, global_id, role, is_owner, tenant_join_date,
		                                is_integrated, integrated_at, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, global_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		m.TenantID, m.GlobalID, m.Role, m.IsOwner, nullTime(m.TenantJoinDate),
		m.IsIntegrated, nullTime(m.IntegratedAt), nullString(m.ExternalRef),
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create membership: %w", err)
	}
	return true, nil
}

// StampJoinDate never overwrites an existing join date
func (s *PostgresCentralStore) StampJoinDate(ctx context.Context, tenantID, globalID string, at time.Time) (bool, error) {
	query := `
		UPDATE tenant_memberships
		SET tenant_join_date = $3, updated_at = $3
		WHERE tenant_id = $1 AND global_id = $2 AND tenant_join_date IS NULL
	`
	result, err := s.db.ExecContext(ctx, query, tenantID, globalID, at)
	if err != nil {
		return false, fmt.Errorf("failed to stamp join date: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// SetExternalLink marks the membership as integrated with ref
func (s *PostgresCentralStore) SetExternalLink(ctx context.Context, tenantID, globalID, ref string, at time.Time) error {
	query := `
		UPDATE tenant_memberships
		SET is_integrated = TRUE, integrated_at = COALESCE(integrated_at, $4),
		    external_ref = $3, updated_at = $4
		WHERE tenant_id = $1 AND global_id = $2
	`
	result, err := s.db.ExecContext(ctx, query, tenantID, globalID, ref, at)
	if err != nil {
		return fmt.Errorf("failed to link membership: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PostgresTenantUserStore implements TenantUserStore on a tenant database
type PostgresTenantUserStore struct {
	db *sql.DB
}

// NewPostgresTenantUserStore creates a tenant user store
func NewPostgresTenantUserStore(db *sql.DB) *PostgresTenantUserStore {
	return &PostgresTenantUserStore{db: db}
}

const tenantUserColumns = `id, global_id, name, email, password_hash, role, is_owner, tenant_join_date,
		       last_login_ip, last_login_at, last_login_user_agent,
		       is_integrated, integrated_at, external_ref, created_at, updated_at`

func scanTenantUser(row interface{ Scan(...interface{}) error }) (*TenantUserRecord, error) {
	r := &TenantUserRecord{}
	var joinDate, lastLoginAt, integratedAt sql.NullTime
	var lastLoginIP, lastLoginUA, externalRef sql.NullString
	if err := row.Scan(
		&r.ID, &r.GlobalID, &r.Name, &r.Email, &r.PasswordHash, &r.Role, &r.IsOwner, &joinDate,
		&lastLoginIP, &lastLoginAt, &lastLoginUA,
		&r.IsIntegrated, &integratedAt, &externalRef, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.TenantJoinDate = timePtr(joinDate)
	r.LastLoginAt = timePtr(lastLoginAt)
	r.IntegratedAt = timePtr(integratedAt)
	r.LastLoginIP = lastLoginIP.String
	r.LastLoginUserAgent = lastLoginUA.String
	r.ExternalRef = externalRef.String
	return r, nil
}

// GetByGlobalID returns ErrNotFound when the identity has no mirror yet
func (s *PostgresTenantUserStore) GetByGlobalID(ctx context.Context, globalID string) (*TenantUserRecord, error) {
	query := `
		SELECT ` + tenantUserColumns + `
		FROM tenant_users
		WHERE global_id = $1
	`
	r, err := scanTenantUser(s.db.QueryRowContext(ctx, query, globalID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant user: %w", err)
	}
	return r, nil
}

// Create inserts a mirror row
func (s *PostgresTenantUserStore) Create(ctx context.Context, r *TenantUserRecord) error {
	query := `
		INSERT INTO tenant_users (global_id, name, email, password_hash, role, is_owner, tenant_join_date,
		                          last_login_ip, last_login_at, last_login_user_agent,
		                          is_integrated, integrated_at, external_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		r.GlobalID, r.Name, r.Email, r.PasswordHash, r.Role, r.IsOwner, nullTime(r.TenantJoinDate),
		nullString(r.LastLoginIP), nullTime(r.LastLoginAt), nullString(r.LastLoginUserAgent),
		r.IsIntegrated, nullTime(r.IntegratedAt), nullString(r.ExternalRef),
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create tenant user: %w", err)
	}
	return nil
}

// TouchLogin updates login metadata and fills the join date only when NULL
func (s *PostgresTenantUserStore) TouchLogin(ctx context.Context, globalID string, meta RequestMeta, at time.Time) (*TenantUserRecord, error) {
	query := `
		UPDATE tenant_users
		SET last_login_ip = $2, last_login_at = $3, last_login_user_agent = $4,
		    tenant_join_date = COALESCE(tenant_join_date, $3), updated_at = $3
		WHERE global_id = $1
		RETURNING ` + tenantUserColumns

	r, err := scanTenantUser(s.db.QueryRowContext(ctx, query,
		globalID, nullString(meta.IP), at, nullString(meta.UserAgent),
	))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant user login: %w", err)
	}
	return r, nil
}

// SetExternalLink marks the mirror row as integrated with ref
func (s *PostgresTenantUserStore) SetExternalLink(ctx context.Context, globalID, ref string, at time.Time) error {
	query := `
		UPDATE tenant_users
		SET is_integrated = TRUE, integrated_at = COALESCE(integrated_at, $3),
		    external_ref = $2, updated_at = $3
		WHERE global_id = $1
	`
	result, err := s.db.ExecContext(ctx, query, globalID, ref, at)
	if err != nil {
		return fmt.Errorf("failed to link tenant user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
