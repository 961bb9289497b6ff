package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a membership or mirror row does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an insert loses a uniqueness race
	ErrAlreadyExists = errors.New("already exists")
	// ErrIncompleteReference is returned when linking without domain or remote id
	ErrIncompleteReference = errors.New("external reference needs both domain and remote id")
	// ErrMissingGlobalID is returned for identities without a global id
	ErrMissingGlobalID = errors.New("global id is required")
)

// CentralStore persists memberships in the central database
type CentralStore interface {
	GetMembership(ctx context.Context, tenantID, globalID string) (*Membership, error)
	// CreateMembership inserts m unless a row for the pair exists and
	// reports whether it inserted.
	CreateMembership(ctx context.Context, m *Membership) (bool, error)
	// StampJoinDate sets the join date only when it is still NULL and
	// reports whether it changed anything.
	StampJoinDate(ctx context.Context, tenantID, globalID string, at time.Time) (bool, error)
	SetExternalLink(ctx context.Context, tenantID, globalID, ref string, at time.Time) error
}

// TenantUserStore persists mirror rows in one tenant's database
type TenantUserStore interface {
	GetByGlobalID(ctx context.Context, globalID string) (*TenantUserRecord, error)
	// Create inserts r and fills its id and timestamps. A concurrent insert
	// for the same global id yields ErrAlreadyExists.
	Create(ctx context.Context, r *TenantUserRecord) error
	// TouchLogin records login metadata and sets the join date if unset
	TouchLogin(ctx context.Context, globalID string, meta RequestMeta, at time.Time) (*TenantUserRecord, error)
	SetExternalLink(ctx context.Context, globalID, ref string, at time.Time) error
}
