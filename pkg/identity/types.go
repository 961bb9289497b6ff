package identity

import (
	"time"

	"github.com/platinummonkey/hirebridge/pkg/extref"
)

// Role is the tenant-scoped role string read by permission checks
type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleRecruiter Role = "recruiter"
)

// DefaultRole is assigned to members that join without an explicit role
const DefaultRole = RoleRecruiter

// GlobalIdentity is the central record of a person
type GlobalIdentity struct {
	GlobalID     string
	Name         string
	Email        string
	PasswordHash string
}

// Tenant identifies an isolated tenant namespace
type Tenant struct {
	ID   string
	Code string
	Slug string
}

// RequestMeta is the client information captured at join or login
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Membership is the central-side row linking a global identity to a tenant
type Membership struct {
	ID             int64
	TenantID       string
	GlobalID       string
	Role           Role
	IsOwner        bool
	TenantJoinDate *time.Time
	IsIntegrated   bool
	IntegratedAt   *time.Time
	ExternalRef    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Reference parses the packed external reference
func (m *Membership) Reference() extref.Reference {
	return extref.Parse(m.ExternalRef)
}

// TenantUserRecord is the tenant-local mirror of an identity
type TenantUserRecord struct {
	ID                 int64
	GlobalID           string
	Name               string
	Email              string
	PasswordHash       string
	Role               Role
	IsOwner            bool
	TenantJoinDate     *time.Time
	LastLoginIP        string
	LastLoginAt        *time.Time
	LastLoginUserAgent string
	IsIntegrated       bool
	IntegratedAt       *time.Time
	ExternalRef        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Reference parses the packed external reference
func (r *TenantUserRecord) Reference() extref.Reference {
	return extref.Parse(r.ExternalRef)
}
