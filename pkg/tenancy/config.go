// Package tenancy loads the tenant registry and hands out per-tenant
// database handles.
package tenancy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/hirebridge/pkg/extref"
	"github.com/platinummonkey/hirebridge/pkg/identity"
)

var (
	// ErrTenantNotFound is returned for unknown slugs
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrTenantNotLinked is returned when a tenant has no upstream link
	ErrTenantNotLinked = errors.New("tenant has no upstream link")
)

// UpstreamLink connects a tenant to its upstream HR platform. The API token
// may be given inline or through an environment variable.
type UpstreamLink struct {
	DomainURL   string `yaml:"domain_url"`
	APIToken    string `yaml:"api_token,omitempty"`
	APITokenEnv string `yaml:"api_token_env,omitempty"`
}

// Token resolves the API token
func (l *UpstreamLink) Token() string {
	if l == nil {
		return ""
	}
	if l.APIToken != "" {
		return l.APIToken
	}
	if l.APITokenEnv != "" {
		return os.Getenv(l.APITokenEnv)
	}
	return ""
}

// TenantConfig describes one tenant
type TenantConfig struct {
	ID       string        `yaml:"id"`
	Code     string        `yaml:"code"`
	Slug     string        `yaml:"slug"`
	DSN      string        `yaml:"dsn"`
	Upstream *UpstreamLink `yaml:"upstream,omitempty"`
}

// Identity returns the tenant as seen by the identity synchronizer
func (t TenantConfig) Identity() identity.Tenant {
	return identity.Tenant{ID: t.ID, Code: t.Code, Slug: t.Slug}
}

// IsLinked reports whether the tenant has a usable upstream link
func (t TenantConfig) IsLinked() bool {
	return t.Upstream != nil && extref.NormalizeDomain(t.Upstream.DomainURL) != "" && t.Upstream.Token() != ""
}

type registryFile struct {
	Tenants []TenantConfig `yaml:"tenants"`
}

// ParseTenants decodes and validates a registry document
func ParseTenants(data []byte) ([]TenantConfig, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tenant registry: %w", err)
	}

	seenSlug := make(map[string]bool, len(file.Tenants))
	seenID := make(map[string]bool, len(file.Tenants))
	for i := range file.Tenants {
		t := &file.Tenants[i]
		t.Slug = strings.TrimSpace(t.Slug)
		if t.Slug == "" {
			return nil, fmt.Errorf("tenant #%d: slug is required", i+1)
		}
		if t.ID == "" {
			return nil, fmt.Errorf("tenant %s: id is required", t.Slug)
		}
		if t.DSN == "" {
			return nil, fmt.Errorf("tenant %s: dsn is required", t.Slug)
		}
		if seenSlug[t.Slug] {
			return nil, fmt.Errorf("tenant %s: duplicate slug", t.Slug)
		}
		if seenID[t.ID] {
			return nil, fmt.Errorf("tenant %s: duplicate id %s", t.Slug, t.ID)
		}
		seenSlug[t.Slug] = true
		seenID[t.ID] = true
		if t.Upstream != nil {
			t.Upstream.DomainURL = extref.NormalizeDomain(t.Upstream.DomainURL)
		}
	}
	return file.Tenants, nil
}

// LoadTenants reads a registry file
func LoadTenants(path string) ([]TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant registry: %w", err)
	}
	return ParseTenants(data)
}
