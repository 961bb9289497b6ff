package tenancy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRegistry = `
tenants:
  - id: "1"
    code: ACME
    slug: acme
    dsn: postgres://acme
    upstream:
      domain_url: https://acme.hr.example.com/
      api_token: secret
  - id: "2"
    code: GLOBEX
    slug: globex
    dsn: postgres://globex
    upstream:
      domain_url: https://globex.hr.example.com
      api_token_env: GLOBEX_TOKEN
  - id: "3"
    code: INITECH
    slug: initech
    dsn: postgres://initech
`

func TestParseTenants(t *testing.T) {
	t.Run("valid document", func(t *testing.T) {
		tenants, err := ParseTenants([]byte(sampleRegistry))
		require.NoError(t, err)
		require.Len(t, tenants, 3)

		assert.Equal(t, "acme", tenants[0].Slug)
		assert.Equal(t, "https://acme.hr.example.com", tenants[0].Upstream.DomainURL)
		assert.Nil(t, tenants[2].Upstream)
	})

	t.Run("missing slug", func(t *testing.T) {
		_, err := ParseTenants([]byte("tenants:\n  - id: \"1\"\n    dsn: x\n"))
		assert.ErrorContains(t, err, "slug is required")
	})

	t.Run("missing dsn", func(t *testing.T) {
		_, err := ParseTenants([]byte("tenants:\n  - id: \"1\"\n    slug: a\n"))
		assert.ErrorContains(t, err, "dsn is required")
	})

	t.Run("duplicate slug", func(t *testing.T) {
		doc := "tenants:\n  - {id: \"1\", slug: a, dsn: x}\n  - {id: \"2\", slug: a, dsn: y}\n"
		_, err := ParseTenants([]byte(doc))
		assert.ErrorContains(t, err, "duplicate slug")
	})

	t.Run("duplicate id", func(t *testing.T) {
		doc := "tenants:\n  - {id: \"1\", slug: a, dsn: x}\n  - {id: \"1\", slug: b, dsn: y}\n"
		_, err := ParseTenants([]byte(doc))
		assert.ErrorContains(t, err, "duplicate id")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseTenants([]byte("tenants: ["))
		assert.Error(t, err)
	})
}

func TestTenantConfig_IsLinked(t *testing.T) {
	t.Setenv("GLOBEX_TOKEN", "")
	tenants, err := ParseTenants([]byte(sampleRegistry))
	require.NoError(t, err)

	assert.True(t, tenants[0].IsLinked())
	assert.False(t, tenants[1].IsLinked(), "token env is empty")
	assert.False(t, tenants[2].IsLinked())

	t.Setenv("GLOBEX_TOKEN", "from-env")
	assert.True(t, tenants[1].IsLinked())
	assert.Equal(t, "from-env", tenants[1].Upstream.Token())
}

func TestTenantConfig_Identity(t *testing.T) {
	tc := TenantConfig{ID: "7", Code: "C", Slug: "s", DSN: "d"}
	id := tc.Identity()
	assert.Equal(t, "7", id.ID)
	assert.Equal(t, "C", id.Code)
	assert.Equal(t, "s", id.Slug)
}
