package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hirebridge/pkg/async"
	"github.com/platinummonkey/hirebridge/pkg/masterdata"
	"github.com/platinummonkey/hirebridge/pkg/observability"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
)

type fakeSyncer struct {
	mu      sync.Mutex
	calls   []string
	result  *masterdata.Result
	err     error
	release chan struct{}
}

func (f *fakeSyncer) SyncTenant(ctx context.Context, slug string) (*masterdata.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, slug)
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return f.result, f.err
}

func (f *fakeSyncer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeKeys map[string]string

func (k fakeKeys) GetPublicKey(ctx context.Context, domain string) (string, bool) {
	v, ok := k[domain]
	return v, ok
}

func testRegistry() *tenancy.Registry {
	return tenancy.NewRegistry([]tenancy.TenantConfig{
		{ID: "1", Code: "ACME", Slug: "acme", DSN: "postgres://acme", Upstream: &tenancy.UpstreamLink{DomainURL: "https://acme.hr.example.com", APIToken: "t"}},
		{ID: "2", Slug: "solo", DSN: "postgres://solo"},
	}, nil)
}

func newTestRouter(syncer *fakeSyncer, keys KeySource) (http.Handler, *async.Group) {
	jobs := async.NewGroup(observability.NopLogger(), time.Minute)
	h := NewHandlers(testRegistry(), syncer, keys, jobs, nil)
	registry := prometheus.NewRegistry()
	router := NewRouter(h, observability.NewHealthChecker("test"), registry, observability.NewMetrics(registry), observability.NopLogger())
	return router, jobs
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListTenants(t *testing.T) {
	router, _ := newTestRouter(&fakeSyncer{}, nil)

	rec := do(t, router, http.MethodGet, "/tenants")
	require.Equal(t, http.StatusOK, rec.Code)

	var tenants []TenantView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenants))
	require.Len(t, tenants, 2)
	assert.Equal(t, "acme", tenants[0].Slug)
	assert.True(t, tenants[0].Linked)
	assert.Equal(t, "https://acme.hr.example.com", tenants[0].Domain)
	assert.False(t, tenants[1].Linked)
}

func TestTriggerSync(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		syncer := &fakeSyncer{result: &masterdata.Result{RunID: "r1"}}
		router, jobs := newTestRouter(syncer, nil)

		rec := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, jobs.Wait(ctx))
		assert.Equal(t, []string{"acme"}, syncer.Calls())
	})

	t.Run("busy", func(t *testing.T) {
		syncer := &fakeSyncer{release: make(chan struct{})}
		router, jobs := newTestRouter(syncer, nil)

		first := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync")
		assert.Equal(t, http.StatusAccepted, first.Code)
		second := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync")
		assert.Equal(t, http.StatusConflict, second.Code)

		close(syncer.release)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, jobs.Wait(ctx))
	})

	t.Run("wait returns result", func(t *testing.T) {
		syncer := &fakeSyncer{result: &masterdata.Result{RunID: "r2"}}
		router, _ := newTestRouter(syncer, nil)

		rec := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync?wait=true")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"run_id":"r2"`)
	})

	t.Run("wait with partial failure", func(t *testing.T) {
		syncer := &fakeSyncer{
			result: &masterdata.Result{RunID: "r3"},
			err:    &masterdata.PartialReconciliationError{Failed: map[masterdata.Category]error{masterdata.CategoryJobLevel: errors.New("boom")}},
		}
		router, _ := newTestRouter(syncer, nil)

		rec := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync?wait=1")
		assert.Equal(t, http.StatusMultiStatus, rec.Code)
	})

	t.Run("wait with fetch failure", func(t *testing.T) {
		syncer := &fakeSyncer{err: errors.New("upstream fetch failed")}
		router, _ := newTestRouter(syncer, nil)

		rec := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync?wait=true")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), `"tenant":"acme"`)
	})

	t.Run("invalid wait", func(t *testing.T) {
		router, _ := newTestRouter(&fakeSyncer{}, nil)
		rec := do(t, router, http.MethodPost, "/tenants/acme/master-data/sync?wait=maybe")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		router, _ := newTestRouter(&fakeSyncer{}, nil)
		rec := do(t, router, http.MethodPost, "/tenants/nobody/master-data/sync")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("unlinked tenant", func(t *testing.T) {
		syncer := &fakeSyncer{}
		router, _ := newTestRouter(syncer, nil)
		rec := do(t, router, http.MethodPost, "/tenants/solo/master-data/sync")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Empty(t, syncer.Calls())
	})
}

func TestPublicKey(t *testing.T) {
	keys := fakeKeys{"https://acme.hr.example.com": "PEM"}

	t.Run("found", func(t *testing.T) {
		router, _ := newTestRouter(&fakeSyncer{}, keys)
		rec := do(t, router, http.MethodGet, "/tenants/acme/public-key")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"public_key":"PEM"`)
	})

	t.Run("unavailable", func(t *testing.T) {
		router, _ := newTestRouter(&fakeSyncer{}, fakeKeys{})
		rec := do(t, router, http.MethodGet, "/tenants/acme/public-key")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("tenant without domain", func(t *testing.T) {
		router, _ := newTestRouter(&fakeSyncer{}, keys)
		rec := do(t, router, http.MethodGet, "/tenants/solo/public-key")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestOpsRoutes(t *testing.T) {
	router, _ := newTestRouter(&fakeSyncer{}, nil)

	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, do(t, router, http.MethodGet, "/health/ready").Code)

	do(t, router, http.MethodGet, "/tenants")
	metrics := do(t, router, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "hirebridge_")
}

func TestNewServer(t *testing.T) {
	srv := NewServer(ServerConfig{Host: "127.0.0.1", Port: "9090", ReadTimeout: time.Second}, http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:9090", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
	assert.NotNil(t, srv.Handler)
}
