// Package ops serves the daemon's operational HTTP endpoints.
package ops

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/hirebridge/pkg/async"
	"github.com/platinummonkey/hirebridge/pkg/httputil"
	"github.com/platinummonkey/hirebridge/pkg/masterdata"
	"github.com/platinummonkey/hirebridge/pkg/observability"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
)

// Tenants looks up registry entries
type Tenants interface {
	Get(slug string) (tenancy.TenantConfig, bool)
	List() []tenancy.TenantConfig
}

// Syncer runs a master-data pass for one tenant
type Syncer interface {
	SyncTenant(ctx context.Context, slug string) (*masterdata.Result, error)
}

// KeySource resolves upstream public keys
type KeySource interface {
	GetPublicKey(ctx context.Context, domainURL string) (string, bool)
}

// Handlers serves tenant-level operations
type Handlers struct {
	tenants Tenants
	syncer  Syncer
	keys    KeySource
	jobs    *async.Group
	logger  *observability.Logger
}

// NewHandlers creates the ops handlers. keys may be nil when SSO is not
// configured.
func NewHandlers(tenants Tenants, syncer Syncer, keys KeySource, jobs *async.Group, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handlers{tenants: tenants, syncer: syncer, keys: keys, jobs: jobs, logger: logger}
}

// RegisterRoutes registers the tenant routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants", h.listTenants).Methods("GET")
	router.HandleFunc("/tenants/{slug}/master-data/sync", h.triggerSync).Methods("POST")
	router.HandleFunc("/tenants/{slug}/public-key", h.publicKey).Methods("GET")
}

// TenantView is the public form of a registry entry
type TenantView struct {
	Slug    string `json:"slug"`
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Domain  string `json:"domain,omitempty"`
	Linked  bool   `json:"linked"`
	Syncing bool   `json:"syncing"`
}

func (h *Handlers) view(t tenancy.TenantConfig) TenantView {
	v := TenantView{Slug: t.Slug, ID: t.ID, Code: t.Code, Linked: t.IsLinked(), Syncing: h.jobs.Running(syncKey(t.Slug))}
	if t.Upstream != nil {
		v.Domain = t.Upstream.DomainURL
	}
	return v
}

func syncKey(slug string) string {
	return "masterdata-sync:" + slug
}

func (h *Handlers) listTenants(w http.ResponseWriter, r *http.Request) {
	tenants := h.tenants.List()
	out := make([]TenantView, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, h.view(t))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// lookup resolves the {slug} path variable or writes the error response
func (h *Handlers) lookup(w http.ResponseWriter, r *http.Request) (tenancy.TenantConfig, bool) {
	slug, err := httputil.PathString(r, "slug")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return tenancy.TenantConfig{}, false
	}
	t, ok := h.tenants.Get(slug)
	if !ok {
		httputil.WriteNotFoundError(w, "tenant not found")
		return tenancy.TenantConfig{}, false
	}
	return t, true
}

func (h *Handlers) triggerSync(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !tenant.IsLinked() {
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, "tenant has no upstream link")
		return
	}

	wait, err := httputil.QueryBool(r, "wait", false)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err)
		return
	}

	if wait {
		result, err := h.syncer.SyncTenant(r.Context(), tenant.Slug)
		var partial *masterdata.PartialReconciliationError
		switch {
		case errors.As(err, &partial):
			httputil.WriteJSON(w, http.StatusMultiStatus, result)
		case err != nil:
			httputil.WriteDetailedError(w, http.StatusBadGateway, err, map[string]string{"tenant": tenant.Slug})
		default:
			httputil.WriteJSON(w, http.StatusOK, result)
		}
		return
	}

	log := observability.FromContextOr(r.Context(), h.logger).WithTenant(tenant.Slug)
	started := h.jobs.TryGo(r.Context(), syncKey(tenant.Slug), func(ctx context.Context) error {
		_, err := h.syncer.SyncTenant(ctx, tenant.Slug)
		return err
	})
	if !started {
		httputil.WriteConflict(w, "a master-data sync is already running for this tenant")
		return
	}

	log.Info("Master-data sync accepted")
	httputil.WriteAccepted(w, map[string]string{
		"tenant": tenant.Slug,
		"status": "accepted",
	})
}

func (h *Handlers) publicKey(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.keys == nil || tenant.Upstream == nil || tenant.Upstream.DomainURL == "" {
		httputil.WriteErrorMessage(w, http.StatusUnprocessableEntity, "tenant has no upstream domain")
		return
	}

	key, ok := h.keys.GetPublicKey(r.Context(), tenant.Upstream.DomainURL)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "public key unavailable")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"tenant":     tenant.Slug,
		"public_key": key,
	})
}
