package tenancy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/hirebridge/pkg/observability"
)

const reloadDebounce = 250 * time.Millisecond

// Registry is the in-memory view of the tenant registry file
type Registry struct {
	path   string
	logger *observability.Logger

	mu       sync.RWMutex
	tenants  map[string]TenantConfig
	order    []string
	onReload []func([]TenantConfig)
}

// NewRegistry creates a registry from already loaded tenants
func NewRegistry(tenants []TenantConfig, logger *observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	r := &Registry{logger: logger}
	r.replace(tenants)
	return r
}

// LoadRegistry reads path and returns a registry that can Reload and Watch it
func LoadRegistry(path string, logger *observability.Logger) (*Registry, error) {
	tenants, err := LoadTenants(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(tenants, logger)
	r.path = path
	return r, nil
}

func (r *Registry) replace(tenants []TenantConfig) {
	byslug := make(map[string]TenantConfig, len(tenants))
	order := make([]string, 0, len(tenants))
	for _, t := range tenants {
		byslug[t.Slug] = t
		order = append(order, t.Slug)
	}

	r.mu.Lock()
	r.tenants = byslug
	r.order = order
	hooks := append([]func([]TenantConfig){}, r.onReload...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(tenants)
	}
}

// OnReload registers fn to run after every successful reload
func (r *Registry) OnReload(fn func([]TenantConfig)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = append(r.onReload, fn)
}

// Get returns the tenant with the given slug
func (r *Registry) Get(slug string) (TenantConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[slug]
	return t, ok
}

// List returns every tenant in file order
func (r *Registry) List() []TenantConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TenantConfig, 0, len(r.order))
	for _, slug := range r.order {
		out = append(out, r.tenants[slug])
	}
	return out
}

// Linked returns the tenants with a usable upstream link
func (r *Registry) Linked() []TenantConfig {
	var out []TenantConfig
	for _, t := range r.List() {
		if t.IsLinked() {
			out = append(out, t)
		}
	}
	return out
}

// Reload re-reads the registry file. On error the previous tenants stay.
func (r *Registry) Reload() error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}
	tenants, err := LoadTenants(r.path)
	if err != nil {
		return err
	}
	r.replace(tenants)
	r.logger.WithField("tenants", len(tenants)).Info("Tenant registry reloaded")
	return nil
}

// Watch reloads the registry whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("registry has no backing file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	base := filepath.Base(r.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			// Kubernetes ConfigMap volumes swap a ..data symlink
			if name != base && name != "..data" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if err := r.Reload(); err != nil {
				r.logger.WithError(err).Error("Failed to reload tenant registry, keeping previous tenants")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WithError(err).Warn("Tenant registry watcher error")
		}
	}
}
