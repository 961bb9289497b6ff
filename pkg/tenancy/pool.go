package tenancy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"

	"github.com/platinummonkey/hirebridge/pkg/observability"
)

// OpenFunc opens a database handle for a DSN
type OpenFunc func(ctx context.Context, dsn string) (*sql.DB, error)

// OpenPostgres opens and pings a lib/pq handle
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

type poolEntry struct {
	dsn     string
	db      *sql.DB
	leases  int
	evicted bool
}

// Pool keeps at most size idle tenant database handles. The least recently
// used handle is evicted when a new tenant needs a slot; an evicted handle
// still leased out is closed when its last lease is released.
type Pool struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, *poolEntry]
	draining int
	open     OpenFunc
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// PoolOption configures a Pool
type PoolOption func(*Pool)

// WithOpenFunc replaces OpenPostgres
func WithOpenFunc(fn OpenFunc) PoolOption {
	return func(p *Pool) { p.open = fn }
}

// WithPoolMetrics reports the number of open handles
func WithPoolMetrics(m *observability.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithPoolLogger sets the logger
func WithPoolLogger(l *observability.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool holding up to size handles
func NewPool(size int, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		open:   OpenPostgres,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Called with p.mu held.
	cache, err := lru.NewWithEvict[string, *poolEntry](size, func(slug string, e *poolEntry) {
		e.evicted = true
		if e.leases > 0 {
			p.draining++
			return
		}
		p.closeEntry(slug, e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant pool: %w", err)
	}
	p.cache = cache
	return p, nil
}

func (p *Pool) closeEntry(slug string, e *poolEntry) {
	if err := e.db.Close(); err != nil {
		p.logger.WithError(err).WithTenant(slug).Warn("Failed to close tenant database")
	}
}

// Acquire leases the handle for tenant, opening it on first use. A changed
// DSN replaces the cached handle. The handle stays open until release is
// called, even if the pool evicts it meanwhile; release is safe to call
// more than once.
func (p *Pool) Acquire(ctx context.Context, tenant TenantConfig) (*sql.DB, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.cache.Get(tenant.Slug)
	if ok && e.dsn != tenant.DSN {
		p.cache.Remove(tenant.Slug)
		ok = false
	}
	if !ok {
		db, err := p.open(ctx, tenant.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database for tenant %s: %w", tenant.Slug, err)
		}
		e = &poolEntry{dsn: tenant.DSN, db: db}
		p.cache.Add(tenant.Slug, e)
		p.logger.WithTenant(tenant.Slug).Debug("Opened tenant database")
	}
	e.leases++
	p.reportOpen()

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(tenant.Slug, e) })
	}
	return e.db, release, nil
}

func (p *Pool) release(slug string, e *poolEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e.leases--
	if e.leases == 0 && e.evicted {
		p.draining--
		p.closeEntry(slug, e)
		p.reportOpen()
	}
}

func (p *Pool) reportOpen() {
	p.metrics.SetTenantPoolOpen(p.cache.Len() + p.draining)
}

// Invalidate evicts the handles of tenants that are gone or whose DSN changed
func (p *Pool) Invalidate(tenants []TenantConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]string, len(tenants))
	for _, t := range tenants {
		current[t.Slug] = t.DSN
	}
	for _, slug := range p.cache.Keys() {
		e, ok := p.cache.Peek(slug)
		if !ok {
			continue
		}
		if dsn, ok := current[slug]; !ok || dsn != e.dsn {
			p.cache.Remove(slug)
		}
	}
	p.reportOpen()
}

// Len returns the number of cached handles
func (p *Pool) Len() int {
	return p.cache.Len()
}

// Close evicts every handle. Leased handles close on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
	p.reportOpen()
	return nil
}
