package masterdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/hirebridge/pkg/observability"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
)

const (
	defaultConcurrency = 4
	defaultPassTimeout = 5 * time.Minute
)

// TenantSource lists the tenants a scheduler works on. *tenancy.Registry
// satisfies it.
type TenantSource interface {
	Get(slug string) (tenancy.TenantConfig, bool)
	Linked() []tenancy.TenantConfig
}

// StoreFactory returns the master-data store of one tenant and a release
// func the caller runs once the pass is over
type StoreFactory func(ctx context.Context, tenant tenancy.TenantConfig) (Store, func(), error)

// PostgresStoreFactory builds stores on top of leased tenant pool handles
func PostgresStoreFactory(pool *tenancy.Pool) StoreFactory {
	return func(ctx context.Context, tenant tenancy.TenantConfig) (Store, func(), error) {
		db, release, err := pool.Acquire(ctx, tenant)
		if err != nil {
			return nil, nil, err
		}
		return NewPostgresStore(db), release, nil
	}
}

// Scheduler runs reconciliation passes for every linked tenant on a cron
// schedule and on demand. Passes for the same tenant never overlap.
type Scheduler struct {
	reconciler  *Reconciler
	tenants     TenantSource
	stores      StoreFactory
	concurrency int
	passTimeout time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics

	cron     *cron.Cron
	inflight singleflight.Group
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithConcurrency bounds the number of tenants reconciled at once
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPassTimeout bounds a single tenant pass
func WithPassTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.passTimeout = d
		}
	}
}

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l *observability.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerMetrics sets the metrics recorder
func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a scheduler. Call Schedule and Start to run it
// periodically.
func NewScheduler(reconciler *Reconciler, tenants TenantSource, stores StoreFactory, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		reconciler:  reconciler,
		tenants:     tenants,
		stores:      stores,
		concurrency: defaultConcurrency,
		passTimeout: defaultPassTimeout,
		logger:      observability.NopLogger(),
		cron:        cron.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers a full pass on a standard five-field cron expression
func (s *Scheduler) Schedule(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.RunAll(context.Background()); err != nil {
			s.logger.WithError(err).Warn("Scheduled master-data pass finished with errors")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule master-data sync %q: %w", spec, err)
	}
	return nil
}

// Start starts the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron loop and waits for a running pass until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncTenant runs one pass for slug. A concurrent call for the same slug
// waits for the running pass and shares its result.
func (s *Scheduler) SyncTenant(ctx context.Context, slug string) (*Result, error) {
	tenant, ok := s.tenants.Get(slug)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenancy.ErrTenantNotFound, slug)
	}
	if !tenant.IsLinked() {
		return nil, fmt.Errorf("%w: %s", tenancy.ErrTenantNotLinked, slug)
	}
	return s.syncShared(ctx, tenant)
}

// RunAll reconciles every linked tenant. One tenant failing does not stop
// the others; the returned error joins every failure.
func (s *Scheduler) RunAll(ctx context.Context) error {
	tenants := s.tenants.Linked()
	if len(tenants) == 0 {
		s.logger.Debug("No linked tenants to reconcile")
		return nil
	}

	errs := make([]error, len(tenants))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, tenant := range tenants {
		g.Go(func() error {
			if _, err := s.syncShared(ctx, tenant); err != nil {
				errs[i] = fmt.Errorf("tenant %s: %w", tenant.Slug, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (s *Scheduler) syncShared(ctx context.Context, tenant tenancy.TenantConfig) (*Result, error) {
	v, err, _ := s.inflight.Do(tenant.Slug, func() (interface{}, error) {
		return s.syncTenant(ctx, tenant)
	})
	result, _ := v.(*Result)
	return result, err
}

func (s *Scheduler) syncTenant(ctx context.Context, tenant tenancy.TenantConfig) (*Result, error) {
	log := s.logger.WithTenant(tenant.Slug)
	ctx = observability.WithTenantSlug(ctx, tenant.Slug)
	ctx = observability.WithLogger(ctx, log)
	ctx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	start := time.Now()
	store, release, err := s.stores(ctx, tenant)
	if err != nil {
		s.metrics.RecordSyncPass(tenant.Slug, time.Since(start), false)
		log.WithError(err).Error("Failed to open tenant master-data store")
		return nil, err
	}
	defer release()

	result, err := s.reconciler.SyncMasterData(ctx, store, tenant.Upstream.DomainURL, tenant.Upstream.Token())
	s.metrics.RecordSyncPass(tenant.Slug, time.Since(start), err == nil)
	if err != nil {
		log.WithError(err).Error("Master-data pass failed")
		return result, err
	}

	fields := map[string]interface{}{
		"run_id":      result.RunID,
		"duration_ms": time.Since(start).Milliseconds(),
		"empty":       result.Empty,
	}
	for cat, cr := range result.Categories {
		fields[string(cat)] = fmt.Sprintf("created=%d restored=%d updated=%d unchanged=%d",
			cr.Created, cr.Restored, cr.Updated, cr.Unchanged)
	}
	log.WithFields(fields).Info("Master-data pass completed")
	return result, nil
}
