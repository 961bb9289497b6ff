// Command hirebridge runs the tenant bridge daemon: scheduled master-data
// reconciliation, SSO key caching and the ops HTTP endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/hirebridge/pkg/async"
	"github.com/platinummonkey/hirebridge/pkg/config"
	"github.com/platinummonkey/hirebridge/pkg/masterdata"
	"github.com/platinummonkey/hirebridge/pkg/observability"
	"github.com/platinummonkey/hirebridge/pkg/ops"
	"github.com/platinummonkey/hirebridge/pkg/schema"
	"github.com/platinummonkey/hirebridge/pkg/sso"
	"github.com/platinummonkey/hirebridge/pkg/tenancy"
	"github.com/platinummonkey/hirebridge/pkg/upstream"
)

// initialSyncTimeout bounds the RunOnStart pass over every tenant
const initialSyncTimeout = time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hirebridge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	central, err := tenancy.OpenPostgres(ctx, cfg.Central.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to central database: %w", err)
	}
	central.SetMaxOpenConns(cfg.Central.MaxOpenConns)
	central.SetMaxIdleConns(cfg.Central.MaxIdleConns)
	central.SetConnMaxLifetime(cfg.Central.ConnMaxLifetime)

	if cfg.Central.AutoMigrate {
		if _, err := schema.RunMigrations(ctx, central, schema.Central(), logger); err != nil {
			return err
		}
	}

	tenants, err := tenancy.LoadRegistry(cfg.Tenancy.RegistryPath, logger)
	if err != nil {
		return err
	}
	pool, err := tenancy.NewPool(cfg.Tenancy.PoolSize,
		tenancy.WithPoolMetrics(metrics),
		tenancy.WithPoolLogger(logger),
	)
	if err != nil {
		return err
	}
	tenants.OnReload(pool.Invalidate)
	if cfg.Tenancy.WatchRegistry {
		go func() {
			if err := tenants.Watch(ctx); err != nil {
				logger.WithError(err).Error("Tenant registry watch stopped")
			}
		}()
	}

	client := upstream.NewClient(
		upstream.WithTimeout(cfg.Sync.UpstreamTimeout),
		upstream.WithMetrics(metrics),
		upstream.WithLogger(logger),
	)

	reconciler := masterdata.NewReconciler(client,
		masterdata.WithLogger(logger),
		masterdata.WithMetrics(metrics),
	)
	scheduler := masterdata.NewScheduler(reconciler, tenants, masterdata.PostgresStoreFactory(pool),
		masterdata.WithConcurrency(cfg.Sync.Concurrency),
		masterdata.WithPassTimeout(cfg.Sync.PassTimeout),
		masterdata.WithSchedulerLogger(logger),
		masterdata.WithSchedulerMetrics(metrics),
	)
	if cfg.Sync.Schedule != "" {
		if err := scheduler.Schedule(cfg.Sync.Schedule); err != nil {
			return err
		}
	}

	health := observability.NewHealthChecker(cfg.Observability.OTelServiceVersion).WithDatabase(central)

	bridge, redisClient, err := newBridge(ctx, cfg.SSO, client, metrics, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		health.WithRedis(redisClient)
	}

	jobs := async.NewGroup(logger, cfg.Sync.PassTimeout)
	handlers := ops.NewHandlers(tenants, scheduler, bridge, jobs, logger)
	router := ops.NewRouter(handlers, health, registry, metrics, logger)
	server := ops.NewServer(ops.ServerConfig{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}, router)

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("scheduler", scheduler.Stop)
	shutdown.Register("background-jobs", jobs.Wait)
	shutdown.Register("tenant-pool", func(context.Context) error { return pool.Close() })
	shutdown.Register("central-database", func(context.Context) error { return central.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	if otelProviders != nil {
		shutdown.Register("opentelemetry", otelProviders.Shutdown)
	}

	scheduler.Start()
	if cfg.Sync.RunOnStart {
		async.SafeGo(ctx, logger, initialSyncTimeout, "initial master data sync", func(ctx context.Context) error {
			return scheduler.RunAll(ctx)
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"tenants": len(tenants.List()),
		}).Info("Starting hirebridge ops server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := <-serverErr; err != nil {
			logger.WithError(err).Error("Ops server failed")
			stop()
		}
	}()

	err = shutdown.WaitForShutdown(waitCtx)
	cancel()
	return err
}

// newBridge builds the SSO bridge over the configured key cache. The redis
// client is returned so its lifecycle can be managed by the caller.
func newBridge(ctx context.Context, cfg config.SSOConfig, up *upstream.Client, metrics *observability.Metrics, logger *observability.Logger) (*sso.Bridge, *redis.Client, error) {
	var (
		cache       sso.KeyCache
		redisClient *redis.Client
	)
	switch cfg.CacheBackend {
	case config.CacheBackendRedis:
		client, err := sso.DialRedis(ctx, sso.RedisOptions{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		cache = sso.NewRedisKeyCache(client)
		redisClient = client
	default:
		cache = sso.NewMemoryKeyCache(cfg.CacheSize, cfg.KeyTTL)
	}

	var issuer sso.AssertionIssuer
	if cfg.AssertionSecret != "" {
		jwtIssuer, err := sso.NewJWTAssertionIssuer([]byte(cfg.AssertionSecret), cfg.AssertionIssuer, cfg.AssertionTTL)
		if err != nil {
			return nil, nil, err
		}
		issuer = jwtIssuer
	} else {
		logger.Warn("No assertion secret configured, upstream token exchange disabled")
	}

	bridge := sso.NewBridge(up, cache, issuer,
		sso.WithKeyTTL(cfg.KeyTTL),
		sso.WithLogger(logger),
		sso.WithMetrics(metrics),
	)
	return bridge, redisClient, nil
}
