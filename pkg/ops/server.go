package ops

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/hirebridge/pkg/httputil"
	"github.com/platinummonkey/hirebridge/pkg/observability"
)

// ServerConfig holds the listener settings
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// NewRouter assembles the ops router: health, metrics and tenant routes
func NewRouter(handlers *Handlers, health *observability.HealthChecker, registry *prometheus.Registry, metrics *observability.Metrics, logger *observability.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(httputil.RecoveryMiddleware)
	router.Use(httputil.RequestContext(logger))
	router.Use(httputil.LoggingMiddleware)
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	if health != nil {
		observability.RegisterHealthRoutes(router, health)
	}
	if registry != nil {
		observability.RegisterMetricsEndpoint(router, registry)
	}
	handlers.RegisterRoutes(router)
	return router
}

// NewServer wraps router in a traced http.Server
func NewServer(cfg ServerConfig, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      otelhttp.NewHandler(router, "hirebridge-ops"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
