package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Upstream platform calls
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// Master-data reconciliation
	MasterDataNodesTotal   *prometheus.CounterVec
	MasterDataSyncErrors   *prometheus.CounterVec
	MasterDataSyncDuration *prometheus.HistogramVec
	MasterDataLastSyncTime *prometheus.GaugeVec

	// Identity synchronization
	IdentitySyncTotal *prometheus.CounterVec

	// SSO public-key cache
	PublicKeyCacheTotal *prometheus.CounterVec

	// Tenant connection pool
	TenantPoolOpen prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hirebridge_http_requests_total",
				Help: "Total number of ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hirebridge_http_request_duration_seconds",
				Help:    "Ops HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hirebridge_upstream_requests_total",
				Help: "Total number of calls to the upstream HR platform",
			},
			[]string{"endpoint", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hirebridge_upstream_request_duration_seconds",
				Help:    "Upstream HR platform call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),

		MasterDataNodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hirebridge_masterdata_nodes_total",
				Help: "Master-data nodes processed by reconciliation, by outcome",
			},
			[]string{"category", "action"},
		),
		MasterDataSyncErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hirebridge_masterdata_sync_errors_total",
				Help: "Master-data reconciliation failures",
			},
			[]string{"category"},
		),
		MasterDataSyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hirebridge_masterdata_sync_duration_seconds",
				Help:    "Duration of a full reconciliation pass",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tenant"},
		),
		MasterDataLastSyncTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hirebridge_masterdata_last_sync_timestamp_seconds",
				Help: "Unix time of the last successful reconciliation pass",
			},
			[]string{"tenant"},
		),

		IdentitySyncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hirebridge_identity_sync_total",
				Help: "Identity synchronizer steps, by outcome",
			},
			[]string{"step", "outcome"},
		),

		PublicKeyCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hirebridge_public_key_cache_total",
				Help: "Public-key cache lookups",
			},
			[]string{"result"},
		),

		TenantPoolOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hirebridge_tenant_pool_open",
				Help: "Number of open tenant database handles",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.MasterDataNodesTotal,
		m.MasterDataSyncErrors,
		m.MasterDataSyncDuration,
		m.MasterDataLastSyncTime,
		m.IdentitySyncTotal,
		m.PublicKeyCacheTotal,
		m.TenantPoolOpen,
	)

	return m
}

// RecordUpstream records one upstream call. status is the HTTP code or "error".
func (m *Metrics) RecordUpstream(endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordNode records the outcome for one reconciled master-data node
func (m *Metrics) RecordNode(category, action string) {
	if m == nil {
		return
	}
	m.MasterDataNodesTotal.WithLabelValues(category, action).Inc()
}

// RecordSyncError records a failed category or fetch
func (m *Metrics) RecordSyncError(category string) {
	if m == nil {
		return
	}
	m.MasterDataSyncErrors.WithLabelValues(category).Inc()
}

// RecordSyncPass records a completed pass for a tenant
func (m *Metrics) RecordSyncPass(tenant string, duration time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.MasterDataSyncDuration.WithLabelValues(tenant).Observe(duration.Seconds())
	if ok {
		m.MasterDataLastSyncTime.WithLabelValues(tenant).SetToCurrentTime()
	}
}

// RecordIdentityStep records an identity synchronizer step
func (m *Metrics) RecordIdentityStep(step, outcome string) {
	if m == nil {
		return
	}
	m.IdentitySyncTotal.WithLabelValues(step, outcome).Inc()
}

// RecordKeyCache records a public-key cache "hit" or "miss"
func (m *Metrics) RecordKeyCache(result string) {
	if m == nil {
		return
	}
	m.PublicKeyCacheTotal.WithLabelValues(result).Inc()
}

// SetTenantPoolOpen reports the number of open tenant handles
func (m *Metrics) SetTenantPoolOpen(n int) {
	if m == nil {
		return
	}
	m.TenantPoolOpen.Set(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments ops HTTP requests. Paths are labelled by
// route template so tenant slugs do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
