package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Provisioning metrics
	ProvisioningTotal        *prometheus.CounterVec
	ProvisioningStepDuration *prometheus.HistogramVec
	ProvisioningCompensation *prometheus.CounterVec

	// Identity provider metrics
	TokenGrantsTotal       *prometheus.CounterVec
	IdentityRequestsTotal  *prometheus.CounterVec
	IdentityRequestLatency *prometheus.HistogramVec

	// Admin token cache metrics
	TokenCacheHitsTotal   *prometheus.CounterVec
	TokenCacheMissesTotal *prometheus.CounterVec

	// Login metrics
	LoginsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		ProvisioningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provisioning_total",
				Help: "Total number of user provisioning runs by outcome and failed step",
			},
			[]string{"outcome", "step"},
		),
		ProvisioningStepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provisioning_step_duration_seconds",
				Help:    "Duration of each provisioning step in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step", "status"},
		),
		ProvisioningCompensation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provisioning_compensation_total",
				Help: "Rollbacks of partially provisioned users",
			},
			[]string{"status"},
		),

		TokenGrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_grants_total",
				Help: "Password grants issued against the identity provider",
			},
			[]string{"kind", "status"},
		),
		IdentityRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_identity_requests_total",
				Help: "Admin API calls made to the identity provider",
			},
			[]string{"operation", "status"},
		),
		IdentityRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_identity_request_duration_seconds",
				Help:    "Admin API call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		TokenCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_cache_hits_total",
				Help: "Admin token cache hits",
			},
			[]string{"backend"},
		),
		TokenCacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_token_cache_misses_total",
				Help: "Admin token cache misses",
			},
			[]string{"backend"},
		),

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_logins_total",
				Help: "Credential exchanges by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ProvisioningTotal,
		m.ProvisioningStepDuration,
		m.ProvisioningCompensation,
		m.TokenGrantsTotal,
		m.IdentityRequestsTotal,
		m.IdentityRequestLatency,
		m.TokenCacheHitsTotal,
		m.TokenCacheMissesTotal,
		m.LoginsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel prefers the mux route template so ids don't explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
