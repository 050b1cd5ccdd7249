package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/padmini/gateway/pkg/httputil"
	"github.com/padmini/gateway/pkg/middleware"
	"github.com/padmini/gateway/pkg/observability"
)

const maxBodyBytes = 64 << 10

// Options tune the public API
type Options struct {
	// StrictStatus maps registration failures to distinct status codes.
	// When false every registration attempt answers 200.
	StrictStatus bool
	// AllowedRoles rejects other role names before any identity call. Empty allows all.
	AllowedRoles []string
	// Metrics enables per-route HTTP metrics when set.
	Metrics *observability.Metrics
}

// Server represents our API server
type Server struct {
	router       *mux.Router
	logger       *observability.Logger
	authHandlers *AuthHandlers
}

// NewServer creates a new API server. bearer may be nil.
func NewServer(p Provisioner, a Authenticator, bearer *middleware.AuthMiddleware, opts Options, logger *observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{
		router:       mux.NewRouter(),
		logger:       logger,
		authHandlers: NewAuthHandlers(p, a, bearer, opts, logger),
	}

	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		httputil.RecoveryMiddleware(logger),
	)
	if opts.Metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.RegisterRoutes(s.authHandlers)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server wrapped with OpenTelemetry HTTP instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "gateway-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Router exposes the underlying router for additional registrations
func (s *Server) Router() *mux.Router {
	return s.router
}

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}
