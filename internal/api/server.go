// Package api exposes the license authority over HTTP: the public validation
// endpoint, the signed admin surface, and Prometheus metrics.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SentinelSoftworks/sentinel-license-engine/internal/authority"
)

// Version is reported by the status endpoint. Overridden at build time via
// -ldflags.
var Version = "dev"

// Server routes HTTP requests to the authority.
type Server struct {
	auth     *authority.Authority
	router   chi.Router
	validate *validator.Validate
	metrics  *metrics
	log      *slog.Logger

	adminSecret    []byte
	adminAllowlist []string
}

// Options configures the HTTP surface.
type Options struct {
	// AdminSecret keys the HMAC check on admin requests.
	AdminSecret []byte
	// AdminAllowlist restricts admin endpoints to these source addresses.
	// Empty means any address may attempt the signature check.
	AdminAllowlist []string
	Logger         *slog.Logger
}

// New builds the router. The validation endpoint is public; everything under
// the admin group requires a valid request signature and, when configured, an
// allow-listed source address.
func New(auth *authority.Authority, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		auth:           auth,
		validate:       validator.New(),
		metrics:        newMetrics(),
		log:            log,
		adminSecret:    opts.AdminSecret,
		adminAllowlist: opts.AdminAllowlist,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/v1/validate", s.handleValidate)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/v1/licenses", s.handleGenerate)
		r.Post("/v1/licenses/{id}/revoke", s.handleRevoke)
		r.Post("/v1/licenses/{id}/rebind", s.handleRebind)
		r.Get("/v1/licenses/{id}", s.handleStatus)
		r.Get("/v1/status", s.handleServerStatus)
	})

	s.router = r
	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}
