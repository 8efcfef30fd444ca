// Package api exposes a certrepo.Repository over HTTP.
//
// Payloads are raw DER bodies; listings and errors are JSON.
package api

import (
	_ "embed"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmcleod/pkidesk/certrepo"
)

// DefaultMaxBodyBytes caps CSR and certificate upload sizes.
const DefaultMaxBodyBytes = 64 << 10

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo           certrepo.Repository
	audit          *auditLogger
	limiter        *submitRateLimiter
	trustedProxies []netip.Prefix
	maxBodyBytes   int64
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger audit events are written to.
// If not set, the global zerolog logger is used.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithTrustedProxies sets the CIDR ranges whose forwarding headers are
// honored when determining the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithMaxBodyBytes sets the upload size limit. Values <= 0 keep the default.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithSubmitFailureLimit sets how many rejected submissions a client IP may
// make before it is locked out. Values <= 0 keep the default.
func WithSubmitFailureLimit(n int) Option {
	return func(a *API) {
		if n > 0 {
			a.limiter.maxFailures = n
		}
	}
}

// New creates a new API instance.
func New(repo certrepo.Repository, opts ...Option) *API {
	a := &API{
		repo:         repo,
		limiter:      newSubmitRateLimiter(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(log.Logger)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted. It is meant to
// be mounted under /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/ca", a.GetCACertificate)

	r.Route("/csr", func(r chi.Router) {
		r.Get("/", a.ListCSRs)
		r.Get("/{name}", a.GetCSR)
		r.Post("/{name}", a.SubmitCSR)
	})

	r.Route("/cert", func(r chi.Router) {
		r.Get("/", a.ListCertificates)
		r.Get("/{name}", a.GetCertificate)
		r.Post("/{name}", a.PublishCertificate)
	})

	return r
}
