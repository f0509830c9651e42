// Package api exposes certs.Service over HTTP. Authentication is left to a
// fronting proxy; the caller's identity reaches handlers through an
// IdentityFunc.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/mtlsvault/audit"
	"github.com/jmcleod/mtlsvault/certs"
)

//go:embed openapi.yaml
var openapiDoc []byte

// AuditLister reads recorded audit entries.
type AuditLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc      *certs.Service
	auditLog AuditLister
	identity IdentityFunc
	logger   *slog.Logger
	basePath string

	registry *prometheus.Registry
	metrics  *promMetrics

	alertFn        AlertFunc
	alertThreshold int
	alertWindow    time.Duration
	alerts         *metricsCollector
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithIdentityFunc replaces the header-based identity lookup.
func WithIdentityFunc(fn IdentityFunc) Option {
	return func(a *API) { a.identity = fn }
}

// WithAuditLog enables GET /audit backed by l.
func WithAuditLog(l AuditLister) Option {
	return func(a *API) { a.auditLog = l }
}

// WithAlertFunc sets a callback for download anomalies in addition to the
// warning that is always logged.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithDownloadAlert sets how many bundle or password retrievals by one
// user within window raise a bulk download alert.
func WithDownloadAlert(threshold int, window time.Duration) Option {
	return func(a *API) {
		a.alertThreshold = threshold
		a.alertWindow = window
	}
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(a *API) { a.registry = reg }
}

// WithBasePath sets the prefix the router is mounted under, used to
// locate openapi.yaml from the docs UI. The default is "/api".
func WithBasePath(p string) Option {
	return func(a *API) { a.basePath = p }
}

// New creates a new API instance.
func New(svc *certs.Service, opts ...Option) *API {
	a := &API{
		svc:            svc,
		identity:       HeaderIdentity,
		logger:         slog.Default(),
		basePath:       "/api",
		alertThreshold: defaultDownloadThreshold,
		alertWindow:    defaultDownloadWindow,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.logger = a.logger.With("component", "api")
	a.metrics = newPromMetrics(a.registry)
	a.alerts = newMetricsCollector(a.alertThreshold, a.alertWindow, a.onAlert)
	return a
}

func (a *API) onAlert(e AlertEvent) {
	a.metrics.alerts.WithLabelValues(string(e.Type)).Inc()
	a.logger.Warn("anomaly detected",
		"alert", e.Type, "user_id", e.UserID, "count", e.Count, "threshold", e.Threshold)
	if a.alertFn != nil {
		a.alertFn(e)
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.countResponses)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDoc)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    strings.TrimLeft(a.basePath+"/docs", "/"),
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.basePath + "/openapi.yaml",
		Path:    strings.TrimLeft(a.basePath+"/redoc", "/"),
	}, nil))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Get("/setup", a.SetupStatus)
		r.Post("/setup", a.Setup)
		r.Get("/ca", a.GetCA)
		r.Get("/ca/download", a.DownloadCA)

		r.Group(func(r chi.Router) {
			r.Use(a.IdentityMiddleware)
			r.Get("/certificates", a.ListCertificates)
			r.Post("/certificates", a.IssueCertificate)
			r.Get("/certificates/{id}/download", a.DownloadBundle)
			r.Get("/certificates/{id}/password", a.ExportPassword)
			r.Delete("/certificates/{id}", a.DeleteCertificate)
			r.Post("/users", a.AddUser)
			r.Delete("/users/{id}", a.RemoveUser)
			r.Get("/audit", a.ListAudit)
		})
	})

	return r
}
