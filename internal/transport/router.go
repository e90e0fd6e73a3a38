package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/rulesconsole/internal/audit"
	"github.com/pitabwire/rulesconsole/internal/config"
	"github.com/pitabwire/rulesconsole/internal/console"
	"github.com/pitabwire/rulesconsole/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Consoles     *console.Manager
	Audit        audit.Store
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &consoleHandlers{consoles: deps.Consoles, audit: deps.Audit, logger: logger}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/ui/console", func(r chi.Router) {
			r.Get("/", h.start)
			r.Get("/access", h.access)
			r.Get("/fields", h.fields)

			r.Get("/filters", h.filters)
			r.Put("/filters/draft", h.setDraft)
			r.Post("/filters/apply", h.applyFilters)
			r.Post("/filters/clear", h.clearFilters)

			r.Get("/rules", h.rules)
			r.Post("/rules/refresh", h.refresh)
			r.Put("/query/page", h.setPage)
			r.Put("/query/size", h.setPageSize)
			r.Post("/query/sort", h.toggleSort)

			r.Post("/editor", h.openEditor)
			r.Get("/editor", h.editor)
			r.Patch("/editor", h.editFields)
			r.Post("/editor/submit", h.submit)
			r.Delete("/editor", h.closeEditor)

			r.Get("/export", h.export)
			r.Get("/audit", h.auditLog)
		})
	})

	return r
}
