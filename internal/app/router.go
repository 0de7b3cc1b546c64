package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatekeep-io/gatekeep/internal/authz"
	"github.com/gatekeep-io/gatekeep/internal/observability"
	permissionshttp "github.com/gatekeep-io/gatekeep/internal/permissions/http"
	"github.com/gatekeep-io/gatekeep/internal/shared"
	"github.com/gatekeep-io/gatekeep/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	PermissionsHandler *permissionshttp.Handler
	JobHandler         *jobs.Handler
	Authz              authz.Middleware
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with gatekeep defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if params.PermissionsHandler != nil {
			params.PermissionsHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", func(r chi.Router) {
				r.Use(params.Authz.RequireAny(shared.PermPermissionsManage))
				params.JobHandler.MountRoutes(r)
			})
		}
	})

	return r
}
