package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/makerchecker/internal/auth"
	"github.com/odyssey-erp/makerchecker/internal/changes"
	"github.com/odyssey-erp/makerchecker/internal/groups"
	"github.com/odyssey-erp/makerchecker/internal/observability"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/roles"
	"github.com/odyssey-erp/makerchecker/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Tokens             *auth.TokenIssuer
	AuthHandler        *auth.Handler
	ChangesHandler     *changes.Handler
	RolesHandler       *roles.Handler
	GroupsHandler      *groups.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with API defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Tokens:  params.Tokens,
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

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.ChangesHandler != nil {
		r.Route("/change-records", params.ChangesHandler.MountRoutes)
	}
	if params.RolesHandler != nil {
		r.Route("/roles", params.RolesHandler.MountRoutes)
	}
	if params.GroupsHandler != nil {
		r.Route("/groups", params.GroupsHandler.MountRoutes)
	}
	if params.PermissionsHandler != nil {
		r.Route("/permissions", params.PermissionsHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
