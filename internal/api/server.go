// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vrsandeep/scm-server/internal/core"
	"github.com/vrsandeep/scm-server/internal/plugincenter"
)

// PluginCenterAuthenticator is the plugin center connection as seen by the
// handlers.
type PluginCenterAuthenticator interface {
	plugincenter.Authenticator
	AuthenticationInfo(ctx context.Context) (*plugincenter.AuthenticationInfo, error)
	Logout(ctx context.Context) error
}

// Onboarding installs plugin sets during first-run setup.
type Onboarding interface {
	IsRequired() (bool, error)
	InstallPluginSets(ctx context.Context, ids []string, restart bool) error
}

// Server holds the dependencies for our API.
type Server struct {
	app           *core.App
	db            *sql.DB
	flow          *plugincenter.Flow
	authenticator PluginCenterAuthenticator
	excludes      *plugincenter.XsrfExcludes
	onboarding    Onboarding
	startupToken  string
}

// NewServer creates a new Server instance.
func NewServer(app *core.App, flow *plugincenter.Flow, authenticator PluginCenterAuthenticator, excludes *plugincenter.XsrfExcludes) *Server {
	if excludes == nil {
		excludes = plugincenter.NewXsrfExcludes()
	}
	return &Server{
		app:           app,
		db:            app.DB(),
		flow:          flow,
		authenticator: authenticator,
		excludes:      excludes,
	}
}

// SetOnboarding enables the first-run plugin set endpoints. Installing
// requires startupToken in the X-Startup-Token header; an empty token
// disables installing.
func (s *Server) SetOnboarding(onboarding Onboarding, startupToken string) {
	s.onboarding = onboarding
	s.startupToken = startupToken
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics
	r.Use(s.XsrfMiddleware)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.db.Ping(); err != nil {
			RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v2/plugins", func(r chi.Router) {
		// The plugin center calls back without our credentials; the
		// encrypted challenge authenticates the request.
		r.Post("/auth/callback", s.handlePluginCenterCallback)
		r.Get("/auth/callback", s.handlePluginCenterAbort)

		r.Get("/onboarding", s.handleGetOnboarding)
		r.Post("/onboarding", s.handleOnboardingInstall)

		r.Group(func(r chi.Router) {
			r.Use(s.AuthMiddleware)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/available", s.handleListAvailablePlugins)
				r.Get("/available/{name}", s.handleGetAvailablePlugin)
				r.Get("/installed", s.handleListInstalledPlugins)
				r.Get("/installed/{name}", s.handleGetInstalledPlugin)
				r.Get("/updatable", s.handleListUpdatablePlugins)
				r.Get("/pending", s.handleGetPendingPlugins)
				r.Get("/sets", s.handleListPluginSets)

				r.Get("/auth", s.handleGetPluginCenterAuth)
				r.Get("/auth/login", s.handlePluginCenterLogin)
				r.Delete("/auth", s.handlePluginCenterLogout)
			})

			// Executing downloads plugins and may take longer than a request
			// timeout allows.
			r.Post("/available/{name}/install", s.handleInstallPlugin)
			r.Post("/installed/{name}/uninstall", s.handleUninstallPlugin)
			r.Post("/installed/update", s.handleUpdateAllPlugins)
			r.Post("/pending/execute", s.handleExecutePendingPlugins)
			r.Post("/pending/cancel", s.handleCancelPendingPlugins)
			r.Post("/sets", s.handleInstallPluginSets)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(s.AdminOnlyMiddleware)

			r.Get("/jobs/status", s.handleGetAdminJobsStatus)
			r.Post("/jobs/run", s.handleRunAdminJob)
		})

		// WebSocket route
		r.Get("/ws/admin/plugins", func(w http.ResponseWriter, r *http.Request) {
			s.app.WsHub().ServeWs(w, r)
		})
	})

	return r
}
