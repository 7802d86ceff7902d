package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/plugincenter"
)

type pluginCenterAuthResponse struct {
	*plugincenter.AuthenticationInfo
	Connected bool `json:"connected"`
	Enabled   bool `json:"enabled"`
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request, outcome plugincenter.RedirectOutcome) {
	http.Redirect(w, r, outcome.Location, http.StatusSeeOther)
}

// callbackURL derives the absolute callback URL from the login request.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	path := strings.TrimSuffix(r.URL.Path, "/login") + "/callback"
	return (&url.URL{Scheme: scheme, Host: r.Host, Path: path}).String()
}

func (s *Server) handleGetPluginCenterAuth(w http.ResponseWriter, r *http.Request) {
	info, err := s.authenticator.AuthenticationInfo(r.Context())
	if err != nil {
		RespondWithPluginError(w, err)
		return
	}
	RespondWithJSON(w, http.StatusOK, pluginCenterAuthResponse{
		AuthenticationInfo: info,
		Connected:          info != nil,
		Enabled:            s.app.Config().IsPluginCenterAuthEnabled(),
	})
}

// handlePluginCenterLogin sends the browser to the plugin center login.
func (s *Server) handlePluginCenterLogin(w http.ResponseWriter, r *http.Request) {
	if err := auth.Check(r.Context(), auth.PermissionPluginWrite); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	principal := auth.FromContext(r.Context())
	outcome := s.flow.Initiate(
		principal.Name,
		r.URL.Query().Get("source"),
		callbackURL(r),
		queryBool(r, "reconnect", false),
	)
	s.redirect(w, r, outcome)
}

func (s *Server) handlePluginCenterLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.authenticator.Logout(r.Context()); err != nil {
		RespondWithPluginError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePluginCenterCallback receives the account from the plugin center.
func (s *Server) handlePluginCenterCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		RespondWithError(w, http.StatusBadRequest, "Invalid form")
		return
	}
	outcome := s.flow.Complete(
		r.Context(),
		r.URL.Query().Get("params"),
		r.PostForm.Get("subject"),
		r.PostForm.Get("refresh_token"),
	)
	s.redirect(w, r, outcome)
}

// handlePluginCenterAbort is called when the login was cancelled at the
// plugin center.
func (s *Server) handlePluginCenterAbort(w http.ResponseWriter, r *http.Request) {
	s.redirect(w, r, s.flow.Abort(r.URL.Query().Get("params")))
}
