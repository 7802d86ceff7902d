package api

// This file contains the middleware for authentication, role-based
// authorization and XSRF protection.

import (
	"crypto/subtle"
	"net/http"

	"github.com/vrsandeep/scm-server/internal/auth"
)

const (
	xsrfCookieName = "X-XSRF-Token"
	xsrfHeaderName = "X-XSRF-Token"
)

// AuthMiddleware verifies the administrator credentials sent with HTTP basic
// authentication and injects the principal into the request's context.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="scm"`)
			RespondWithError(w, http.StatusUnauthorized, "Unauthorized: No credentials")
			return
		}

		cfg := s.app.Config().Auth
		if cfg.AdminPasswordHash == "" ||
			subtle.ConstantTimeCompare([]byte(username), []byte(cfg.AdminUser)) != 1 ||
			!auth.CheckPasswordHash(password, cfg.AdminPasswordHash) {
			w.Header().Set("WWW-Authenticate", `Basic realm="scm"`)
			RespondWithError(w, http.StatusUnauthorized, "Unauthorized: Invalid credentials")
			return
		}

		ctx := auth.WithPrincipal(r.Context(), &auth.Principal{Name: username, Admin: true})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnlyMiddleware ensures only administrators can access a route.
// It must be chained *after* the AuthMiddleware.
func (s *Server) AdminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.FromContext(r.Context())
		if principal == nil {
			RespondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if !principal.Admin {
			RespondWithError(w, http.StatusForbidden, "Forbidden: Administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// XsrfMiddleware rejects state changing requests whose XSRF header does not
// repeat the XSRF cookie. Paths registered in the exclusion registry are
// let through.
func (s *Server) XsrfMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if s.excludes.Contains(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(xsrfCookieName)
		header := r.Header.Get(xsrfHeaderName)
		if err != nil || cookie.Value == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			RespondWithError(w, http.StatusForbidden, "Forbidden: XSRF token missing or invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}
