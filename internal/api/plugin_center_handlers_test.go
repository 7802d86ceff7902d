package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/scm-server/internal/plugincenter"
	"github.com/vrsandeep/scm-server/internal/testutil"
)

// startLogin follows the login redirect and returns the callback URL the
// plugin center would use.
func startLogin(t *testing.T, router http.Handler, source string) *url.URL {
	t.Helper()
	req := testutil.NewAdminRequest(t, "GET", "/api/v2/plugins/auth/login?source="+url.QueryEscape(source), nil)
	req.Host = "scm.example.com"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())

	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "plugin-center.example.com", location.Host)

	callback, err := url.Parse(location.Query().Get("instance"))
	require.NoError(t, err)
	require.Equal(t, "/api/v2/plugins/auth/callback", callback.Path)
	return callback
}

func TestPluginCenterHandlers(t *testing.T) {
	t.Run("Login requires source", func(t *testing.T) {
		server := testutil.SetupTestServer(t)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, testutil.NewAdminRequest(t, "GET", "/api/v2/plugins/auth/login", nil))
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/error/source-missing", rr.Header().Get("Location"))
	})

	t.Run("Abort through callback", func(t *testing.T) {
		server := testutil.SetupTestServer(t)
		router := server.Router()
		callback := startLogin(t, router, "/admin/plugins")
		assert.True(t, server.Excludes.Contains(callback.Path))

		req, _ := http.NewRequest("GET", callback.RequestURI(), nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/admin/plugins", rr.Header().Get("Location"))
		assert.False(t, server.Excludes.Contains(callback.Path))
		assert.Equal(t, plugincenter.StateAborted, server.Flow.State())
	})

	t.Run("Forged callback", func(t *testing.T) {
		server := testutil.SetupTestServer(t)
		router := server.Router()
		callback := startLogin(t, router, "/repos")

		params, err := plugincenter.NewParamSerializer(server.App.Config().PluginCenter.Secret)
		require.NoError(t, err)
		forged, err := params.Serialize(plugincenter.AuthParameter{Principal: "trillian", Challenge: "wrong-challenge", Source: "/repos"})
		require.NoError(t, err)

		form := url.Values{"subject": {"tricia@hitchhiker.com"}, "refresh_token": {"refresh-token"}}
		req, _ := http.NewRequest("POST", callback.Path+"?params="+url.QueryEscape(forged), strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		// the callback path is excluded from the XSRF check while the login runs
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/error/challenge-does-not-match", rr.Header().Get("Location"))
		assert.False(t, server.Authenticator.IsAuthenticated())
		assert.Equal(t, plugincenter.StateChallenged, server.Flow.State())
	})

	t.Run("Callback without login is rejected by XSRF check", func(t *testing.T) {
		server := testutil.SetupTestServer(t)
		req, _ := http.NewRequest("POST", "/api/v2/plugins/auth/callback?params=abc", nil)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("Info without connection", func(t *testing.T) {
		server := testutil.SetupTestServer(t)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, testutil.NewAdminRequest(t, "GET", "/api/v2/plugins/auth", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var info map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
		assert.Equal(t, false, info["connected"])
		assert.Equal(t, true, info["enabled"])
	})

	t.Run("Logout", func(t *testing.T) {
		server := testutil.SetupTestServer(t)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, testutil.NewAdminRequest(t, "DELETE", "/api/v2/plugins/auth", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}
