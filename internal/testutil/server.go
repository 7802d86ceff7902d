package testutil

import (
	"io"
	"net/http"
	"testing"

	"github.com/vrsandeep/scm-server/internal/api"
	"github.com/vrsandeep/scm-server/internal/core"
	"github.com/vrsandeep/scm-server/internal/plugincenter"
	"golang.org/x/crypto/bcrypt"
)

const (
	AdminUser     = "scmadmin"
	AdminPassword = "scmadmin"
	xsrfToken     = "test-xsrf-token"
)

// TestServer bundles the API server with the parts tests poke at.
type TestServer struct {
	*api.Server
	App           *core.App
	Flow          *plugincenter.Flow
	Authenticator *plugincenter.DefaultAuthenticator
	Excludes      *plugincenter.XsrfExcludes
}

// SetupTestServer creates an API server backed by SetupTestApp. The
// administrator can log in with AdminUser and AdminPassword.
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()
	app := SetupTestApp(t)

	hash, err := bcrypt.GenerateFromPassword([]byte(AdminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	cfg := app.Config()
	cfg.Auth.AdminUser = AdminUser
	cfg.Auth.AdminPasswordHash = string(hash)

	params, err := plugincenter.NewParamSerializer(cfg.PluginCenter.Secret)
	if err != nil {
		t.Fatalf("Failed to create parameter serializer: %v", err)
	}
	excludes := plugincenter.NewXsrfExcludes()
	authenticator := plugincenter.NewDefaultAuthenticator(app.DB(), cfg.PluginCenter.AuthURL, app.WsHub())
	flow := plugincenter.NewFlow(cfg, authenticator, excludes, params)

	return &TestServer{
		Server:        api.NewServer(app, flow, authenticator, excludes),
		App:           app,
		Flow:          flow,
		Authenticator: authenticator,
		Excludes:      excludes,
	}
}

// NewAdminRequest creates a request carrying administrator credentials and
// a valid XSRF token.
func NewAdminRequest(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	req := NewXsrfRequest(t, method, target, body)
	req.SetBasicAuth(AdminUser, AdminPassword)
	return req
}

// NewXsrfRequest creates an anonymous request with a valid XSRF token.
func NewXsrfRequest(t *testing.T, method, target string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: "X-XSRF-Token", Value: xsrfToken})
	req.Header.Set("X-XSRF-Token", xsrfToken)
	return req
}
