package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/config"
	"github.com/vrsandeep/scm-server/internal/core"
)

// SetupTestApp creates an App with an in-memory database and plugin
// directories inside a temporary directory.
func SetupTestApp(t *testing.T) *core.App {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{Port: 8080}
	cfg.Database.Path = ":memory:"
	cfg.Server.RootPath = "/"
	cfg.Server.Version = "2.0.0"
	cfg.Plugins.Path = filepath.Join(root, "plugins")
	cfg.Plugins.CorePath = filepath.Join(root, "core-plugins")
	cfg.Plugins.RefreshInterval = 60
	cfg.PluginCenter.URL = "https://plugin-center.example.com/api/v1/plugins"
	cfg.PluginCenter.AuthURL = "https://plugin-center.example.com/api/v1/auth/oidc"
	cfg.PluginCenter.ChallengeTTL = 10
	cfg.PluginCenter.Secret = "test-secret"
	cfg.Auth.AdminUser = "scmadmin"

	return core.NewApp(cfg, SetupTestDB(t))
}

// AdminContext returns a context acting as an administrator.
func AdminContext() context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{Name: "scmadmin", Admin: true})
}

// ReaderContext returns a context of a user who may only read plugins.
func ReaderContext() context.Context {
	return auth.WithPrincipal(context.Background(), &auth.Principal{
		Name:        "dent",
		Permissions: []auth.Permission{auth.PermissionPluginRead},
	})
}
