package plugins

import (
	"context"

	"github.com/vrsandeep/scm-server/internal/models"
)

// PluginManagerInterface defines the interface for plugin management operations
// This allows for easier mocking in tests
type PluginManagerInterface interface {
	Install(ctx context.Context, name string, installDependencies bool) error
	Uninstall(ctx context.Context, name string) error
	GetPending(ctx context.Context) (models.PendingChangeSet, error)
	ExecutePendingAndRestart(ctx context.Context) error
	CancelPending(ctx context.Context) error
	UpdateAll(ctx context.Context) error

	GetAvailable(ctx context.Context) ([]models.AvailablePlugin, error)
	GetAvailablePlugin(ctx context.Context, name string) (models.AvailablePlugin, error)
	GetInstalled(ctx context.Context) ([]models.InstalledPluginView, error)
	GetInstalledPlugin(ctx context.Context, name string) (models.InstalledPluginView, error)
	GetUpdatable(ctx context.Context) ([]models.InstalledPlugin, error)

	GetPluginSets(ctx context.Context) ([]models.PluginSet, error)
	GetInstalledPluginSets(ctx context.Context) ([]string, error)
	InstallPluginSets(ctx context.Context, ids []string, restart bool) error
}
