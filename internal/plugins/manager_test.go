package plugins_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/core"
	"github.com/vrsandeep/scm-server/internal/models"
	"github.com/vrsandeep/scm-server/internal/plugins"
	"github.com/vrsandeep/scm-server/internal/store"
	"github.com/vrsandeep/scm-server/internal/testutil"
)

// MockRestarter is a mock implementation of plugins.Restarter
type MockRestarter struct {
	mock.Mock
}

var _ plugins.Restarter = (*MockRestarter)(nil)

func (m *MockRestarter) Restart(reason string) error {
	args := m.Called(reason)
	return args.Error(0)
}

type managerFixture struct {
	app       *core.App
	catalog   *plugins.CenterCatalog
	artifacts *testutil.ArtifactServer
	restarter *MockRestarter
	manager   *plugins.Manager
	published []models.PluginDescriptor
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	app := testutil.SetupTestApp(t)
	catalog := plugins.NewCenterCatalog(app.Config().PluginCenter.URL, nil)
	restarter := new(MockRestarter)
	f := &managerFixture{
		app:       app,
		catalog:   catalog,
		artifacts: testutil.NewArtifactServer(t),
		restarter: restarter,
		manager:   plugins.NewManager(app, catalog, nil, restarter),
	}
	require.NoError(t, f.manager.LoadInstalled())
	return f
}

// offer publishes a downloadable plugin in the catalog.
func (f *managerFixture) offer(t *testing.T, name, version string, dependencies ...string) models.PluginDescriptor {
	t.Helper()
	data, checksum := testutil.BuildPluginArchive(t, name, version, dependencies...)
	descriptor := models.PluginDescriptor{
		Information:  models.PluginInformation{Name: name, Version: version},
		Dependencies: dependencies,
		URL:          f.artifacts.Add("/"+name+"-"+version+".smp", data),
		Checksum:     checksum,
	}
	f.publish(descriptor)
	return descriptor
}

func (f *managerFixture) publish(descriptors ...models.PluginDescriptor) {
	for _, descriptor := range descriptors {
		replaced := false
		for i, existing := range f.published {
			if existing.Information.Name == descriptor.Information.Name {
				f.published[i] = descriptor
				replaced = true
			}
		}
		if !replaced {
			f.published = append(f.published, descriptor)
		}
	}
	f.catalog.Replace(&models.PluginCenterResponse{Plugins: f.published})
}

// preinstall puts a plugin on disk and reloads the installed set.
func (f *managerFixture) preinstall(t *testing.T, core bool, name, version string, dependencies ...string) {
	t.Helper()
	parent := f.app.Config().Plugins.Path
	if core {
		parent = f.app.Config().Plugins.CorePath
	}
	testutil.WritePluginDir(t, parent, name, version, dependencies...)
	require.NoError(t, f.manager.LoadInstalled())
}

func installedNames(t *testing.T, m *plugins.Manager) []string {
	t.Helper()
	views, err := m.GetInstalled(testutil.AdminContext())
	require.NoError(t, err)
	names := make([]string, 0, len(views))
	for _, view := range views {
		names = append(names, view.Name())
	}
	return names
}

func newInstallNames(changes models.PendingChangeSet) []string {
	names := make([]string, 0, len(changes.NewInstalls))
	for _, plugin := range changes.NewInstalls {
		names = append(names, plugin.Name())
	}
	return names
}

func TestManager_Install(t *testing.T) {
	ctx := testutil.AdminContext()

	t.Run("No marks means nothing pending", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")
		f.preinstall(t, false, "scm-svn-plugin", "1.0.0")

		changes, err := f.manager.GetPending(ctx)
		require.NoError(t, err)
		assert.True(t, changes.IsEmpty())
	})

	t.Run("Unknown plugin", func(t *testing.T) {
		f := newManagerFixture(t)
		err := f.manager.Install(ctx, "scm-unknown-plugin", true)
		var notFound *plugins.NotFoundError
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("Condition not met counts as unknown", func(t *testing.T) {
		f := newManagerFixture(t)
		descriptor := f.offer(t, "scm-future-plugin", "1.0.0")
		descriptor.Condition.MinVersion = "9.0.0"
		f.publish(descriptor)

		err := f.manager.Install(ctx, "scm-future-plugin", false)
		var notFound *plugins.NotFoundError
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("Idempotent", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")

		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", true))
		once, _ := f.manager.GetPending(ctx)
		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", true))
		twice, _ := f.manager.GetPending(ctx)

		assert.Equal(t, once, twice)
		assert.Equal(t, []string{"scm-git-plugin"}, newInstallNames(twice))
	})

	t.Run("Up to date plugin is a no-op", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")
		f.preinstall(t, false, "scm-git-plugin", "2.0.0")

		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", false))
		changes, _ := f.manager.GetPending(ctx)
		assert.True(t, changes.IsEmpty())
	})

	t.Run("Core plugin cannot be updated", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-core-plugin", "3.0.0")
		f.preinstall(t, true, "scm-core-plugin", "2.0.0")

		err := f.manager.Install(ctx, "scm-core-plugin", false)
		var coreErr *plugins.CoreInstallationError
		assert.True(t, errors.As(err, &coreErr))
	})

	t.Run("Dependencies", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-mail-plugin", "1.0.0")
		f.offer(t, "scm-review-plugin", "1.0.0", "scm-mail-plugin")

		require.NoError(t, f.manager.Install(ctx, "scm-review-plugin", false))
		changes, _ := f.manager.GetPending(ctx)
		assert.Equal(t, []string{"scm-review-plugin"}, newInstallNames(changes))

		require.NoError(t, f.manager.CancelPending(ctx))
		require.NoError(t, f.manager.Install(ctx, "scm-review-plugin", true))
		changes, _ = f.manager.GetPending(ctx)
		assert.Equal(t, []string{"scm-mail-plugin", "scm-review-plugin"}, newInstallNames(changes))
	})

	t.Run("Installed dependency is not marked", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-mail-plugin", "1.0.0")
		f.offer(t, "scm-review-plugin", "1.0.0", "scm-mail-plugin")
		f.preinstall(t, false, "scm-mail-plugin", "1.0.0")

		require.NoError(t, f.manager.Install(ctx, "scm-review-plugin", true))
		changes, _ := f.manager.GetPending(ctx)
		assert.Equal(t, []string{"scm-review-plugin"}, newInstallNames(changes))
	})

	t.Run("Missing dependency marks nothing", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-jira-plugin", "1.0.0", "scm-missing-plugin")

		err := f.manager.Install(ctx, "scm-jira-plugin", true)
		var notFound *plugins.NotFoundError
		require.True(t, errors.As(err, &notFound))
		assert.Equal(t, "scm-missing-plugin", notFound.Name)

		changes, _ := f.manager.GetPending(ctx)
		assert.True(t, changes.IsEmpty())
	})

	t.Run("Permissions", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")

		err := f.manager.Install(testutil.ReaderContext(), "scm-git-plugin", false)
		assert.True(t, errors.Is(err, auth.ErrPermissionDenied))
		_, err = f.manager.GetPending(context.Background())
		assert.True(t, errors.Is(err, auth.ErrPermissionDenied))
		_, err = f.manager.GetPending(testutil.ReaderContext())
		assert.NoError(t, err)
	})
}

func TestManager_Uninstall(t *testing.T) {
	ctx := testutil.AdminContext()

	t.Run("Core plugin", func(t *testing.T) {
		f := newManagerFixture(t)
		f.preinstall(t, true, "scm-core-plugin", "2.0.0")

		for i := 0; i < 2; i++ {
			err := f.manager.Uninstall(ctx, "scm-core-plugin")
			var coreErr *plugins.CoreInstallationError
			assert.True(t, errors.As(err, &coreErr))
		}

		view, err := f.manager.GetInstalledPlugin(ctx, "scm-core-plugin")
		require.NoError(t, err)
		assert.False(t, view.MarkedForUninstall)
		assert.False(t, view.Uninstallable)
		changes, _ := f.manager.GetPending(ctx)
		assert.True(t, changes.IsEmpty())
	})

	t.Run("Not installed", func(t *testing.T) {
		f := newManagerFixture(t)
		err := f.manager.Uninstall(ctx, "scm-svn-plugin")
		var notFound *plugins.NotFoundError
		assert.True(t, errors.As(err, &notFound))
	})

	t.Run("Uninstall replaces pending update", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")
		f.preinstall(t, false, "scm-git-plugin", "1.0.0")

		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", false))
		changes, _ := f.manager.GetPending(ctx)
		require.Len(t, changes.Updates, 1)

		require.NoError(t, f.manager.Uninstall(ctx, "scm-git-plugin"))
		changes, _ = f.manager.GetPending(ctx)
		assert.Empty(t, changes.Updates)
		require.Len(t, changes.Uninstalls, 1)
		assert.Equal(t, "scm-git-plugin", changes.Uninstalls[0].Name())
	})

	t.Run("Uninstallable flags", func(t *testing.T) {
		f := newManagerFixture(t)
		f.preinstall(t, false, "scm-mail-plugin", "1.0.0")
		f.preinstall(t, false, "scm-review-plugin", "1.0.0", "scm-mail-plugin")

		mail, _ := f.manager.GetInstalledPlugin(ctx, "scm-mail-plugin")
		review, _ := f.manager.GetInstalledPlugin(ctx, "scm-review-plugin")
		assert.False(t, mail.Uninstallable)
		assert.True(t, review.Uninstallable)

		require.NoError(t, f.manager.Uninstall(ctx, "scm-review-plugin"))
		mail, _ = f.manager.GetInstalledPlugin(ctx, "scm-mail-plugin")
		review, _ = f.manager.GetInstalledPlugin(ctx, "scm-review-plugin")
		assert.True(t, mail.Uninstallable)
		assert.True(t, review.MarkedForUninstall)
		assert.False(t, review.Uninstallable)
	})
}

func TestManager_CancelPending(t *testing.T) {
	ctx := testutil.AdminContext()
	f := newManagerFixture(t)
	f.offer(t, "scm-git-plugin", "2.0.0")
	f.offer(t, "scm-review-plugin", "1.0.0")
	f.preinstall(t, false, "scm-git-plugin", "1.0.0")
	f.preinstall(t, false, "scm-svn-plugin", "1.0.0")

	require.NoError(t, f.manager.Install(ctx, "scm-review-plugin", false))
	require.NoError(t, f.manager.UpdateAll(ctx))
	require.NoError(t, f.manager.Uninstall(ctx, "scm-svn-plugin"))

	changes, _ := f.manager.GetPending(ctx)
	assert.Len(t, changes.NewInstalls, 1)
	assert.Len(t, changes.Updates, 1)
	assert.Len(t, changes.Uninstalls, 1)

	require.NoError(t, f.manager.CancelPending(ctx))
	changes, err := f.manager.GetPending(ctx)
	require.NoError(t, err)
	assert.True(t, changes.IsEmpty())

	// files on disk are untouched
	assert.ElementsMatch(t, []string{"scm-git-plugin", "scm-svn-plugin"}, installedNames(t, f.manager))
}

func TestManager_Queries(t *testing.T) {
	ctx := testutil.AdminContext()
	f := newManagerFixture(t)
	f.offer(t, "scm-git-plugin", "2.0.0")
	f.offer(t, "scm-svn-plugin", "1.0.0")
	f.offer(t, "scm-review-plugin", "1.0.0")
	f.preinstall(t, false, "scm-git-plugin", "1.0.0")
	f.preinstall(t, false, "scm-svn-plugin", "1.0.0")

	availablePlugins, err := f.manager.GetAvailable(ctx)
	require.NoError(t, err)
	names := []string{}
	for _, plugin := range availablePlugins {
		names = append(names, plugin.Name())
	}
	assert.Equal(t, []string{"scm-git-plugin", "scm-review-plugin"}, names)

	_, err = f.manager.GetAvailablePlugin(ctx, "scm-svn-plugin")
	var notFound *plugins.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	updatable, err := f.manager.GetUpdatable(ctx)
	require.NoError(t, err)
	require.Len(t, updatable, 1)
	assert.Equal(t, "scm-git-plugin", updatable[0].Name())
}

func TestManager_ExecutePendingAndRestart(t *testing.T) {
	ctx := testutil.AdminContext()

	t.Run("Nothing pending does not restart", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, f.manager.ExecutePendingAndRestart(ctx))
		f.restarter.AssertNotCalled(t, "Restart", mock.Anything)
	})

	t.Run("Round trip", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")
		f.restarter.On("Restart", mock.Anything).Return(nil).Once()

		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", true))
		changes, _ := f.manager.GetPending(ctx)
		require.Equal(t, []string{"scm-git-plugin"}, newInstallNames(changes))

		require.NoError(t, f.manager.ExecutePendingAndRestart(ctx))

		assert.Contains(t, installedNames(t, f.manager), "scm-git-plugin")
		changes, _ = f.manager.GetPending(ctx)
		assert.True(t, changes.IsEmpty())
		f.restarter.AssertNumberOfCalls(t, "Restart", 1)

		pluginDir := filepath.Join(f.app.Config().Plugins.Path, "scm-git-plugin")
		assert.FileExists(t, filepath.Join(pluginDir, "plugin.json"))
		assert.FileExists(t, filepath.Join(pluginDir, "docs", "README.md"))

		record, err := store.New(f.app.DB()).GetInstalledPlugin("scm-git-plugin")
		require.NoError(t, err)
		assert.Equal(t, "2.0.0", record.InstalledVersion)

		entries, err := os.ReadDir(f.app.Config().Plugins.Path)
		require.NoError(t, err)
		for _, entry := range entries {
			assert.False(t, strings.HasPrefix(entry.Name(), "."), "leftover %s", entry.Name())
		}
	})

	t.Run("Checksum mismatch leaves installed set unchanged", func(t *testing.T) {
		f := newManagerFixture(t)
		descriptor := f.offer(t, "scm-git-plugin", "2.0.0")
		descriptor.Checksum = strings.Repeat("0", 64)
		f.publish(descriptor)

		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", false))
		err := f.manager.ExecutePendingAndRestart(ctx)

		var installErr *plugins.InstallationError
		require.True(t, errors.As(err, &installErr))
		assert.Equal(t, plugins.InstallationKindChecksum, installErr.Kind)
		assert.Equal(t, "scm-git-plugin", installErr.Plugin)
		assert.NotContains(t, installedNames(t, f.manager), "scm-git-plugin")
		assert.NoDirExists(t, filepath.Join(f.app.Config().Plugins.Path, "scm-git-plugin"))
		f.restarter.AssertNotCalled(t, "Restart", mock.Anything)

		// the mark survives so the operator can retry
		changes, _ := f.manager.GetPending(ctx)
		assert.Equal(t, []string{"scm-git-plugin"}, newInstallNames(changes))
	})

	t.Run("Partial failure applies nothing", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-mail-plugin", "1.0.0")
		broken := f.offer(t, "scm-jira-plugin", "1.0.0")
		broken.URL = f.artifacts.URL + "/missing.smp"
		f.publish(broken)
		f.preinstall(t, false, "scm-svn-plugin", "1.0.0")

		require.NoError(t, f.manager.Install(ctx, "scm-mail-plugin", false))
		require.NoError(t, f.manager.Install(ctx, "scm-jira-plugin", false))
		require.NoError(t, f.manager.Uninstall(ctx, "scm-svn-plugin"))

		err := f.manager.ExecutePendingAndRestart(ctx)
		var installErr *plugins.InstallationError
		require.True(t, errors.As(err, &installErr))
		assert.Equal(t, plugins.InstallationKindDownload, installErr.Kind)

		assert.Equal(t, []string{"scm-svn-plugin"}, installedNames(t, f.manager))
		assert.NoDirExists(t, filepath.Join(f.app.Config().Plugins.Path, "scm-mail-plugin"))
	})

	t.Run("Update, uninstall and dependencies", func(t *testing.T) {
		f := newManagerFixture(t)
		f.offer(t, "scm-git-plugin", "2.0.0")
		f.offer(t, "scm-mail-plugin", "1.0.0")
		f.offer(t, "scm-review-plugin", "1.0.0", "scm-mail-plugin")
		f.preinstall(t, false, "scm-git-plugin", "1.0.0")
		f.preinstall(t, false, "scm-svn-plugin", "1.0.0")
		f.restarter.On("Restart", mock.Anything).Return(nil)

		require.NoError(t, f.manager.UpdateAll(ctx))
		require.NoError(t, f.manager.Install(ctx, "scm-review-plugin", true))
		require.NoError(t, f.manager.Uninstall(ctx, "scm-svn-plugin"))
		require.NoError(t, f.manager.ExecutePendingAndRestart(ctx))

		assert.Equal(t, []string{"scm-git-plugin", "scm-mail-plugin", "scm-review-plugin"}, installedNames(t, f.manager))
		git, err := f.manager.GetInstalledPlugin(ctx, "scm-git-plugin")
		require.NoError(t, err)
		assert.Equal(t, "2.0.0", git.Version())

		history, err := store.New(f.app.DB()).GetPluginHistory("scm-svn-plugin")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, store.HistoryActionUninstall, history[0].Action)
	})

	t.Run("Descriptor mismatch", func(t *testing.T) {
		f := newManagerFixture(t)
		data, checksum := testutil.BuildPluginArchive(t, "scm-other-plugin", "2.0.0")
		f.publish(models.PluginDescriptor{
			Information: models.PluginInformation{Name: "scm-git-plugin", Version: "2.0.0"},
			URL:         f.artifacts.Add("/wrong.smp", data),
			Checksum:    checksum,
		})

		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", false))
		err := f.manager.ExecutePendingAndRestart(ctx)
		var installErr *plugins.InstallationError
		require.True(t, errors.As(err, &installErr))
		assert.Equal(t, plugins.InstallationKindMismatch, installErr.Kind)
	})

	t.Run("Single flight", func(t *testing.T) {
		f := newManagerFixture(t)
		data, checksum := testutil.BuildPluginArchive(t, "scm-git-plugin", "2.0.0")
		requested := make(chan struct{}, 1)
		release := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				select {
				case requested <- struct{}{}:
				default:
				}
				<-release
			}
			w.Write(data)
		}))
		defer slow.Close()

		f.publish(models.PluginDescriptor{
			Information: models.PluginInformation{Name: "scm-git-plugin", Version: "2.0.0"},
			URL:         slow.URL + "/scm-git-plugin.smp",
			Checksum:    checksum,
		})
		f.restarter.On("Restart", mock.Anything).Return(nil).Once()
		require.NoError(t, f.manager.Install(ctx, "scm-git-plugin", false))

		done := make(chan error, 1)
		go func() { done <- f.manager.ExecutePendingAndRestart(ctx) }()

		select {
		case <-requested:
		case <-time.After(5 * time.Second):
			t.Fatal("download never started")
		}
		assert.True(t, errors.Is(f.manager.ExecutePendingAndRestart(ctx), plugins.ErrExecutionInProgress))
		close(release)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("execution did not finish")
		}
		f.restarter.AssertNumberOfCalls(t, "Restart", 1)
	})
}

// countingTokens hands out a new access token on every fetch, like the
// plugin center does when it rotates the refresh token.
type countingTokens struct {
	fetches atomic.Int32
}

func (c *countingTokens) FetchAccessToken(ctx context.Context) (string, error) {
	n := c.fetches.Add(1)
	return fmt.Sprintf("access-%d", n), nil
}

func TestManager_ExecuteFetchesAccessTokenOnce(t *testing.T) {
	ctx := testutil.AdminContext()
	f := newManagerFixture(t)
	tokens := &countingTokens{}
	f.manager = plugins.NewManager(f.app, f.catalog, tokens, f.restarter)
	require.NoError(t, f.manager.LoadInstalled())

	f.offer(t, "scm-mail-plugin", "2.0.0")
	f.offer(t, "scm-review-plugin", "2.0.0", "scm-mail-plugin")
	f.offer(t, "scm-editor-plugin", "2.0.0")
	require.NoError(t, f.manager.Install(ctx, "scm-review-plugin", true))
	require.NoError(t, f.manager.Install(ctx, "scm-editor-plugin", true))

	f.restarter.On("Restart", mock.Anything).Return(nil).Once()
	require.NoError(t, f.manager.ExecutePendingAndRestart(ctx))

	assert.Equal(t, int32(1), tokens.fetches.Load())
	assert.Equal(t, []string{"Bearer access-1", "Bearer access-1", "Bearer access-1"}, f.artifacts.AuthorizationHeaders())
	assert.ElementsMatch(t, []string{"scm-editor-plugin", "scm-mail-plugin", "scm-review-plugin"}, installedNames(t, f.manager))
	f.restarter.AssertExpectations(t)
}
