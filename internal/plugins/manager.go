package plugins

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/core"
	"github.com/vrsandeep/scm-server/internal/models"
	"github.com/vrsandeep/scm-server/internal/store"
)

// EventPublisher receives plugin lifecycle events.
type EventPublisher interface {
	PublishPluginEvent(event models.PluginEvent)
}

// Manager owns the installed plugin set and the pending changes against the
// plugin center catalog.
type Manager struct {
	catalog   Catalog
	loader    InstalledLoader
	installer *Installer
	store     *store.Store
	restarter Restarter
	events    EventPublisher
	env       Environment
	pluginDir string

	mu        sync.Mutex
	installed map[string]models.InstalledPlugin
	// intents is the only place pending marks live; last intent wins.
	intents  map[string]ChangeIntent
	applying bool
}

var _ PluginManagerInterface = (*Manager)(nil)

var (
	globalManager PluginManagerInterface
	managerMu     sync.RWMutex
)

// NewManager creates a manager for the plugin directories configured in app.
// tokens may be nil when the plugin center needs no authentication.
func NewManager(app *core.App, catalog Catalog, tokens AccessTokenSource, restarter Restarter) *Manager {
	cfg := app.Config()
	env := CurrentEnvironment(cfg.Server.Version)
	m := &Manager{
		catalog:   catalog,
		loader:    &DirectoryLoader{Path: cfg.Plugins.Path, CorePath: cfg.Plugins.CorePath},
		installer: NewInstaller(env, tokens),
		store:     store.New(app.DB()),
		restarter: restarter,
		env:       env,
		pluginDir: cfg.Plugins.Path,
		installed: make(map[string]models.InstalledPlugin),
		intents:   make(map[string]ChangeIntent),
	}
	if hub := app.WsHub(); hub != nil {
		m.events = hub
	}
	return m
}

// SetGlobalManager sets the global plugin manager instance
func SetGlobalManager(manager PluginManagerInterface) {
	managerMu.Lock()
	defer managerMu.Unlock()
	globalManager = manager
}

// GetGlobalManager returns the global plugin manager instance
func GetGlobalManager() PluginManagerInterface {
	managerMu.RLock()
	defer managerMu.RUnlock()
	return globalManager
}

// LoadInstalled reads the installed plugins from disk.
func (m *Manager) LoadInstalled() error {
	installed, err := m.loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load installed plugins: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.installed = make(map[string]models.InstalledPlugin, len(installed))
	for _, plugin := range installed {
		m.installed[plugin.Name()] = plugin
	}
	log.Printf("Loaded %d installed plugin(s)", len(installed))
	return nil
}

func (m *Manager) publish(eventType models.PluginEventType, plugin string) {
	if m.events == nil {
		return
	}
	m.events.PublishPluginEvent(models.PluginEvent{Type: eventType, Plugin: plugin, Time: time.Now()})
}

func (m *Manager) installedListLocked() []models.InstalledPlugin {
	installed := make([]models.InstalledPlugin, 0, len(m.installed))
	for _, plugin := range m.installed {
		installed = append(installed, plugin)
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].Name() < installed[j].Name() })
	return installed
}

// availableLocked returns a catalog plugin whose condition holds.
func (m *Manager) availableLocked(name string) (models.AvailablePlugin, bool) {
	plugin, ok := m.catalog.AvailablePlugin(name)
	if !ok || !IsSupported(plugin.Descriptor.Condition, m.env) {
		return models.AvailablePlugin{}, false
	}
	return plugin, true
}

func (m *Manager) isUpdatableLocked(name string) bool {
	installed, ok := m.installed[name]
	if !ok || installed.Core {
		return false
	}
	available, ok := m.availableLocked(name)
	if !ok {
		return false
	}
	newer, err := IsNewerVersion(installed.Version(), available.Version())
	return err == nil && newer
}

// needsInstallLocked reports whether marking name would change anything.
func (m *Manager) needsInstallLocked(name string) bool {
	if _, ok := m.installed[name]; !ok {
		return true
	}
	return m.isUpdatableLocked(name)
}

// collectLocked gathers name and, with dependencies, everything it needs.
// Nothing is marked here so that a missing dependency leaves no trace.
func (m *Manager) collectLocked(name string, withDependencies bool, visited map[string]bool, marks *[]string) error {
	if visited[name] {
		return nil
	}
	visited[name] = true

	plugin, ok := m.availableLocked(name)
	if !ok {
		if installed, isInstalled := m.installed[name]; isInstalled && (installed.Core || !withDependencies) {
			return nil
		}
		return &NotFoundError{Name: name}
	}

	if withDependencies {
		for _, dependency := range plugin.Descriptor.Dependencies {
			installed, isInstalled := m.installed[dependency]
			if isInstalled && (installed.Core || !m.isUpdatableLocked(dependency)) {
				continue
			}
			if err := m.collectLocked(dependency, true, visited, marks); err != nil {
				return err
			}
		}
		for _, dependency := range plugin.Descriptor.OptionalDependencies {
			if m.isUpdatableLocked(dependency) {
				if err := m.collectLocked(dependency, true, visited, marks); err != nil {
					return err
				}
			}
		}
	}

	if m.needsInstallLocked(name) {
		*marks = append(*marks, name)
	}
	return nil
}

// Install marks a catalog plugin for installation or update. Installing an
// installed plugin that is up to date does nothing.
func (m *Manager) Install(ctx context.Context, name string, installDependencies bool) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if installed, ok := m.installed[name]; ok && installed.Core {
		return &CoreInstallationError{Name: name}
	}
	if _, ok := m.availableLocked(name); !ok {
		return &NotFoundError{Name: name}
	}

	var marks []string
	if err := m.collectLocked(name, installDependencies, map[string]bool{}, &marks); err != nil {
		return err
	}
	for _, mark := range marks {
		m.intents[mark] = IntentInstall
	}
	if len(marks) > 0 {
		log.Printf("Marked for installation: %v", marks)
	}
	return nil
}

// Uninstall marks an installed plugin for removal.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	installed, ok := m.installed[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	if installed.Core {
		return &CoreInstallationError{Name: name}
	}
	m.intents[name] = IntentUninstall
	log.Printf("Marked for uninstall: %s", name)
	return nil
}

func (m *Manager) pendingLocked() models.PendingChangeSet {
	return Resolve(m.installedListLocked(), m.catalog.Available(), m.intents, m.env)
}

// GetPending returns the changes the next execution would apply.
func (m *Manager) GetPending(ctx context.Context) (models.PendingChangeSet, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return models.PendingChangeSet{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(), nil
}

// CancelPending forgets all pending changes. Files on disk are untouched.
func (m *Manager) CancelPending(ctx context.Context) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}
	m.mu.Lock()
	cancelled := len(m.intents)
	m.intents = make(map[string]ChangeIntent)
	m.mu.Unlock()

	log.Printf("Cancelled %d pending plugin change(s)", cancelled)
	m.publish(models.PluginEventCancelled, "")
	return nil
}

// ExecutePendingAndRestart applies all pending changes and restarts the
// server. Without pending changes it returns without restarting.
func (m *Manager) ExecutePendingAndRestart(ctx context.Context) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}

	m.mu.Lock()
	if m.applying {
		m.mu.Unlock()
		return ErrExecutionInProgress
	}
	pending := m.pendingLocked()
	if pending.IsEmpty() {
		m.mu.Unlock()
		log.Println("No pending plugin changes, skipping restart")
		return nil
	}
	m.applying = true
	applied := make(map[string]ChangeIntent, len(m.intents))
	for name, intent := range m.intents {
		applied[name] = intent
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.applying = false
		m.mu.Unlock()
	}()

	if err := m.apply(ctx, pending); err != nil {
		return err
	}

	if err := m.LoadInstalled(); err != nil {
		log.Printf("Failed to reload installed plugins after execution: %v", err)
	}

	m.mu.Lock()
	for name, intent := range applied {
		if m.intents[name] == intent {
			delete(m.intents, name)
		}
	}
	m.mu.Unlock()

	m.publish(models.PluginEventExecuted, "")
	if m.restarter == nil {
		log.Println("No restarter configured, plugin changes take effect on next start")
		return nil
	}
	if err := m.restarter.Restart("plugin changes executed"); err != nil {
		return fmt.Errorf("plugin changes applied but restart failed: %w", err)
	}
	return nil
}

// GetAvailable returns catalog plugins that are not installed or newer than
// the installed version.
func (m *Manager) GetAvailable(ctx context.Context) ([]models.AvailablePlugin, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	available := []models.AvailablePlugin{}
	for _, plugin := range m.catalog.Available() {
		if m.isOfferedLocked(plugin) {
			available = append(available, plugin)
		}
	}
	return available, nil
}

func (m *Manager) isOfferedLocked(plugin models.AvailablePlugin) bool {
	if !IsSupported(plugin.Descriptor.Condition, m.env) {
		return false
	}
	if _, ok := m.installed[plugin.Name()]; !ok {
		return true
	}
	return m.isUpdatableLocked(plugin.Name())
}

// GetAvailablePlugin returns a single offered catalog plugin.
func (m *Manager) GetAvailablePlugin(ctx context.Context, name string) (models.AvailablePlugin, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return models.AvailablePlugin{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	plugin, ok := m.catalog.AvailablePlugin(name)
	if !ok || !m.isOfferedLocked(plugin) {
		return models.AvailablePlugin{}, &NotFoundError{Name: name}
	}
	return plugin, nil
}

// GetInstalled returns the installed plugins with their lifecycle flags.
func (m *Manager) GetInstalled(ctx context.Context) ([]models.InstalledPluginView, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	installed := m.installedListLocked()
	tracker := NewDependencyTracker(nil)
	for _, plugin := range installed {
		if m.intents[plugin.Name()] != IntentUninstall {
			tracker.Add(plugin)
		}
	}

	views := make([]models.InstalledPluginView, 0, len(installed))
	for _, plugin := range installed {
		marked := !plugin.Core && m.intents[plugin.Name()] == IntentUninstall
		views = append(views, models.InstalledPluginView{
			InstalledPlugin:    plugin,
			MarkedForUninstall: marked,
			Uninstallable:      !plugin.Core && !marked && tracker.MayUninstall(plugin.Name()),
		})
	}
	return views, nil
}

// GetInstalledPlugin returns one installed plugin.
func (m *Manager) GetInstalledPlugin(ctx context.Context, name string) (models.InstalledPluginView, error) {
	views, err := m.GetInstalled(ctx)
	if err != nil {
		return models.InstalledPluginView{}, err
	}
	for _, view := range views {
		if view.Name() == name {
			return view, nil
		}
	}
	return models.InstalledPluginView{}, &NotFoundError{Name: name}
}

// GetUpdatable returns installed plugins with a newer catalog version.
func (m *Manager) GetUpdatable(ctx context.Context) ([]models.InstalledPlugin, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatableLocked(), nil
}

func (m *Manager) updatableLocked() []models.InstalledPlugin {
	updatable := []models.InstalledPlugin{}
	for _, plugin := range m.installedListLocked() {
		if m.isUpdatableLocked(plugin.Name()) {
			updatable = append(updatable, plugin)
		}
	}
	return updatable
}

// UpdateAll marks every updatable plugin, together with new dependencies.
func (m *Manager) UpdateAll(ctx context.Context) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var marks []string
	visited := map[string]bool{}
	for _, plugin := range m.updatableLocked() {
		if err := m.collectLocked(plugin.Name(), true, visited, &marks); err != nil {
			return err
		}
	}
	for _, mark := range marks {
		m.intents[mark] = IntentInstall
	}
	log.Printf("Marked %d plugin(s) for update", len(marks))
	return nil
}
