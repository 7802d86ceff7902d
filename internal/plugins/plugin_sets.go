package plugins

import (
	"context"
	"fmt"
	"log"

	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/models"
)

// GetPluginSets returns the plugin sets of the catalog ordered by sequence.
func (m *Manager) GetPluginSets(ctx context.Context) ([]models.PluginSet, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return nil, err
	}
	return m.catalog.PluginSets(), nil
}

// GetInstalledPluginSets returns the ids of plugin sets installed so far.
func (m *Manager) GetInstalledPluginSets(ctx context.Context) ([]string, error) {
	if err := auth.Check(ctx, auth.PermissionPluginRead); err != nil {
		return nil, err
	}
	return m.store.GetInstalledPluginSets()
}

// InstallPluginSets marks every member of the given sets, including their
// dependencies, and optionally executes right away. Unknown sets or members
// fail the call before anything is marked.
func (m *Manager) InstallPluginSets(ctx context.Context, ids []string, restart bool) error {
	if err := auth.Check(ctx, auth.PermissionPluginWrite); err != nil {
		return err
	}

	setsByID := make(map[string]models.PluginSet)
	for _, set := range m.catalog.PluginSets() {
		setsByID[set.ID] = set
	}

	var members []string
	seen := make(map[string]bool)
	for _, id := range ids {
		set, ok := setsByID[id]
		if !ok {
			return &NotFoundError{Kind: "plugin set", Name: id}
		}
		for _, name := range set.Plugins {
			if !seen[name] {
				seen[name] = true
				members = append(members, name)
			}
		}
	}

	m.mu.Lock()
	var marks []string
	visited := make(map[string]bool)
	for _, name := range members {
		if installed, ok := m.installed[name]; ok && installed.Core {
			continue
		}
		if err := m.collectLocked(name, true, visited, &marks); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	for _, mark := range marks {
		m.intents[mark] = IntentInstall
	}
	m.mu.Unlock()

	log.Printf("Plugin sets %v marked %d plugin(s) for installation", ids, len(marks))

	if err := m.store.AddInstalledPluginSets(ids); err != nil {
		return fmt.Errorf("failed to store installed plugin sets: %w", err)
	}

	if restart {
		return m.ExecutePendingAndRestart(ctx)
	}
	return nil
}

// Onboarding installs plugin sets during first-run setup, before any user
// account can act.
type Onboarding struct {
	manager *Manager
}

func NewOnboarding(manager *Manager) *Onboarding {
	return &Onboarding{manager: manager}
}

// IsRequired reports whether no plugin set has been installed yet.
func (o *Onboarding) IsRequired() (bool, error) {
	ids, err := o.manager.store.GetInstalledPluginSets()
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

// InstallPluginSets installs the sets with administrative privileges.
func (o *Onboarding) InstallPluginSets(ctx context.Context, ids []string, restart bool) error {
	required, err := o.IsRequired()
	if err != nil {
		return err
	}
	if !required {
		return ErrOnboardingCompleted
	}
	return auth.RunAsAdmin(ctx, func(ctx context.Context) error {
		return o.manager.InstallPluginSets(ctx, ids, restart)
	})
}
