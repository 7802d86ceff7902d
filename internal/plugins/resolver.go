package plugins

import (
	"sort"

	"github.com/vrsandeep/scm-server/internal/models"
)

// ChangeIntent is the pending mark of a plugin.
type ChangeIntent int

const (
	IntentNone ChangeIntent = iota
	IntentInstall
	IntentUninstall
)

func (i ChangeIntent) String() string {
	switch i {
	case IntentInstall:
		return "install"
	case IntentUninstall:
		return "uninstall"
	}
	return "none"
}

// Resolve computes the pending change set from the installed set, the
// catalog and the intents. It never modifies its arguments.
//
// Core plugins never show up in the result, and catalog plugins whose
// condition does not hold for env are not offered for install or update.
func Resolve(installed []models.InstalledPlugin, available []models.AvailablePlugin, intents map[string]ChangeIntent, env Environment) models.PendingChangeSet {
	installedByName := make(map[string]models.InstalledPlugin, len(installed))
	for _, plugin := range installed {
		installedByName[plugin.Name()] = plugin
	}

	changes := models.PendingChangeSet{
		NewInstalls: []models.AvailablePlugin{},
		Updates:     []models.PluginUpdate{},
		Uninstalls:  []models.InstalledPlugin{},
	}

	for _, plugin := range available {
		if intents[plugin.Name()] != IntentInstall {
			continue
		}
		if !IsSupported(plugin.Descriptor.Condition, env) {
			continue
		}
		current, ok := installedByName[plugin.Name()]
		if !ok {
			changes.NewInstalls = append(changes.NewInstalls, plugin)
			continue
		}
		if current.Core {
			continue
		}
		if newer, err := IsNewerVersion(current.Version(), plugin.Version()); err == nil && newer {
			changes.Updates = append(changes.Updates, models.PluginUpdate{Installed: current, Available: plugin})
		}
	}

	for _, plugin := range installed {
		if plugin.Core || intents[plugin.Name()] != IntentUninstall {
			continue
		}
		changes.Uninstalls = append(changes.Uninstalls, plugin)
	}

	sort.Slice(changes.NewInstalls, func(i, j int) bool {
		return changes.NewInstalls[i].Name() < changes.NewInstalls[j].Name()
	})
	sort.Slice(changes.Updates, func(i, j int) bool {
		return changes.Updates[i].Installed.Name() < changes.Updates[j].Installed.Name()
	})
	sort.Slice(changes.Uninstalls, func(i, j int) bool {
		return changes.Uninstalls[i].Name() < changes.Uninstalls[j].Name()
	})
	return changes
}

// IsPending reports whether name is part of the change set.
func IsPending(changes models.PendingChangeSet, name string) bool {
	for _, plugin := range changes.NewInstalls {
		if plugin.Name() == name {
			return true
		}
	}
	for _, update := range changes.Updates {
		if update.Available.Name() == name {
			return true
		}
	}
	for _, plugin := range changes.Uninstalls {
		if plugin.Name() == name {
			return true
		}
	}
	return false
}
