package plugins

import (
	"sort"

	"github.com/vrsandeep/scm-server/internal/models"
)

// DependencyTracker knows which installed plugins depend on which. Optional
// dependencies do not prevent an uninstall.
type DependencyTracker struct {
	dependents map[string]map[string]struct{}
}

// NewDependencyTracker builds a tracker from the given plugins.
func NewDependencyTracker(installed []models.InstalledPlugin) *DependencyTracker {
	t := &DependencyTracker{dependents: make(map[string]map[string]struct{})}
	for _, plugin := range installed {
		t.Add(plugin)
	}
	return t
}

// Add records the dependencies of plugin.
func (t *DependencyTracker) Add(plugin models.InstalledPlugin) {
	for _, dependency := range plugin.Dependencies {
		if t.dependents[dependency] == nil {
			t.dependents[dependency] = make(map[string]struct{})
		}
		t.dependents[dependency][plugin.Name()] = struct{}{}
	}
}

// Remove forgets plugin as a dependent.
func (t *DependencyTracker) Remove(plugin models.InstalledPlugin) {
	for _, dependency := range plugin.Dependencies {
		delete(t.dependents[dependency], plugin.Name())
	}
}

// Dependents returns the plugins depending on name, ordered by name.
func (t *DependencyTracker) Dependents(name string) []string {
	dependents := make([]string, 0, len(t.dependents[name]))
	for dependent := range t.dependents[name] {
		dependents = append(dependents, dependent)
	}
	sort.Strings(dependents)
	return dependents
}

// MayUninstall reports whether no tracked plugin depends on name.
func (t *DependencyTracker) MayUninstall(name string) bool {
	return len(t.dependents[name]) == 0
}
