package plugins_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vrsandeep/scm-server/internal/models"
	"github.com/vrsandeep/scm-server/internal/plugins"
)

var testEnv = plugins.Environment{Version: "2.0.0", OS: "linux", Arch: "amd64"}

func available(name, version string, dependencies ...string) models.AvailablePlugin {
	return models.AvailablePlugin{Descriptor: models.PluginDescriptor{
		Information:  models.PluginInformation{Name: name, Version: version},
		Dependencies: dependencies,
	}}
}

func installed(name, version string, core bool) models.InstalledPlugin {
	return models.InstalledPlugin{
		Information: models.PluginInformation{Name: name, Version: version},
		Core:        core,
	}
}

func TestResolve(t *testing.T) {
	installedSet := []models.InstalledPlugin{
		installed("scm-git-plugin", "1.0.0", false),
		installed("scm-svn-plugin", "1.0.0", false),
		installed("scm-core-plugin", "1.0.0", true),
	}
	availableSet := []models.AvailablePlugin{
		available("scm-git-plugin", "2.0.0"),
		available("scm-svn-plugin", "1.0.0"),
		available("scm-core-plugin", "3.0.0"),
		available("scm-review-plugin", "1.2.0"),
		available("scm-mail-plugin", "1.0.0"),
	}

	t.Run("No intents", func(t *testing.T) {
		changes := plugins.Resolve(installedSet, availableSet, nil, testEnv)
		assert.True(t, changes.IsEmpty())
		assert.NotNil(t, changes.NewInstalls)
		assert.NotNil(t, changes.Updates)
		assert.NotNil(t, changes.Uninstalls)
	})

	t.Run("New install appears once", func(t *testing.T) {
		intents := map[string]plugins.ChangeIntent{"scm-review-plugin": plugins.IntentInstall}
		changes := plugins.Resolve(installedSet, availableSet, intents, testEnv)
		assert.Len(t, changes.NewInstalls, 1)
		assert.Equal(t, "scm-review-plugin", changes.NewInstalls[0].Name())
		assert.Empty(t, changes.Updates)
		assert.Empty(t, changes.Uninstalls)
	})

	t.Run("Update requires newer version", func(t *testing.T) {
		intents := map[string]plugins.ChangeIntent{
			"scm-git-plugin": plugins.IntentInstall,
			"scm-svn-plugin": plugins.IntentInstall,
		}
		changes := plugins.Resolve(installedSet, availableSet, intents, testEnv)
		assert.Empty(t, changes.NewInstalls)
		if assert.Len(t, changes.Updates, 1) {
			assert.Equal(t, "1.0.0", changes.Updates[0].Installed.Version())
			assert.Equal(t, "2.0.0", changes.Updates[0].Available.Version())
		}
	})

	t.Run("Core plugins are never pending", func(t *testing.T) {
		intents := map[string]plugins.ChangeIntent{"scm-core-plugin": plugins.IntentInstall}
		assert.True(t, plugins.Resolve(installedSet, availableSet, intents, testEnv).IsEmpty())

		intents = map[string]plugins.ChangeIntent{"scm-core-plugin": plugins.IntentUninstall}
		assert.True(t, plugins.Resolve(installedSet, availableSet, intents, testEnv).IsEmpty())
	})

	t.Run("Uninstall", func(t *testing.T) {
		intents := map[string]plugins.ChangeIntent{"scm-svn-plugin": plugins.IntentUninstall}
		changes := plugins.Resolve(installedSet, availableSet, intents, testEnv)
		if assert.Len(t, changes.Uninstalls, 1) {
			assert.Equal(t, "scm-svn-plugin", changes.Uninstalls[0].Name())
		}
		assert.True(t, plugins.IsPending(changes, "scm-svn-plugin"))
		assert.False(t, plugins.IsPending(changes, "scm-git-plugin"))
	})

	t.Run("Unsupported condition is skipped", func(t *testing.T) {
		future := available("scm-future-plugin", "1.0.0")
		future.Descriptor.Condition.MinVersion = "3.0.0"
		intents := map[string]plugins.ChangeIntent{"scm-future-plugin": plugins.IntentInstall}
		changes := plugins.Resolve(installedSet, append([]models.AvailablePlugin{future}, availableSet...), intents, testEnv)
		assert.True(t, changes.IsEmpty())
	})

	t.Run("Ordered by name and inputs untouched", func(t *testing.T) {
		intents := map[string]plugins.ChangeIntent{
			"scm-review-plugin": plugins.IntentInstall,
			"scm-mail-plugin":   plugins.IntentInstall,
		}
		changes := plugins.Resolve(installedSet, availableSet, intents, testEnv)
		if assert.Len(t, changes.NewInstalls, 2) {
			assert.Equal(t, "scm-mail-plugin", changes.NewInstalls[0].Name())
			assert.Equal(t, "scm-review-plugin", changes.NewInstalls[1].Name())
		}
		assert.Equal(t, "scm-git-plugin", availableSet[0].Name())
		assert.Len(t, intents, 2)
	})
}

func TestIsSupported(t *testing.T) {
	tests := []struct {
		name      string
		condition models.PluginCondition
		expected  bool
	}{
		{"Empty condition", models.PluginCondition{}, true},
		{"Min version met", models.PluginCondition{MinVersion: "2.0.0"}, true},
		{"Min version not met", models.PluginCondition{MinVersion: "2.1.0"}, false},
		{"Matching os", models.PluginCondition{OS: []string{"Linux", "Mac OS X"}}, true},
		{"Other os", models.PluginCondition{OS: []string{"Windows"}}, false},
		{"Negated os", models.PluginCondition{OS: []string{"!linux"}}, false},
		{"Negated other os", models.PluginCondition{OS: []string{"!windows"}}, true},
		{"Arch alias", models.PluginCondition{Arch: "x86_64"}, true},
		{"Other arch", models.PluginCondition{Arch: "arm64"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := plugins.IsSupported(tt.condition, testEnv); got != tt.expected {
				t.Errorf("IsSupported(%+v) = %v, want %v", tt.condition, got, tt.expected)
			}
		})
	}
}

func TestDependencyTracker(t *testing.T) {
	mail := installed("scm-mail-plugin", "1.0.0", false)
	review := installed("scm-review-plugin", "1.0.0", false)
	review.Dependencies = []string{"scm-mail-plugin"}
	review.OptionalDependencies = []string{"scm-jira-plugin"}

	tracker := plugins.NewDependencyTracker([]models.InstalledPlugin{mail, review})
	assert.False(t, tracker.MayUninstall("scm-mail-plugin"))
	assert.Equal(t, []string{"scm-review-plugin"}, tracker.Dependents("scm-mail-plugin"))
	assert.True(t, tracker.MayUninstall("scm-review-plugin"))
	assert.True(t, tracker.MayUninstall("scm-jira-plugin"))

	tracker.Remove(review)
	assert.True(t, tracker.MayUninstall("scm-mail-plugin"))
}
