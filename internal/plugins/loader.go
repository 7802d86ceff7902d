package plugins

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/vrsandeep/scm-server/internal/models"
)

// InstalledLoader provides the plugins the server runs with.
type InstalledLoader interface {
	Load() ([]models.InstalledPlugin, error)
}

// DirectoryLoader discovers installed plugins from plugin directories.
// Plugins found below CorePath are core plugins.
type DirectoryLoader struct {
	Path     string
	CorePath string
}

// Load reads every plugin directory. Directories starting with a dot are
// skipped, they hold staging and backup data.
func (l *DirectoryLoader) Load() ([]models.InstalledPlugin, error) {
	// Create plugins directory if it doesn't exist
	if err := os.MkdirAll(l.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}

	byName := make(map[string]models.InstalledPlugin)
	if l.CorePath != "" {
		if err := l.scan(l.CorePath, true, byName); err != nil {
			return nil, err
		}
	}
	if err := l.scan(l.Path, false, byName); err != nil {
		return nil, err
	}

	installed := make([]models.InstalledPlugin, 0, len(byName))
	for _, plugin := range byName {
		installed = append(installed, plugin)
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].Name() < installed[j].Name() })
	return installed, nil
}

func (l *DirectoryLoader) scan(dir string, core bool, into map[string]models.InstalledPlugin) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if core && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read plugins directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}

		pluginPath := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(pluginPath, ManifestFile)); os.IsNotExist(err) {
			log.Printf("Skipping %s: no %s found", pluginPath, ManifestFile)
			continue
		}

		manifest, err := LoadManifest(pluginPath)
		if err != nil {
			log.Printf("Skipping %s: %v", pluginPath, err)
			continue
		}

		name := manifest.Information.Name
		if existing, ok := into[name]; ok {
			if existing.Core {
				log.Printf("Ignoring %s: %s is a core plugin", pluginPath, name)
				continue
			}
			log.Printf("Plugin %s found twice, using %s", name, pluginPath)
		}

		into[name] = models.InstalledPlugin{
			Information:          manifest.Information,
			Dependencies:         manifest.Dependencies,
			OptionalDependencies: manifest.OptionalDependencies,
			Core:                 core,
			Directory:            pluginPath,
		}
	}
	return nil
}
