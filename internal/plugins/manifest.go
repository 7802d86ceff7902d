package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vrsandeep/scm-server/internal/models"
)

// ManifestFile is the descriptor every plugin directory and archive carries.
const ManifestFile = "plugin.json"

// PluginManifest represents the plugin.json structure.
type PluginManifest struct {
	Information          models.PluginInformation `json:"information"`
	Dependencies         []string                 `json:"dependencies,omitempty"`
	OptionalDependencies []string                 `json:"optionalDependencies,omitempty"`
}

// LoadManifest loads and parses a plugin.json file.
func LoadManifest(pluginDir string) (*PluginManifest, error) {
	manifestPath := filepath.Join(pluginDir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ManifestFile, err)
	}

	var manifest PluginManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ManifestFile, err)
	}

	// Validate required fields
	if manifest.Information.Name == "" {
		return nil, fmt.Errorf("%s missing required field: information.name", ManifestFile)
	}
	if manifest.Information.Version == "" {
		return nil, fmt.Errorf("%s missing required field: information.version", ManifestFile)
	}
	if !IsValidVersion(manifest.Information.Version) {
		return nil, fmt.Errorf("%s has invalid version %q", ManifestFile, manifest.Information.Version)
	}

	manifest.Information.Category = manifest.Information.CategoryOrDefault()
	manifest.Information.State = models.PluginStateInstalled

	return &manifest, nil
}
