package plugins

import (
	"log"
	"runtime"
	"strings"

	"github.com/vrsandeep/scm-server/internal/models"
)

// Environment describes the running server for condition checks.
type Environment struct {
	Version string
	OS      string
	Arch    string
}

// CurrentEnvironment returns the environment of this process.
func CurrentEnvironment(version string) Environment {
	return Environment{
		Version: version,
		OS:      runtime.GOOS,
		Arch:    runtime.GOARCH,
	}
}

var archAliases = map[string]string{
	"x86_64":  "amd64",
	"x64":     "amd64",
	"x86":     "386",
	"i386":    "386",
	"aarch64": "arm64",
}

func normalizeArch(arch string) string {
	arch = strings.ToLower(strings.TrimSpace(arch))
	if alias, ok := archAliases[arch]; ok {
		return alias
	}
	return arch
}

func normalizeOS(os string) string {
	os = strings.ToLower(strings.TrimSpace(os))
	switch {
	case strings.HasPrefix(os, "win"):
		return "windows"
	case os == "mac" || os == "macos" || strings.HasPrefix(os, "mac os"):
		return "darwin"
	}
	return os
}

// IsSupported evaluates a plugin condition against env.
func IsSupported(condition models.PluginCondition, env Environment) bool {
	if condition.MinVersion != "" && env.Version != "" {
		ok, err := SatisfiesMinVersion(env.Version, condition.MinVersion)
		if err != nil {
			log.Printf("Cannot evaluate minVersion %q against %q: %v", condition.MinVersion, env.Version, err)
			return false
		}
		if !ok {
			return false
		}
	}

	if len(condition.OS) > 0 && !matchesOS(condition.OS, env.OS) {
		return false
	}

	if condition.Arch != "" && normalizeArch(condition.Arch) != normalizeArch(env.Arch) {
		return false
	}
	return true
}

// matchesOS fails if any negated entry matches; otherwise at least one plain
// entry has to match, unless all entries are negations.
func matchesOS(entries []string, current string) bool {
	current = normalizeOS(current)
	positive := false
	matched := false
	for _, entry := range entries {
		if negated, ok := strings.CutPrefix(strings.TrimSpace(entry), "!"); ok {
			if normalizeOS(negated) == current {
				return false
			}
			continue
		}
		positive = true
		if normalizeOS(entry) == current {
			matched = true
		}
	}
	return matched || !positive
}
