package plugins

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

func parseVersion(v string) (*semver.Version, error) {
	// Strip leading 'v' if present (common in version strings)
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	version, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid version %s: %w", v, err)
	}
	return version, nil
}

// CompareVersions compares two version strings semantically.
// Returns:
// - -1 if v1 < v2
// - 0 if v1 == v2
// - 1 if v1 > v2
// - error if either version string is invalid
func CompareVersions(v1, v2 string) (int, error) {
	version1, err := parseVersion(v1)
	if err != nil {
		return 0, err
	}
	version2, err := parseVersion(v2)
	if err != nil {
		return 0, err
	}
	return version1.Compare(version2), nil
}

// IsNewerVersion checks if v2 is newer than v1.
// Returns true if v2 > v1, false otherwise.
func IsNewerVersion(v1, v2 string) (bool, error) {
	comparison, err := CompareVersions(v1, v2)
	if err != nil {
		return false, err
	}
	return comparison < 0, nil
}

// IsValidVersion checks if a version string is valid semantic version.
func IsValidVersion(version string) bool {
	_, err := parseVersion(version)
	return err == nil
}

// SatisfiesMinVersion reports whether version is at least minVersion.
// Pre-release builds of a release count as that release, so a 2.0.0-SNAPSHOT
// server satisfies a minimum of 2.0.0.
func SatisfiesMinVersion(version, minVersion string) (bool, error) {
	if strings.TrimSpace(minVersion) == "" {
		return true, nil
	}
	current, err := parseVersion(version)
	if err != nil {
		return false, err
	}
	minimum, err := parseVersion(minVersion)
	if err != nil {
		return false, err
	}
	if current.Prerelease() != "" {
		release, err := current.SetPrerelease("")
		if err != nil {
			return false, err
		}
		current = &release
	}
	return !current.LessThan(minimum), nil
}
