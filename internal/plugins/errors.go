package plugins

import (
	"errors"
	"fmt"
)

// ErrExecutionInProgress is returned when pending changes are already being executed.
var ErrExecutionInProgress = errors.New("pending plugin changes are already being executed")

// ErrOnboardingCompleted is returned when plugin sets were already installed
// through onboarding.
var ErrOnboardingCompleted = errors.New("plugin set onboarding has already been completed")

// NotFoundError is returned for plugins or plugin sets that do not exist,
// or whose condition does not match the running server.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "plugin"
	}
	return fmt.Sprintf("%s %s not found", kind, e.Name)
}

// CoreInstallationError is returned when a core plugin would be installed,
// updated or uninstalled.
type CoreInstallationError struct {
	Name string
}

func (e *CoreInstallationError) Error() string {
	return fmt.Sprintf("plugin %s is a core plugin and cannot be changed", e.Name)
}

// InstallationKind classifies installation failures.
type InstallationKind string

const (
	InstallationKindDownload   InstallationKind = "download"
	InstallationKindChecksum   InstallationKind = "checksum"
	InstallationKindCondition  InstallationKind = "condition"
	InstallationKindMismatch   InstallationKind = "mismatch"
	InstallationKindUnpack     InstallationKind = "unpack"
	InstallationKindDependency InstallationKind = "dependency"
	InstallationKindCommit     InstallationKind = "commit"
)

// InstallationError represents an error that occurred while staging or
// committing a plugin.
type InstallationError struct {
	Plugin  string
	Kind    InstallationKind
	Message string
	Cause   error
}

func (e *InstallationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("plugin %s: %s: %s: %v", e.Plugin, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("plugin %s: %s: %s", e.Plugin, e.Kind, e.Message)
}

func (e *InstallationError) Unwrap() error {
	return e.Cause
}
