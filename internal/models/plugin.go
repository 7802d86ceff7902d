// This file defines the plugin descriptor value types shared by the catalog,
// the installed plugin directory and the lifecycle manager.

package models

import "time"

// DefaultCategory is used for plugins that do not declare a category.
const DefaultCategory = "Miscellaneous"

// PluginState tags where a piece of plugin information came from.
type PluginState string

const (
	PluginStateAvailable PluginState = "AVAILABLE"
	PluginStateInstalled PluginState = "INSTALLED"
)

// PluginInformation identifies a plugin. Name is the stable identifier shared
// by the catalog and the installed plugin directory.
type PluginInformation struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	DisplayName string      `json:"displayName,omitempty"`
	Description string      `json:"description,omitempty"`
	Author      string      `json:"author,omitempty"`
	Category    string      `json:"category,omitempty"`
	AvatarURL   string      `json:"avatarUrl,omitempty"`
	State       PluginState `json:"state,omitempty"`
}

// CategoryOrDefault returns the declared category or DefaultCategory.
func (i PluginInformation) CategoryOrDefault() string {
	if i.Category == "" {
		return DefaultCategory
	}
	return i.Category
}

// PluginCondition is the compatibility predicate of a catalog plugin.
// Entries of OS may be negated with a leading "!".
type PluginCondition struct {
	MinVersion string   `json:"minVersion,omitempty"`
	OS         []string `json:"os,omitempty"`
	Arch       string   `json:"arch,omitempty"`
}

// PluginDescriptor is everything the catalog knows about a plugin.
type PluginDescriptor struct {
	Information          PluginInformation `json:"information"`
	Condition            PluginCondition   `json:"condition"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	OptionalDependencies []string          `json:"optionalDependencies,omitempty"`
	URL                  string            `json:"url"`
	Checksum             string            `json:"sha256sum"`
}

// AvailablePlugin is a plugin offered by the remote catalog. It carries no
// pending state; pending marks are owned by the lifecycle manager.
type AvailablePlugin struct {
	Descriptor PluginDescriptor `json:"descriptor"`
}

// Name returns the plugin name.
func (p AvailablePlugin) Name() string { return p.Descriptor.Information.Name }

// Version returns the plugin version.
func (p AvailablePlugin) Version() string { return p.Descriptor.Information.Version }

// InstalledPlugin is a plugin loaded by the running server.
type InstalledPlugin struct {
	Information          PluginInformation `json:"information"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	OptionalDependencies []string          `json:"optionalDependencies,omitempty"`
	Core                 bool              `json:"core"`
	Directory            string            `json:"-"`
}

// Name returns the plugin name.
func (p InstalledPlugin) Name() string { return p.Information.Name }

// Version returns the plugin version.
func (p InstalledPlugin) Version() string { return p.Information.Version }

// PluginSetDescription is the localized text of a plugin set.
type PluginSetDescription struct {
	Name     string   `json:"name"`
	Features []string `json:"features"`
}

// PluginSet is a curated bundle of plugins offered during onboarding.
type PluginSet struct {
	ID           string                          `json:"id"`
	Sequence     int                             `json:"sequence"`
	Plugins      []string                        `json:"plugins"`
	Descriptions map[string]PluginSetDescription `json:"descriptions"`
	Images       map[string]string               `json:"images,omitempty"`
}

// PluginUpdate pairs an installed plugin with its newer catalog version.
type PluginUpdate struct {
	Installed InstalledPlugin `json:"installed"`
	Available AvailablePlugin `json:"available"`
}

// PendingChangeSet is derived from the current state on every read.
type PendingChangeSet struct {
	NewInstalls []AvailablePlugin `json:"newInstalls"`
	Updates     []PluginUpdate    `json:"updates"`
	Uninstalls  []InstalledPlugin `json:"uninstalls"`
}

// IsEmpty reports whether nothing is pending.
func (c PendingChangeSet) IsEmpty() bool {
	return len(c.NewInstalls) == 0 && len(c.Updates) == 0 && len(c.Uninstalls) == 0
}

// InstalledPluginView is an installed plugin together with its lifecycle flags.
type InstalledPluginView struct {
	InstalledPlugin
	MarkedForUninstall bool `json:"markedForUninstall"`
	Uninstallable      bool `json:"uninstallable"`
}

// PluginEventType describes what happened to a plugin.
type PluginEventType string

const (
	PluginEventInstalled          PluginEventType = "INSTALLED"
	PluginEventInstallationFailed PluginEventType = "INSTALLATION_FAILED"
	PluginEventUninstalled        PluginEventType = "UNINSTALLED"
	PluginEventCancelled          PluginEventType = "CANCELLED"
	PluginEventExecuted           PluginEventType = "EXECUTED"
)

// PluginEvent is published to the admin event feed.
type PluginEvent struct {
	Type   PluginEventType `json:"type"`
	Plugin string          `json:"plugin,omitempty"`
	Time   time.Time       `json:"time"`
}
