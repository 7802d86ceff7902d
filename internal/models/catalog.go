package models

import "time"

// PluginCenterResponse is the document served by the plugin center.
type PluginCenterResponse struct {
	Plugins    []PluginDescriptor `json:"plugins"`
	PluginSets []PluginSet        `json:"pluginSets"`
}

// AuthenticationInfo describes the stored plugin-center connection.
type AuthenticationInfo struct {
	Principal           string    `json:"principal"`
	PluginCenterSubject string    `json:"pluginCenterSubject"`
	Date                time.Time `json:"date"`
	Failed              bool      `json:"failed"`
}

// PluginInstallRequest is the body of an install call.
type PluginInstallRequest struct {
	Name                string `json:"name"`
	InstallDependencies *bool  `json:"installDependencies,omitempty"`
}

// PluginSetInstallRequest is the body of the onboarding install call.
type PluginSetInstallRequest struct {
	PluginSetIDs []string `json:"pluginSetIds"`
	Restart      bool     `json:"restart"`
}
