// This file defines the configuration structure for the application.
package config

import (
	// use Viper for loading the config.yml file.
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port     int `mapstructure:"port"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Server struct {
		// RootPath is the path the web application is mounted under.
		RootPath string `mapstructure:"root_path"`
		Version  string `mapstructure:"version"`
	} `mapstructure:"server"`
	Plugins struct {
		Path     string `mapstructure:"path"`
		CorePath string `mapstructure:"core_path"`
		// RefreshInterval is the catalog refresh interval in minutes.
		RefreshInterval int `mapstructure:"refresh_interval"`
	} `mapstructure:"plugins"`
	PluginCenter struct {
		URL     string `mapstructure:"url"`
		AuthURL string `mapstructure:"auth_url"`
		// ChallengeTTL is the lifetime of an auth challenge in minutes.
		ChallengeTTL int    `mapstructure:"challenge_ttl"`
		Secret       string `mapstructure:"secret"`
	} `mapstructure:"plugin_center"`
	Auth struct {
		AdminUser         string `mapstructure:"admin_user"`
		AdminPasswordHash string `mapstructure:"admin_password_hash"`
	} `mapstructure:"auth"`
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from the given file, or from "config.yml" in
// the current directory when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // name of config file (without extension)
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	// SCM_PLUGIN_CENTER_URL overrides `plugin_center.url` and so on.
	v.SetEnvPrefix("SCM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("database.path", "./scm.db")
	v.SetDefault("server.root_path", "/")
	v.SetDefault("server.version", "2.0.0")
	v.SetDefault("plugins.path", "./plugins")
	v.SetDefault("plugins.core_path", "./core-plugins")
	v.SetDefault("plugins.refresh_interval", 60)
	v.SetDefault("plugin_center.url", "https://plugin-center-api.scm-manager.org/api/v1/plugins")
	v.SetDefault("plugin_center.auth_url", "https://plugin-center-api.scm-manager.org/api/v1/auth/oidc")
	v.SetDefault("plugin_center.challenge_ttl", 10)
	v.SetDefault("auth.admin_user", "scmadmin")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			// Config file was found but another error was produced
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// IsPluginCenterAuthEnabled reports whether a plugin-center auth URL is set.
func (c *Config) IsPluginCenterAuthEnabled() bool {
	return strings.TrimSpace(c.PluginCenter.AuthURL) != ""
}
