// Package config loads busd's daemon configuration the way
// go-server-3/internal/config does: viper-backed defaults, an optional
// config file, and environment variable overrides, extended with the
// bus-specific sections (profile, policy rules, descriptor directories).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root daemon configuration, mirroring go-server-3's
// nested-struct-with-mapstructure-tags shape.
type Config struct {
	Profile    string           `mapstructure:"profile"` // "session" or "system"
	Listen     ListenConfig     `mapstructure:"listen"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Activation ActivationConfig `mapstructure:"activation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Admin      AdminConfig      `mapstructure:"admin"`
	NATS       NATSConfig       `mapstructure:"nats"`
}

type ListenConfig struct {
	UnixSocket string `mapstructure:"unix_socket"`
	Gateway    string `mapstructure:"gateway_addr"` // "" disables the WebSocket gateway
	JWTSecret  string `mapstructure:"jwt_secret"`
}

type LimitsConfig struct {
	MaxConnections       int `mapstructure:"max_connections"`
	MaxIncompleteConns   int `mapstructure:"max_incomplete_connections"`
	MaxServicesPerConn   int `mapstructure:"max_services_per_connection"`
	MaxMatchRulesPerConn int `mapstructure:"max_match_rules_per_connection"`
}

type PolicyRuleConfig struct {
	Kind        string `mapstructure:"kind"` // send|receive|own|activate
	Action      string `mapstructure:"action"` // allow|deny
	Destination string `mapstructure:"destination"`
	Interface   string `mapstructure:"interface"`
	Member      string `mapstructure:"member"`
	Name        string `mapstructure:"name"`
	UID         *uint32 `mapstructure:"uid"`
	GID         *uint32 `mapstructure:"gid"`
}

type PolicyConfig struct {
	Default   []PolicyRuleConfig `mapstructure:"default"`
	Mandatory []PolicyRuleConfig `mapstructure:"mandatory"`
	Rules     []PolicyRuleConfig `mapstructure:"rules"` // per-identity and own-name rules
}

type ActivationConfig struct {
	Directories []string `mapstructure:"directories"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Load builds a *viper.Viper with busd's defaults, reads configPath if
// non-empty (a missing file leaves the defaults in place), layers
// BUSD_-prefixed environment overrides, and unmarshals into a Config.
// Grounded on go-server-3/internal/config.Load's
// SetDefault/SetConfigName/AutomaticEnv sequence.
func Load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("busd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/busd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", "session")
	v.SetDefault("listen.unix_socket", "/run/busd/system_bus_socket")
	v.SetDefault("listen.gateway_addr", "")
	v.SetDefault("limits.max_connections", 256)
	v.SetDefault("limits.max_incomplete_connections", 32)
	v.SetDefault("limits.max_services_per_connection", 64)
	v.SetDefault("limits.max_match_rules_per_connection", 128)
	v.SetDefault("activation.directories", []string{"/usr/share/busd-services", "/etc/busd/services"})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("admin.listen_addr", "127.0.0.1:9469")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.subject", "busd.lifecycle")
}

// Reload re-reads the same viper instance's underlying config file. Its
// caller is the policy reloader cmd/busd installs, which SIGHUP and the
// ReloadConfig driver method trigger.
func Reload(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reload: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal on reload: %w", err)
	}
	return &cfg, nil
}
