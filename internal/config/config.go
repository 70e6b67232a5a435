// Package config holds the daemon configuration: viper-backed settings
// with flag, environment, and file precedence, plus the YAML channel
// catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/statecast-project/statecast/internal/channel"
)

// Store backends.
const (
	BackendBBolt  = "bbolt"
	BackendMemory = "memory"
)

// Log formats.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	// Listen is the HTTP bind address.
	Listen string `mapstructure:"listen"`
	// Channels is the path of the channel catalog file.
	Channels string `mapstructure:"channels"`

	Store     StoreConfig     `mapstructure:"store"`
	Source    SourceConfig    `mapstructure:"source"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type StoreConfig struct {
	// Backend selects bbolt or memory.
	Backend string `mapstructure:"backend"`
	// Path is the bbolt database file.
	Path string `mapstructure:"path"`
}

type SourceConfig struct {
	// Dir enables the file source when set.
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	// Tokens maps bearer tokens to user keys.
	Tokens map[string]int64 `mapstructure:"tokens"`
}

type RetentionConfig struct {
	// MaxAge prunes update log entries older than this. Zero disables
	// pruning.
	MaxAge time.Duration `mapstructure:"max_age"`
	// SweepInterval is how often the prune loop runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SetDefaults seeds v with the default configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8094")
	v.SetDefault("channels", "channels.yaml")
	v.SetDefault("store.backend", BackendBBolt)
	v.SetDefault("store.path", filepath.Join(xdg.DataHome, "statecast", "state.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", FormatAuto)
	v.SetDefault("retention.sweep_interval", 10*time.Minute)
}

// FromViper decodes and validates the effective configuration.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.Store.Backend {
	case BackendBBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", BackendBBolt)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q (want %s or %s)",
			c.Store.Backend, BackendBBolt, BackendMemory)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case FormatAuto, FormatConsole, FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	if c.Retention.MaxAge > 0 && c.Retention.SweepInterval <= 0 {
		return fmt.Errorf("retention.sweep_interval must be positive when max_age is set")
	}
	return nil
}

// catalog is the channel file's shape.
type catalog struct {
	Channels []channel.Config `yaml:"channels"`
}

// LoadChannels reads the channel catalog and builds the registry.
func LoadChannels(path string) (*channel.Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel catalog: %w", err)
	}
	var cat catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse channel catalog %s: %w", path, err)
	}
	if len(cat.Channels) == 0 {
		return nil, fmt.Errorf("channel catalog %s declares no channels", path)
	}
	reg, err := channel.NewRegistry(cat.Channels)
	if err != nil {
		return nil, fmt.Errorf("channel catalog %s: %w", path, err)
	}
	return reg, nil
}
