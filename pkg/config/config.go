// Package config loads session settings from a YAML file with environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astromechza/automerge-sessions/pkg/netsync"
	"github.com/astromechza/automerge-sessions/pkg/persist"
	"github.com/astromechza/automerge-sessions/pkg/presence"
	"github.com/astromechza/automerge-sessions/pkg/session"
)

const (
	EnvServerURL            = "COLLAB_WS_URL"
	EnvReconnectTimeout     = "COLLAB_WS_RECONNECT_TIMEOUT"
	EnvMaxReconnectAttempts = "COLLAB_WS_MAX_RECONNECT_ATTEMPTS"
	EnvPersistenceEnabled   = "COLLAB_PERSISTENCE_ENABLED"
	EnvPersistenceDriver    = "COLLAB_PERSISTENCE_DRIVER"
	EnvPersistencePath      = "COLLAB_PERSISTENCE_PATH"
	EnvLogLevel             = "COLLAB_LOG_LEVEL"
)

type Config struct {
	Network     NetworkConfig     `yaml:"network"`
	Persistence PersistenceConfig `yaml:"persistence"`
	User        *UserConfig       `yaml:"user,omitempty"`
	LogLevel    string            `yaml:"log_level"`
}

type NetworkConfig struct {
	// Disabled makes sessions local-only.
	Disabled             bool          `yaml:"disabled"`
	ServerURL            string        `yaml:"server_url"`
	ReconnectTimeout     time.Duration `yaml:"reconnect_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path"`
	// Key overrides the whole store key; otherwise it is KeyPrefix plus the document id.
	Key       string `yaml:"key"`
	KeyPrefix string `yaml:"key_prefix"`
}

type UserConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			ServerURL:            "ws://localhost:1234",
			ReconnectTimeout:     time.Second,
			MaxReconnectAttempts: 10,
		},
		Persistence: PersistenceConfig{
			Enabled:   true,
			Driver:    persist.DriverSQLite,
			Path:      "collab.sqlite3",
			KeyPrefix: persist.DefaultKeyPrefix,
		},
		LogLevel: "info",
	}
}

// Load reads the file at path over the defaults, applies environment overrides and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. The reconnect timeout accepts a Go duration or a plain number of
// milliseconds.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvServerURL); ok {
		c.Network.ServerURL = v
	}
	if v, ok := lookup(EnvReconnectTimeout); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReconnectTimeout, err)
		}
		c.Network.ReconnectTimeout = d
	}
	if v, ok := lookup(EnvMaxReconnectAttempts); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxReconnectAttempts, err)
		}
		c.Network.MaxReconnectAttempts = n
	}
	if v, ok := lookup(EnvPersistenceEnabled); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPersistenceEnabled, err)
		}
		c.Persistence.Enabled = b
	}
	if v, ok := lookup(EnvPersistenceDriver); ok {
		c.Persistence.Driver = v
	}
	if v, ok := lookup(EnvPersistencePath); ok {
		c.Persistence.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = v
	}
	return nil
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func (c *Config) Validate() error {
	if !c.Network.Disabled {
		if _, err := netsync.ParseServerURL(c.Network.ServerURL); err != nil {
			return fmt.Errorf("network.server_url: %w", err)
		}
		if c.Network.ReconnectTimeout <= 0 {
			return fmt.Errorf("network.reconnect_timeout must be positive")
		}
		if c.Network.MaxReconnectAttempts < 0 {
			return fmt.Errorf("network.max_reconnect_attempts must not be negative")
		}
	}
	if c.Persistence.Enabled {
		switch c.Persistence.Driver {
		case persist.DriverSQLite, persist.DriverBolt:
			if c.Persistence.Path == "" {
				return fmt.Errorf("persistence.path must be set for the %s driver", c.Persistence.Driver)
			}
		case persist.DriverMemory:
		default:
			return fmt.Errorf("persistence.driver %q is not one of sqlite, bolt or memory", c.Persistence.Driver)
		}
	}
	if c.User != nil && (c.User.ID == "" || c.User.Name == "") {
		return fmt.Errorf("user needs both id and name")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// SessionOptions converts the config into options for session.Open.
func (c *Config) SessionOptions(logger *slog.Logger) session.Options {
	opts := session.Options{Logger: logger}
	if !c.Network.Disabled {
		opts.Network = &session.NetworkOptions{
			ServerURL:            c.Network.ServerURL,
			ReconnectTimeout:     c.Network.ReconnectTimeout,
			MaxReconnectAttempts: c.Network.MaxReconnectAttempts,
		}
	}
	if c.Persistence.Enabled {
		opts.Persistence = &session.PersistenceOptions{
			Enabled:   true,
			Driver:    c.Persistence.Driver,
			Path:      c.Persistence.Path,
			Key:       c.Persistence.Key,
			KeyPrefix: c.Persistence.KeyPrefix,
		}
	}
	if c.User != nil {
		opts.User = &presence.UserInfo{ID: c.User.ID, Name: c.User.Name, Color: c.User.Color}
	}
	return opts
}
