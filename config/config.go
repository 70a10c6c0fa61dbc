// Package config loads the process-wide gateway configuration.
package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server ServerConfig  `yaml:"server"`
	Proxy  ProxyConfig   `yaml:"proxy"`
	Auth   AuthConfig    `yaml:"auth"`
	Audit  AuditConfig   `yaml:"audit"`
	Routes []RouteConfig `yaml:"routes"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	LogLevel string `yaml:"log_level"`
}

type ProxyConfig struct {
	Timeout int `yaml:"timeout"`
}

// AuthConfig points at the on-disk credential directory the
// AccountManager loads from and watches for changes.
type AuthConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig points at the sqlite file the audit store persists to.
type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

type RouteConfig struct {
	Pattern string `yaml:"pattern"`
	Target  string `yaml:"target"`
}

var (
	cfg  *Config
	once sync.Once
)

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8045,
			Host:     "0.0.0.0",
			LogLevel: "info",
		},
		Proxy: ProxyConfig{
			Timeout: 120,
		},
		Auth: AuthConfig{
			Dir: "./auth",
		},
		Audit: AuditConfig{
			DBPath: "./data/audit.db",
		},
		Routes: []RouteConfig{
			{Pattern: "gpt-4*", Target: "gemini-3-pro-high"},
			{Pattern: "gpt-4o*", Target: "gemini-3-flash"},
			{Pattern: "gpt-3.5*", Target: "gemini-2.5-flash"},
			{Pattern: "o1-*", Target: "gemini-3-pro-high"},
			{Pattern: "o3-*", Target: "gemini-3-pro-high"},
			{Pattern: "claude-3-haiku-*", Target: "gemini-2.5-flash-lite"},
			{Pattern: "claude-haiku-*", Target: "gemini-2.5-flash-lite"},
			{Pattern: "claude-3-5-sonnet-*", Target: "claude-sonnet-4-5"},
			{Pattern: "claude-3-opus-*", Target: "claude-opus-4-5-thinking"},
			{Pattern: "claude-opus-4-*", Target: "claude-opus-4-5-thinking"},
		},
	}
}

// Load loads configuration from path, writing the default config to
// that path if it does not yet exist.
func Load(path string) (*Config, error) {
	var err error
	once.Do(func() {
		cfg = DefaultConfig()

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				err = Save(path, cfg)
				return
			}
			err = readErr
			return
		}

		if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
			err = unmarshalErr
			return
		}
	})

	return cfg, err
}

// Save saves configuration to path.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Get returns the current configuration, or defaults if Load was never called.
func Get() *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	return cfg
}
