// Package config handles axlens configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level axlens configuration.
type Config struct {
	Browser       BrowserConfig       `yaml:"browser"`
	Session       SessionConfig       `yaml:"session"`
	Fetch         FetchConfig         `yaml:"fetch"`
	Output        OutputConfig        `yaml:"output"`
	Serve         ServeConfig         `yaml:"serve"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BrowserConfig controls how the inspected browser is reached.
type BrowserConfig struct {
	// Connect is a ws:// debugger URL or http://host:port debug endpoint of
	// an already-running browser. Empty launches a local one.
	Connect string `yaml:"connect"`
	Bin     string `yaml:"bin"`  // browser binary override for launch mode
	Mode    string `yaml:"mode"` // headless | headful
	Stealth bool   `yaml:"stealth"`
}

// SessionConfig controls debugger attachment lifecycle.
type SessionConfig struct {
	// InactivityWindow is how long an attached session may sit unused before
	// it is auto-released (the attach banner disappears from the page).
	InactivityWindow time.Duration `yaml:"inactivity_window"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

// FetchConfig sets the default tree acquisition parameters.
type FetchConfig struct {
	MaxDepth       int    `yaml:"max_depth"`
	Filter         string `yaml:"filter"` // all | interactive
	ExtendedStyles bool   `yaml:"extended_styles"`
}

// OutputConfig bounds serialized output.
type OutputConfig struct {
	MaxChars int `yaml:"max_chars"`
}

// ServeConfig configures the HTTP API.
type ServeConfig struct {
	Addr string `yaml:"addr"`
	// TokenHash is the bcrypt hash of the bearer token. Empty disables auth.
	TokenHash    string `yaml:"token_hash"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	// RateLimit caps /api requests per client IP within RateWindow.
	// Zero disables limiting.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// ObservabilityConfig configures the audit/metrics store.
type ObservabilityConfig struct {
	// Path is the SQLite file for audit, events and metrics. Empty disables
	// persistence entirely.
	Path              string        `yaml:"path"`
	RetentionDays     int           `yaml:"retention_days"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file and applies defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks enum fields and ranges.
func (c *Config) Validate() error {
	switch c.Browser.Mode {
	case "headless", "headful":
	default:
		return fmt.Errorf("browser.mode %q: want headless or headful", c.Browser.Mode)
	}
	switch c.Fetch.Filter {
	case "all", "interactive":
	default:
		return fmt.Errorf("fetch.filter %q: want all or interactive", c.Fetch.Filter)
	}
	if c.Fetch.MaxDepth < 0 {
		return fmt.Errorf("fetch.max_depth %d: must be >= 0", c.Fetch.MaxDepth)
	}
	if c.Output.MaxChars < 0 {
		return fmt.Errorf("output.max_chars %d: must be >= 0", c.Output.MaxChars)
	}
	if c.Observability.RetentionDays < 0 {
		return fmt.Errorf("observability.retention_days %d: must be >= 0", c.Observability.RetentionDays)
	}
	if c.Serve.RateLimit < 0 {
		return fmt.Errorf("serve.rate_limit %d: must be >= 0", c.Serve.RateLimit)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Session.InactivityWindow <= 0 {
		c.Session.InactivityWindow = 30 * time.Second
	}
	if c.Session.CallTimeout <= 0 {
		c.Session.CallTimeout = 15 * time.Second
	}
	if c.Fetch.MaxDepth == 0 {
		c.Fetch.MaxDepth = 15
	}
	if c.Fetch.Filter == "" {
		c.Fetch.Filter = "all"
	}
	if c.Output.MaxChars == 0 {
		c.Output.MaxChars = 50000
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = ":8737"
	}
	if c.Serve.MaxBodyBytes <= 0 {
		c.Serve.MaxBodyBytes = 1 << 20
	}
	if c.Serve.RateWindow <= 0 {
		c.Serve.RateWindow = time.Minute
	}
	if c.Observability.RetentionDays == 0 {
		c.Observability.RetentionDays = 30
	}
	if c.Observability.HeartbeatInterval <= 0 {
		c.Observability.HeartbeatInterval = 15 * time.Second
	}
}
