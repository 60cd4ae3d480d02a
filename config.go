package axlens

import (
	"github.com/hazyhaar/axlens/internal/config"
)

// Config is the top-level axlens configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls how the inspected browser is reached.
type BrowserConfig = config.BrowserConfig

// SessionConfig controls debugger attachment lifecycle.
type SessionConfig = config.SessionConfig

// FetchConfig sets the default tree acquisition parameters.
type FetchConfig = config.FetchConfig

// OutputConfig bounds serialized output.
type OutputConfig = config.OutputConfig

// ServeConfig configures the HTTP API.
type ServeConfig = config.ServeConfig

// ObservabilityConfig configures the audit/metrics store.
type ObservabilityConfig = config.ObservabilityConfig

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}
