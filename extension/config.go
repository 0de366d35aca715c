package extension

import "time"

// Config holds the tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// Driver selects the store backend: "memory", "sqlite", "postgres"
	// or "mongo" (default: "memory").
	Driver string `json:"driver" mapstructure:"driver" yaml:"driver"`

	// Dir is the directory for per-tenant SQLite files (driver "sqlite").
	Dir string `json:"dir" mapstructure:"dir" yaml:"dir"`

	// DSN is the connection string for the "postgres" and "mongo" drivers.
	DSN string `json:"dsn" mapstructure:"dsn" yaml:"dsn"`

	// DatabasePrefix prefixes per-tenant MongoDB database names
	// (default: "tally_").
	DatabasePrefix string `json:"database_prefix" mapstructure:"database_prefix" yaml:"database_prefix"`

	// PageSize is the bill listing page size used by the dispatcher
	// (default: 10).
	PageSize int `json:"page_size" mapstructure:"page_size" yaml:"page_size"`

	// RetryMaxAttempts bounds outbound delivery attempts (default: 3).
	RetryMaxAttempts int `json:"retry_max_attempts" mapstructure:"retry_max_attempts" yaml:"retry_max_attempts"`

	// RetryInitialBackoff is the delay before the second delivery attempt
	// (default: 500ms).
	RetryInitialBackoff time.Duration `json:"retry_initial_backoff" mapstructure:"retry_initial_backoff" yaml:"retry_initial_backoff"`

	// RetryMaxBackoff caps the delay between delivery attempts
	// (default: 10s).
	RetryMaxBackoff time.Duration `json:"retry_max_backoff" mapstructure:"retry_max_backoff" yaml:"retry_max_backoff"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:              "memory",
		DatabasePrefix:      "tally_",
		PageSize:            10,
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
	}
}
