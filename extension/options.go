package extension

import (
	"time"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/plugin"
	"github.com/tallybot/tally/store"
)

// Option configures the tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the engine, bypassing config-driven store
// construction.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a tally.Option through to the underlying engine.
func WithEngineOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers an engine plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, tally.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDriver selects the store backend.
func WithDriver(driver string) Option {
	return func(e *Extension) { e.config.Driver = driver }
}

// WithDir sets the directory for per-tenant SQLite files.
func WithDir(dir string) Option {
	return func(e *Extension) { e.config.Dir = dir }
}

// WithDSN sets the connection string for the postgres and mongo drivers.
func WithDSN(dsn string) Option {
	return func(e *Extension) { e.config.DSN = dsn }
}

// WithPageSize sets the bill listing page size.
func WithPageSize(n int) Option {
	return func(e *Extension) { e.config.PageSize = n }
}

// WithRetryPolicy sets the outbound delivery retry bounds.
func WithRetryPolicy(maxAttempts int, initial, max time.Duration) Option {
	return func(e *Extension) {
		e.config.RetryMaxAttempts = maxAttempts
		e.config.RetryInitialBackoff = initial
		e.config.RetryMaxBackoff = max
	}
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}
