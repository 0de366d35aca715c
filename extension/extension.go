// Package extension provides the Forge extension adapter for tally.
//
// It implements the forge.Extension interface to integrate the tally
// engine into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/notify"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/store/memory"
	mongostore "github.com/tallybot/tally/store/mongo"
	"github.com/tallybot/tally/store/postgres"
	"github.com/tallybot/tally/store/sqlite"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Multi-tenant chat bookkeeping ledger engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the tally engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *tally.Engine
	store      store.Store
	engineOpts []tally.Option
}

// New creates a new tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine instance.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Engine { return e.engine }

// RetryPolicy returns the delivery retry policy derived from the resolved
// configuration, for callers wiring their own notify.Deliverer.
func (e *Extension) RetryPolicy() notify.Policy {
	p := notify.DefaultPolicy()
	if e.config.RetryMaxAttempts > 0 {
		p.MaxAttempts = e.config.RetryMaxAttempts
	}
	if e.config.RetryInitialBackoff > 0 {
		p.InitialBackoff = e.config.RetryInitialBackoff
	}
	if e.config.RetryMaxBackoff > 0 {
		p.MaxBackoff = e.config.RetryMaxBackoff
	}
	return p
}

// PageSize returns the configured bill listing page size.
func (e *Extension) PageSize() int { return e.config.PageSize }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.buildStore()
		if err != nil {
			return err
		}
		e.store = s
	}

	e.engine = tally.New(e.store, e.engineOpts...)

	return vessel.Provide(fapp.Container(), func() (*tally.Engine, error) {
		return e.engine, nil
	})
}

// buildStore constructs the store backend selected by config.Driver.
func (e *Extension) buildStore() (store.Store, error) {
	switch e.config.Driver {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		if e.config.Dir == "" {
			return nil, errors.New("tally: sqlite driver requires dir")
		}
		return sqlite.Open(e.config.Dir)
	case "postgres":
		if e.config.DSN == "" {
			return nil, errors.New("tally: postgres driver requires dsn")
		}
		return postgres.Open(e.config.DSN)
	case "mongo":
		if e.config.DSN == "" {
			return nil, errors.New("tally: mongo driver requires dsn")
		}
		return mongostore.Open(context.Background(), e.config.DSN, e.config.DatabasePrefix)
	default:
		return nil, fmt.Errorf("tally: unknown store driver %q", e.config.Driver)
	}
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("driver", e.config.Driver),
		forge.F("dir", e.config.Dir),
		forge.F("page_size", e.config.PageSize),
		forge.F("retry_max_attempts", e.config.RetryMaxAttempts),
		forge.F("retry_initial_backoff", e.config.RetryInitialBackoff),
		forge.F("retry_max_backoff", e.config.RetryMaxBackoff),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.tally" first (namespaced pattern).
	if cm.IsSet("extensions.tally") {
		if err := cm.Bind("extensions.tally", &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file",
				forge.F("key", "extensions.tally"),
			)
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind extensions.tally config",
			forge.F("error", "bind failed"),
		)
	}

	// Try legacy "tally" key.
	if cm.IsSet("tally") {
		if err := cm.Bind("tally", &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file",
				forge.F("key", "tally"),
			)
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind tally config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Driver == "" {
		cfg.Driver = defaults.Driver
	}
	if cfg.DatabasePrefix == "" {
		cfg.DatabasePrefix = defaults.DatabasePrefix
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoff == 0 {
		cfg.RetryInitialBackoff = defaults.RetryInitialBackoff
	}
	if cfg.RetryMaxBackoff == 0 {
		cfg.RetryMaxBackoff = defaults.RetryMaxBackoff
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if yamlConfig.Driver == "" && programmaticConfig.Driver != "" {
		yamlConfig.Driver = programmaticConfig.Driver
	}
	if yamlConfig.Dir == "" && programmaticConfig.Dir != "" {
		yamlConfig.Dir = programmaticConfig.Dir
	}
	if yamlConfig.DSN == "" && programmaticConfig.DSN != "" {
		yamlConfig.DSN = programmaticConfig.DSN
	}
	if yamlConfig.DatabasePrefix == "" && programmaticConfig.DatabasePrefix != "" {
		yamlConfig.DatabasePrefix = programmaticConfig.DatabasePrefix
	}
	if yamlConfig.PageSize == 0 && programmaticConfig.PageSize != 0 {
		yamlConfig.PageSize = programmaticConfig.PageSize
	}
	if yamlConfig.RetryMaxAttempts == 0 && programmaticConfig.RetryMaxAttempts != 0 {
		yamlConfig.RetryMaxAttempts = programmaticConfig.RetryMaxAttempts
	}
	if yamlConfig.RetryInitialBackoff == 0 && programmaticConfig.RetryInitialBackoff != 0 {
		yamlConfig.RetryInitialBackoff = programmaticConfig.RetryInitialBackoff
	}
	if yamlConfig.RetryMaxBackoff == 0 && programmaticConfig.RetryMaxBackoff != 0 {
		yamlConfig.RetryMaxBackoff = programmaticConfig.RetryMaxBackoff
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
