package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger

	// Type-cached plugin lists for efficient dispatch
	onInit            []OnInit
	onShutdown        []OnShutdown
	onTenantCreated   []OnTenantCreated
	onCycleOpened     []OnCycleOpened
	onCycleClosed     []OnCycleClosed
	onBillRecorded    []OnBillRecorded
	onBillUndone      []OnBillUndone
	onBalanceSet      []OnBalanceSet
	onOperatorGranted []OnOperatorGranted
	onOperatorRevoked []OnOperatorRevoked
	onDeliveryFailed  []OnDeliveryFailed
	memoValidators    []MemoValidator
	summaryFormatters map[string]SummaryFormatter
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:            slog.Default(),
		summaryFormatters: make(map[string]SummaryFormatter),
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Check for duplicate
	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnTenantCreated); ok {
		r.onTenantCreated = append(r.onTenantCreated, v)
	}
	if v, ok := p.(OnCycleOpened); ok {
		r.onCycleOpened = append(r.onCycleOpened, v)
	}
	if v, ok := p.(OnCycleClosed); ok {
		r.onCycleClosed = append(r.onCycleClosed, v)
	}
	if v, ok := p.(OnBillRecorded); ok {
		r.onBillRecorded = append(r.onBillRecorded, v)
	}
	if v, ok := p.(OnBillUndone); ok {
		r.onBillUndone = append(r.onBillUndone, v)
	}
	if v, ok := p.(OnBalanceSet); ok {
		r.onBalanceSet = append(r.onBalanceSet, v)
	}
	if v, ok := p.(OnOperatorGranted); ok {
		r.onOperatorGranted = append(r.onOperatorGranted, v)
	}
	if v, ok := p.(OnOperatorRevoked); ok {
		r.onOperatorRevoked = append(r.onOperatorRevoked, v)
	}
	if v, ok := p.(OnDeliveryFailed); ok {
		r.onDeliveryFailed = append(r.onDeliveryFailed, v)
	}
	if v, ok := p.(MemoValidator); ok {
		r.memoValidators = append(r.memoValidators, v)
	}
	if v, ok := p.(SummaryFormatter); ok {
		r.summaryFormatters[v.Format()] = v
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	// Check each interface
	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	// List all interfaces to check
	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnTenantCreated)(nil)).Elem(), "OnTenantCreated")
	checkInterface(reflect.TypeOf((*OnCycleOpened)(nil)).Elem(), "OnCycleOpened")
	checkInterface(reflect.TypeOf((*OnCycleClosed)(nil)).Elem(), "OnCycleClosed")
	checkInterface(reflect.TypeOf((*OnBillRecorded)(nil)).Elem(), "OnBillRecorded")
	checkInterface(reflect.TypeOf((*OnBillUndone)(nil)).Elem(), "OnBillUndone")
	checkInterface(reflect.TypeOf((*OnBalanceSet)(nil)).Elem(), "OnBalanceSet")
	checkInterface(reflect.TypeOf((*OnOperatorGranted)(nil)).Elem(), "OnOperatorGranted")
	checkInterface(reflect.TypeOf((*OnOperatorRevoked)(nil)).Elem(), "OnOperatorRevoked")
	checkInterface(reflect.TypeOf((*OnDeliveryFailed)(nil)).Elem(), "OnDeliveryFailed")
	checkInterface(reflect.TypeOf((*MemoValidator)(nil)).Elem(), "MemoValidator")
	checkInterface(reflect.TypeOf((*SummaryFormatter)(nil)).Elem(), "SummaryFormatter")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitTenantCreated emits a tenant created event.
func (r *Registry) EmitTenantCreated(ctx context.Context, tenantID, owner string) {
	r.mu.RLock()
	plugins := r.onTenantCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnTenantCreated(ctx, tenantID, owner)
		}); err != nil {
			r.logger.Warn("plugin OnTenantCreated failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCycleOpened emits a cycle opened event.
func (r *Registry) EmitCycleOpened(ctx context.Context, c interface{}) {
	r.mu.RLock()
	plugins := r.onCycleOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCycleOpened(ctx, c)
		}); err != nil {
			r.logger.Warn("plugin OnCycleOpened failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitCycleClosed emits a cycle closed event.
func (r *Registry) EmitCycleClosed(ctx context.Context, c interface{}) {
	r.mu.RLock()
	plugins := r.onCycleClosed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnCycleClosed(ctx, c)
		}); err != nil {
			r.logger.Warn("plugin OnCycleClosed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitBillRecorded emits a bill recorded event.
func (r *Registry) EmitBillRecorded(ctx context.Context, b interface{}) {
	r.mu.RLock()
	plugins := r.onBillRecorded
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnBillRecorded(ctx, b)
		}); err != nil {
			r.logger.Warn("plugin OnBillRecorded failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitBillUndone emits a bill undone event.
func (r *Registry) EmitBillUndone(ctx context.Context, b interface{}) {
	r.mu.RLock()
	plugins := r.onBillUndone
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnBillUndone(ctx, b)
		}); err != nil {
			r.logger.Warn("plugin OnBillUndone failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitBalanceSet emits a balance override event.
func (r *Registry) EmitBalanceSet(ctx context.Context, tenantID string, balance int64) {
	r.mu.RLock()
	plugins := r.onBalanceSet
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnBalanceSet(ctx, tenantID, balance)
		}); err != nil {
			r.logger.Warn("plugin OnBalanceSet failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitOperatorGranted emits an operator granted event.
func (r *Registry) EmitOperatorGranted(ctx context.Context, tenantID, principal, role string) {
	r.mu.RLock()
	plugins := r.onOperatorGranted
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnOperatorGranted(ctx, tenantID, principal, role)
		}); err != nil {
			r.logger.Warn("plugin OnOperatorGranted failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitOperatorRevoked emits an operator revoked event.
func (r *Registry) EmitOperatorRevoked(ctx context.Context, tenantID, principal string) {
	r.mu.RLock()
	plugins := r.onOperatorRevoked
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnOperatorRevoked(ctx, tenantID, principal)
		}); err != nil {
			r.logger.Warn("plugin OnOperatorRevoked failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitDeliveryFailed emits a delivery failure event.
func (r *Registry) EmitDeliveryFailed(ctx context.Context, tenantID string, attempts int, deliveryErr error) {
	r.mu.RLock()
	plugins := r.onDeliveryFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnDeliveryFailed(ctx, tenantID, attempts, deliveryErr)
		}); err != nil {
			r.logger.Warn("plugin OnDeliveryFailed failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// ValidateMemo runs all registered memo validators. The first validation
// failure is returned.
func (r *Registry) ValidateMemo(ctx context.Context, memo string) error {
	r.mu.RLock()
	plugins := r.memoValidators
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.ValidateMemo(ctx, memo)
		}); err != nil {
			return err
		}
	}
	return nil
}

// GetSummaryFormatter returns a summary formatter by format name.
func (r *Registry) GetSummaryFormatter(format string) SummaryFormatter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summaryFormatters[format]
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the bookkeeping pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
