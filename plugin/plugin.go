// Package plugin provides an extensible plugin system for the tally engine.
// Plugins can hook into lifecycle and bookkeeping events to extend
// functionality.
package plugin

import (
	"context"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Tenant hooks
// ──────────────────────────────────────────────────

// OnTenantCreated is called the first time a tenant partition is seeded.
type OnTenantCreated interface {
	Plugin
	OnTenantCreated(ctx context.Context, tenantID, owner string) error
}

// ──────────────────────────────────────────────────
// Cycle lifecycle hooks
// ──────────────────────────────────────────────────

// OnCycleOpened is called when a bookkeeping cycle is opened.
type OnCycleOpened interface {
	Plugin
	OnCycleOpened(ctx context.Context, c interface{}) error
}

// OnCycleClosed is called when a bookkeeping cycle is closed and sealed.
type OnCycleClosed interface {
	Plugin
	OnCycleClosed(ctx context.Context, c interface{}) error
}

// ──────────────────────────────────────────────────
// Bill hooks
// ──────────────────────────────────────────────────

// OnBillRecorded is called when a bill is committed to the open cycle.
type OnBillRecorded interface {
	Plugin
	OnBillRecorded(ctx context.Context, b interface{}) error
}

// OnBillUndone is called when a bill is retracted by an undo.
type OnBillUndone interface {
	Plugin
	OnBillUndone(ctx context.Context, b interface{}) error
}

// OnBalanceSet is called when an operator overrides the running balance.
type OnBalanceSet interface {
	Plugin
	OnBalanceSet(ctx context.Context, tenantID string, balance int64) error
}

// ──────────────────────────────────────────────────
// Roster hooks
// ──────────────────────────────────────────────────

// OnOperatorGranted is called when a principal is added to the roster.
type OnOperatorGranted interface {
	Plugin
	OnOperatorGranted(ctx context.Context, tenantID, principal, role string) error
}

// OnOperatorRevoked is called when a principal is removed from the roster.
type OnOperatorRevoked interface {
	Plugin
	OnOperatorRevoked(ctx context.Context, tenantID, principal string) error
}

// ──────────────────────────────────────────────────
// Delivery hooks
// ──────────────────────────────────────────────────

// OnDeliveryFailed is called when outbound delivery gives up after retries.
type OnDeliveryFailed interface {
	Plugin
	OnDeliveryFailed(ctx context.Context, tenantID string, attempts int, err error) error
}

// ──────────────────────────────────────────────────
// Memo validators
// ──────────────────────────────────────────────────

// MemoValidator provides custom bill memo validation logic.
type MemoValidator interface {
	Plugin
	ValidateMemo(ctx context.Context, memo string) error
}

// ──────────────────────────────────────────────────
// Summary formatters
// ──────────────────────────────────────────────────

// SummaryFormatter renders cycle summaries for export.
type SummaryFormatter interface {
	Plugin
	Format() string // "text", "csv", etc.
	Render(ctx context.Context, summary interface{}, w interface{}) error // w is io.Writer
}
