// Package audithook bridges tally lifecycle events to an audit trail
// backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter that
// bridges to their backend at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin            = (*Extension)(nil)
	_ plugin.OnTenantCreated   = (*Extension)(nil)
	_ plugin.OnCycleOpened     = (*Extension)(nil)
	_ plugin.OnCycleClosed     = (*Extension)(nil)
	_ plugin.OnBillRecorded    = (*Extension)(nil)
	_ plugin.OnBillUndone      = (*Extension)(nil)
	_ plugin.OnBalanceSet      = (*Extension)(nil)
	_ plugin.OnOperatorGranted = (*Extension)(nil)
	_ plugin.OnOperatorRevoked = (*Extension)(nil)
	_ plugin.OnDeliveryFailed  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Tenant hooks
// ──────────────────────────────────────────────────

// OnTenantCreated implements plugin.OnTenantCreated.
func (e *Extension) OnTenantCreated(ctx context.Context, tenantID, owner string) error {
	return e.record(ctx, ActionTenantCreated, SeverityInfo, OutcomeSuccess,
		ResourceTenant, tenantID, CategoryBookkeeping, nil,
		"tenant_id", tenantID,
		"owner", owner,
	)
}

// ──────────────────────────────────────────────────
// Cycle lifecycle hooks
// ──────────────────────────────────────────────────

// OnCycleOpened implements plugin.OnCycleOpened.
func (e *Extension) OnCycleOpened(ctx context.Context, c interface{}) error {
	cyc, ok := c.(*cycle.Cycle)
	if !ok {
		return e.record(ctx, ActionCycleOpened, SeverityInfo, OutcomeSuccess,
			ResourceCycle, "", CategoryBookkeeping, nil,
			"event", "cycle_opened",
		)
	}
	return e.record(ctx, ActionCycleOpened, SeverityInfo, OutcomeSuccess,
		ResourceCycle, cyc.ID.String(), CategoryBookkeeping, nil,
		"tenant_id", cyc.TenantID,
		"opening_balance", cyc.OpeningBalance.Int64(),
	)
}

// OnCycleClosed implements plugin.OnCycleClosed.
func (e *Extension) OnCycleClosed(ctx context.Context, c interface{}) error {
	cyc, ok := c.(*cycle.Cycle)
	if !ok || cyc.Summary == nil {
		return e.record(ctx, ActionCycleClosed, SeverityInfo, OutcomeSuccess,
			ResourceCycle, "", CategoryBookkeeping, nil,
			"event", "cycle_closed",
		)
	}
	return e.record(ctx, ActionCycleClosed, SeverityInfo, OutcomeSuccess,
		ResourceCycle, cyc.ID.String(), CategoryBookkeeping, nil,
		"tenant_id", cyc.TenantID,
		"net", cyc.Summary.Net.Int64(),
		"bill_count", cyc.Summary.BillCount,
	)
}

// ──────────────────────────────────────────────────
// Bill hooks
// ──────────────────────────────────────────────────

// OnBillRecorded implements plugin.OnBillRecorded.
func (e *Extension) OnBillRecorded(ctx context.Context, b interface{}) error {
	return e.recordBill(ctx, ActionBillRecorded, b)
}

// OnBillUndone implements plugin.OnBillUndone.
func (e *Extension) OnBillUndone(ctx context.Context, b interface{}) error {
	return e.recordBill(ctx, ActionBillUndone, b)
}

func (e *Extension) recordBill(ctx context.Context, action string, b interface{}) error {
	bl, ok := b.(*bill.Bill)
	if !ok {
		return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
			ResourceBill, "", CategoryBookkeeping, nil,
			"event", action,
		)
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceBill, strconv.FormatInt(bl.Seq, 10), CategoryBookkeeping, nil,
		"tenant_id", bl.TenantID,
		"cycle_id", bl.CycleID.String(),
		"amount", bl.Amount.Int64(),
		"principal", bl.Principal,
	)
}

// OnBalanceSet implements plugin.OnBalanceSet.
func (e *Extension) OnBalanceSet(ctx context.Context, tenantID string, balance int64) error {
	return e.record(ctx, ActionBalanceSet, SeverityWarning, OutcomeSuccess,
		ResourceBalance, tenantID, CategoryBookkeeping, nil,
		"tenant_id", tenantID,
		"balance", balance,
	)
}

// ──────────────────────────────────────────────────
// Roster hooks
// ──────────────────────────────────────────────────

// OnOperatorGranted implements plugin.OnOperatorGranted.
func (e *Extension) OnOperatorGranted(ctx context.Context, tenantID, principal, role string) error {
	return e.record(ctx, ActionOperatorGranted, SeverityInfo, OutcomeSuccess,
		ResourceRoster, principal, CategoryAccess, nil,
		"tenant_id", tenantID,
		"principal", principal,
		"role", role,
	)
}

// OnOperatorRevoked implements plugin.OnOperatorRevoked.
func (e *Extension) OnOperatorRevoked(ctx context.Context, tenantID, principal string) error {
	return e.record(ctx, ActionOperatorRevoked, SeverityWarning, OutcomeSuccess,
		ResourceRoster, principal, CategoryAccess, nil,
		"tenant_id", tenantID,
		"principal", principal,
	)
}

// ──────────────────────────────────────────────────
// Delivery hooks
// ──────────────────────────────────────────────────

// OnDeliveryFailed implements plugin.OnDeliveryFailed.
func (e *Extension) OnDeliveryFailed(ctx context.Context, tenantID string, attempts int, err error) error {
	return e.record(ctx, ActionDeliveryFailed, SeverityError, OutcomeFailure,
		ResourceDelivery, tenantID, CategoryDelivery, err,
		"tenant_id", tenantID,
		"attempts", attempts,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
