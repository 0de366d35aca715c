package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallybot/tally/authz"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/plugin"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/types"
)

// Engine is the main bookkeeping engine. All operations on a tenant run
// inside a single tenant-partition transaction: the authorization check,
// the state validation, and the mutation commit or roll back together.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry {
	return e.plugins
}

// Start verifies storage connectivity and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("tally engine started", "plugins", e.plugins.Count())
	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// ──────────────────────────────────────────────────
// Tenant Management
// ──────────────────────────────────────────────────

// EnsureTenant seeds the tenant's roster with owner as admin if the roster
// is empty. Safe to call on every inbound event.
func (e *Engine) EnsureTenant(ctx context.Context, tenantID, owner string) error {
	if tenantID == "" || owner == "" {
		return ErrInvalidInput
	}

	seeded := false
	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		snap, err := tx.Roster(ctx)
		if err != nil {
			return err
		}
		if len(snap) > 0 {
			return nil
		}

		entry := &roster.Entry{
			Entity:    types.NewEntity(),
			TenantID:  tenantID,
			Principal: owner,
			Role:      roster.RoleAdmin,
		}
		if err := tx.UpsertRosterEntry(ctx, entry); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if err != nil {
		return err
	}

	if seeded {
		e.plugins.EmitTenantCreated(ctx, tenantID, owner)
		e.logger.Info("tenant seeded", "tenant", tenantID, "owner", owner)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Cycle Management
// ──────────────────────────────────────────────────

// OpenCycle starts a new bookkeeping cycle for the tenant. The opening
// balance carries over from a stored balance override if one is pending,
// otherwise from the closing balance of the most recently closed cycle,
// otherwise zero.
func (e *Engine) OpenCycle(ctx context.Context, tenantID, principal string) (*cycle.Cycle, error) {
	var opened *cycle.Cycle

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		if err := e.authorize(ctx, tx, principal, authz.OpOpenCycle); err != nil {
			return err
		}

		if _, err := tx.GetOpenCycle(ctx); err == nil {
			return ErrCycleAlreadyOpen
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		opening, err := e.carriedBalance(ctx, tx)
		if err != nil {
			return err
		}

		c := &cycle.Cycle{
			Entity:         types.NewEntity(),
			ID:             id.NewCycleID(),
			TenantID:       tenantID,
			OpenedAt:       e.now(),
			OpeningBalance: opening,
		}
		if err := tx.OpenCycle(ctx, c); err != nil {
			return err
		}

		if err := tx.ClearPreviousBalance(ctx); err != nil {
			return err
		}

		opened = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitCycleOpened(ctx, opened)
	e.logger.Info("cycle opened",
		"tenant", tenantID,
		"cycle", opened.ID,
		"opening_balance", opened.OpeningBalance,
	)
	return opened, nil
}

// carriedBalance resolves the opening balance for a new cycle.
func (e *Engine) carriedBalance(ctx context.Context, tx store.Tx) (types.Amount, error) {
	if stored, ok, err := tx.PreviousBalance(ctx); err != nil {
		return 0, err
	} else if ok {
		return stored, nil
	}

	last, err := tx.LastClosedCycle(ctx)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if last.Summary == nil {
		return last.OpeningBalance, nil
	}
	return last.OpeningBalance.Add(last.Summary.Net), nil
}

// CloseCycle seals the open cycle and returns it with its final summary.
func (e *Engine) CloseCycle(ctx context.Context, tenantID, principal string) (*cycle.Cycle, error) {
	var closed *cycle.Cycle

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		if err := e.authorize(ctx, tx, principal, authz.OpCloseCycle); err != nil {
			return err
		}

		c, err := tx.GetOpenCycle(ctx)
		if errors.Is(err, ErrNotFound) {
			return ErrNoOpenCycle
		}
		if err != nil {
			return err
		}

		totals, err := tx.CycleTotals(ctx, c.ID)
		if err != nil {
			return err
		}

		closedAt := e.now()
		summary := cycle.Summary{
			TotalIn:     totals.In,
			TotalOut:    totals.Out,
			Adjustments: totals.Adjustments,
			Net:         totals.Net(),
			BillCount:   totals.Count,
			Duration:    closedAt.Sub(c.OpenedAt),
		}
		if err := tx.CloseCycle(ctx, c.ID, closedAt, summary); err != nil {
			return err
		}

		c.ClosedAt = &closedAt
		c.Summary = &summary
		closed = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitCycleClosed(ctx, closed)
	e.logger.Info("cycle closed",
		"tenant", tenantID,
		"cycle", closed.ID,
		"bills", closed.Summary.BillCount,
		"net", closed.Summary.Net,
	)
	return closed, nil
}

// ──────────────────────────────────────────────────
// Bills
// ──────────────────────────────────────────────────

// BillResult is returned by RecordBill.
type BillResult struct {
	Bill    *bill.Bill
	Cycle   *cycle.Cycle
	Totals  bill.Totals
	Balance types.Amount
}

// RecordBill appends a signed bill to the open cycle and returns the
// updated running totals and balance.
func (e *Engine) RecordBill(ctx context.Context, tenantID, principal string, amount types.Amount, memo string) (*BillResult, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := e.plugins.ValidateMemo(ctx, memo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var result *BillResult

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		if err := e.authorize(ctx, tx, principal, authz.OpRecordBill); err != nil {
			return err
		}

		c, err := tx.GetOpenCycle(ctx)
		if errors.Is(err, ErrNotFound) {
			return ErrNoOpenCycle
		}
		if err != nil {
			return err
		}

		b := &bill.Bill{
			Entity:     types.NewEntity(),
			TenantID:   tenantID,
			CycleID:    c.ID,
			Amount:     amount,
			Kind:       bill.KindEntry,
			Memo:       memo,
			Principal:  principal,
			RecordedAt: e.now(),
		}
		if err := tx.InsertBill(ctx, b); err != nil {
			return err
		}

		totals, err := tx.CycleTotals(ctx, c.ID)
		if err != nil {
			return err
		}

		result = &BillResult{
			Bill:    b,
			Cycle:   c,
			Totals:  totals,
			Balance: c.OpeningBalance.Add(totals.Net()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitBillRecorded(ctx, result.Bill)
	e.logger.Info("bill recorded",
		"tenant", tenantID,
		"seq", result.Bill.Seq,
		"amount", result.Bill.Amount,
		"balance", result.Balance,
	)
	return result, nil
}

// UndoResult is returned by Undo.
type UndoResult struct {
	Undone  *bill.Bill
	Totals  bill.Totals
	Balance types.Amount
}

// Undo retracts the most recent active bill of the open cycle.
func (e *Engine) Undo(ctx context.Context, tenantID, principal string) (*UndoResult, error) {
	var result *UndoResult

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		if err := e.authorize(ctx, tx, principal, authz.OpUndo); err != nil {
			return err
		}

		c, err := tx.GetOpenCycle(ctx)
		if errors.Is(err, ErrNotFound) {
			return ErrNoOpenCycle
		}
		if err != nil {
			return err
		}

		last, err := tx.LastActiveBill(ctx, c.ID)
		if errors.Is(err, ErrNotFound) {
			return ErrNothingToUndo
		}
		if err != nil {
			return err
		}

		if err := tx.SoftDeleteBill(ctx, last.Seq); err != nil {
			return err
		}

		totals, err := tx.CycleTotals(ctx, c.ID)
		if err != nil {
			return err
		}

		result = &UndoResult{
			Undone:  last,
			Totals:  totals,
			Balance: c.OpeningBalance.Add(totals.Net()),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitBillUndone(ctx, result.Undone)
	e.logger.Info("bill undone",
		"tenant", tenantID,
		"seq", result.Undone.Seq,
		"amount", result.Undone.Amount,
	)
	return result, nil
}

// ──────────────────────────────────────────────────
// Balance
// ──────────────────────────────────────────────────

// SetBalanceResult is returned by SetBalance.
type SetBalanceResult struct {
	// Adjusted is the adjustment bill written when a cycle was open.
	// Nil when the override was stored for the next cycle instead.
	Adjusted *bill.Bill
	// Stored reports that the override was saved as the next cycle's
	// opening balance.
	Stored  bool
	Balance types.Amount
}

// SetBalance overrides the tenant's balance. With an open cycle the
// difference is written as an adjustment bill so the audit trail stays
// intact. Without one, the value is stored and consumed as the opening
// balance of the next cycle.
func (e *Engine) SetBalance(ctx context.Context, tenantID, principal string, balance types.Amount) (*SetBalanceResult, error) {
	var result *SetBalanceResult

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		if err := e.authorize(ctx, tx, principal, authz.OpSetBalance); err != nil {
			return err
		}

		c, err := tx.GetOpenCycle(ctx)
		if errors.Is(err, ErrNotFound) {
			if err := tx.SetPreviousBalance(ctx, balance); err != nil {
				return err
			}
			result = &SetBalanceResult{Stored: true, Balance: balance}
			return nil
		}
		if err != nil {
			return err
		}

		totals, err := tx.CycleTotals(ctx, c.ID)
		if err != nil {
			return err
		}
		current := c.OpeningBalance.Add(totals.Net())

		delta := balance.Subtract(current)
		if delta.IsZero() {
			result = &SetBalanceResult{Balance: current}
			return nil
		}

		adj := &bill.Bill{
			Entity:     types.NewEntity(),
			TenantID:   tenantID,
			CycleID:    c.ID,
			Amount:     delta,
			Kind:       bill.KindAdjustment,
			Memo:       "balance adjustment",
			Principal:  principal,
			RecordedAt: e.now(),
		}
		if err := tx.InsertBill(ctx, adj); err != nil {
			return err
		}

		result = &SetBalanceResult{Adjusted: adj, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.plugins.EmitBalanceSet(ctx, tenantID, result.Balance.Int64())
	e.logger.Info("balance set",
		"tenant", tenantID,
		"balance", result.Balance,
		"stored", result.Stored,
	)
	return result, nil
}

// Balance returns the tenant's current balance: the open cycle's running
// balance, a pending override, or the last closed cycle's closing balance.
func (e *Engine) Balance(ctx context.Context, tenantID string) (types.Amount, error) {
	var balance types.Amount

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		c, err := tx.GetOpenCycle(ctx)
		if err == nil {
			totals, err := tx.CycleTotals(ctx, c.ID)
			if err != nil {
				return err
			}
			balance = c.OpeningBalance.Add(totals.Net())
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		balance, err = e.carriedBalance(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ──────────────────────────────────────────────────
// Bill Listing
// ──────────────────────────────────────────────────

// ListBills returns a page of the open cycle's bills, newest first, along
// with the total count matching opts.
func (e *Engine) ListBills(ctx context.Context, tenantID string, opts bill.ListOpts) ([]*bill.Bill, int, error) {
	var (
		bills []*bill.Bill
		total int
	)

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		c, err := tx.GetOpenCycle(ctx)
		if errors.Is(err, ErrNotFound) {
			return ErrNoOpenCycle
		}
		if err != nil {
			return err
		}

		bills, err = tx.ListBills(ctx, c.ID, opts)
		if err != nil {
			return err
		}
		total, err = tx.CountBills(ctx, c.ID, opts)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return bills, total, nil
}

// ──────────────────────────────────────────────────
// Roster Management
// ──────────────────────────────────────────────────

// GrantOperator adds target to the tenant's roster as an operator.
// Granting an existing operator is a no-op; an existing admin keeps the
// admin role.
func (e *Engine) GrantOperator(ctx context.Context, tenantID, acting, target string) error {
	if target == "" {
		return ErrInvalidInput
	}

	granted := false
	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		snap, err := tx.Roster(ctx)
		if err != nil {
			return err
		}
		if err := e.decide(authz.Authorize(snap, acting, authz.OpGrantOperator)); err != nil {
			return err
		}

		switch snap.RoleOf(target) {
		case roster.RoleAdmin, roster.RoleOperator:
			return nil
		}

		entry := &roster.Entry{
			Entity:    types.NewEntity(),
			TenantID:  tenantID,
			Principal: target,
			Role:      roster.RoleOperator,
		}
		if err := tx.UpsertRosterEntry(ctx, entry); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return err
	}

	if granted {
		e.plugins.EmitOperatorGranted(ctx, tenantID, target, string(roster.RoleOperator))
		e.logger.Info("operator granted", "tenant", tenantID, "principal", target, "by", acting)
	}
	return nil
}

// RevokeOperator removes target from the tenant's roster. Revoking an
// absent principal is a no-op. The last admin cannot be revoked.
func (e *Engine) RevokeOperator(ctx context.Context, tenantID, acting, target string) error {
	if target == "" {
		return ErrInvalidInput
	}

	revoked := false
	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		snap, err := tx.Roster(ctx)
		if err != nil {
			return err
		}
		if err := e.decide(authz.AuthorizeRevoke(snap, acting, target)); err != nil {
			return err
		}

		if snap.RoleOf(target) == "" {
			return nil
		}

		if err := tx.RemoveRosterEntry(ctx, target); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		return err
	}

	if revoked {
		e.plugins.EmitOperatorRevoked(ctx, tenantID, target)
		e.logger.Info("operator revoked", "tenant", tenantID, "principal", target, "by", acting)
	}
	return nil
}

// ListOperators returns the tenant's roster.
func (e *Engine) ListOperators(ctx context.Context, tenantID, principal string) (roster.Snapshot, error) {
	var snap roster.Snapshot

	err := e.store.WithTenantTx(ctx, tenantID, func(tx store.Tx) error {
		var err error
		snap, err = tx.Roster(ctx)
		if err != nil {
			return err
		}
		return e.decide(authz.Authorize(snap, principal, authz.OpListOperators))
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// authorize loads the roster inside tx and checks principal against op.
func (e *Engine) authorize(ctx context.Context, tx store.Tx, principal string, op authz.Operation) error {
	snap, err := tx.Roster(ctx)
	if err != nil {
		return err
	}
	return e.decide(authz.Authorize(snap, principal, op))
}

func (e *Engine) decide(d authz.Decision) error {
	if d.Allowed {
		return nil
	}
	if d.Reason == authz.ReasonLastAdmin {
		return ErrLastAdmin
	}
	return fmt.Errorf("%w: %s", ErrInsufficientRole, d.Reason)
}
