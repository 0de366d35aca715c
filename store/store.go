// Package store defines the tenant partition storage contract for Tally.
//
// Each tenant owns exactly one isolated partition, created lazily on first
// use and never shared. All engine mutations run inside WithTenantTx, whose
// transaction spans the permission check and the write: reads and writes
// inside fn commit together or not at all, concurrent transactions on the
// same tenant are serialized, and transactions on different tenants never
// block each other. A transaction is durable before WithTenantTx returns nil.
package store

import (
	"context"
	"time"

	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/types"
)

// Store is the tenant partition registry.
//
// Implementations map a tenant identifier to an owned storage handle
// (database file, schema, or database), opening it lazily and caching it.
// A partition that cannot be opened or written fails the current request
// with an error matching tally.ErrStorageUnavailable without affecting
// other tenants.
type Store interface {
	// WithTenantTx executes fn against tenantID's partition inside one
	// transaction. fn returning an error aborts the whole transaction.
	WithTenantTx(ctx context.Context, tenantID string, fn func(tx Tx) error) error

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases every cached partition handle.
	Close() error
}

// Tx is the typed view of one tenant's partition inside a transaction.
//
// Lookup methods return an error matching tally.ErrNotFound when the entity
// does not exist; they never return (nil, nil).
type Tx interface {
	// GetOpenCycle returns the tenant's currently open cycle.
	GetOpenCycle(ctx context.Context) (*cycle.Cycle, error)

	// LastClosedCycle returns the most recently closed cycle.
	LastClosedCycle(ctx context.Context) (*cycle.Cycle, error)

	// OpenCycle persists c as the tenant's open cycle.
	OpenCycle(ctx context.Context, c *cycle.Cycle) error

	// CloseCycle seals the cycle: sets its close timestamp and summary.
	CloseCycle(ctx context.Context, cycleID id.CycleID, closedAt time.Time, summary cycle.Summary) error

	// InsertBill appends b and assigns its per-tenant monotonic Seq.
	InsertBill(ctx context.Context, b *bill.Bill) error

	// LastActiveBill returns the most recent non-deleted bill of the cycle.
	LastActiveBill(ctx context.Context, cycleID id.CycleID) (*bill.Bill, error)

	// SoftDeleteBill marks the bill with the given Seq as deleted.
	SoftDeleteBill(ctx context.Context, seq int64) error

	// ListBills returns the cycle's bills ordered by Seq descending.
	ListBills(ctx context.Context, cycleID id.CycleID, opts bill.ListOpts) ([]*bill.Bill, error)

	// CountBills returns the number of bills matching opts.
	CountBills(ctx context.Context, cycleID id.CycleID, opts bill.ListOpts) (int, error)

	// CycleTotals aggregates the cycle's non-deleted bills.
	CycleTotals(ctx context.Context, cycleID id.CycleID) (bill.Totals, error)

	// Roster returns the tenant's full roster.
	Roster(ctx context.Context) (roster.Snapshot, error)

	// UpsertRosterEntry inserts or updates the entry keyed by principal.
	UpsertRosterEntry(ctx context.Context, e *roster.Entry) error

	// RemoveRosterEntry deletes the entry keyed by principal, if any.
	RemoveRosterEntry(ctx context.Context, principal string) error

	// PreviousBalance reads the tenant's previous-balance slot.
	// ok is false when the slot is empty.
	PreviousBalance(ctx context.Context) (amount types.Amount, ok bool, err error)

	// SetPreviousBalance fills the previous-balance slot, replacing any
	// existing value.
	SetPreviousBalance(ctx context.Context, amount types.Amount) error

	// ClearPreviousBalance empties the previous-balance slot.
	ClearPreviousBalance(ctx context.Context) error
}
