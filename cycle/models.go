package cycle

import (
	"time"

	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/types"
)

// Cycle is a bounded accounting period within a tenant. A cycle is created
// open, mutated only by bill insertion and undo while open, and sealed at
// close. At most one cycle per tenant is open at any time; once closed a
// cycle is immutable.
type Cycle struct {
	types.Entity
	ID             id.CycleID   `json:"id"`
	TenantID       string       `json:"tenant_id"`
	OpenedAt       time.Time    `json:"opened_at"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
	OpeningBalance types.Amount `json:"opening_balance"`

	// Summary is present only once the cycle is closed.
	Summary *Summary `json:"summary,omitempty"`
}

// IsOpen reports whether the cycle has not been closed yet.
func (c *Cycle) IsOpen() bool { return c.ClosedAt == nil }

// Summary is the sealed per-cycle closing summary. Soft-deleted bills are
// excluded from every figure.
type Summary struct {
	TotalIn     types.Amount  `json:"total_in"`    // sum of inbound entry bills
	TotalOut    types.Amount  `json:"total_out"`   // absolute sum of outbound entry bills
	Adjustments types.Amount  `json:"adjustments"` // net of balance-adjustment bills
	Net         types.Amount  `json:"net"`         // net movement of the cycle, excluding the opening balance
	BillCount   int           `json:"bill_count"`
	Duration    time.Duration `json:"duration"`
}

// ListOpts filters cycle listings.
type ListOpts struct {
	Limit  int
	Offset int
}
