package bill

import (
	"time"

	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/types"
)

// Kind distinguishes ordinary ledger entries from balance adjustments.
type Kind string

const (
	// KindEntry is an ordinary recorded movement.
	KindEntry Kind = "entry"
	// KindAdjustment is a bill inserted by a balance override; it is
	// reported separately from inbound/outbound totals.
	KindAdjustment Kind = "adjustment"
)

// Bill is one recorded signed money movement within a cycle. Bills are never
// edited in place: they are appended, and removed only by soft delete so the
// audit trail survives an undo. Seq is assigned by the store and is monotonic
// per tenant.
type Bill struct {
	types.Entity
	Seq        int64        `json:"seq"`
	TenantID   string       `json:"tenant_id"`
	CycleID    id.CycleID   `json:"cycle_id"`
	Amount     types.Amount `json:"amount"` // positive = inbound, negative = outbound
	Kind       Kind         `json:"kind"`
	Memo       string       `json:"memo,omitempty"`
	Principal  string       `json:"principal"`
	RecordedAt time.Time    `json:"recorded_at"`
	Deleted    bool         `json:"deleted,omitempty"`
}

// ListOpts filters bill listings. Listings are ordered by Seq descending
// (newest first), matching the chat detail view.
type ListOpts struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// Totals aggregates the non-deleted bills of one cycle.
type Totals struct {
	In              types.Amount `json:"in"`  // sum of positive entry amounts
	Out             types.Amount `json:"out"` // absolute sum of negative entry amounts
	Adjustments     types.Amount `json:"adjustments"`
	InCount         int          `json:"in_count"`
	OutCount        int          `json:"out_count"`
	AdjustmentCount int          `json:"adjustment_count"`
	Count           int          `json:"count"`
}

// Net returns the net movement of the cycle: inbound minus outbound plus
// adjustments. The running balance is the cycle's opening balance plus Net.
func (t Totals) Net() types.Amount {
	return t.In.Subtract(t.Out).Add(t.Adjustments)
}

// Add folds one bill into the totals. Soft-deleted bills must not be added.
func (t *Totals) Add(b *Bill) {
	t.Count++
	switch {
	case b.Kind == KindAdjustment:
		t.Adjustments = t.Adjustments.Add(b.Amount)
		t.AdjustmentCount++
	case b.Amount.IsInbound():
		t.In = t.In.Add(b.Amount)
		t.InCount++
	default:
		t.Out = t.Out.Add(b.Amount.Abs())
		t.OutCount++
	}
}
