package mongo

import (
	"time"

	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/types"
)

// ==================== Cycle models ====================

type cycleModel struct {
	ID             string        `bson:"_id"`
	OpenedAt       time.Time     `bson:"opened_at"`
	ClosedAt       *time.Time    `bson:"closed_at,omitempty"`
	OpeningBalance int64         `bson:"opening_balance"`
	Summary        *summaryModel `bson:"summary,omitempty"`
	CreatedAt      time.Time     `bson:"created_at"`
	UpdatedAt      time.Time     `bson:"updated_at"`
}

type summaryModel struct {
	TotalIn     int64 `bson:"total_in"`
	TotalOut    int64 `bson:"total_out"`
	Adjustments int64 `bson:"adjustments"`
	Net         int64 `bson:"net"`
	BillCount   int   `bson:"bill_count"`
	DurationMS  int64 `bson:"duration_ms"`
}

func toCycleModel(c *cycle.Cycle) *cycleModel {
	m := &cycleModel{
		ID:             c.ID.String(),
		OpenedAt:       c.OpenedAt,
		ClosedAt:       c.ClosedAt,
		OpeningBalance: c.OpeningBalance.Int64(),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
	if c.Summary != nil {
		m.Summary = &summaryModel{
			TotalIn:     c.Summary.TotalIn.Int64(),
			TotalOut:    c.Summary.TotalOut.Int64(),
			Adjustments: c.Summary.Adjustments.Int64(),
			Net:         c.Summary.Net.Int64(),
			BillCount:   c.Summary.BillCount,
			DurationMS:  c.Summary.Duration.Milliseconds(),
		}
	}
	return m
}

func fromCycleModel(m *cycleModel, tenantID string) (*cycle.Cycle, error) {
	cycleID, err := id.ParseCycleID(m.ID)
	if err != nil {
		return nil, err
	}

	c := &cycle.Cycle{
		ID:             cycleID,
		TenantID:       tenantID,
		OpenedAt:       m.OpenedAt,
		ClosedAt:       m.ClosedAt,
		OpeningBalance: types.Amount(m.OpeningBalance),
	}
	c.CreatedAt = m.CreatedAt
	c.UpdatedAt = m.UpdatedAt
	if m.Summary != nil {
		c.Summary = &cycle.Summary{
			TotalIn:     types.Amount(m.Summary.TotalIn),
			TotalOut:    types.Amount(m.Summary.TotalOut),
			Adjustments: types.Amount(m.Summary.Adjustments),
			Net:         types.Amount(m.Summary.Net),
			BillCount:   m.Summary.BillCount,
			Duration:    time.Duration(m.Summary.DurationMS) * time.Millisecond,
		}
	}
	return c, nil
}

// ==================== Bill models ====================

type billModel struct {
	Seq        int64     `bson:"_id"`
	CycleID    string    `bson:"cycle_id"`
	Amount     int64     `bson:"amount"`
	Kind       string    `bson:"kind"`
	Memo       string    `bson:"memo,omitempty"`
	Principal  string    `bson:"principal"`
	RecordedAt time.Time `bson:"recorded_at"`
	Deleted    bool      `bson:"deleted"`
	CreatedAt  time.Time `bson:"created_at"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

func toBillModel(b *bill.Bill) *billModel {
	return &billModel{
		Seq:        b.Seq,
		CycleID:    b.CycleID.String(),
		Amount:     b.Amount.Int64(),
		Kind:       string(b.Kind),
		Memo:       b.Memo,
		Principal:  b.Principal,
		RecordedAt: b.RecordedAt,
		Deleted:    b.Deleted,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func fromBillModel(m *billModel, tenantID string) (*bill.Bill, error) {
	cycleID, err := id.ParseCycleID(m.CycleID)
	if err != nil {
		return nil, err
	}

	b := &bill.Bill{
		Seq:        m.Seq,
		TenantID:   tenantID,
		CycleID:    cycleID,
		Amount:     types.Amount(m.Amount),
		Kind:       bill.Kind(m.Kind),
		Memo:       m.Memo,
		Principal:  m.Principal,
		RecordedAt: m.RecordedAt,
		Deleted:    m.Deleted,
	}
	b.CreatedAt = m.CreatedAt
	b.UpdatedAt = m.UpdatedAt
	return b, nil
}

// ==================== Roster models ====================

type rosterModel struct {
	Principal string    `bson:"_id"`
	Role      string    `bson:"role"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toRosterModel(e *roster.Entry) *rosterModel {
	return &rosterModel{
		Principal: e.Principal,
		Role:      string(e.Role),
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
}

func fromRosterModel(m *rosterModel, tenantID string) *roster.Entry {
	e := &roster.Entry{
		TenantID:  tenantID,
		Principal: m.Principal,
		Role:      roster.Role(m.Role),
	}
	e.CreatedAt = m.CreatedAt
	e.UpdatedAt = m.UpdatedAt
	return e
}

// ==================== Singleton documents ====================

// openMarkerModel is a singleton whose insert enforces the one-open-cycle
// invariant through the _id uniqueness of the collection.
type openMarkerModel struct {
	ID      string `bson:"_id"` // always "open"
	CycleID string `bson:"cycle_id"`
}

type previousBalanceModel struct {
	ID     string `bson:"_id"` // always "previous"
	Amount int64  `bson:"amount"`
}

type counterModel struct {
	ID    string `bson:"_id"` // always "bill_seq"
	Value int64  `bson:"value"`
}
