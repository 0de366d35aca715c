// Package memory provides an in-memory tenant store, primarily for tests
// and examples. Each tenant partition is guarded by its own mutex, so
// transactions on the same tenant serialize while other tenants proceed
// independently. Rollback is implemented by running each transaction
// against a deep copy of the partition and swapping it in only on commit.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store with in-process state.
type Store struct {
	mu      sync.Mutex
	tenants map[string]*partition
	closed  bool
}

type partition struct {
	mu      sync.Mutex
	cycles  []*cycle.Cycle
	bills   []*bill.Bill
	roster  []*roster.Entry
	prev    *types.Amount
	nextSeq int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{tenants: make(map[string]*partition)}
}

func (s *Store) partition(tenantID string) (*partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, tally.StorageError(tenantID, errClosed)
	}
	p, ok := s.tenants[tenantID]
	if !ok {
		p = &partition{}
		s.tenants[tenantID] = p
	}
	return p, nil
}

// WithTenantTx implements store.Store.
func (s *Store) WithTenantTx(_ context.Context, tenantID string, fn func(tx store.Tx) error) error {
	p, err := s.partition(tenantID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tx := p.clone()
	if err := fn(tx); err != nil {
		return err
	}

	// Commit: the working copy becomes the partition state.
	p.cycles = tx.cycles
	p.bills = tx.bills
	p.roster = tx.roster
	p.prev = tx.prev
	p.nextSeq = tx.nextSeq
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var errClosed = errors.New("memory store is closed")

func (p *partition) clone() *memTx {
	tx := &memTx{nextSeq: p.nextSeq}
	tx.cycles = make([]*cycle.Cycle, len(p.cycles))
	for i, c := range p.cycles {
		cc := *c
		if c.ClosedAt != nil {
			t := *c.ClosedAt
			cc.ClosedAt = &t
		}
		if c.Summary != nil {
			sum := *c.Summary
			cc.Summary = &sum
		}
		tx.cycles[i] = &cc
	}
	tx.bills = make([]*bill.Bill, len(p.bills))
	for i, b := range p.bills {
		bb := *b
		tx.bills[i] = &bb
	}
	tx.roster = make([]*roster.Entry, len(p.roster))
	for i, e := range p.roster {
		ee := *e
		tx.roster[i] = &ee
	}
	if p.prev != nil {
		v := *p.prev
		tx.prev = &v
	}
	return tx
}

// memTx is a transactional working copy of one partition.
type memTx struct {
	cycles  []*cycle.Cycle
	bills   []*bill.Bill
	roster  []*roster.Entry
	prev    *types.Amount
	nextSeq int64
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) GetOpenCycle(_ context.Context) (*cycle.Cycle, error) {
	for _, c := range t.cycles {
		if c.IsOpen() {
			return c, nil
		}
	}
	return nil, tally.ErrNotFound
}

func (t *memTx) LastClosedCycle(_ context.Context) (*cycle.Cycle, error) {
	var last *cycle.Cycle
	for _, c := range t.cycles {
		if !c.IsOpen() && (last == nil || c.ClosedAt.After(*last.ClosedAt)) {
			last = c
		}
	}
	if last == nil {
		return nil, tally.ErrNotFound
	}
	return last, nil
}

func (t *memTx) OpenCycle(_ context.Context, c *cycle.Cycle) error {
	for _, existing := range t.cycles {
		if existing.IsOpen() {
			return tally.ErrCycleAlreadyOpen
		}
	}
	cc := *c
	t.cycles = append(t.cycles, &cc)
	return nil
}

func (t *memTx) CloseCycle(_ context.Context, cycleID id.CycleID, closedAt time.Time, summary cycle.Summary) error {
	for _, c := range t.cycles {
		if c.ID.String() == cycleID.String() {
			at := closedAt
			sum := summary
			c.ClosedAt = &at
			c.Summary = &sum
			c.Touch()
			return nil
		}
	}
	return tally.ErrNotFound
}

func (t *memTx) InsertBill(_ context.Context, b *bill.Bill) error {
	t.nextSeq++
	b.Seq = t.nextSeq
	bb := *b
	t.bills = append(t.bills, &bb)
	return nil
}

func (t *memTx) LastActiveBill(_ context.Context, cycleID id.CycleID) (*bill.Bill, error) {
	for i := len(t.bills) - 1; i >= 0; i-- {
		b := t.bills[i]
		if b.CycleID.String() == cycleID.String() && !b.Deleted {
			return b, nil
		}
	}
	return nil, tally.ErrNotFound
}

func (t *memTx) SoftDeleteBill(_ context.Context, seq int64) error {
	for _, b := range t.bills {
		if b.Seq == seq {
			b.Deleted = true
			b.Touch()
			return nil
		}
	}
	return tally.ErrNotFound
}

func (t *memTx) ListBills(_ context.Context, cycleID id.CycleID, opts bill.ListOpts) ([]*bill.Bill, error) {
	var matched []*bill.Bill
	for i := len(t.bills) - 1; i >= 0; i-- {
		b := t.bills[i]
		if b.CycleID.String() != cycleID.String() {
			continue
		}
		if b.Deleted && !opts.IncludeDeleted {
			continue
		}
		matched = append(matched, b)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

func (t *memTx) CountBills(_ context.Context, cycleID id.CycleID, opts bill.ListOpts) (int, error) {
	n := 0
	for _, b := range t.bills {
		if b.CycleID.String() != cycleID.String() {
			continue
		}
		if b.Deleted && !opts.IncludeDeleted {
			continue
		}
		n++
	}
	return n, nil
}

func (t *memTx) CycleTotals(_ context.Context, cycleID id.CycleID) (bill.Totals, error) {
	var totals bill.Totals
	for _, b := range t.bills {
		if b.CycleID.String() == cycleID.String() && !b.Deleted {
			totals.Add(b)
		}
	}
	return totals, nil
}

func (t *memTx) Roster(_ context.Context) (roster.Snapshot, error) {
	snap := make(roster.Snapshot, len(t.roster))
	copy(snap, t.roster)
	return snap, nil
}

func (t *memTx) UpsertRosterEntry(_ context.Context, e *roster.Entry) error {
	for i, existing := range t.roster {
		if existing.Principal == e.Principal {
			ee := *e
			ee.CreatedAt = existing.CreatedAt
			ee.Touch()
			t.roster[i] = &ee
			return nil
		}
	}
	ee := *e
	t.roster = append(t.roster, &ee)
	return nil
}

func (t *memTx) RemoveRosterEntry(_ context.Context, principal string) error {
	for i, e := range t.roster {
		if e.Principal == principal {
			t.roster = append(t.roster[:i], t.roster[i+1:]...)
			return nil
		}
	}
	return nil
}

func (t *memTx) PreviousBalance(_ context.Context) (types.Amount, bool, error) {
	if t.prev == nil {
		return 0, false, nil
	}
	return *t.prev, true, nil
}

func (t *memTx) SetPreviousBalance(_ context.Context, amount types.Amount) error {
	v := amount
	t.prev = &v
	return nil
}

func (t *memTx) ClearPreviousBalance(_ context.Context) error {
	t.prev = nil
	return nil
}
