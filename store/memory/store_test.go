package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/cycle"
	"github.com/tallybot/tally/id"
	"github.com/tallybot/tally/roster"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/types"
)

func newCycle(tenantID string) *cycle.Cycle {
	return &cycle.Cycle{
		Entity:   types.NewEntity(),
		ID:       id.NewCycleID(),
		TenantID: tenantID,
		OpenedAt: time.Now(),
	}
}

func TestTxRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	boom := errors.New("boom")
	err := s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if err := tx.OpenCycle(ctx, newCycle("t1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	// The aborted open left no trace.
	err = s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if _, err := tx.GetOpenCycle(ctx); !errors.Is(err, tally.ErrNotFound) {
			t.Errorf("GetOpenCycle after rollback: err = %v, want ErrNotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInsertBillAssignsMonotonicSeq(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	c := newCycle("t1")
	err := s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if err := tx.OpenCycle(ctx, c); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			b := &bill.Bill{
				Entity:     types.NewEntity(),
				TenantID:   "t1",
				CycleID:    c.ID,
				Amount:     100,
				Kind:       bill.KindEntry,
				Principal:  "alice",
				RecordedAt: time.Now(),
			}
			if err := tx.InsertBill(ctx, b); err != nil {
				return err
			}
			if b.Seq != int64(i+1) {
				t.Errorf("seq = %d, want %d", b.Seq, i+1)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Seq keeps climbing across cycles; it never resets.
	err = s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if err := tx.CloseCycle(ctx, c.ID, time.Now(), cycle.Summary{}); err != nil {
			return err
		}
		c2 := newCycle("t1")
		if err := tx.OpenCycle(ctx, c2); err != nil {
			return err
		}
		b := &bill.Bill{
			Entity:     types.NewEntity(),
			TenantID:   "t1",
			CycleID:    c2.ID,
			Amount:     1,
			Kind:       bill.KindEntry,
			Principal:  "alice",
			RecordedAt: time.Now(),
		}
		if err := tx.InsertBill(ctx, b); err != nil {
			return err
		}
		if b.Seq != 4 {
			t.Errorf("seq = %d, want 4", b.Seq)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSingleOpenCycleEnforced(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	err := s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if err := tx.OpenCycle(ctx, newCycle("t1")); err != nil {
			return err
		}
		return tx.OpenCycle(ctx, newCycle("t1"))
	})
	if !errors.Is(err, tally.ErrCycleAlreadyOpen) {
		t.Fatalf("err = %v, want ErrCycleAlreadyOpen", err)
	}
}

func TestPreviousBalanceSlot(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	err := s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if _, ok, err := tx.PreviousBalance(ctx); err != nil || ok {
			t.Errorf("empty slot: ok = %v, err = %v", ok, err)
		}
		if err := tx.SetPreviousBalance(ctx, 2000); err != nil {
			return err
		}
		if v, ok, err := tx.PreviousBalance(ctx); err != nil || !ok || v != 2000 {
			t.Errorf("filled slot = %d, %v, %v, want 2000, true, nil", v, ok, err)
		}
		if err := tx.SetPreviousBalance(ctx, 500); err != nil {
			return err
		}
		if v, _, _ := tx.PreviousBalance(ctx); v != 500 {
			t.Errorf("replaced slot = %d, want 500", v)
		}
		if err := tx.ClearPreviousBalance(ctx); err != nil {
			return err
		}
		if _, ok, err := tx.PreviousBalance(ctx); err != nil || ok {
			t.Errorf("cleared slot: ok = %v, err = %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRosterUpsertAndRemove(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	err := s.WithTenantTx(ctx, "t1", func(tx store.Tx) error {
		if err := tx.UpsertRosterEntry(ctx, &roster.Entry{Entity: types.NewEntity(), TenantID: "t1", Principal: "alice", Role: roster.RoleAdmin}); err != nil {
			return err
		}
		// Upsert with a new role replaces, never duplicates.
		if err := tx.UpsertRosterEntry(ctx, &roster.Entry{Entity: types.NewEntity(), TenantID: "t1", Principal: "alice", Role: roster.RoleOperator}); err != nil {
			return err
		}
		snap, err := tx.Roster(ctx)
		if err != nil {
			return err
		}
		if len(snap) != 1 || snap.RoleOf("alice") != roster.RoleOperator {
			t.Errorf("roster = %d entries, role %q", len(snap), snap.RoleOf("alice"))
		}

		// Removing a missing principal is a no-op.
		if err := tx.RemoveRosterEntry(ctx, "nobody"); err != nil {
			return err
		}
		if err := tx.RemoveRosterEntry(ctx, "alice"); err != nil {
			return err
		}
		snap, err = tx.Roster(ctx)
		if err != nil {
			return err
		}
		if len(snap) != 0 {
			t.Errorf("roster after remove = %d entries", len(snap))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	err := s.WithTenantTx(context.Background(), "t1", func(tx store.Tx) error { return nil })
	if err == nil {
		t.Fatal("closed store accepted a transaction")
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("closed store answered ping")
	}
}
