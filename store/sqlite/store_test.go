package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/store"
	"github.com/tallybot/tally/store/sqlite"
)

func newEngine(t *testing.T) (*tally.Engine, context.Context) {
	t.Helper()

	ctx := context.Background()
	st, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	e := tally.New(st)
	if err := e.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := e.Stop(); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return e, ctx
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	st, err := sqlite.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if err := st.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestErrorClassification verifies WithTenantTx's error taxonomy: domain
// outcomes pass through untouched, everything else inside the transaction
// is reported as a storage failure.
func TestErrorClassification(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	err = st.WithTenantTx(ctx, "g1", func(tx store.Tx) error {
		return tally.ErrNoOpenCycle
	})
	if !errors.Is(err, tally.ErrNoOpenCycle) {
		t.Fatalf("expected error rewritten: %v", err)
	}
	if errors.Is(err, tally.ErrStorageUnavailable) {
		t.Fatal("domain outcome classified as storage failure")
	}

	err = st.WithTenantTx(ctx, "g1", func(tx store.Tx) error {
		if _, err := tx.GetOpenCycle(ctx); !errors.Is(err, tally.ErrNotFound) {
			t.Errorf("GetOpenCycle: err = %v, want ErrNotFound", err)
		}
		return tally.ErrNotFound
	})
	if !errors.Is(err, tally.ErrNotFound) || errors.Is(err, tally.ErrStorageUnavailable) {
		t.Fatalf("not-found outcome rewritten: %v", err)
	}

	ioErr := errors.New("disk I/O error")
	err = st.WithTenantTx(ctx, "g1", func(tx store.Tx) error {
		return ioErr
	})
	if !errors.Is(err, tally.ErrStorageUnavailable) {
		t.Fatalf("write failure not classified: %v", err)
	}
	if !errors.Is(err, ioErr) {
		t.Fatalf("classification lost the cause: %v", err)
	}
}

// TestLifecycleRoundTrip drives a full cycle through the database and
// checks every value survives the trip.
func TestLifecycleRoundTrip(t *testing.T) {
	e, ctx := newEngine(t)

	if err := e.EnsureTenant(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.OpenCycle(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}

	if _, err := e.OpenCycle(ctx, "g1", "alice"); !errors.Is(err, tally.ErrCycleAlreadyOpen) {
		t.Fatalf("second open: err = %v, want ErrCycleAlreadyOpen", err)
	}

	res, err := e.RecordBill(ctx, "g1", "alice", 1000, "deposit")
	if err != nil {
		t.Fatal(err)
	}
	if res.Bill.Seq != 1 || res.Balance != 1000 {
		t.Fatalf("bill = seq %d balance %d, want seq 1 balance 1000", res.Bill.Seq, res.Balance)
	}
	if _, err := e.RecordBill(ctx, "g1", "alice", -300, "payout"); err != nil {
		t.Fatal(err)
	}

	bills, total, err := e.ListBills(ctx, "g1", bill.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(bills) != 2 {
		t.Fatalf("bills = %d (total %d), want 2", len(bills), total)
	}
	if bills[0].Seq != 2 || bills[0].Memo != "payout" {
		t.Errorf("newest bill = seq %d memo %q, want seq 2 memo payout", bills[0].Seq, bills[0].Memo)
	}

	closed, err := e.CloseCycle(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	s := closed.Summary
	if s == nil || s.TotalIn != 1000 || s.TotalOut != 300 || s.Net != 700 || s.BillCount != 2 {
		t.Fatalf("summary = %+v, want in 1000 out 300 net 700 count 2", s)
	}

	reopened, err := e.OpenCycle(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if reopened.OpeningBalance != 700 {
		t.Errorf("carried balance = %d, want 700", reopened.OpeningBalance)
	}
}

func TestUndoSoftDelete(t *testing.T) {
	e, ctx := newEngine(t)

	if err := e.EnsureTenant(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.OpenCycle(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RecordBill(ctx, "g1", "alice", 100, "one"); err != nil {
		t.Fatal(err)
	}

	undo, err := e.Undo(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if undo.Undone.Seq != 1 || undo.Balance != 0 {
		t.Errorf("undo = seq %d balance %d, want seq 1 balance 0", undo.Undone.Seq, undo.Balance)
	}

	// The row stays for auditing.
	_, total, err := e.ListBills(ctx, "g1", bill.ListOpts{IncludeDeleted: true})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("audit total = %d, want 1", total)
	}
	_, total, err = e.ListBills(ctx, "g1", bill.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("active total = %d, want 0", total)
	}
}

func TestPreviousBalanceOverride(t *testing.T) {
	e, ctx := newEngine(t)

	if err := e.EnsureTenant(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetBalance(ctx, "g1", "alice", 2000); err != nil {
		t.Fatal(err)
	}

	opened, err := e.OpenCycle(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if opened.OpeningBalance != 2000 {
		t.Errorf("opening balance = %d, want 2000", opened.OpeningBalance)
	}
}

// TestTenantIsolation verifies tenants live in separate database files.
func TestTenantIsolation(t *testing.T) {
	e, ctx := newEngine(t)

	for _, g := range []string{"g1", "g2"} {
		if err := e.EnsureTenant(ctx, g, "alice"); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := e.OpenCycle(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RecordBill(ctx, "g1", "alice", 500, "here"); err != nil {
		t.Fatal(err)
	}

	// g2 sees none of g1's state.
	if _, err := e.RecordBill(ctx, "g2", "alice", 1, "there"); !errors.Is(err, tally.ErrNoOpenCycle) {
		t.Fatalf("err = %v, want ErrNoOpenCycle", err)
	}
	bal, err := e.Balance(ctx, "g2")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 0 {
		t.Errorf("g2 balance = %d, want 0", bal)
	}

	// And g2 can open its own cycle while g1's is open.
	if _, err := e.OpenCycle(ctx, "g2", "alice"); err != nil {
		t.Fatal(err)
	}
}

func TestRosterPersistence(t *testing.T) {
	e, ctx := newEngine(t)

	if err := e.EnsureTenant(ctx, "g1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.GrantOperator(ctx, "g1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}

	snap, err := e.ListOperators(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 2 {
		t.Fatalf("roster = %d entries, want 2", len(snap))
	}
	if snap.RoleOf("alice") == "" || snap.RoleOf("bob") == "" {
		t.Error("missing roster entries")
	}

	if err := e.RevokeOperator(ctx, "g1", "alice", "bob"); err != nil {
		t.Fatal(err)
	}
	snap, err = e.ListOperators(ctx, "g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.RoleOf("bob") != "" {
		t.Error("revoked operator still present")
	}
}
