package tally_test

import (
	"context"
	"log/slog"
	"testing"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/store/memory"
)

// TestDocumentationExamples verifies that the documentation examples compile
func TestDocumentationExamples(t *testing.T) {
	// Quick start example from the package docs
	t.Run("QuickStartExample", func(t *testing.T) {
		ctx := context.Background()

		engine := tally.New(memory.New(), tally.WithLogger(slog.Default()))
		if err := engine.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer engine.Stop()

		if err := engine.EnsureTenant(ctx, "my-group", "alice"); err != nil {
			t.Fatal(err)
		}

		cyc, err := engine.OpenCycle(ctx, "my-group", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if !cyc.IsOpen() {
			t.Fatal("cycle should be open")
		}

		res, err := engine.RecordBill(ctx, "my-group", "alice", 1500, "bar tab")
		if err != nil {
			t.Fatal(err)
		}
		if res.Balance != 1500 {
			t.Fatalf("balance = %d, want 1500", res.Balance)
		}

		closed, err := engine.CloseCycle(ctx, "my-group", "alice")
		if err != nil {
			t.Fatal(err)
		}
		if closed.Summary == nil || closed.Summary.Net != 1500 {
			t.Fatalf("summary = %+v, want net 1500", closed.Summary)
		}
	})
}
