// Package tally provides a multi-tenant bookkeeping ledger engine for
// chat-driven applications.
//
// Tally is designed as a library, not a service. Import it into the Go
// application that owns your chat transport and let the engine manage the
// per-tenant ledgers. It provides:
//
//   - Per-tenant accounting cycles with an open/close lifecycle
//   - An append-only bill log with single-step undo (soft delete)
//   - Derived balances with carry-over between cycles
//   - A role-gated permission model (admin / operator) evaluated inside
//     the same transaction as the mutation it guards
//   - Retry-wrapped outbound notification with bounded backoff
//   - Pluggable storage partitions (SQLite, Postgres, MongoDB, memory)
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/tallybot/tally"
//	    "github.com/tallybot/tally/store/sqlite"
//	)
//
//	st, err := sqlite.Open("data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := tally.New(st)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Each tenant (one chat group) owns an isolated storage partition. A tenant
// is created lazily on first use; the first principal seen becomes its admin:
//
//	eng.EnsureTenant(ctx, "group_42", "alice")
//
// Cycles bracket an accounting period. Bills are signed movements recorded
// into the open cycle; positive amounts are inbound, negative outbound:
//
//	cyc, _ := eng.OpenCycle(ctx, "group_42", "alice")
//	res, _ := eng.RecordBill(ctx, "group_42", "alice", 1000, "deposit")
//	fmt.Println(res.Balance) // opening balance + 1000
//
// Undo soft-deletes the most recent non-deleted bill of the open cycle;
// deleted bills stay in the log for audit. Closing a cycle seals its summary
// and its net balance becomes the candidate opening balance of the next one.
//
// All mutations run inside one tenant-store transaction spanning the
// permission check and the write, so concurrent commands for the same tenant
// apply as if sequential while other tenants proceed independently.
//
// # Delivery
//
// The dispatch and notify packages turn engine results into outbound chat
// messages. Delivery is wrapped in an explicit retry policy (bounded
// attempts, exponential backoff with jitter, transient-only retries); a
// failed delivery never unwinds the committed mutation.
//
// # TypeID
//
// Cycles and deliveries use TypeID for globally unique identifiers:
//
//	cyc_01h2xcejqtf2nbrexx3vqjhp41  // Cycle ID
//	dlv_01h455vb4pex5vsknk084sn02q  // Delivery ID
//
// Bills instead carry a per-tenant monotonic sequence number, which is what
// the undo rule and audit ordering are defined over.
package tally
