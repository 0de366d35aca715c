package authz

import (
	"testing"

	"github.com/tallybot/tally/roster"
)

func snap(entries ...*roster.Entry) roster.Snapshot {
	return roster.Snapshot(entries)
}

func entry(principal string, role roster.Role) *roster.Entry {
	return &roster.Entry{Principal: principal, Role: role}
}

func TestAuthorize(t *testing.T) {
	r := snap(
		entry("alice", roster.RoleAdmin),
		entry("bob", roster.RoleOperator),
	)

	tests := []struct {
		name      string
		principal string
		op        Operation
		allowed   bool
		reason    string
	}{
		{"admin opens cycle", "alice", OpOpenCycle, true, ""},
		{"operator opens cycle", "bob", OpOpenCycle, true, ""},
		{"stranger opens cycle", "mallory", OpOpenCycle, false, ReasonInsufficientRole},
		{"operator records bill", "bob", OpRecordBill, true, ""},
		{"operator undoes", "bob", OpUndo, true, ""},
		{"operator sets balance", "bob", OpSetBalance, true, ""},
		{"stranger records bill", "mallory", OpRecordBill, false, ReasonInsufficientRole},
		{"admin grants operator", "alice", OpGrantOperator, true, ""},
		{"operator grants operator", "bob", OpGrantOperator, false, ReasonInsufficientRole},
		{"stranger revokes operator", "mallory", OpRevokeOperator, false, ReasonInsufficientRole},
		{"stranger lists operators", "mallory", OpListOperators, true, ""},
		{"unknown operation", "alice", Operation("frobnicate"), false, ReasonUnknownOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Authorize(r, tt.principal, tt.op)
			if d.Allowed != tt.allowed {
				t.Errorf("Allowed: got %v, want %v", d.Allowed, tt.allowed)
			}
			if d.Reason != tt.reason {
				t.Errorf("Reason: got %q, want %q", d.Reason, tt.reason)
			}
		})
	}
}

func TestAuthorizeRevoke(t *testing.T) {
	tests := []struct {
		name    string
		snap    roster.Snapshot
		acting  string
		target  string
		allowed bool
		reason  string
	}{
		{
			"admin revokes operator",
			snap(entry("alice", roster.RoleAdmin), entry("bob", roster.RoleOperator)),
			"alice", "bob", true, "",
		},
		{
			"operator cannot revoke",
			snap(entry("alice", roster.RoleAdmin), entry("bob", roster.RoleOperator)),
			"bob", "alice", false, ReasonInsufficientRole,
		},
		{
			"last admin protected",
			snap(entry("alice", roster.RoleAdmin), entry("bob", roster.RoleOperator)),
			"alice", "alice", false, ReasonLastAdmin,
		},
		{
			"second admin may be revoked",
			snap(entry("alice", roster.RoleAdmin), entry("carol", roster.RoleAdmin)),
			"alice", "carol", true, "",
		},
		{
			"revoking a non-member is allowed",
			snap(entry("alice", roster.RoleAdmin)),
			"alice", "nobody", true, "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := AuthorizeRevoke(tt.snap, tt.acting, tt.target)
			if d.Allowed != tt.allowed {
				t.Errorf("Allowed: got %v, want %v", d.Allowed, tt.allowed)
			}
			if d.Reason != tt.reason {
				t.Errorf("Reason: got %q, want %q", d.Reason, tt.reason)
			}
		})
	}
}
