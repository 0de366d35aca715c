package roster

import "github.com/tallybot/tally/types"

// Role grants mutation rights within one tenant.
type Role string

const (
	// RoleAdmin may perform every operation including roster mutation.
	// The tenant's creator is seeded as its first admin.
	RoleAdmin Role = "admin"
	// RoleOperator may perform ledger mutations but not roster mutations.
	RoleOperator Role = "operator"
)

// Entry is one (tenant, principal, role) roster row.
type Entry struct {
	types.Entity
	TenantID  string `json:"tenant_id"`
	Principal string `json:"principal"`
	Role      Role   `json:"role"`
}

// Snapshot is the roster of one tenant as read inside a store transaction.
// Authorization decisions are made over a snapshot so that the permission
// check and the mutation it guards observe the same committed state.
type Snapshot []*Entry

// RoleOf returns the role of principal, or "" if not on the roster.
func (s Snapshot) RoleOf(principal string) Role {
	for _, e := range s {
		if e.Principal == principal {
			return e.Role
		}
	}
	return ""
}

// AdminCount returns the number of admins on the roster.
func (s Snapshot) AdminCount() int {
	n := 0
	for _, e := range s {
		if e.Role == RoleAdmin {
			n++
		}
	}
	return n
}

// Operators returns the entries holding the operator role.
func (s Snapshot) Operators() []*Entry {
	var out []*Entry
	for _, e := range s {
		if e.Role == RoleOperator {
			out = append(out, e)
		}
	}
	return out
}
