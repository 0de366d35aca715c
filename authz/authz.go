// Package authz is the permission authority for Tally operations.
//
// Authorize is a pure decision function over a roster snapshot. It has no
// side effects and performs no I/O: the engine reads the snapshot inside the
// same store transaction as the mutation it guards, closing the
// check-then-act race between the permission check and the enforced action.
package authz

import "github.com/tallybot/tally/roster"

// Operation names an engine operation for authorization purposes.
type Operation string

const (
	OpOpenCycle      Operation = "open_cycle"
	OpCloseCycle     Operation = "close_cycle"
	OpRecordBill     Operation = "record_bill"
	OpUndo           Operation = "undo"
	OpSetBalance     Operation = "set_balance"
	OpGrantOperator  Operation = "grant_operator"
	OpRevokeOperator Operation = "revoke_operator"
	OpListOperators  Operation = "list_operators"
)

// Denial reasons.
const (
	ReasonInsufficientRole = "insufficient_role"
	ReasonLastAdmin        = "last_admin"
	ReasonUnknownOperation = "unknown_operation"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string // set when denied
}

var allowed = Decision{Allowed: true}

func denied(reason string) Decision {
	return Decision{Reason: reason}
}

// Authorize decides whether principal may perform op for the tenant whose
// roster is snap. Ledger mutations require operator or admin; roster
// mutations require admin; listing operators is not privileged.
func Authorize(snap roster.Snapshot, principal string, op Operation) Decision {
	role := snap.RoleOf(principal)

	switch op {
	case OpOpenCycle, OpCloseCycle, OpRecordBill, OpUndo, OpSetBalance:
		if role == roster.RoleAdmin || role == roster.RoleOperator {
			return allowed
		}
		return denied(ReasonInsufficientRole)

	case OpGrantOperator, OpRevokeOperator:
		if role == roster.RoleAdmin {
			return allowed
		}
		return denied(ReasonInsufficientRole)

	case OpListOperators:
		// Reads are not privileged, only mutations are.
		return allowed

	default:
		return denied(ReasonUnknownOperation)
	}
}

// AuthorizeRevoke decides whether acting may revoke target's roster entry.
// Beyond the admin requirement of OpRevokeOperator, it rejects removing the
// last remaining admin so a tenant can never lose all administrative access.
func AuthorizeRevoke(snap roster.Snapshot, acting, target string) Decision {
	if d := Authorize(snap, acting, OpRevokeOperator); !d.Allowed {
		return d
	}
	if snap.RoleOf(target) == roster.RoleAdmin && snap.AdminCount() <= 1 {
		return denied(ReasonLastAdmin)
	}
	return allowed
}
