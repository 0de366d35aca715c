package audithook

// Action constants for audit events.
const (
	// Tenant actions
	ActionTenantCreated = "tenant.created"

	// Cycle actions
	ActionCycleOpened = "cycle.opened"
	ActionCycleClosed = "cycle.closed"

	// Bill actions
	ActionBillRecorded = "bill.recorded"
	ActionBillUndone   = "bill.undone"
	ActionBalanceSet   = "balance.set"

	// Roster actions
	ActionOperatorGranted = "operator.granted"
	ActionOperatorRevoked = "operator.revoked"

	// Delivery actions
	ActionDeliveryFailed = "delivery.failed"
)

// Resource constants for audit events.
const (
	ResourceTenant   = "tenant"
	ResourceCycle    = "cycle"
	ResourceBill     = "bill"
	ResourceBalance  = "balance"
	ResourceRoster   = "roster"
	ResourceDelivery = "delivery"
)

// Category constants for audit events.
const (
	CategoryBookkeeping = "bookkeeping"
	CategoryAccess      = "access"
	CategoryDelivery    = "delivery"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
