package tally

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("tally: not found")
	ErrInvalidInput = errors.New("tally: invalid input")

	// Cycle state errors
	ErrCycleAlreadyOpen = errors.New("tally: a cycle is already open")
	ErrNoOpenCycle      = errors.New("tally: no open cycle")
	ErrNothingToUndo    = errors.New("tally: nothing to undo")

	// Input errors
	ErrZeroAmount = errors.New("tally: bill amount must be non-zero")

	// Authorization errors
	ErrInsufficientRole = errors.New("tally: insufficient role")
	ErrLastAdmin        = errors.New("tally: cannot revoke the last admin")

	// Infrastructure errors
	ErrStorageUnavailable = errors.New("tally: storage unavailable")
	ErrDeliveryGaveUp     = errors.New("tally: delivery gave up after retries")
)

// IsExpected reports whether err is a declined-action outcome that is
// reported back to the requesting principal rather than logged as a system
// error: authorization denials, invalid state, and invalid input.
func IsExpected(err error) bool {
	return errors.Is(err, ErrCycleAlreadyOpen) ||
		errors.Is(err, ErrNoOpenCycle) ||
		errors.Is(err, ErrNothingToUndo) ||
		errors.Is(err, ErrZeroAmount) ||
		errors.Is(err, ErrInsufficientRole) ||
		errors.Is(err, ErrLastAdmin) ||
		errors.Is(err, ErrInvalidInput)
}

// IsDenied returns true if the error is an authorization denial.
func IsDenied(err error) bool {
	return errors.Is(err, ErrInsufficientRole) || errors.Is(err, ErrLastAdmin)
}

// StorageError wraps a partition-level failure so callers can match on
// ErrStorageUnavailable while retaining the tenant and cause.
func StorageError(tenantID string, err error) error {
	return fmt.Errorf("%w: tenant %s: %w", ErrStorageUnavailable, tenantID, err)
}
