// Package types provides common types used across Tally.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Amount represents a signed monetary movement in whole currency units.
// All arithmetic is integer-only, never floating point. The sign encodes
// direction: positive is inbound, negative is outbound. Tally tracks a
// single implicit currency per ledger; there is no currency field.
type Amount int64

// Direction helpers

// IsZero returns true if the amount is zero.
func (a Amount) IsZero() bool { return a == 0 }

// IsInbound returns true if the amount is greater than zero.
func (a Amount) IsInbound() bool { return a > 0 }

// IsOutbound returns true if the amount is less than zero.
func (a Amount) IsOutbound() bool { return a < 0 }

// Arithmetic operations

// Add adds two Amount values.
func (a Amount) Add(other Amount) Amount { return a + other }

// Subtract subtracts another Amount value.
func (a Amount) Subtract(other Amount) Amount { return a - other }

// Negate returns the negative of the Amount.
func (a Amount) Negate() Amount { return -a }

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// Int64 returns the raw signed value.
func (a Amount) Int64() int64 { return int64(a) }

// Formatting methods

// String returns the signed decimal representation, e.g. "-300".
func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// Signed returns the value with an explicit sign, e.g. "+1000" or "-300".
// Zero renders as "0".
func (a Amount) Signed() string {
	if a > 0 {
		return "+" + strconv.FormatInt(int64(a), 10)
	}
	return strconv.FormatInt(int64(a), 10)
}

// ParseAmount parses a signed decimal string ("+1000", "-300", "250") into
// an Amount.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("types: parse amount: empty string")
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("types: parse amount %q: %w", s, err)
	}
	return Amount(v), nil
}

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(a))
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("types: unmarshal amount: %w", err)
	}
	*a = Amount(v)
	return nil
}

// Sum calculates the sum of multiple Amount values.
func Sum(values ...Amount) Amount {
	var result Amount
	for _, v := range values {
		result += v
	}
	return result
}
