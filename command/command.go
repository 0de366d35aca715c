// Package command defines the structured commands the dispatcher consumes
// and a small parser turning one line of chat text into one of them. Text
// that matches no command is not an error; chatter is simply ignored.
package command

import (
	"strconv"
	"strings"

	"github.com/tallybot/tally/types"
)

// Command is one structured, already-disambiguated instruction.
type Command interface {
	isCommand()
}

// OpenCycle starts a new bookkeeping cycle.
type OpenCycle struct{}

// CloseCycle seals the open cycle.
type CloseCycle struct{}

// RecordBill appends a signed bill to the open cycle.
type RecordBill struct {
	Amount types.Amount
	Memo   string
}

// Undo retracts the most recent bill.
type Undo struct{}

// SetBalance overrides the running balance.
type SetBalance struct {
	Amount types.Amount
}

// GrantOperator adds a principal to the roster.
type GrantOperator struct {
	Target string
}

// RevokeOperator removes a principal from the roster.
type RevokeOperator struct {
	Target string
}

// ListOperators shows the roster.
type ListOperators struct{}

// ListBills shows one page of the open cycle's bills, newest first.
type ListBills struct {
	Page int
}

// Help shows the usage text.
type Help struct{}

func (OpenCycle) isCommand()      {}
func (CloseCycle) isCommand()     {}
func (RecordBill) isCommand()     {}
func (Undo) isCommand()           {}
func (SetBalance) isCommand()     {}
func (GrantOperator) isCommand()  {}
func (RevokeOperator) isCommand() {}
func (ListOperators) isCommand()  {}
func (ListBills) isCommand()      {}
func (Help) isCommand()           {}

// Parse maps one line of text to a Command. ok is false when the text is
// not a command.
func Parse(raw string) (cmd Command, ok bool) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, false
	}

	head := fields[0]

	// Signed amounts are bill entries: "+1000 deposit", "-300 payout".
	if head[0] == '+' || head[0] == '-' {
		amount, err := types.ParseAmount(head)
		if err != nil || amount.IsZero() {
			return nil, false
		}
		return RecordBill{
			Amount: amount,
			Memo:   strings.Join(fields[1:], " "),
		}, true
	}

	bare := len(fields) == 1

	switch strings.ToLower(head) {
	case "open":
		if bare {
			return OpenCycle{}, true
		}
	case "close":
		if bare {
			return CloseCycle{}, true
		}
	case "undo":
		if bare {
			return Undo{}, true
		}
	case "set":
		if len(fields) != 2 {
			return nil, false
		}
		amount, err := types.ParseAmount(fields[1])
		if err != nil {
			return nil, false
		}
		return SetBalance{Amount: amount}, true
	case "grant":
		if len(fields) != 2 {
			return nil, false
		}
		return GrantOperator{Target: principal(fields[1])}, true
	case "revoke":
		if len(fields) != 2 {
			return nil, false
		}
		return RevokeOperator{Target: principal(fields[1])}, true
	case "operators":
		if bare {
			return ListOperators{}, true
		}
	case "bills":
		page := 1
		if len(fields) == 2 {
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 {
				return nil, false
			}
			page = n
		} else if len(fields) > 2 {
			return nil, false
		}
		return ListBills{Page: page}, true
	case "help":
		if bare {
			return Help{}, true
		}
	}

	return nil, false
}

// principal strips the conventional @ mention prefix.
func principal(s string) string {
	return strings.TrimPrefix(s, "@")
}
