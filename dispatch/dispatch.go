// Package dispatch routes structured commands to the tally engine and
// renders typed results into outbound replies. Declined actions (denied
// authorization, invalid state or input) are replies to the requesting
// principal, not system errors; only storage failures propagate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/bill"
	"github.com/tallybot/tally/command"
	"github.com/tallybot/tally/notify"
	"github.com/tallybot/tally/roster"
)

const defaultPageSize = 10

// Event is one inbound chat event.
type Event struct {
	TenantID  string
	Principal string
	Text      string
}

// Dispatcher wires the engine to the outbound notifier.
type Dispatcher struct {
	engine   *tally.Engine
	notifier notify.Notifier
	logger   *slog.Logger
	pageSize int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithPageSize sets the bill listing page size.
func WithPageSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// New creates a Dispatcher.
func New(engine *tally.Engine, notifier notify.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		engine:   engine,
		notifier: notifier,
		logger:   slog.Default(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one inbound event end to end: tenant bootstrap, command
// parsing, the engine call, and reply delivery. Non-command text is
// ignored. The returned error is a system failure only; delivery failures
// are logged and absorbed because the mutation has already committed.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) error {
	cmd, ok := command.Parse(ev.Text)
	if !ok {
		return nil
	}

	if err := d.engine.EnsureTenant(ctx, ev.TenantID, ev.Principal); err != nil {
		return err
	}

	reply, err := d.execute(ctx, ev, cmd)
	if err != nil {
		if !tally.IsExpected(err) {
			d.logger.Error("command failed",
				"tenant", ev.TenantID,
				"principal", ev.Principal,
				"error", err,
			)
			return err
		}
		d.logger.Debug("command declined",
			"tenant", ev.TenantID,
			"principal", ev.Principal,
			"reason", err,
		)
		reply = declinedText(err)
	}

	return d.deliver(ctx, ev.TenantID, reply)
}

func (d *Dispatcher) execute(ctx context.Context, ev Event, cmd command.Command) (string, error) {
	switch c := cmd.(type) {
	case command.OpenCycle:
		opened, err := d.engine.OpenCycle(ctx, ev.TenantID, ev.Principal)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("cycle opened, opening balance %s", opened.OpeningBalance), nil

	case command.CloseCycle:
		closed, err := d.engine.CloseCycle(ctx, ev.TenantID, ev.Principal)
		if err != nil {
			return "", err
		}
		s := closed.Summary
		return fmt.Sprintf(
			"cycle closed: in %s, out %s, adjustments %s, net %s, %d bills, final balance %s",
			s.TotalIn, s.TotalOut, s.Adjustments, s.Net, s.BillCount,
			closed.OpeningBalance.Add(s.Net),
		), nil

	case command.RecordBill:
		res, err := d.engine.RecordBill(ctx, ev.TenantID, ev.Principal, c.Amount, c.Memo)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			"bill #%d %s recorded; in %s, out %s, balance %s",
			res.Bill.Seq, res.Bill.Amount.Signed(),
			res.Totals.In, res.Totals.Out, res.Balance,
		), nil

	case command.Undo:
		res, err := d.engine.Undo(ctx, ev.TenantID, ev.Principal)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(
			"bill #%d %s undone; balance %s",
			res.Undone.Seq, res.Undone.Amount.Signed(), res.Balance,
		), nil

	case command.SetBalance:
		res, err := d.engine.SetBalance(ctx, ev.TenantID, ev.Principal, c.Amount)
		if err != nil {
			return "", err
		}
		if res.Stored {
			return fmt.Sprintf("balance %s will open the next cycle", res.Balance), nil
		}
		return fmt.Sprintf("balance set to %s", res.Balance), nil

	case command.GrantOperator:
		if err := d.engine.GrantOperator(ctx, ev.TenantID, ev.Principal, c.Target); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s is now an operator", c.Target), nil

	case command.RevokeOperator:
		if err := d.engine.RevokeOperator(ctx, ev.TenantID, ev.Principal, c.Target); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s is no longer an operator", c.Target), nil

	case command.ListOperators:
		snap, err := d.engine.ListOperators(ctx, ev.TenantID, ev.Principal)
		if err != nil {
			return "", err
		}
		return renderRoster(snap), nil

	case command.ListBills:
		opts := bill.ListOpts{
			Limit:  d.pageSize,
			Offset: (c.Page - 1) * d.pageSize,
		}
		bills, total, err := d.engine.ListBills(ctx, ev.TenantID, opts)
		if err != nil {
			return "", err
		}
		return renderBills(bills, total, c.Page, d.pageSize), nil

	case command.Help:
		return helpText, nil
	}

	return "", fmt.Errorf("%w: unhandled command %T", tally.ErrInvalidInput, cmd)
}

// deliver hands the reply to the retry-wrapped notifier. A delivery that
// gives up is logged and reported to plugins; the mutation stands.
func (d *Dispatcher) deliver(ctx context.Context, tenantID, text string) error {
	err := d.notifier.Send(ctx, tenantID, text)
	if err == nil {
		return nil
	}

	var gaveUp *notify.GaveUpError
	if errors.As(err, &gaveUp) {
		d.engine.Plugins().EmitDeliveryFailed(ctx, tenantID, gaveUp.Attempts, gaveUp.Last)
		d.logger.Error("reply delivery gave up",
			"tenant", tenantID,
			"attempts", gaveUp.Attempts,
			"error", gaveUp.Last,
		)
		return nil
	}

	d.logger.Error("reply delivery failed",
		"tenant", tenantID,
		"error", err,
	)
	return nil
}

func declinedText(err error) string {
	switch {
	case errors.Is(err, tally.ErrCycleAlreadyOpen):
		return "a cycle is already open; close it first"
	case errors.Is(err, tally.ErrNoOpenCycle):
		return "no cycle is open; open one first"
	case errors.Is(err, tally.ErrNothingToUndo):
		return "nothing to undo in the current cycle"
	case errors.Is(err, tally.ErrZeroAmount):
		return "bill amount must be non-zero"
	case errors.Is(err, tally.ErrLastAdmin):
		return "cannot revoke the last admin"
	case errors.Is(err, tally.ErrInsufficientRole):
		return "you are not allowed to do that"
	default:
		return "that request was not understood"
	}
}

func renderRoster(snap roster.Snapshot) string {
	if len(snap) == 0 {
		return "no operators yet"
	}

	var b strings.Builder
	b.WriteString("operators:")
	for _, e := range snap {
		fmt.Fprintf(&b, "\n  %s (%s)", e.Principal, e.Role)
	}
	return b.String()
}

func renderBills(bills []*bill.Bill, total, page, pageSize int) string {
	if total == 0 {
		return "no bills in the current cycle"
	}

	pages := (total + pageSize - 1) / pageSize
	if len(bills) == 0 {
		return fmt.Sprintf("no bills on page %d of %d", page, pages)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "bills, page %d of %d:", page, pages)
	for _, bl := range bills {
		fmt.Fprintf(&b, "\n  #%d %s", bl.Seq, bl.Amount.Signed())
		if bl.Kind == bill.KindAdjustment {
			b.WriteString(" (adjustment)")
		}
		if bl.Memo != "" {
			b.WriteString(" ")
			b.WriteString(bl.Memo)
		}
	}
	return b.String()
}

const helpText = `commands:
  open             start a new cycle
  close            close the open cycle and show its summary
  +<amount> memo   record an inbound bill
  -<amount> memo   record an outbound bill
  undo             retract the most recent bill
  set <amount>     override the balance
  bills [page]     list the open cycle's bills, newest first
  grant @user      add an operator (admins only)
  revoke @user     remove an operator (admins only)
  operators        list the roster
  help             show this text`
