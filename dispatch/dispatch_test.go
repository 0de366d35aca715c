package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/notify"
	"github.com/tallybot/tally/store/memory"
)

// recorder captures outbound replies.
type recorder struct {
	mu      sync.Mutex
	replies []string
	err     error
}

func (r *recorder) Send(ctx context.Context, tenantID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.replies = append(r.replies, text)
	return nil
}

func (r *recorder) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		t.Fatal("no reply was sent")
	}
	return r.replies[len(r.replies)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

func newDispatcher(t *testing.T) (*Dispatcher, *recorder, context.Context) {
	t.Helper()

	ctx := context.Background()
	engine := tally.New(memory.New())
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Stop() })

	out := &recorder{}
	return New(engine, out), out, ctx
}

func event(text string) Event {
	return Event{TenantID: "group", Principal: "alice", Text: text}
}

func TestHandleIgnoresChatter(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	for _, text := range []string{"", "good morning", "1000 unsigned", "+0 zero"} {
		if err := d.Handle(ctx, event(text)); err != nil {
			t.Fatalf("Handle(%q): %v", text, err)
		}
	}
	if out.count() != 0 {
		t.Errorf("replies = %d, want 0", out.count())
	}
}

func TestHandleFullConversation(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	steps := []struct {
		text string
		want string
	}{
		{"open", "cycle opened, opening balance 0"},
		{"+1000 bar tab", "bill #1 +1000 recorded; in 1000, out 0, balance 1000"},
		{"-300 refund", "bill #2 -300 recorded; in 1000, out 300, balance 700"},
		{"undo", "bill #2 -300 undone; balance 1000"},
		{"close", "cycle closed: in 1000, out 0, adjustments 0, net 1000, 1 bills, final balance 1000"},
		{"open", "cycle opened, opening balance 1000"},
	}

	for _, step := range steps {
		if err := d.Handle(ctx, event(step.text)); err != nil {
			t.Fatalf("Handle(%q): %v", step.text, err)
		}
		if got := out.last(t); got != step.want {
			t.Errorf("Handle(%q) replied %q, want %q", step.text, got, step.want)
		}
	}
}

func TestHandleDeclinedReplies(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	tests := []struct {
		name  string
		setup []string
		text  string
		want  string
	}{
		{"close without cycle", nil, "close", "no cycle is open; open one first"},
		{"bill without cycle", nil, "+100 early", "no cycle is open; open one first"},
		{"double open", []string{"open"}, "open", "a cycle is already open; close it first"},
		{"undo empty cycle", []string{"open"}, "undo", "nothing to undo in the current cycle"},
		{"revoke last admin", nil, "revoke @alice", "cannot revoke the last admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, out, ctx = newDispatcher(t)
			for _, s := range tt.setup {
				if err := d.Handle(ctx, event(s)); err != nil {
					t.Fatal(err)
				}
			}
			if err := d.Handle(ctx, event(tt.text)); err != nil {
				t.Fatalf("declined command returned system error: %v", err)
			}
			if got := out.last(t); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHandleDeniedForOutsider(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	// alice seeds the tenant as admin; mallory arrives later.
	if err := d.Handle(ctx, event("open")); err != nil {
		t.Fatal(err)
	}
	ev := Event{TenantID: "group", Principal: "mallory", Text: "+100 sneaky"}
	if err := d.Handle(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "you are not allowed to do that" {
		t.Errorf("reply = %q", got)
	}
}

func TestHandleRosterCommands(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	if err := d.Handle(ctx, event("grant @bob")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "bob is now an operator" {
		t.Errorf("reply = %q", got)
	}

	if err := d.Handle(ctx, event("operators")); err != nil {
		t.Fatal(err)
	}
	got := out.last(t)
	if !strings.Contains(got, "alice (admin)") || !strings.Contains(got, "bob (operator)") {
		t.Errorf("roster reply = %q", got)
	}

	if err := d.Handle(ctx, event("revoke @bob")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "bob is no longer an operator" {
		t.Errorf("reply = %q", got)
	}
}

func TestHandleBillsPaging(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	if err := d.Handle(ctx, event("open")); err != nil {
		t.Fatal(err)
	}
	if err := d.Handle(ctx, event("bills")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "no bills in the current cycle" {
		t.Errorf("reply = %q", got)
	}

	for _, text := range []string{"+100 one", "+200 two", "+300 three"} {
		if err := d.Handle(ctx, event(text)); err != nil {
			t.Fatal(err)
		}
	}

	d2 := New(d.engine, out, WithPageSize(2))
	if err := d2.Handle(ctx, event("bills")); err != nil {
		t.Fatal(err)
	}
	got := out.last(t)
	if !strings.Contains(got, "page 1 of 2") {
		t.Errorf("reply = %q, want page 1 of 2", got)
	}
	// Newest first.
	if !strings.Contains(got, "#3 +300 three") || strings.Contains(got, "#1") {
		t.Errorf("page 1 = %q", got)
	}

	if err := d2.Handle(ctx, event("bills 2")); err != nil {
		t.Fatal(err)
	}
	got = out.last(t)
	if !strings.Contains(got, "page 2 of 2") || !strings.Contains(got, "#1 +100 one") {
		t.Errorf("page 2 = %q", got)
	}

	if err := d2.Handle(ctx, event("bills 9")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "no bills on page 9 of 2" {
		t.Errorf("reply = %q", got)
	}
}

func TestHandleSetBalanceReplies(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	if err := d.Handle(ctx, event("set 2000")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "balance 2000 will open the next cycle" {
		t.Errorf("reply = %q", got)
	}

	if err := d.Handle(ctx, event("open")); err != nil {
		t.Fatal(err)
	}
	if err := d.Handle(ctx, event("set 1500")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); got != "balance set to 1500" {
		t.Errorf("reply = %q", got)
	}
}

func TestHandleHelp(t *testing.T) {
	d, out, ctx := newDispatcher(t)

	if err := d.Handle(ctx, event("help")); err != nil {
		t.Fatal(err)
	}
	if got := out.last(t); !strings.Contains(got, "open") || !strings.Contains(got, "undo") {
		t.Errorf("help reply = %q", got)
	}
}

// TestHandleAbsorbsDeliveryGiveUp verifies an exhausted delivery never
// surfaces as a system error: the mutation has already committed.
func TestHandleAbsorbsDeliveryGiveUp(t *testing.T) {
	ctx := context.Background()
	engine := tally.New(memory.New())
	if err := engine.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { engine.Stop() })

	failing := notify.New(
		notify.NotifierFunc(func(ctx context.Context, tenantID, text string) error {
			return errors.New("unreachable")
		}),
		notify.WithPolicy(notify.Policy{MaxAttempts: 2, InitialBackoff: 1, Multiplier: 2}),
		notify.WithSleep(func(ctx context.Context, wait time.Duration) error { return nil }),
	)
	d := New(engine, failing)

	if err := d.Handle(ctx, event("open")); err != nil {
		t.Fatalf("give-up surfaced as system error: %v", err)
	}

	// The open committed despite the failed reply.
	if err := d.Handle(ctx, event("open")); err != nil {
		t.Fatal(err)
	}
}
