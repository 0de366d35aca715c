package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// basePlugin implements only Plugin.
type basePlugin struct {
	name string
}

func (p *basePlugin) Name() string { return p.name }

// hookPlugin records every lifecycle event it receives.
type hookPlugin struct {
	basePlugin
	mu     sync.Mutex
	events []string
}

func (p *hookPlugin) record(ev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *hookPlugin) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *hookPlugin) OnTenantCreated(ctx context.Context, tenantID, owner string) error {
	p.record("tenant:" + tenantID)
	return nil
}

func (p *hookPlugin) OnCycleOpened(ctx context.Context, c interface{}) error {
	p.record("opened")
	return nil
}

func (p *hookPlugin) OnDeliveryFailed(ctx context.Context, tenantID string, attempts int, err error) error {
	p.record("delivery")
	return nil
}

// memoPlugin rejects memos containing "spam".
type memoPlugin struct {
	basePlugin
}

func (p *memoPlugin) ValidateMemo(ctx context.Context, memo string) error {
	if memo == "spam" {
		return errors.New("memo rejected")
	}
	return nil
}

func TestRegister(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&basePlugin{name: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&basePlugin{name: "two"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&basePlugin{name: "one"}); err == nil {
		t.Fatal("duplicate name accepted")
	}

	if r.Count() != 2 {
		t.Errorf("count = %d, want 2", r.Count())
	}
	if r.Get("one") == nil || r.Get("missing") != nil {
		t.Error("Get lookup wrong")
	}
	if len(r.List()) != 2 {
		t.Errorf("list = %d, want 2", len(r.List()))
	}
}

func TestEmitReachesOnlySubscribers(t *testing.T) {
	r := NewRegistry()
	hooked := &hookPlugin{basePlugin: basePlugin{name: "hooked"}}
	if err := r.Register(hooked); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&basePlugin{name: "plain"}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.EmitTenantCreated(ctx, "t1", "alice")
	r.EmitCycleOpened(ctx, nil)
	r.EmitDeliveryFailed(ctx, "t1", 3, errors.New("unreachable"))
	// The plugin has no bill hook; this must be a silent no-op.
	r.EmitBillRecorded(ctx, nil)

	want := []string{"tenant:t1", "opened", "delivery"}
	got := hooked.seen()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidateMemo(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&memoPlugin{basePlugin{name: "memo-check"}}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := r.ValidateMemo(ctx, "dinner"); err != nil {
		t.Errorf("clean memo rejected: %v", err)
	}
	if err := r.ValidateMemo(ctx, "spam"); err == nil {
		t.Error("bad memo accepted")
	}
}

func TestValidateMemoWithoutValidators(t *testing.T) {
	r := NewRegistry()
	if err := r.ValidateMemo(context.Background(), "anything"); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}
