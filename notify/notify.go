// Package notify delivers outbound messages with a bounded retry policy.
// Transient transport failures are retried with exponential backoff and
// jitter; permanent failures and context cancellation abort immediately.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	tally "github.com/tallybot/tally"
	"github.com/tallybot/tally/id"
)

// Notifier sends one message to one tenant's channel.
type Notifier interface {
	Send(ctx context.Context, tenantID, text string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, tenantID, text string) error

// Send implements Notifier.
func (f NotifierFunc) Send(ctx context.Context, tenantID, text string) error {
	return f(ctx, tenantID, text)
}

// Policy bounds the retry loop.
type Policy struct {
	// MaxAttempts is the total number of send attempts, including the
	// first one. Must be at least 1.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// Jitter is the fraction of the delay randomized in both directions,
	// in [0, 1].
	Jitter float64
}

// DefaultPolicy matches the transport defaults: three attempts with the
// delay doubling from half a second.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// GaveUpError is returned when all attempts are exhausted. It matches
// tally.ErrDeliveryGaveUp with errors.Is.
type GaveUpError struct {
	Attempts int
	Last     error
}

func (e *GaveUpError) Error() string {
	return fmt.Sprintf("tally: delivery gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *GaveUpError) Unwrap() []error {
	return []error{tally.ErrDeliveryGaveUp, e.Last}
}

// Deliverer wraps a Notifier with the retry policy.
type Deliverer struct {
	next     Notifier
	policy   Policy
	classify func(error) bool
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(d *Deliverer) {
		d.policy = p
	}
}

// WithClassifier sets the function deciding whether an error is
// retryable. The default retries everything not marked Permanent.
func WithClassifier(fn func(error) bool) Option {
	return func(d *Deliverer) {
		d.classify = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) {
		d.logger = logger
	}
}

// WithSleep overrides the inter-attempt wait. Used in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Deliverer) {
		d.sleep = fn
	}
}

// New creates a Deliverer in front of next.
func New(next Notifier, opts ...Option) *Deliverer {
	d := &Deliverer{
		next:     next,
		policy:   DefaultPolicy(),
		classify: func(err error) bool { return !IsPermanent(err) },
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy.MaxAttempts < 1 {
		d.policy.MaxAttempts = 1
	}
	return d
}

// Send implements Notifier. It retries transient failures per the policy
// and returns a *GaveUpError once attempts are exhausted.
func (d *Deliverer) Send(ctx context.Context, tenantID, text string) error {
	deliveryID := id.NewDeliveryID()
	backoff := d.policy.InitialBackoff
	var last error

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		err := d.next.Send(ctx, tenantID, text)
		if err == nil {
			if attempt > 1 {
				d.logger.Info("delivery recovered",
					"tenant", tenantID,
					"delivery", deliveryID,
					"attempt", attempt,
				)
			}
			return nil
		}
		last = err

		if !d.classify(err) {
			return err
		}
		if attempt == d.policy.MaxAttempts {
			break
		}

		d.logger.Warn("delivery attempt failed",
			"tenant", tenantID,
			"delivery", deliveryID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := d.sleep(ctx, jittered(backoff, d.policy.Jitter)); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, d.policy)
	}

	d.logger.Error("delivery gave up",
		"tenant", tenantID,
		"delivery", deliveryID,
		"attempts", d.policy.MaxAttempts,
		"error", last,
	)
	return &GaveUpError{Attempts: d.policy.MaxAttempts, Last: last}
}

func nextBackoff(cur time.Duration, p Policy) time.Duration {
	next := time.Duration(float64(cur) * p.Multiplier)
	if p.MaxBackoff > 0 && next > p.MaxBackoff {
		next = p.MaxBackoff
	}
	return next
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	// Spread the delay uniformly over [d*(1-jitter), d*(1+jitter)].
	delta := (rand.Float64()*2 - 1) * jitter * float64(d)
	return time.Duration(float64(d) + delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
