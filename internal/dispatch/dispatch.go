// Package dispatch runs provider calls under the shared quota with
// classification-driven retries.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joshsymonds/inboxrules/internal/gmail"
	"github.com/joshsymonds/inboxrules/internal/metrics"
	"github.com/joshsymonds/inboxrules/internal/rate"
	"github.com/joshsymonds/inboxrules/internal/retry"
)

// Limiter is the quota surface the dispatcher needs. *rate.Quota satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, cost int) (rate.Reservation, error)
	Release(r rate.Reservation)
	Throttle()
	MaxCost() int
}

// Error reports a call that failed permanently or ran out of retries.
type Error struct {
	Op        string
	Attempts  int
	Kind      gmail.Kind
	Exhausted bool
	Err       error
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher wraps every provider call: acquire quota, call, classify, back
// off and retry.
type Dispatcher struct {
	Quota  Limiter
	Policy retry.Policy
	Logger *slog.Logger
	Clock  func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Dispatcher with wall-clock sleeping.
func New(quota Limiter, policy retry.Policy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Dispatcher{
		Quota:  quota,
		Policy: policy,
		Logger: logger,
		Clock:  time.Now,
		Sleep:  sleepContext,
	}
}

// Do runs fn until it succeeds, fails permanently, or the retry ceiling is
// reached. Quota errors and context errors are returned wrapped as-is.
func (d *Dispatcher) Do(ctx context.Context, op string, cost int, fn func(ctx context.Context) error) error {
	backoff := d.Policy.Start()
	attempt := 0
	for {
		attempt++
		started := d.Clock()
		res, err := d.Quota.Acquire(ctx, cost)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		metrics.QuotaUnitsTotal.WithLabelValues(op).Add(float64(cost))
		metrics.QuotaWaitSeconds.Observe(d.Clock().Sub(started).Seconds())

		err = fn(ctx)
		if err == nil {
			metrics.ProviderCallsTotal.WithLabelValues(op, "success").Inc()
			return nil
		}
		kind := gmail.Classify(err)
		metrics.ProviderCallsTotal.WithLabelValues(op, kind.String()).Inc()

		switch kind {
		case gmail.KindPermanent:
			return &Error{Op: op, Attempts: attempt, Kind: kind, Err: err}
		case gmail.KindRateLimited:
			d.Quota.Throttle()
			metrics.QuotaThrottlesTotal.Inc()
		case gmail.KindNotDispatched:
			d.Quota.Release(res)
		}

		delay, ok := backoff.Next()
		if !ok {
			return &Error{Op: op, Attempts: attempt, Kind: kind, Exhausted: true, Err: err}
		}
		metrics.ProviderRetriesTotal.WithLabelValues(op).Inc()
		d.Logger.Warn("retrying gmail call", "op", op, "attempt", attempt, "kind", kind.String(), "delay", delay, "err", err)
		if err := d.Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: retry wait: %w", op, err)
		}
	}
}

// MaxCost is the largest cost a single Do may carry.
func (d *Dispatcher) MaxCost() int {
	return d.Quota.MaxCost()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
