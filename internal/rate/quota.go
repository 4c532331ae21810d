// Package rate enforces the Gmail per-user quota: a short sliding window of
// quota units plus a daily cap.
package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrQuotaExhausted means the daily cap would be exceeded; waiting will not
	// help until the UTC day rolls over.
	ErrQuotaExhausted = errors.New("daily quota exhausted")
	// ErrCostExceedsWindow means a single request costs more than the short
	// window can ever admit.
	ErrCostExceedsWindow = errors.New("request cost exceeds quota window")
)

// Clock abstracts time so tests can drive the limiter.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Config sizes the limiter. Gmail allows 250 units per user per second.
type Config struct {
	Limit        int
	Window       time.Duration
	Daily        int64
	ThrottleStep int
	RecoverAfter time.Duration
}

// DefaultConfig returns the documented Gmail per-user limits with no daily cap.
func DefaultConfig() Config {
	return Config{
		Limit:        250,
		Window:       time.Second,
		ThrottleStep: 50,
		RecoverAfter: 10 * time.Second,
	}
}

// Snapshot is a point-in-time view of quota usage.
type Snapshot struct {
	Limit          int
	EffectiveLimit int
	WindowUsed     int
	DailyUsed      int64
	DailyLimit     int64
	Day            time.Time
}

type reservation struct {
	seq  uint64
	at   time.Time
	cost int
}

// Quota hands out quota units in FIFO order. One Quota is shared by every
// component that talks to the provider.
type Quota struct {
	cfg   Config
	clock Clock

	mu           sync.Mutex
	reservations []reservation
	seq          uint64
	last         time.Time
	effective    int
	lastThrottle time.Time
	day          time.Time
	dailyUsed    int64
}

// New builds a Quota. A nil clock means the wall clock.
func New(cfg Config, clock Clock) *Quota {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ThrottleStep <= 0 {
		cfg.ThrottleStep = max(1, cfg.Limit/5)
	}
	if cfg.RecoverAfter <= 0 {
		cfg.RecoverAfter = def.RecoverAfter
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Quota{cfg: cfg, clock: clock, effective: cfg.Limit}
}

// Reservation is a grant handed out by Acquire. Pass it back to Release when
// the request it paid for never reached the provider.
type Reservation struct {
	At   time.Time
	Cost int

	seq uint64
	day time.Time
}

// Acquire reserves cost units and blocks until they may be spent. Cancellation
// while waiting returns the units.
func (q *Quota) Acquire(ctx context.Context, cost int) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, fmt.Errorf("acquire quota: %w", err)
	}
	if cost <= 0 {
		return Reservation{At: q.clock.Now()}, nil
	}

	q.mu.Lock()
	now := q.clock.Now()
	q.maintain(now)
	if cost > q.cfg.Limit {
		q.mu.Unlock()
		return Reservation{}, fmt.Errorf("%w: cost %d, window %d", ErrCostExceedsWindow, cost, q.cfg.Limit)
	}
	if q.cfg.Daily > 0 && q.dailyUsed+int64(cost) > q.cfg.Daily {
		used := q.dailyUsed
		q.mu.Unlock()
		return Reservation{}, fmt.Errorf("%w: %d of %d units used", ErrQuotaExhausted, used, q.cfg.Daily)
	}
	at := q.slot(now, cost)
	q.seq++
	res := Reservation{At: at, Cost: cost, seq: q.seq, day: q.day}
	q.reservations = append(q.reservations, reservation{seq: res.seq, at: at, cost: cost})
	q.last = at
	q.dailyUsed += int64(cost)
	q.mu.Unlock()

	wait := at.Sub(now)
	if wait <= 0 {
		return res, nil
	}
	select {
	case <-q.clock.After(wait):
		return res, nil
	case <-ctx.Done():
		q.Release(res)
		return Reservation{}, fmt.Errorf("acquire quota: %w", ctx.Err())
	}
}

// MaxCost is the largest cost a single Acquire can ever be granted.
func (q *Quota) MaxCost() int {
	return q.cfg.Limit
}

// slot finds the earliest time at or after the last reservation at which cost
// fits the short window. An empty window admits any cost up to Limit, so a
// throttled limit never deadlocks a large request.
func (q *Quota) slot(now time.Time, cost int) time.Time {
	t := now
	if q.last.After(t) {
		t = q.last
	}
	i := 0
	for {
		for i < len(q.reservations) && !q.reservations[i].at.After(t.Add(-q.cfg.Window)) {
			i++
		}
		used := 0
		for _, r := range q.reservations[i:] {
			used += r.cost
		}
		if used == 0 || used+cost <= q.effective {
			return t
		}
		t = q.reservations[i].at.Add(q.cfg.Window)
	}
}

// maintain drops reservations that left the window, handles the UTC day
// rollover and recovers throttled capacity. Callers hold mu.
func (q *Quota) maintain(now time.Time) {
	cutoff := now.Add(-q.cfg.Window)
	n := 0
	for n < len(q.reservations) && !q.reservations[n].at.After(cutoff) {
		n++
	}
	if n > 0 {
		q.reservations = append(q.reservations[:0], q.reservations[n:]...)
	}

	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(q.day) {
		q.day = day
		q.dailyUsed = 0
	}

	if q.effective < q.cfg.Limit && !q.lastThrottle.IsZero() {
		steps := int(now.Sub(q.lastThrottle) / q.cfg.RecoverAfter)
		if steps > 0 {
			q.effective = min(q.cfg.Limit, q.effective+steps*q.cfg.ThrottleStep)
			q.lastThrottle = q.lastThrottle.Add(time.Duration(steps) * q.cfg.RecoverAfter)
		}
	}
}

// Release returns the units of r, which must come from Acquire on this Quota
// and be released at most once. Only r itself is credited; other callers'
// reservations keep their slots.
func (q *Quota) Release(r Reservation) {
	if r.Cost <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maintain(q.clock.Now())
	for i, held := range q.reservations {
		if held.seq == r.seq {
			q.reservations = append(q.reservations[:i], q.reservations[i+1:]...)
			break
		}
	}
	// Units from an earlier UTC day were already forgiven by the rollover.
	if r.day.Equal(q.day) {
		q.dailyUsed = max(0, q.dailyUsed-int64(r.Cost))
	}
}

// Throttle lowers the effective window limit by one step after a provider
// rate-limit signal. Capacity recovers one step per RecoverAfter without
// further signals.
func (q *Quota) Throttle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	q.maintain(now)
	q.effective = max(q.cfg.ThrottleStep, q.effective-q.cfg.ThrottleStep)
	q.lastThrottle = now
}

// Snapshot reports current usage.
func (q *Quota) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock.Now()
	q.maintain(now)
	used := 0
	for _, r := range q.reservations {
		if !r.at.After(now) {
			used += r.cost
		}
	}
	return Snapshot{
		Limit:          q.cfg.Limit,
		EffectiveLimit: q.effective,
		WindowUsed:     used,
		DailyUsed:      q.dailyUsed,
		DailyLimit:     q.cfg.Daily,
		Day:            q.day,
	}
}
