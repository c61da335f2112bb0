// Package scheduler triggers the daily quota reset at a fixed UTC time of day.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Resetter performs the reset. *pool.Manager satisfies it.
type Resetter interface {
	DailyReset(ctx context.Context) (int64, error)
}

const lockPrefix = "keypool:daily-reset:"

// LockKey names the lease for the reset of day's UTC date.
func LockKey(day time.Time) string {
	return lockPrefix + day.UTC().Format("2006-01-02")
}

// NextRun returns the first instant strictly after now that falls at the
// offset at past UTC midnight.
func NextRun(now time.Time, at time.Duration) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(at)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DailyReset runs a Resetter once a day. With a Locker, only one instance
// resets per UTC date.
type DailyReset struct {
	resetter Resetter
	at       time.Duration
	locker   Locker
	lockTTL  time.Duration
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	logger   *slog.Logger
}

// Option configures a DailyReset.
type Option func(*DailyReset)

// WithLocker coordinates instances through l. The lease for a day is held for
// ttl after a successful reset.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(d *DailyReset) {
		d.locker = l
		d.lockTTL = ttl
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(d *DailyReset) { d.now = now }
}

// WithTimer replaces time.After.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(d *DailyReset) { d.after = after }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DailyReset) { d.logger = l }
}

// New creates a DailyReset firing at the offset at past UTC midnight.
func New(r Resetter, at time.Duration, opts ...Option) *DailyReset {
	d := &DailyReset{
		resetter: r,
		at:       at,
		lockTTL:  time.Hour,
		now:      time.Now,
		after:    time.After,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is done, resetting once per day. A failed reset is
// logged and retried at the next scheduled time.
func (d *DailyReset) Run(ctx context.Context) {
	next := NextRun(d.now(), d.at)
	for {
		wait := next.Sub(d.now())
		d.logger.Info("next daily reset scheduled", "at", next, "in", wait.Round(time.Second))

		select {
		case <-ctx.Done():
			return
		case <-d.after(wait):
		}

		if _, _, err := d.run(ctx, next); err != nil {
			d.logger.Error("daily reset failed", "error", err)
		}

		// The timer may fire slightly before the wall clock reaches next.
		base := d.now()
		if base.Before(next) {
			base = next
		}
		next = NextRun(base, d.at)
	}
}

// RunOnce resets now, taking today's lease first when a Locker is set. ran
// is false when another instance already holds the lease.
func (d *DailyReset) RunOnce(ctx context.Context) (n int64, ran bool, err error) {
	return d.run(ctx, d.now())
}

func (d *DailyReset) run(ctx context.Context, day time.Time) (int64, bool, error) {
	key := LockKey(day)

	var token string
	if d.locker != nil {
		t, ok, err := d.locker.TryLock(ctx, key, d.lockTTL)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			d.logger.Info("daily reset already taken by another instance", "lock", key)
			return 0, false, nil
		}
		token = t
	}

	n, err := d.resetter.DailyReset(ctx)
	if err != nil {
		if d.locker != nil {
			if rerr := d.locker.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
				d.logger.Warn("releasing daily reset lock", "lock", key, "error", rerr)
			}
		}
		return 0, false, err
	}
	return n, true, nil
}
