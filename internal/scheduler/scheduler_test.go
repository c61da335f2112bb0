package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisLocker) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisLocker(client)
}

type fakeResetter struct {
	mu    sync.Mutex
	calls int
	err   error
	done  chan struct{}
}

func (f *fakeResetter) DailyReset(context.Context) (int64, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	if err != nil {
		return 0, err
	}
	return 3, nil
}

func (f *fakeResetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

func TestNextRun(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2026, 1, 2, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name string
		now  time.Time
		at   time.Duration
		want time.Time
	}{
		{"later today", day(1, 0), 3 * time.Hour, day(3, 0)},
		{"already passed", day(4, 0), 3 * time.Hour, day(3, 0).AddDate(0, 0, 1)},
		{"exactly at trigger", day(3, 0), 3 * time.Hour, day(3, 0).AddDate(0, 0, 1)},
		{"midnight", day(23, 59), 0, day(0, 0).AddDate(0, 0, 1)},
		{"non-UTC input", time.Date(2026, 1, 2, 1, 0, 0, 0, time.FixedZone("X", 5*3600)), 0, day(0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRun(tt.now, tt.at)
			if !got.Equal(tt.want) {
				t.Errorf("NextRun(%v, %v) = %v, want %v", tt.now, tt.at, got, tt.want)
			}
		})
	}
}

func TestLockKey(t *testing.T) {
	got := LockKey(time.Date(2026, 1, 2, 23, 30, 0, 0, time.FixedZone("X", -2*3600)))
	assert.Equal(t, "keypool:daily-reset:2026-01-03", got)
}

func TestRedisLockerExclusive(t *testing.T) {
	mr, l := setupMiniredis(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, l.Release(ctx, "k", "not-the-token"))
	assert.True(t, mr.Exists("k"))

	require.NoError(t, l.Release(ctx, "k", token))
	assert.False(t, mr.Exists("k"))

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerExpires(t *testing.T) {
	mr, l := setupMiniredis(t)
	ctx := context.Background()

	_, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockerRejectsBadInput(t *testing.T) {
	_, l := setupMiniredis(t)
	ctx := context.Background()

	_, _, err := l.TryLock(ctx, "", time.Minute)
	assert.Error(t, err)
	_, _, err = l.TryLock(ctx, "k", 0)
	assert.Error(t, err)
}

func TestRunOnceOneInstancePerDay(t *testing.T) {
	mr, l := setupMiniredis(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 5, 0, time.UTC)
	clock := WithClock(func() time.Time { return now })

	r1, r2 := &fakeResetter{}, &fakeResetter{}
	a := New(r1, 0, WithLocker(l, time.Hour), clock, quiet)
	b := New(r2, 0, WithLocker(l, time.Hour), clock, quiet)

	n, ran, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(3), n)

	_, ran, err = b.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	assert.Equal(t, 1, r1.count())
	assert.Equal(t, 0, r2.count())
	assert.True(t, mr.Exists("keypool:daily-reset:2026-01-02"))
}

func TestRunOnceReleasesLockOnFailure(t *testing.T) {
	mr, l := setupMiniredis(t)
	ctx := context.Background()

	failing := &fakeResetter{err: errors.New("db down")}
	a := New(failing, 0, WithLocker(l, time.Hour), quiet)

	_, ran, err := a.RunOnce(ctx)
	require.Error(t, err)
	assert.False(t, ran)
	assert.Empty(t, mr.Keys())

	ok := &fakeResetter{}
	b := New(ok, 0, WithLocker(l, time.Hour), quiet)
	_, ran, err = b.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, ok.count())
}

func TestRunOnceWithoutLocker(t *testing.T) {
	r := &fakeResetter{}
	d := New(r, 0, quiet)

	for i := 0; i < 2; i++ {
		_, ran, err := d.RunOnce(context.Background())
		require.NoError(t, err)
		assert.True(t, ran)
	}
	assert.Equal(t, 2, r.count())
}

func TestRunFiresOnSchedule(t *testing.T) {
	now := time.Date(2026, 1, 2, 22, 0, 0, 0, time.UTC)
	ticks := make(chan time.Time)
	var mu sync.Mutex
	var waits []time.Duration

	r := &fakeResetter{done: make(chan struct{})}
	d := New(r, 23*time.Hour,
		WithClock(func() time.Time { return now }),
		WithTimer(func(w time.Duration) <-chan time.Time {
			mu.Lock()
			waits = append(waits, w)
			mu.Unlock()
			return ticks
		}),
		quiet,
	)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 2; i++ {
		ticks <- now
		select {
		case <-r.done:
		case <-time.After(time.Second):
			t.Fatal("reset did not run after tick")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, 2, r.count())
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(waits), 2)
	assert.Equal(t, time.Hour, waits[0])
	// The clock never moved, so the second wait runs to 23:00 the next day.
	assert.Equal(t, 25*time.Hour, waits[1])
}

func TestRunEarlyTimerDoesNotRepeatDay(t *testing.T) {
	mr, locker := setupMiniredis(t)

	// The clock stays a moment short of each scheduled time.
	early := time.Date(2026, 1, 2, 22, 59, 59, 0, time.UTC)
	ticks := make(chan time.Time)
	r := &fakeResetter{done: make(chan struct{})}
	d := New(r, 23*time.Hour,
		WithClock(func() time.Time { return early }),
		WithTimer(func(time.Duration) <-chan time.Time { return ticks }),
		WithLocker(locker, time.Hour),
		quiet,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 2; i++ {
		ticks <- early
		select {
		case <-r.done:
		case <-time.After(time.Second):
			t.Fatalf("reset %d did not run", i+1)
		}
	}

	assert.Equal(t, 2, r.count())
	assert.True(t, mr.Exists(LockKey(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))))
	assert.True(t, mr.Exists(LockKey(time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))))
}

func TestRunKeepsGoingAfterFailure(t *testing.T) {
	ticks := make(chan time.Time)
	r := &fakeResetter{err: errors.New("boom"), done: make(chan struct{})}
	d := New(r, 0, WithTimer(func(time.Duration) <-chan time.Time { return ticks }), quiet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 2; i++ {
		ticks <- time.Now()
		select {
		case <-r.done:
		case <-time.After(time.Second):
			t.Fatalf("reset %d did not run", i+1)
		}
	}
	assert.Equal(t, 2, r.count())
}
