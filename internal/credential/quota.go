package credential

import "time"

// MinuteWindow is the length of the per-minute request window.
const MinuteWindow = 60 * time.Second

// WindowStale reports whether the minute window starting at start has elapsed
// at now. A zero start is always stale.
func WindowStale(start, now time.Time) bool {
	return start.IsZero() || now.Sub(start) >= MinuteWindow
}

// Refresh rolls the minute window over when it has elapsed. It never looks at
// the daily counter and never changes State.
func Refresh(c Credential, now time.Time) Credential {
	if WindowStale(c.MinuteWindowStart, now) {
		c.RequestsThisMinute = 0
		c.MinuteWindowStart = now
	}
	return c
}
