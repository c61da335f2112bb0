package credential

import (
	"sort"
	"time"
)

// Ranking is the result of evaluating a pool at a point in time.
type Ranking struct {
	// Candidates are eligible credentials, best first.
	Candidates []Credential

	// Exhausted lists active credentials whose daily cap has been reached.
	// They are excluded from Candidates and must be marked exhausted by the
	// caller; the selector itself does not write.
	Exhausted []Credential
}

// Rank refreshes every credential in pool and orders the eligible ones by
// (RequestsThisMinute, TokensToday, LastUsedAt, ID).
func Rank(pool []Credential, now time.Time) Ranking {
	var r Ranking
	for _, c := range pool {
		c = Refresh(c, now)
		if c.State != StateActive {
			continue
		}
		if c.DailyCapReached() {
			r.Exhausted = append(r.Exhausted, c)
			continue
		}
		if c.MinuteCapReached() {
			continue
		}
		r.Candidates = append(r.Candidates, c)
	}

	sort.Slice(r.Candidates, func(i, j int) bool {
		return less(r.Candidates[i], r.Candidates[j])
	})
	return r
}

// Select returns the single best candidate, or false when the pool has no
// capacity right now.
func Select(pool []Credential, now time.Time) (Credential, bool) {
	r := Rank(pool, now)
	if len(r.Candidates) == 0 {
		return Credential{}, false
	}
	return r.Candidates[0], true
}

func less(a, b Credential) bool {
	if a.RequestsThisMinute != b.RequestsThisMinute {
		return a.RequestsThisMinute < b.RequestsThisMinute
	}
	if a.TokensToday != b.TokensToday {
		return a.TokensToday < b.TokensToday
	}
	at, bt := lastUsed(a), lastUsed(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

// lastUsed maps a never-used credential to the zero time so it sorts first.
func lastUsed(c Credential) time.Time {
	if c.LastUsedAt == nil {
		return time.Time{}
	}
	return *c.LastUsedAt
}
