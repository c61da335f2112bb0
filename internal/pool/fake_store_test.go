package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/keypool/internal/credential"
	"github.com/alecgard/keypool/internal/usage"
)

// fakeStore is an in-memory Store with the same conditional semantics as the
// SQL stores.
type fakeStore struct {
	mu      sync.Mutex
	creds   map[string]*credential.Credential
	records []usage.Record

	// err, when set, is returned by every method.
	err error
}

func newFakeStore(creds ...credential.Credential) *fakeStore {
	s := &fakeStore{creds: make(map[string]*credential.Credential)}
	for i := range creds {
		c := creds[i]
		if c.State == "" {
			c.State = credential.StateActive
		}
		s.creds[c.ID] = &c
	}
	return s
}

func (s *fakeStore) get(id string) credential.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.creds[id]
}

func (s *fakeStore) ListByTenant(_ context.Context, tenantID string) ([]credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []credential.Credential
	for _, c := range s.creds {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) MarkExhausted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	c, ok := s.creds[id]
	if !ok || c.State != credential.StateActive || !c.DailyCapReached() {
		return false, nil
	}
	c.State = credential.StateExhausted
	return true, nil
}

func (s *fakeStore) Reserve(_ context.Context, id string, now time.Time) (credential.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return credential.Credential{}, false, s.err
	}
	c, ok := s.creds[id]
	if !ok || c.State != credential.StateActive || c.DailyCapReached() {
		return credential.Credential{}, false, nil
	}
	r := credential.Refresh(*c, now)
	if r.MinuteCapReached() {
		return credential.Credential{}, false, nil
	}
	r.RequestsThisMinute++
	*c = r
	return r, true, nil
}

func (s *fakeStore) RecordSuccess(_ context.Context, id string, tokens int64, now time.Time, rec usage.Record) (credential.Credential, credential.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return credential.Credential{}, "", s.err
	}
	c, ok := s.creds[id]
	if !ok {
		return credential.Credential{}, "", credential.ErrNotFound
	}
	prev := c.State
	c.TokensToday += tokens
	c.LastUsedAt = &now
	if c.State == credential.StateActive && c.DailyCapReached() {
		c.State = credential.StateExhausted
	}
	rec.TenantID, rec.Provider = c.TenantID, c.Provider
	s.records = append(s.records, rec)
	return *c, prev, nil
}

func (s *fakeStore) RecordFailure(_ context.Context, id string, newState credential.State, rec usage.Record) (credential.Credential, credential.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return credential.Credential{}, "", s.err
	}
	c, ok := s.creds[id]
	if !ok {
		return credential.Credential{}, "", credential.ErrNotFound
	}
	prev := c.State
	c.FailureCount++
	switch {
	case newState == credential.StateDisabled:
		c.State = credential.StateDisabled
	case newState == credential.StateExhausted && c.State == credential.StateActive:
		c.State = credential.StateExhausted
	}
	rec.TenantID, rec.Provider = c.TenantID, c.Provider
	s.records = append(s.records, rec)
	return *c, prev, nil
}

func (s *fakeStore) ResetDaily(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	var n int64
	for _, c := range s.creds {
		if c.State == credential.StateDisabled {
			continue
		}
		if c.TokensToday == 0 && c.State != credential.StateExhausted {
			continue
		}
		c.TokensToday = 0
		c.State = credential.StateActive
		n++
	}
	return n, nil
}

// recordingRecorder captures Recorder calls.
type recordingRecorder struct {
	mu          sync.Mutex
	acquires    map[string]int
	reports     map[string]int
	transitions map[string]int
	tokens      int64
	resets      []int64
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		acquires:    make(map[string]int),
		reports:     make(map[string]int),
		transitions: make(map[string]int),
	}
}

func (r *recordingRecorder) IncAcquire(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquires[result]++
}

func (r *recordingRecorder) IncReport(outcome, class string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[outcome+"/"+class]++
}

func (r *recordingRecorder) IncTransition(to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[to]++
}

func (r *recordingRecorder) AddTokens(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens += n
}

func (r *recordingRecorder) ObserveDailyReset(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets = append(r.resets, n)
}

// passthrough treats ciphertext as plaintext.
type passthrough struct{}

func (passthrough) Decrypt(s string) (string, error) { return s, nil }

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
