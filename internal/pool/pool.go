// Package pool hands out provider credentials from a tenant's pool, records
// the outcome of each call and runs the daily quota reset.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alecgard/keypool/internal/credential"
	"github.com/alecgard/keypool/internal/usage"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable means no credential could serve the request: the pool had
	// no capacity or every attempt failed with a retryable error.
	ErrUnavailable = errors.New("pool: temporarily unavailable")

	// ErrCallFailed wraps a provider failure the classifier does not retry.
	ErrCallFailed = errors.New("pool: provider call failed")

	// ErrNilHandle is returned by Report when given a nil handle.
	ErrNilHandle = errors.New("pool: nil handle")
)

// Store is the persistence the manager needs. Every mutating method must be
// a single atomic read-modify-write so that concurrent managers, in this
// process or others, never need an in-process lock.
type Store interface {
	// ListByTenant returns every credential owned by tenantID.
	ListByTenant(ctx context.Context, tenantID string) ([]credential.Credential, error)

	// MarkExhausted moves an active credential whose daily cap is reached to
	// exhausted. It reports whether the row changed.
	MarkExhausted(ctx context.Context, id string) (bool, error)

	// Reserve claims one request slot in the credential's current minute
	// window, rolling a stale window over first. The claim is rejected
	// (ok=false) when the credential is not active, its daily cap is reached
	// or its minute cap is full.
	Reserve(ctx context.Context, id string, now time.Time) (c credential.Credential, ok bool, err error)

	// RecordSuccess adds tokens to the daily counter, stamps last use,
	// exhausts the credential if the daily cap is reached and appends rec,
	// all in one transaction. It returns the updated row and the state it
	// had before.
	RecordSuccess(ctx context.Context, id string, tokens int64, now time.Time, rec usage.Record) (credential.Credential, credential.State, error)

	// RecordFailure bumps the failure counter, applies newState (empty for
	// no change) and appends rec in one transaction.
	RecordFailure(ctx context.Context, id string, newState credential.State, rec usage.Record) (credential.Credential, credential.State, error)

	// ResetDaily zeroes daily counters and reactivates exhausted
	// credentials, skipping disabled ones. It returns the rows changed.
	ResetDaily(ctx context.Context) (int64, error)
}

// Decrypter turns stored ciphertext into the plaintext secret.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Recorder receives pool events for metrics.
type Recorder interface {
	IncAcquire(result string)
	IncReport(outcome, class string)
	IncTransition(to string)
	AddTokens(n int64)
	ObserveDailyReset(n int64)
}

type nopRecorder struct{}

func (nopRecorder) IncAcquire(string)        {}
func (nopRecorder) IncReport(string, string) {}
func (nopRecorder) IncTransition(string)     {}
func (nopRecorder) AddTokens(int64)          {}
func (nopRecorder) ObserveDailyReset(int64)  {}

// Acquire results reported to the Recorder.
const (
	AcquireGranted   = "granted"
	AcquireNone      = "none"
	AcquireContended = "contended"
)

// DefaultMaxAttempts bounds Invoke when no option overrides it.
const DefaultMaxAttempts = 3

// Manager is safe for concurrent use.
type Manager struct {
	store       Store
	decrypter   Decrypter
	now         func() time.Time
	logger      *slog.Logger
	recorder    Recorder
	maxAttempts int
	newID       func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMaxAttempts bounds how many credentials Invoke tries per call.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithIDGenerator sets the ledger record id generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// New creates a Manager over store. d decrypts secrets handed out by Acquire.
func New(store Store, d Decrypter, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		decrypter:   d,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
		recorder:    nopRecorder{},
		maxAttempts: DefaultMaxAttempts,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire picks the best eligible credential of tenantID and claims a minute
// slot on it. It returns nil, nil when the pool has no capacity.
//
// Acquire writes in two places: it persists lazy exhaustion for credentials
// whose daily cap was found reached, and it reserves the request slot.
// A reservation rejected by a concurrent acquirer moves on to the next
// candidate.
func (m *Manager) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	return m.acquire(ctx, tenantID, nil)
}

// acquire is Acquire skipping the credential ids in exclude.
func (m *Manager) acquire(ctx context.Context, tenantID string, exclude map[string]struct{}) (*Handle, error) {
	creds, err := m.store.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	ranking := credential.Rank(creds, now)

	for _, c := range ranking.Exhausted {
		changed, err := m.store.MarkExhausted(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if changed {
			m.logTransition(c, credential.StateActive, credential.StateExhausted, "daily token cap reached")
		}
	}

	contended := false
	for _, c := range ranking.Candidates {
		if _, skip := exclude[c.ID]; skip {
			continue
		}
		reserved, ok, err := m.store.Reserve(ctx, c.ID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			contended = true
			continue
		}

		secret, err := m.decrypter.Decrypt(reserved.EncryptedSecret)
		if err != nil {
			return nil, fmt.Errorf("pool: decrypting credential %s: %w", reserved.ID, err)
		}

		m.recorder.IncAcquire(AcquireGranted)
		return newHandle(reserved, secret), nil
	}

	if contended {
		m.recorder.IncAcquire(AcquireContended)
	} else {
		m.recorder.IncAcquire(AcquireNone)
	}
	m.logger.Debug("pool has no capacity", "tenant_id", tenantID, "pool_size", len(creds), "contended", contended)
	return nil, nil
}

// Report records the outcome of a call made with h.
func (m *Manager) Report(ctx context.Context, h *Handle, out Outcome) (Decision, error) {
	if h == nil {
		return Decision{}, ErrNilHandle
	}
	return m.ReportByID(ctx, h.CredentialID, out)
}

// ReportByID records the outcome of a call made with the credential id.
// The returned Decision says whether the caller should retry with another
// credential.
func (m *Manager) ReportByID(ctx context.Context, credentialID string, out Outcome) (Decision, error) {
	out = out.normalize()
	now := m.now()

	rec := usage.Record{
		ID:               m.newID(),
		CredentialID:     credentialID,
		EndUserID:        out.EndUserID,
		Model:            out.Model,
		PromptTokens:     out.PromptTokens,
		CompletionTokens: out.CompletionTokens,
		TotalTokens:      out.TotalTokens,
		CreatedAt:        now,
	}

	if out.OK {
		rec.Outcome = usage.OutcomeOK
		c, prev, err := m.store.RecordSuccess(ctx, credentialID, out.TotalTokens, now, rec)
		if err != nil {
			return Decision{}, err
		}
		m.recorder.IncReport(string(usage.OutcomeOK), "")
		m.recorder.AddTokens(out.TotalTokens)
		if prev != c.State {
			m.logTransition(c, prev, c.State, "daily token cap reached")
		}
		return Decision{State: c.State}, nil
	}

	verdict := credential.Classify(out.ErrorCode)
	rec.Outcome = usage.OutcomeFail
	rec.ErrorCode = out.ErrorCode
	rec.ErrorMessage = out.ErrorMessage
	rec.FailureClass = string(verdict.Class)

	c, prev, err := m.store.RecordFailure(ctx, credentialID, verdict.NewState, rec)
	if err != nil {
		return Decision{}, err
	}
	m.recorder.IncReport(string(usage.OutcomeFail), string(verdict.Class))

	if verdict.Class == credential.ClassUnknown {
		m.logger.Warn("unclassified provider failure",
			"credential_id", c.ID,
			"tenant_id", c.TenantID,
			"error_code", out.ErrorCode,
			"error", out.ErrorMessage,
		)
	}
	if prev != c.State {
		m.logTransition(c, prev, c.State, string(verdict.Class)+" failure "+out.ErrorCode)
	}

	return Decision{Retry: verdict.Retry, Class: verdict.Class, State: c.State}, nil
}

// DailyReset zeroes every daily token counter and reactivates exhausted
// credentials. Disabled credentials are left alone. It is idempotent and
// returns how many credentials it changed.
func (m *Manager) DailyReset(ctx context.Context) (int64, error) {
	n, err := m.store.ResetDaily(ctx)
	if err != nil {
		return 0, err
	}
	m.recorder.ObserveDailyReset(n)
	m.logger.Info("daily quota reset", "credentials", n)
	return n, nil
}

func (m *Manager) logTransition(c credential.Credential, from, to credential.State, reason string) {
	m.recorder.IncTransition(string(to))

	level := slog.LevelInfo
	if to == credential.StateDisabled {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "credential state changed",
		"credential_id", c.ID,
		"tenant_id", c.TenantID,
		"alias", c.Alias,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
}
