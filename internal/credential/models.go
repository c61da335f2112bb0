package credential

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a credential id does not exist.
var ErrNotFound = errors.New("credential: not found")

// State is the lifecycle state of a provider credential.
type State string

const (
	StateActive    State = "active"
	StateExhausted State = "exhausted"
	StateDisabled  State = "disabled"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateExhausted, StateDisabled:
		return true
	}
	return false
}

// Credential is one provider key in a tenant's pool together with its quota
// configuration and counters.
type Credential struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Alias    string `json:"alias"`
	Provider string `json:"provider"`

	// EncryptedSecret is the ciphertext produced by crypto.Cipher. It never
	// leaves the store layer in plaintext.
	EncryptedSecret string `json:"-"`

	State State `json:"state"`

	MinuteRequestCap *int64 `json:"minute_request_cap,omitempty"`
	DailyTokenCap    *int64 `json:"daily_token_cap,omitempty"`

	RequestsThisMinute int64      `json:"requests_this_minute"`
	TokensToday        int64      `json:"tokens_today"`
	MinuteWindowStart  time.Time  `json:"minute_window_start"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`

	FailureCount int64 `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyCapReached reports whether the daily token cap is configured and met.
func (c Credential) DailyCapReached() bool {
	return c.DailyTokenCap != nil && c.TokensToday >= *c.DailyTokenCap
}

// MinuteCapReached reports whether the per-minute request cap is configured
// and met. Callers must Refresh first.
func (c Credential) MinuteCapReached() bool {
	return c.MinuteRequestCap != nil && c.RequestsThisMinute >= *c.MinuteRequestCap
}

// CreateCredentialInput holds the fields for provisioning a credential.
type CreateCredentialInput struct {
	TenantID         string
	Alias            string
	Provider         string
	EncryptedSecret  string
	MinuteRequestCap *int64
	DailyTokenCap    *int64
}

// Int64 returns a pointer to v, for building caps in literals.
func Int64(v int64) *int64 {
	return &v
}
