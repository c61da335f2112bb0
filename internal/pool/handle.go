package pool

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/alecgard/keypool/internal/credential"
)

// ErrHandleSpent is returned when a handle's secret is read a second time.
var ErrHandleSpent = errors.New("pool: credential handle already used")

// Handle is a one-shot capability for a single provider call. The plaintext
// secret can be read exactly once and is dropped afterwards.
type Handle struct {
	CredentialID string
	TenantID     string
	Alias        string
	Provider     string

	mu     sync.Mutex
	secret string
	spent  bool
}

func newHandle(c credential.Credential, secret string) *Handle {
	return &Handle{
		CredentialID: c.ID,
		TenantID:     c.TenantID,
		Alias:        c.Alias,
		Provider:     c.Provider,
		secret:       secret,
	}
}

// Secret returns the plaintext secret the first time it is called and
// ErrHandleSpent afterwards.
func (h *Handle) Secret() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.spent {
		return "", ErrHandleSpent
	}
	s := h.secret
	h.secret = ""
	h.spent = true
	return s, nil
}

// discard drops the secret without reading it.
func (h *Handle) discard() {
	h.mu.Lock()
	h.secret = ""
	h.spent = true
	h.mu.Unlock()
}

// LogValue keeps the secret out of structured logs.
func (h *Handle) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("credential_id", h.CredentialID),
		slog.String("tenant_id", h.TenantID),
		slog.String("alias", h.Alias),
		slog.String("provider", h.Provider),
	)
}

// String implements fmt.Stringer without exposing the secret.
func (h *Handle) String() string {
	return "credential " + h.Alias + " (" + h.CredentialID + ")"
}
