package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/alecgard/keypool/internal/credential"
)

func TestInvokeRetriesOnAnotherCredential(t *testing.T) {
	s := newFakeStore(cred("a"), cred("b"))
	m := newTestManager(s, newFakeClock(t0))

	var used []string
	out, err := m.Invoke(context.Background(), "tenant-1", func(_ context.Context, h *Handle) Outcome {
		used = append(used, h.CredentialID)
		if h.CredentialID == "a" {
			return Failed("gpt-4o", "429", "slow down")
		}
		return Succeeded("gpt-4o", 3, 4)
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !out.OK {
		t.Errorf("unexpected outcome %+v", out)
	}
	if len(used) != 2 || used[0] != "a" || used[1] != "b" {
		t.Errorf("credentials used = %v, want [a b]", used)
	}
	if len(s.records) != 2 {
		t.Errorf("ledger has %d records, want 2", len(s.records))
	}
	if got := s.get("b").TokensToday; got != 7 {
		t.Errorf("TokensToday = %d, want 7", got)
	}
}

func TestInvokeUnavailable(t *testing.T) {
	m := newTestManager(newFakeStore(), newFakeClock(t0))

	called := false
	_, err := m.Invoke(context.Background(), "tenant-1", func(context.Context, *Handle) Outcome {
		called = true
		return Succeeded("", 0, 0)
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if called {
		t.Error("call ran without a credential")
	}
}

func TestInvokeUnknownFailureNotRetried(t *testing.T) {
	s := newFakeStore(cred("a"), cred("b"))
	m := newTestManager(s, newFakeClock(t0))

	calls := 0
	out, err := m.Invoke(context.Background(), "tenant-1", func(context.Context, *Handle) Outcome {
		calls++
		return Failed("gpt-4o", "content_filter", "blocked")
	})
	if !errors.Is(err, ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if out.ErrorCode != "content_filter" {
		t.Errorf("ErrorCode = %q", out.ErrorCode)
	}
}

func TestInvokeAttemptBound(t *testing.T) {
	s := newFakeStore(cred("a"), cred("b"), cred("c"))
	m := newTestManager(s, newFakeClock(t0), WithMaxAttempts(2))

	calls := 0
	_, err := m.Invoke(context.Background(), "tenant-1", func(context.Context, *Handle) Outcome {
		calls++
		return Failed("gpt-4o", "503", "upstream down")
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(s.records) != 2 {
		t.Errorf("ledger has %d records, want 2", len(s.records))
	}
}

func TestInvokeAuthFailureDisablesAndMovesOn(t *testing.T) {
	s := newFakeStore(cred("a"), cred("b"))
	m := newTestManager(s, newFakeClock(t0))

	_, err := m.Invoke(context.Background(), "tenant-1", func(_ context.Context, h *Handle) Outcome {
		if h.CredentialID == "a" {
			return Failed("", "401", "revoked")
		}
		return Succeeded("", 1, 1)
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := s.get("a").State; got != credential.StateDisabled {
		t.Errorf("state of a = %q, want disabled", got)
	}
}

func TestInvokeCancelledCallReportedOnce(t *testing.T) {
	s := newFakeStore(cred("a"), cred("b"))
	m := newTestManager(s, newFakeClock(t0))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := m.Invoke(ctx, "tenant-1", func(ctx context.Context, _ *Handle) Outcome {
		calls++
		cancel()
		<-ctx.Done()
		return Outcome{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(s.records) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(s.records))
	}
	if s.records[0].ErrorCode != "canceled" {
		t.Errorf("ErrorCode = %q, want canceled", s.records[0].ErrorCode)
	}
}

func TestInvokeSecretDroppedAfterCall(t *testing.T) {
	m := newTestManager(newFakeStore(cred("a")), newFakeClock(t0))

	var kept *Handle
	_, err := m.Invoke(context.Background(), "tenant-1", func(_ context.Context, h *Handle) Outcome {
		kept = h
		if _, err := h.Secret(); err != nil {
			t.Errorf("Secret: %v", err)
		}
		return Succeeded("", 1, 0)
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, err := kept.Secret(); !errors.Is(err, ErrHandleSpent) {
		t.Errorf("expected ErrHandleSpent after Invoke, got %v", err)
	}
}

func TestInvokeTriesEachCredentialOnce(t *testing.T) {
	tests := []struct {
		name string
		pool []credential.Credential
		want []string
	}{
		{name: "single credential", pool: []credential.Credential{cred("a")}, want: []string{"a"}},
		{name: "two credentials", pool: []credential.Credential{cred("a"), cred("b")}, want: []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newFakeStore(tt.pool...)
			m := newTestManager(s, newFakeClock(t0))

			var used []string
			_, err := m.Invoke(context.Background(), "tenant-1", func(_ context.Context, h *Handle) Outcome {
				used = append(used, h.CredentialID)
				return Failed("gpt-4o", "429", "slow down")
			})
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
			if len(used) != len(tt.want) {
				t.Fatalf("credentials used = %v, want %v", used, tt.want)
			}
			for i := range used {
				if used[i] != tt.want[i] {
					t.Fatalf("credentials used = %v, want %v", used, tt.want)
				}
			}
		})
	}
}
