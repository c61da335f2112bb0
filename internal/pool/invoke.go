package pool

import (
	"context"
	"fmt"
)

// CallFunc performs one provider call with the handed-out credential.
type CallFunc func(ctx context.Context, h *Handle) Outcome

// Invoke runs acquire, call and report until the call succeeds, the failure
// is not retryable or the attempt bound is used up. Each credential is tried
// at most once per Invoke.
//
// Every call that was started is reported exactly once, even when ctx is
// cancelled mid-call. A call that fails without an error code after ctx is
// done is reported as "canceled" or "timeout".
func (m *Manager) Invoke(ctx context.Context, tenantID string, call CallFunc) (Outcome, error) {
	var last Outcome
	tried := make(map[string]struct{}, m.maxAttempts)
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		h, err := m.acquire(ctx, tenantID, tried)
		if err != nil {
			return last, err
		}
		if h == nil {
			return last, ErrUnavailable
		}
		tried[h.CredentialID] = struct{}{}

		out := call(ctx, h)
		h.discard()
		if !out.OK && out.ErrorCode == "" {
			out.ErrorCode = contextCode(ctx)
		}

		dec, err := m.Report(context.WithoutCancel(ctx), h, out)
		if err != nil {
			return out, err
		}
		if out.OK {
			return out, nil
		}

		last = out
		if !dec.Retry {
			return out, fmt.Errorf("%w: code %q", ErrCallFailed, out.ErrorCode)
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		m.logger.Debug("retrying with another credential",
			"tenant_id", tenantID,
			"attempt", attempt,
			"failed", h,
			"class", string(dec.Class),
		)
	}
	return last, ErrUnavailable
}
