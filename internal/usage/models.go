package usage

import "time"

// Outcome is the result recorded for one call attempt.
type Outcome string

const (
	OutcomeOK   Outcome = "OK"
	OutcomeFail Outcome = "FAIL"
)

// Record is one append-only ledger entry describing a call attempt made
// through a pool credential.
type Record struct {
	ID           string  `json:"id"`
	CredentialID string  `json:"credential_id"`
	TenantID     string  `json:"tenant_id"`
	EndUserID    string  `json:"end_user_id,omitempty"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Outcome      Outcome `json:"outcome"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	FailureClass string `json:"failure_class,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Summary holds aggregate ledger figures for a query.
type Summary struct {
	TotalRequests    int64 `json:"total_requests"`
	SuccessCount     int64 `json:"success_count"`
	FailureCount     int64 `json:"failure_count"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	// FailuresByClass counts FAIL records per classifier class.
	FailuresByClass map[string]int64 `json:"failures_by_class,omitempty"`
}

// ModelUsage is token usage grouped by provider and model.
type ModelUsage struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// Query defines filters and pagination for ledger reads.
type Query struct {
	TenantID     string    `json:"tenant_id,omitempty"`
	CredentialID string    `json:"credential_id,omitempty"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	Cursor       string    `json:"cursor,omitempty"`
	Limit        int       `json:"limit"`
}

// DefaultLimit is the page size used when Query.Limit is unset.
const DefaultLimit = 50
