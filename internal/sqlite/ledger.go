package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecgard/keypool/internal/usage"
)

// GetSummary returns aggregate ledger figures matching q.
func (s *Store) GetSummary(ctx context.Context, q usage.Query) (*usage.Summary, error) {
	where, args := buildWhereClause(q)

	var sum usage.Summary
	err := s.db.Reader.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'OK' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'FAIL' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0)
		 FROM usage_records`+where, args...,
	).Scan(&sum.TotalRequests, &sum.SuccessCount, &sum.FailureCount,
		&sum.PromptTokens, &sum.CompletionTokens, &sum.TotalTokens)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	classWhere := " WHERE outcome = 'FAIL'"
	if where != "" {
		classWhere = where + " AND outcome = 'FAIL'"
	}
	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT failure_class, COUNT(*) FROM usage_records`+classWhere+` GROUP BY failure_class`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying failures by class: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var class string
		var n int64
		if err := rows.Scan(&class, &n); err != nil {
			return nil, fmt.Errorf("scanning failure class row: %w", err)
		}
		if sum.FailuresByClass == nil {
			sum.FailuresByClass = make(map[string]int64)
		}
		sum.FailuresByClass[class] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating failure class rows: %w", err)
	}
	return &sum, nil
}

// UsageByModel returns token usage per provider and model for successful
// calls matching q.
func (s *Store) UsageByModel(ctx context.Context, q usage.Query) ([]usage.ModelUsage, error) {
	where, args := buildWhereClause(q)
	if where == "" {
		where = " WHERE outcome = 'OK'"
	} else {
		where += " AND outcome = 'OK'"
	}

	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT provider, model, COUNT(*),
			COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		 FROM usage_records`+where+`
		 GROUP BY provider, model
		 ORDER BY provider, model`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage by model: %w", err)
	}
	defer rows.Close()

	var out []usage.ModelUsage
	for rows.Next() {
		var u usage.ModelUsage
		if err := rows.Scan(&u.Provider, &u.Model, &u.Requests, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens); err != nil {
			return nil, fmt.Errorf("scanning model usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListRecords returns a page of ledger records matching q, newest first,
// and the cursor for the next page.
func (s *Store) ListRecords(ctx context.Context, q usage.Query) ([]*usage.Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = usage.DefaultLimit
	}

	where, args := buildWhereClause(q)

	if q.Cursor != "" {
		ts, id, err := usage.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += " (created_at < ? OR (created_at = ? AND id < ?))"
		ms := toMillis(ts)
		args = append(args, ms, ms, id)
	}

	rows, err := s.db.Reader.QueryContext(ctx,
		`SELECT id, credential_id, tenant_id, end_user_id, provider, model, outcome,
			prompt_tokens, completion_tokens, total_tokens,
			error_code, error_message, failure_class, created_at
		 FROM usage_records`+where+`
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		append(args, limit+1)...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var recs []*usage.Record
	for rows.Next() {
		var (
			r         usage.Record
			outcome   string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.CredentialID, &r.TenantID, &r.EndUserID, &r.Provider, &r.Model, &outcome,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.ErrorCode, &r.ErrorMessage, &r.FailureClass, &createdAt); err != nil {
			return nil, "", fmt.Errorf("scanning usage record row: %w", err)
		}
		r.Outcome = usage.Outcome(outcome)
		r.CreatedAt = fromMillis(createdAt)
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage record rows: %w", err)
	}

	page, next := usage.Page(recs, limit)
	return page, next, nil
}

// buildWhereClause constructs a WHERE clause and arguments from q. The
// returned string starts with " WHERE" or is empty.
func buildWhereClause(q usage.Query) (string, []any) {
	var conditions []string
	var args []any

	if q.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.CredentialID != "" {
		conditions = append(conditions, "credential_id = ?")
		args = append(args, q.CredentialID)
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, toMillis(q.From))
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, toMillis(q.To))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
