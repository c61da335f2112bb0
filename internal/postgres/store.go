// Package postgres is the multi-instance backend for credential pool state
// and the usage ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/keypool/internal/credential"
	"github.com/alecgard/keypool/internal/usage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for credential pools and the ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const credentialColumns = `id, tenant_id, alias, provider, encrypted_secret, state,
	minute_request_cap, daily_token_cap, requests_this_minute, tokens_today,
	minute_window_start, last_used_at, failure_count, created_at, updated_at`

func scanCredential(row pgx.Row) (credential.Credential, error) {
	var c credential.Credential
	var state string
	err := row.Scan(&c.ID, &c.TenantID, &c.Alias, &c.Provider, &c.EncryptedSecret, &state,
		&c.MinuteRequestCap, &c.DailyTokenCap, &c.RequestsThisMinute, &c.TokensToday,
		&c.MinuteWindowStart, &c.LastUsedAt, &c.FailureCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return credential.Credential{}, err
	}
	c.State = credential.State(state)
	// The column defaults to the epoch for never-used credentials.
	if c.MinuteWindowStart.Unix() == 0 {
		c.MinuteWindowStart = time.Time{}
	}
	return c, nil
}

// Create provisions a new active credential.
func (s *Store) Create(ctx context.Context, in credential.CreateCredentialInput) (*credential.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`INSERT INTO provider_credentials
			(id, tenant_id, alias, provider, encrypted_secret, minute_request_cap, daily_token_cap)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+credentialColumns,
		uuid.NewString(), in.TenantID, in.Alias, in.Provider, in.EncryptedSecret,
		in.MinuteRequestCap, in.DailyTokenCap,
	))
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	return &c, nil
}

// GetByID retrieves a credential by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*credential.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential by id: %w", err)
	}
	return &c, nil
}

// CountByTenant returns how many credentials tenantID owns.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM provider_credentials WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return n, nil
}

// ListByTenant returns every credential of tenantID ordered by id.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]credential.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return out, nil
}

// MarkExhausted moves an active credential at its daily cap to exhausted.
func (s *Store) MarkExhausted(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_credentials SET state = 'exhausted', updated_at = now()
		 WHERE id = $1 AND state = 'active'
		   AND daily_token_cap IS NOT NULL AND tokens_today >= daily_token_cap`, id)
	if err != nil {
		return false, fmt.Errorf("marking credential exhausted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reserve claims a request slot in the credential's minute window. The
// conditional UPDATE re-checks the caps against the committed row, so two
// concurrent reservations can never both take the last slot.
func (s *Store) Reserve(ctx context.Context, id string, now time.Time) (credential.Credential, bool, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`UPDATE provider_credentials SET
			requests_this_minute = CASE WHEN minute_window_start <= $2 THEN 1 ELSE requests_this_minute + 1 END,
			minute_window_start  = CASE WHEN minute_window_start <= $2 THEN $3 ELSE minute_window_start END,
			updated_at = $3
		 WHERE id = $1 AND state = 'active'
		   AND (daily_token_cap IS NULL OR tokens_today < daily_token_cap)
		   AND (minute_request_cap IS NULL OR
		        (CASE WHEN minute_window_start <= $2 THEN 0 ELSE requests_this_minute END) < minute_request_cap)
		 RETURNING `+credentialColumns,
		id, now.Add(-credential.MinuteWindow), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.Credential{}, false, nil
	}
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("reserving credential: %w", err)
	}
	return c, true, nil
}

// RecordSuccess applies a successful call and appends rec in one transaction.
func (s *Store) RecordSuccess(ctx context.Context, id string, tokens int64, now time.Time, rec usage.Record) (credential.Credential, credential.State, error) {
	return s.recordTx(ctx, id, rec,
		`UPDATE provider_credentials SET
			tokens_today = tokens_today + $2,
			last_used_at = $3,
			updated_at = $3,
			state = CASE WHEN state = 'active' AND daily_token_cap IS NOT NULL AND tokens_today + $2 >= daily_token_cap
			             THEN 'exhausted' ELSE state END
		 WHERE id = $1
		 RETURNING `+credentialColumns,
		id, tokens, now,
	)
}

// RecordFailure applies a failed call and appends rec in one transaction.
func (s *Store) RecordFailure(ctx context.Context, id string, newState credential.State, rec usage.Record) (credential.Credential, credential.State, error) {
	return s.recordTx(ctx, id, rec,
		`UPDATE provider_credentials SET
			failure_count = failure_count + 1,
			updated_at = $3,
			state = CASE WHEN $2::text = 'disabled' THEN 'disabled'
			             WHEN $2::text = 'exhausted' AND state = 'active' THEN 'exhausted'
			             ELSE state END
		 WHERE id = $1
		 RETURNING `+credentialColumns,
		id, string(newState), rec.CreatedAt,
	)
}

func (s *Store) recordTx(ctx context.Context, id string, rec usage.Record, update string, args ...any) (credential.Credential, credential.State, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev string
	err = tx.QueryRow(ctx,
		`SELECT state FROM provider_credentials WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return credential.Credential{}, "", credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("locking credential: %w", err)
	}

	c, err := scanCredential(tx.QueryRow(ctx, update, args...))
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("updating credential counters: %w", err)
	}

	rec.TenantID = c.TenantID
	rec.Provider = c.Provider
	_, err = tx.Exec(ctx,
		`INSERT INTO usage_records
			(id, credential_id, tenant_id, end_user_id, provider, model, outcome,
			 prompt_tokens, completion_tokens, total_tokens,
			 error_code, error_message, failure_class, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.CredentialID, rec.TenantID, rec.EndUserID, rec.Provider, rec.Model, string(rec.Outcome),
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.ErrorCode, rec.ErrorMessage, rec.FailureClass, rec.CreatedAt,
	)
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("inserting usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return credential.Credential{}, "", fmt.Errorf("commit: %w", err)
	}
	return c, credential.State(prev), nil
}

// ResetDaily zeroes daily counters and reactivates exhausted credentials.
// Rows already reset are not counted, so a repeated call returns 0.
func (s *Store) ResetDaily(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provider_credentials SET
			tokens_today = 0,
			state = CASE WHEN state = 'exhausted' THEN 'active' ELSE state END,
			updated_at = now()
		 WHERE state <> 'disabled' AND (tokens_today <> 0 OR state = 'exhausted')`)
	if err != nil {
		return 0, fmt.Errorf("resetting daily counters: %w", err)
	}
	return tag.RowsAffected(), nil
}
