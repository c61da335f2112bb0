package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/keypool/internal/credential"
	"github.com/alecgard/keypool/internal/usage"
	"github.com/google/uuid"
)

// Store implements the pool store and the ledger reader on SQLite.
//
// Timestamps are stored as Unix milliseconds. Pool reads go through the
// writer connection so acquirers always see the latest counters.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a Store on db.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const credentialColumns = `id, tenant_id, alias, provider, encrypted_secret, state,
	minute_request_cap, daily_token_cap, requests_this_minute, tokens_today,
	minute_window_start, last_used_at, failure_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (credential.Credential, error) {
	var (
		c                    credential.Credential
		state                string
		minuteCap, dailyCap  sql.NullInt64
		windowStart          int64
		lastUsed             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Alias, &c.Provider, &c.EncryptedSecret, &state,
		&minuteCap, &dailyCap, &c.RequestsThisMinute, &c.TokensToday,
		&windowStart, &lastUsed, &c.FailureCount, &createdAt, &updatedAt)
	if err != nil {
		return credential.Credential{}, err
	}

	c.State = credential.State(state)
	if minuteCap.Valid {
		c.MinuteRequestCap = credential.Int64(minuteCap.Int64)
	}
	if dailyCap.Valid {
		c.DailyTokenCap = credential.Int64(dailyCap.Int64)
	}
	c.MinuteWindowStart = fromMillis(windowStart)
	if lastUsed.Valid {
		t := fromMillis(lastUsed.Int64)
		c.LastUsedAt = &t
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// Create provisions a new active credential.
func (s *Store) Create(ctx context.Context, in credential.CreateCredentialInput) (*credential.Credential, error) {
	now := toMillis(s.now())
	row := s.db.Writer.QueryRowContext(ctx,
		`INSERT INTO provider_credentials
			(id, tenant_id, alias, provider, encrypted_secret, minute_request_cap, daily_token_cap, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+credentialColumns,
		uuid.NewString(), in.TenantID, in.Alias, in.Provider, in.EncryptedSecret,
		nullInt(in.MinuteRequestCap), nullInt(in.DailyTokenCap), now, now,
	)
	c, err := scanCredential(row)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	return &c, nil
}

// GetByID retrieves a credential by id.
func (s *Store) GetByID(ctx context.Context, id string) (*credential.Credential, error) {
	row := s.db.Writer.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials WHERE id = ?`, id)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	err := s.db.Writer.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_credentials WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return n, nil
}

// ListByTenant returns every credential of tenantID ordered by id.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]credential.Credential, error) {
	rows, err := s.db.Writer.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM provider_credentials WHERE tenant_id = ? ORDER BY id`, tenantID)
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
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE provider_credentials SET state = 'exhausted', updated_at = ?
		 WHERE id = ? AND state = 'active'
		   AND daily_token_cap IS NOT NULL AND tokens_today >= daily_token_cap`,
		toMillis(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("marking credential exhausted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking credential exhausted: %w", err)
	}
	return n == 1, nil
}

// Reserve claims a request slot in the credential's minute window with a
// single conditional UPDATE.
func (s *Store) Reserve(ctx context.Context, id string, now time.Time) (credential.Credential, bool, error) {
	staleBefore := toMillis(now.Add(-credential.MinuteWindow))
	nowMs := toMillis(now)

	row := s.db.Writer.QueryRowContext(ctx,
		`UPDATE provider_credentials SET
			requests_this_minute = CASE WHEN minute_window_start <= ? THEN 1 ELSE requests_this_minute + 1 END,
			minute_window_start  = CASE WHEN minute_window_start <= ? THEN ? ELSE minute_window_start END,
			updated_at = ?
		 WHERE id = ? AND state = 'active'
		   AND (daily_token_cap IS NULL OR tokens_today < daily_token_cap)
		   AND (minute_request_cap IS NULL OR
		        (CASE WHEN minute_window_start <= ? THEN 0 ELSE requests_this_minute END) < minute_request_cap)
		 RETURNING `+credentialColumns,
		staleBefore, staleBefore, nowMs, nowMs, id, staleBefore,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, false, nil
	}
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("reserving credential: %w", err)
	}
	return c, true, nil
}

// RecordSuccess applies a successful call and appends rec in one transaction.
func (s *Store) RecordSuccess(ctx context.Context, id string, tokens int64, now time.Time, rec usage.Record) (credential.Credential, credential.State, error) {
	nowMs := toMillis(now)
	return s.recordTx(ctx, id, rec,
		`UPDATE provider_credentials SET
			tokens_today = tokens_today + ?,
			last_used_at = ?,
			updated_at = ?,
			state = CASE WHEN state = 'active' AND daily_token_cap IS NOT NULL AND tokens_today + ? >= daily_token_cap
			             THEN 'exhausted' ELSE state END
		 WHERE id = ?
		 RETURNING `+credentialColumns,
		tokens, nowMs, nowMs, tokens, id,
	)
}

// RecordFailure applies a failed call and appends rec in one transaction.
func (s *Store) RecordFailure(ctx context.Context, id string, newState credential.State, rec usage.Record) (credential.Credential, credential.State, error) {
	target := string(newState)
	return s.recordTx(ctx, id, rec,
		`UPDATE provider_credentials SET
			failure_count = failure_count + 1,
			updated_at = ?,
			state = CASE WHEN ? = 'disabled' THEN 'disabled'
			             WHEN ? = 'exhausted' AND state = 'active' THEN 'exhausted'
			             ELSE state END
		 WHERE id = ?
		 RETURNING `+credentialColumns,
		toMillis(rec.CreatedAt), target, target, id,
	)
}

func (s *Store) recordTx(ctx context.Context, id string, rec usage.Record, update string, args ...any) (credential.Credential, credential.State, error) {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT state FROM provider_credentials WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, "", credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("reading credential state: %w", err)
	}

	c, err := scanCredential(tx.QueryRowContext(ctx, update, args...))
	if err != nil {
		return credential.Credential{}, "", fmt.Errorf("updating credential counters: %w", err)
	}

	rec.TenantID = c.TenantID
	rec.Provider = c.Provider
	if err := insertRecord(ctx, tx, rec); err != nil {
		return credential.Credential{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return credential.Credential{}, "", fmt.Errorf("commit: %w", err)
	}
	return c, credential.State(prev), nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r usage.Record) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, credential_id, tenant_id, end_user_id, provider, model, outcome,
			 prompt_tokens, completion_tokens, total_tokens,
			 error_code, error_message, failure_class, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CredentialID, r.TenantID, r.EndUserID, r.Provider, r.Model, string(r.Outcome),
		r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		r.ErrorCode, r.ErrorMessage, r.FailureClass, toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}

// ResetDaily zeroes daily counters and reactivates exhausted credentials.
// Rows already reset are not counted, so a repeated call returns 0.
func (s *Store) ResetDaily(ctx context.Context) (int64, error) {
	res, err := s.db.Writer.ExecContext(ctx,
		`UPDATE provider_credentials SET
			tokens_today = 0,
			state = CASE WHEN state = 'exhausted' THEN 'active' ELSE state END,
			updated_at = ?
		 WHERE state <> 'disabled' AND (tokens_today <> 0 OR state = 'exhausted')`,
		toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("resetting daily counters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resetting daily counters: %w", err)
	}
	return n, nil
}
