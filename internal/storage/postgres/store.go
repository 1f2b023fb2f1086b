// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/audit"
	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/domain/security"
	"github.com/naslab/middled/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.APIKeyStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.SecurityStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects, verifies reachability and applies migrations.
func Open(dsn string) (*Store, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return New(db), db, nil
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	rolesJSON, err := json.Marshal(acct.Roles)
	if err != nil {
		return account.Account{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, username, full_name, password_hash, totp_secret, roles,
			locked, disabled, expires_at, failed_logins, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, acct.ID, acct.Username, acct.FullName, acct.PasswordHash, acct.TOTPSecret, rolesJSON,
		acct.Locked, acct.Disabled, acct.ExpiresAt, acct.FailedLogins, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return account.Account{}, storage.ErrExists
		}
		return account.Account{}, err
	}
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	acct.UpdatedAt = time.Now().UTC()
	rolesJSON, err := json.Marshal(acct.Roles)
	if err != nil {
		return account.Account{}, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET full_name = $2, password_hash = $3, totp_secret = $4, roles = $5,
			locked = $6, disabled = $7, expires_at = $8, failed_logins = $9, updated_at = $10
		WHERE username = $1
	`, acct.Username, acct.FullName, acct.PasswordHash, acct.TOTPSecret, rolesJSON,
		acct.Locked, acct.Disabled, acct.ExpiresAt, acct.FailedLogins, acct.UpdatedAt)
	if err != nil {
		return account.Account{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (account.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, password_hash, totp_secret, roles,
			locked, disabled, expires_at, failed_logins, created_at, updated_at
		FROM accounts
		WHERE username = $1
	`, username)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, password_hash, totp_secret, roles,
			locked, disabled, expires_at, failed_logins, created_at, updated_at
		FROM accounts
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (account.Account, error) {
	var (
		acct     account.Account
		rolesRaw []byte
	)
	err := row.Scan(&acct.ID, &acct.Username, &acct.FullName, &acct.PasswordHash,
		&acct.TOTPSecret, &rolesRaw, &acct.Locked, &acct.Disabled, &acct.ExpiresAt,
		&acct.FailedLogins, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return account.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return account.Account{}, err
	}
	if len(rolesRaw) > 0 {
		_ = json.Unmarshal(rolesRaw, &acct.Roles)
	}
	return acct, nil
}

func (s *Store) CreateOnetimePassword(ctx context.Context, otp account.OnetimePassword) (account.OnetimePassword, error) {
	if otp.ID == "" {
		otp.ID = uuid.NewString()
	}
	otp.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO onetime_passwords (id, username, hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, otp.ID, otp.Username, otp.Hash, otp.CreatedAt, otp.ExpiresAt)
	if err != nil {
		return account.OnetimePassword{}, err
	}
	return otp, nil
}

func (s *Store) ListOnetimePasswords(ctx context.Context, username string) ([]account.OnetimePassword, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, hash, created_at, expires_at, used_at
		FROM onetime_passwords
		WHERE username = $1
	`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.OnetimePassword
	for rows.Next() {
		var otp account.OnetimePassword
		if err := rows.Scan(&otp.ID, &otp.Username, &otp.Hash, &otp.CreatedAt, &otp.ExpiresAt, &otp.UsedAt); err != nil {
			return nil, err
		}
		out = append(out, otp)
	}
	return out, rows.Err()
}

func (s *Store) MarkOnetimePasswordUsed(ctx context.Context, id string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE onetime_passwords SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, usedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- APIKeyStore ------------------------------------------------------------

func (s *Store) CreateAPIKey(ctx context.Context, key apikey.APIKey) (apikey.APIKey, error) {
	key.CreatedAt = time.Now().UTC()
	allowJSON, err := json.Marshal(key.AllowList)
	if err != nil {
		return apikey.APIKey{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, username, salt, iterations, stored_key, server_key, created_at, expires_at, allow_list)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, key.Name, key.Username, key.Salt, key.Iterations, key.StoredKey, key.ServerKey,
		key.CreatedAt, key.ExpiresAt, allowJSON).Scan(&key.ID)
	if err != nil {
		return apikey.APIKey{}, err
	}
	return key, nil
}

func (s *Store) GetAPIKey(ctx context.Context, id int64) (apikey.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, username, salt, iterations, stored_key, server_key, created_at, expires_at, revoked_at, allow_list
		FROM api_keys
		WHERE id = $1
	`, id)

	key, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return apikey.APIKey{}, storage.ErrNotFound
	}
	if err != nil {
		return apikey.APIKey{}, err
	}
	return key, nil
}

func scanAPIKey(row rowScanner) (apikey.APIKey, error) {
	var (
		key      apikey.APIKey
		allowRaw []byte
	)
	err := row.Scan(&key.ID, &key.Name, &key.Username, &key.Salt, &key.Iterations,
		&key.StoredKey, &key.ServerKey, &key.CreatedAt, &key.ExpiresAt, &key.RevokedAt, &allowRaw)
	if err != nil {
		return apikey.APIKey{}, err
	}
	if len(allowRaw) > 0 {
		_ = json.Unmarshal(allowRaw, &key.AllowList)
	}
	return key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]apikey.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, username, salt, iterations, stored_key, server_key, created_at, expires_at, revoked_at, allow_list
		FROM api_keys
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []apikey.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- AuditStore -------------------------------------------------------------

func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	argsJSON, err := json.Marshal(entry.Args)
	if err != nil {
		return audit.Entry{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO audit (ts, session_id, principal, origin, method, description, args, outcome, error_code, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, entry.Timestamp, entry.SessionID, entry.Principal, entry.Origin, entry.Method,
		entry.Description, argsJSON, string(entry.Outcome), entry.ErrorCode,
		entry.Duration.Nanoseconds()).Scan(&entry.ID)
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, session_id, principal, origin, method, description, args, outcome, error_code, duration_ns
		FROM audit
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			entry      audit.Entry
			argsRaw    []byte
			outcome    string
			durationNS int64
		)
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.SessionID, &entry.Principal,
			&entry.Origin, &entry.Method, &entry.Description, &argsRaw, &outcome,
			&entry.ErrorCode, &durationNS); err != nil {
			return nil, err
		}
		entry.Outcome = audit.Outcome(outcome)
		entry.Duration = time.Duration(durationNS)
		if len(argsRaw) > 0 {
			_ = json.Unmarshal(argsRaw, &entry.Args)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// --- JobStore ---------------------------------------------------------------

func (s *Store) NextJobID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('job_id_seq')`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) SaveJob(ctx context.Context, rec job.Record) error {
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return err
	}
	progressJSON, err := json.Marshal(rec.Progress)
	if err != nil {
		return err
	}
	var resultJSON, errorJSON []byte
	if rec.Result != nil {
		if resultJSON, err = json.Marshal(rec.Result); err != nil {
			return err
		}
	}
	if rec.Error != nil {
		if errorJSON, err = json.Marshal(rec.Error); err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, method, args, credential, state, progress, result, error, queued_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state, progress = EXCLUDED.progress,
			result = EXCLUDED.result, error = EXCLUDED.error,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at
	`, rec.ID, rec.Method, argsJSON, rec.Credential, string(rec.State), progressJSON,
		nullableJSON(resultJSON), nullableJSON(errorJSON), rec.QueuedAt, rec.StartedAt, rec.FinishedAt)
	return err
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]job.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, method, args, credential, state, progress, result, error, queued_at, started_at, finished_at
		FROM jobs
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		var (
			rec         job.Record
			state       string
			argsRaw     []byte
			progressRaw []byte
			resultRaw   []byte
			errorRaw    []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Method, &argsRaw, &rec.Credential, &state,
			&progressRaw, &resultRaw, &errorRaw, &rec.QueuedAt, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.State = job.State(state)
		if len(argsRaw) > 0 {
			_ = json.Unmarshal(argsRaw, &rec.Args)
		}
		if len(progressRaw) > 0 {
			_ = json.Unmarshal(progressRaw, &rec.Progress)
		}
		if len(resultRaw) > 0 {
			_ = json.Unmarshal(resultRaw, &rec.Result)
		}
		if len(errorRaw) > 0 {
			rec.Error = &job.Error{}
			_ = json.Unmarshal(errorRaw, rec.Error)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PruneJobs(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id NOT IN (SELECT id FROM jobs ORDER BY id DESC LIMIT $1)
	`, keep)
	return err
}

// --- SecurityStore ----------------------------------------------------------

func (s *Store) GetSecurity(ctx context.Context) (security.Settings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT assurance_level, max_login_attempts, token_ttl_seconds
		FROM system_security
		WHERE id = 1
	`)
	var (
		sec   security.Settings
		level string
	)
	err := row.Scan(&level, &sec.MaxLoginAttempts, &sec.TokenTTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return security.Defaults(), nil
	}
	if err != nil {
		return security.Settings{}, err
	}
	sec.AssuranceLevel = security.AssuranceLevel(level)
	return sec, nil
}

func (s *Store) UpdateSecurity(ctx context.Context, sec security.Settings) (security.Settings, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_security (id, assurance_level, max_login_attempts, token_ttl_seconds)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET assurance_level = EXCLUDED.assurance_level,
			max_login_attempts = EXCLUDED.max_login_attempts,
			token_ttl_seconds = EXCLUDED.token_ttl_seconds
	`, string(sec.AssuranceLevel), sec.MaxLoginAttempts, sec.TokenTTLSeconds)
	if err != nil {
		return security.Settings{}, err
	}
	return sec, nil
}
