// Package storage declares the persistence interfaces owned by the
// dispatcher core. Implementations live in the memory and postgres
// subpackages; nil stores default to the in-memory implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/audit"
	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/domain/security"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when a create would collide with an existing record.
var ErrExists = errors.New("record already exists")

// AccountStore persists local principals and their recovery passwords.
type AccountStore interface {
	CreateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	CreateOnetimePassword(ctx context.Context, otp account.OnetimePassword) (account.OnetimePassword, error)
	ListOnetimePasswords(ctx context.Context, username string) ([]account.OnetimePassword, error)
	MarkOnetimePasswordUsed(ctx context.Context, id string, usedAt time.Time) error
}

// APIKeyStore persists API keys with their SCRAM verifier material.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key apikey.APIKey) (apikey.APIKey, error)
	GetAPIKey(ctx context.Context, id int64) (apikey.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]apikey.APIKey, error)
	RevokeAPIKey(ctx context.Context, id int64, at time.Time) error
	DeleteAPIKey(ctx context.Context, id int64) error
}

// AuditStore appends immutable call records.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	ListAudit(ctx context.Context, limit int) ([]audit.Entry, error)
}

// JobStore persists terminal records of non-transient jobs and allocates
// monotonic job ids that survive restart.
type JobStore interface {
	NextJobID(ctx context.Context) (int64, error)
	SaveJob(ctx context.Context, rec job.Record) error
	ListJobs(ctx context.Context, limit int) ([]job.Record, error)
	PruneJobs(ctx context.Context, keep int) error
}

// SecurityStore holds the single system security row.
type SecurityStore interface {
	GetSecurity(ctx context.Context) (security.Settings, error)
	UpdateSecurity(ctx context.Context, s security.Settings) (security.Settings, error)
}
