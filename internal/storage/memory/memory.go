// Package memory provides an in-memory implementation of every storage
// interface. It backs tests and the default single-node development setup.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/audit"
	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/domain/security"
	"github.com/naslab/middled/internal/storage"
)

// Store implements the storage interfaces in memory.
type Store struct {
	mu sync.RWMutex

	accounts map[string]account.Account // keyed by username
	onetime  map[string]account.OnetimePassword
	apiKeys  map[int64]apikey.APIKey
	auditLog []audit.Entry
	jobs     []job.Record
	sec      security.Settings

	nextAPIKeyID int64
	nextAuditID  int64
	nextJobID    int64
}

var _ storage.AccountStore = (*Store)(nil)
var _ storage.APIKeyStore = (*Store)(nil)
var _ storage.AuditStore = (*Store)(nil)
var _ storage.JobStore = (*Store)(nil)
var _ storage.SecurityStore = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]account.Account),
		onetime:  make(map[string]account.OnetimePassword),
		apiKeys:  make(map[int64]apikey.APIKey),
		sec:      security.Defaults(),
	}
}

// --- AccountStore -----------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[acct.Username]; exists {
		return account.Account{}, storage.ErrExists
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	s.accounts[acct.Username] = acct
	return acct, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.accounts[acct.Username]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	acct.ID = existing.ID
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.accounts[acct.Username] = acct
	return acct, nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]account.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for username, acct := range s.accounts {
		if acct.ID == id {
			delete(s.accounts, username)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) CreateOnetimePassword(ctx context.Context, otp account.OnetimePassword) (account.OnetimePassword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if otp.ID == "" {
		otp.ID = uuid.NewString()
	}
	otp.CreatedAt = time.Now().UTC()
	s.onetime[otp.ID] = otp
	return otp, nil
}

func (s *Store) ListOnetimePasswords(ctx context.Context, username string) ([]account.OnetimePassword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []account.OnetimePassword
	for _, otp := range s.onetime {
		if otp.Username == username {
			out = append(out, otp)
		}
	}
	return out, nil
}

func (s *Store) MarkOnetimePasswordUsed(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	otp, ok := s.onetime[id]
	if !ok {
		return storage.ErrNotFound
	}
	otp.UsedAt = &usedAt
	s.onetime[id] = otp
	return nil
}

// --- APIKeyStore ------------------------------------------------------------

func (s *Store) CreateAPIKey(ctx context.Context, key apikey.APIKey) (apikey.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAPIKeyID++
	key.ID = s.nextAPIKeyID
	key.CreatedAt = time.Now().UTC()
	s.apiKeys[key.ID] = key
	return key, nil
}

func (s *Store) GetAPIKey(ctx context.Context, id int64) (apikey.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return apikey.APIKey{}, storage.ErrNotFound
	}
	return key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]apikey.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apikey.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrNotFound
	}
	key.RevokedAt = &at
	s.apiKeys[id] = key
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.apiKeys, id)
	return nil
}

// --- AuditStore -------------------------------------------------------------

func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	entry.ID = s.nextAuditID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.auditLog = append(s.auditLog, entry)
	return entry, nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.auditLog)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]audit.Entry, n)
	copy(out, s.auditLog[len(s.auditLog)-n:])
	return out, nil
}

// --- JobStore ---------------------------------------------------------------

func (s *Store) NextJobID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	return s.nextJobID, nil
}

func (s *Store) SaveJob(ctx context.Context, rec job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == rec.ID {
			s.jobs[i] = rec
			return nil
		}
	}
	s.jobs = append(s.jobs, rec)
	return nil
}

func (s *Store) ListJobs(ctx context.Context, limit int) ([]job.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.jobs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]job.Record, n)
	copy(out, s.jobs[len(s.jobs)-n:])
	return out, nil
}

func (s *Store) PruneJobs(ctx context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep >= 0 && len(s.jobs) > keep {
		s.jobs = append([]job.Record(nil), s.jobs[len(s.jobs)-keep:]...)
	}
	return nil
}

// --- SecurityStore ----------------------------------------------------------

func (s *Store) GetSecurity(ctx context.Context) (security.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sec, nil
}

func (s *Store) UpdateSecurity(ctx context.Context, sec security.Settings) (security.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sec = sec
	return s.sec, nil
}
