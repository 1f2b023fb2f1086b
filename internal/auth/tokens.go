package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/naslab/middled/internal/errors"
)

// tokenEntry is the server-side state behind one opaque token. Only the root
// (non-token) credential is stored; the display chain is derived on demand.
type tokenEntry struct {
	root        Credential
	sessionID   string
	ttl         time.Duration
	lastActive  time.Time
	matchOrigin *Origin
	singleUse   bool
	attributes  map[string]any
}

// TokenStore issues and authenticates short-lived opaque tokens. Inactivity
// is measured on the monotonic clock carried by time.Time.
type TokenStore struct {
	mu      sync.Mutex
	entries map[string]*tokenEntry // keyed by sha256 hex of the token
	now     func() time.Time
}

// NewTokenStore returns an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{
		entries: make(map[string]*tokenEntry),
		now:     time.Now,
	}
}

// Generate issues a token rooted in the given credential. When matchOrigin is
// set the token only authenticates from an origin of the same transport kind
// and address as the issuing credential.
func (s *TokenStore) Generate(parent Credential, sessionID string, ttl time.Duration, attrs map[string]any, matchOrigin, singleUse bool) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	entry := &tokenEntry{
		root:       RootOf(parent),
		sessionID:  sessionID,
		ttl:        ttl,
		lastActive: s.now(),
		singleUse:  singleUse,
		attributes: attrs,
	}
	if matchOrigin {
		entry.matchOrigin = parent.Origin()
	}

	s.mu.Lock()
	s.entries[hashToken(token)] = entry
	s.mu.Unlock()
	return token, nil
}

// Authenticate resolves a presented token to a credential. Single-use tokens
// are consumed; others have their inactivity clock reset.
func (s *TokenStore) Authenticate(token string, origin *Origin) (Credential, error) {
	key := hashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, errors.AuthFailed()
	}
	if s.now().Sub(entry.lastActive) > entry.ttl {
		delete(s.entries, key)
		return nil, errors.AuthFailed()
	}
	if entry.matchOrigin != nil && !entry.matchOrigin.Matches(origin) {
		return nil, errors.AuthFailed()
	}
	if entry.singleUse {
		delete(s.entries, key)
	} else {
		entry.lastActive = s.now()
	}

	return &TokenCredential{TokenID: key[:12], Root: entry.root, PeerOrigin: origin}, nil
}

// RevokeSession destroys every token whose parent session is the given one.
// Called when a transport session closes.
func (s *TokenStore) RevokeSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.sessionID == sessionID {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// SweepExpired drops tokens past their inactivity TTL. Returns the number
// removed.
func (s *TokenStore) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if now.Sub(entry.lastActive) > entry.ttl {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
