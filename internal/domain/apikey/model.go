package apikey

import (
	"strings"
	"time"
)

// APIKey is an opaque bearer credential hashed at rest. The SCRAM verifier
// fields allow challenge-response authentication without ever storing the
// plaintext key.
type APIKey struct {
	ID         int64
	Name       string
	Username   string
	Salt       []byte
	Iterations int
	StoredKey  []byte // H(HMAC(saltedKey, "Client Key"))
	ServerKey  []byte // HMAC(saltedKey, "Server Key")
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time

	// AllowList restricts which methods the key may call. Entries are exact
	// method names, "service.*" prefixes or "*". Empty means unrestricted.
	AllowList []string
}

// Allows reports whether the key may call the named method.
func (k APIKey) Allows(method string) bool {
	if len(k.AllowList) == 0 {
		return true
	}
	for _, pattern := range k.AllowList {
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, ".*"):
			if strings.HasPrefix(method, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		case pattern == method:
			return true
		}
	}
	return false
}

// Usable reports whether the key may authenticate at the given instant.
func (k APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// Expired reports whether the key has passed its expiry.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
