// Package auth implements authentication and authorization for the
// dispatcher: credential variants, the login state machine, token issuance
// and the role inclusion graph.
package auth

import (
	"fmt"

	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/security"
)

// Mechanism names accepted by LoginEx.
const (
	MechanismPassword  = "PASSWORD_PLAIN"
	MechanismOTPToken  = "OTP_TOKEN"
	MechanismOnetime   = "ONETIME_PASSWORD"
	MechanismAPIKey    = "API_KEY_PLAIN"
	MechanismToken     = "TOKEN_PLAIN"
	MechanismSCRAM     = "SCRAM"
)

// Transport kinds recorded in an origin.
const (
	TransportWebSocket  = "websocket"
	TransportREST       = "rest"
	TransportUnixSocket = "unix"
)

// Origin describes where a connection came from.
type Origin struct {
	Transport string `json:"transport"`
	Address   string `json:"address"`
	Port      int    `json:"port,omitempty"`
}

func (o *Origin) String() string {
	if o == nil {
		return ""
	}
	if o.Port > 0 {
		return fmt.Sprintf("%s:%s:%d", o.Transport, o.Address, o.Port)
	}
	return fmt.Sprintf("%s:%s", o.Transport, o.Address)
}

// Matches reports whether another origin shares this origin's transport kind
// and address. Used for token match-origin enforcement.
func (o *Origin) Matches(other *Origin) bool {
	if o == nil || other == nil {
		return false
	}
	return o.Transport == other.Transport && o.Address == other.Address
}

// Credential is what a session holds after successful authentication. The
// concrete type discriminates the mechanism that produced it.
type Credential interface {
	Principal() string
	Roles() []string
	AAL() security.AssuranceLevel
	Origin() *Origin
	Kind() string
}

// UnixSocketCredential is the implicit identity of a local unix-socket peer.
// It always carries the highest privilege and bypasses role checks.
type UnixSocketCredential struct {
	UID        int
	PeerOrigin *Origin
}

func (c *UnixSocketCredential) Principal() string            { return fmt.Sprintf("uid:%d", c.UID) }
func (c *UnixSocketCredential) Roles() []string              { return []string{RoleFullAdmin} }
func (c *UnixSocketCredential) AAL() security.AssuranceLevel { return security.Level2 }
func (c *UnixSocketCredential) Origin() *Origin              { return c.PeerOrigin }
func (c *UnixSocketCredential) Kind() string                 { return "UNIX_SOCKET" }

// PasswordCredential is produced by a password login, with or without a
// second factor.
type PasswordCredential struct {
	Account    account.Account
	Level      security.AssuranceLevel
	SecondFactor bool
	PeerOrigin *Origin
}

func (c *PasswordCredential) Principal() string            { return c.Account.Username }
func (c *PasswordCredential) Roles() []string              { return c.Account.Roles }
func (c *PasswordCredential) AAL() security.AssuranceLevel { return c.Level }
func (c *PasswordCredential) Origin() *Origin              { return c.PeerOrigin }
func (c *PasswordCredential) Kind() string                 { return "PASSWORD" }

// APIKeyCredential is produced by an API key login, plain or SCRAM.
type APIKeyCredential struct {
	Key        apikey.APIKey
	Account    account.Account
	Level      security.AssuranceLevel
	PeerOrigin *Origin
}

func (c *APIKeyCredential) Principal() string            { return c.Account.Username }
func (c *APIKeyCredential) Roles() []string              { return c.Account.Roles }
func (c *APIKeyCredential) AAL() security.AssuranceLevel { return c.Level }
func (c *APIKeyCredential) Origin() *Origin              { return c.PeerOrigin }
func (c *APIKeyCredential) Kind() string                 { return "API_KEY" }

// AllowedMethod applies the key's method allowlist.
func (c *APIKeyCredential) AllowedMethod(method string) bool { return c.Key.Allows(method) }

// MethodRestricted is implemented by credentials that carry a method
// allowlist on top of their roles. Token credentials inherit the restriction
// of their root.
type MethodRestricted interface {
	AllowedMethod(method string) bool
}

// OnetimeCredential is produced by a single-use recovery password.
type OnetimeCredential struct {
	Account    account.Account
	PeerOrigin *Origin
}

func (c *OnetimeCredential) Principal() string            { return c.Account.Username }
func (c *OnetimeCredential) Roles() []string              { return c.Account.Roles }
func (c *OnetimeCredential) AAL() security.AssuranceLevel { return security.Level2 }
func (c *OnetimeCredential) Origin() *Origin              { return c.PeerOrigin }
func (c *OnetimeCredential) Kind() string                 { return "ONETIME_PASSWORD" }

// TokenCredential authenticates as the root credential that generated the
// token. Only the root is stored; chains of tokens always resolve to the
// original non-token credential.
type TokenCredential struct {
	TokenID    string
	Root       Credential
	PeerOrigin *Origin
}

func (c *TokenCredential) Principal() string            { return c.Root.Principal() }
func (c *TokenCredential) Roles() []string              { return c.Root.Roles() }
func (c *TokenCredential) AAL() security.AssuranceLevel { return security.Level1 }
func (c *TokenCredential) Origin() *Origin              { return c.PeerOrigin }
func (c *TokenCredential) Kind() string                 { return "TOKEN" }

// RootOf resolves a credential to its non-token root.
func RootOf(c Credential) Credential {
	for {
		tc, ok := c.(*TokenCredential)
		if !ok {
			return c
		}
		c = tc.Root
	}
}
