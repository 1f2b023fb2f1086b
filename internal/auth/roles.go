package auth

import (
	"sort"
	"strings"

	"github.com/naslab/middled/internal/errors"
)

// Well-known role tags. Domain plugins declare additional <DOMAIN>_READ and
// <DOMAIN>_WRITE pairs; the inclusion rules below apply to those uniformly.
const (
	RoleFullAdmin     = "FULL_ADMIN"
	RoleReadonlyAdmin = "READONLY_ADMIN"
	RoleSharingAdmin  = "SHARING_ADMIN"
)

// RoleAny in a method's role set admits every authenticated credential.
const RoleAny = "*"

const (
	readSuffix  = "_READ"
	writeSuffix = "_WRITE"
)

// inclusions is the fixed role inclusion graph, fixed at registry build time.
// An entry means "key implies each value". Suffix rules (*_WRITE implies
// *_READ, READONLY_ADMIN implies every *_READ, FULL_ADMIN implies all) are
// applied structurally in addition to this table.
var inclusions = map[string][]string{
	RoleSharingAdmin: {"SHARING_WRITE"},
}

// ExpandRoles computes the transitive closure of the credential's role set
// under the named inclusion graph. Suffix rules are evaluated lazily in
// HasRole because they range over all declared domains.
func ExpandRoles(roles []string) map[string]bool {
	out := make(map[string]bool, len(roles))
	var walk func(role string)
	walk = func(role string) {
		if out[role] {
			return
		}
		out[role] = true
		for _, implied := range inclusions[role] {
			walk(implied)
		}
		if domain, ok := strings.CutSuffix(role, writeSuffix); ok {
			walk(domain + readSuffix)
		}
	}
	for _, role := range roles {
		walk(role)
	}
	return out
}

// HasRole reports whether the expanded role set satisfies one required role.
func HasRole(effective map[string]bool, required string) bool {
	if effective[RoleFullAdmin] || effective[required] {
		return true
	}
	if strings.HasSuffix(required, readSuffix) && effective[RoleReadonlyAdmin] {
		return true
	}
	return false
}

// Authorize decides whether a credential may invoke a method guarded by the
// given role set. Unix-socket credentials bypass the check. An empty method
// role set denies everything except unix-socket callers.
func Authorize(cred Credential, method string, methodRoles []string) error {
	if cred == nil {
		return errors.AuthFailed()
	}
	root := RootOf(cred)
	if _, ok := root.(*UnixSocketCredential); ok {
		return nil
	}
	effective := ExpandRoles(root.Roles())
	for _, required := range methodRoles {
		if required == RoleAny || HasRole(effective, required) {
			return nil
		}
	}
	missing := append([]string(nil), methodRoles...)
	sort.Strings(missing)
	return errors.Access(method, missing)
}
