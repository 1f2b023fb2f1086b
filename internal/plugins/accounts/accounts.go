// Package accounts manages local principals: CRUD, second-factor enrollment
// and onetime recovery passwords.
package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage"
)

const onetimeTTL = 24 * time.Hour

var entitySchema = schema.Object(
	schema.F("id", schema.Text()).Def(""),
	schema.F("username", schema.String()).Req(),
	schema.F("full_name", schema.Text()).Def(""),
	schema.F("password", schema.Secret()),
	schema.F("roles", schema.List(schema.String())).Def([]any{}),
	schema.F("disabled", schema.Bool()).Def(false),
	schema.F("locked", schema.Bool()).Def(false),
	schema.F("two_factor", schema.Bool()).Def(false),
)

// Plugin builds the account plugin over the account store.
func Plugin(accounts storage.AccountStore) registry.Builder {
	return func(r *registry.Registry) (registry.Plugin, error) {
		svc := &service{store: accounts}
		return registry.Plugin{
			Name:      "account",
			DependsOn: []string{"core"},
			Services: []registry.Service{&registry.CRUDService{
				Name:       "account",
				Entity:     entitySchema,
				ReadRoles:  []string{"ACCOUNT_READ"},
				WriteRoles: []string{"ACCOUNT_WRITE"},
				List:       svc.list,
				Create:     svc.create,
				Update:     svc.update,
				Delete:     svc.delete,
				Extra:      svc.extra(),
			}},
		}, nil
	}
}

type service struct {
	store storage.AccountStore
}

func render(acct account.Account) map[string]any {
	roles := make([]any, 0, len(acct.Roles))
	for _, role := range acct.Roles {
		roles = append(roles, role)
	}
	return map[string]any{
		"id":         acct.ID,
		"username":   acct.Username,
		"full_name":  acct.FullName,
		"roles":      roles,
		"disabled":   acct.Disabled,
		"locked":     acct.Locked,
		"two_factor": acct.TwoFactorEnrolled(),
	}
}

func (s *service) list(ctx context.Context) ([]map[string]any, error) {
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(accts))
	for _, acct := range accts {
		out = append(out, render(acct))
	}
	return out, nil
}

func rolesFromData(data map[string]any) []string {
	raw, _ := data["roles"].([]any)
	roles := make([]string, 0, len(raw))
	for _, role := range raw {
		if s, ok := role.(string); ok {
			roles = append(roles, s)
		}
	}
	return roles
}

func (s *service) create(ctx context.Context, data map[string]any) (map[string]any, error) {
	password, _ := data["password"].(string)
	if password == "" {
		verrs := &errors.Validation{}
		verrs.Add("password", "field is required", "required")
		return nil, verrs
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acct := account.Account{
		Username:     data["username"].(string),
		FullName:     data["full_name"].(string),
		PasswordHash: string(hash),
		Roles:        rolesFromData(data),
		Disabled:     data["disabled"].(bool),
	}
	created, err := s.store.CreateAccount(ctx, acct)
	if err != nil {
		if err == storage.ErrExists {
			return nil, errors.Exists("account " + acct.Username)
		}
		return nil, err
	}
	return render(created), nil
}

func (s *service) byID(ctx context.Context, id any) (account.Account, error) {
	idStr, _ := id.(string)
	accts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return account.Account{}, err
	}
	for _, acct := range accts {
		if acct.ID == idStr {
			return acct, nil
		}
	}
	return account.Account{}, errors.NotFound(fmt.Sprintf("account %v", id))
}

func (s *service) update(ctx context.Context, id any, data map[string]any) (map[string]any, error) {
	acct, err := s.byID(ctx, id)
	if err != nil {
		return nil, err
	}
	if username, _ := data["username"].(string); username != acct.Username {
		verrs := &errors.Validation{}
		verrs.Add("username", "username cannot be changed", "immutable")
		return nil, verrs
	}
	acct.FullName = data["full_name"].(string)
	acct.Roles = rolesFromData(data)
	acct.Disabled = data["disabled"].(bool)
	if locked, _ := data["locked"].(bool); !locked {
		// An admin update with locked=false clears a lockout and the
		// failure counter with it.
		acct.Locked = false
		acct.FailedLogins = 0
	}
	if password, _ := data["password"].(string); password != "" {
		hash, herr := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if herr != nil {
			return nil, herr
		}
		acct.PasswordHash = string(hash)
	}
	updated, err := s.store.UpdateAccount(ctx, acct)
	if err != nil {
		return nil, err
	}
	return render(updated), nil
}

func (s *service) delete(ctx context.Context, id any) error {
	acct, err := s.byID(ctx, id)
	if err != nil {
		return err
	}
	// Never delete the last usable full admin.
	if auth.ExpandRoles(acct.Roles)[auth.RoleFullAdmin] {
		accts, lerr := s.store.ListAccounts(ctx)
		if lerr != nil {
			return lerr
		}
		admins := 0
		for _, other := range accts {
			if !other.Disabled && auth.ExpandRoles(other.Roles)[auth.RoleFullAdmin] {
				admins++
			}
		}
		if admins <= 1 {
			verrs := &errors.Validation{}
			verrs.Add("id", "cannot delete the last full admin account", "precondition")
			return verrs
		}
	}
	return s.store.DeleteAccount(ctx, acct.ID)
}

func (s *service) extra() []*registry.Method {
	return []*registry.Method{
		{
			Name:        "account.renew_2fa_secret",
			Description: "Generate and install a fresh TOTP secret for an account.",
			Roles:       []string{"ACCOUNT_WRITE"},
			Args:        schema.Object(schema.F("username", schema.String()).Req()),
			Audit:       "Renew 2FA secret for {username}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				username := call.ArgsMap()["username"].(string)
				acct, err := s.store.GetAccountByUsername(ctx, username)
				if err != nil {
					return nil, errors.NotFound("account " + username)
				}
				secret, err := auth.GenerateTOTPSecret()
				if err != nil {
					return nil, err
				}
				acct.TOTPSecret = secret
				if _, err := s.store.UpdateAccount(ctx, acct); err != nil {
					return nil, err
				}
				return map[string]any{
					"secret":           secret,
					"provisioning_uri": fmt.Sprintf("otpauth://totp/middled:%s?secret=%s&issuer=middled", username, secret),
				}, nil
			},
		},
		{
			Name:        "account.create_onetime_password",
			Description: "Issue a single-use recovery password for an account.",
			Roles:       []string{"ACCOUNT_WRITE"},
			Args:        schema.Object(schema.F("username", schema.String()).Req()),
			Audit:       "Create onetime password for {username}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				username := call.ArgsMap()["username"].(string)
				if _, err := s.store.GetAccountByUsername(ctx, username); err != nil {
					return nil, errors.NotFound("account " + username)
				}
				raw := make([]byte, 12)
				if _, err := rand.Read(raw); err != nil {
					return nil, err
				}
				plaintext := hex.EncodeToString(raw)
				hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
				if err != nil {
					return nil, err
				}
				otp := account.OnetimePassword{
					Username:  username,
					Hash:      string(hash),
					ExpiresAt: time.Now().Add(onetimeTTL),
				}
				if _, err := s.store.CreateOnetimePassword(ctx, otp); err != nil {
					return nil, err
				}
				return map[string]any{
					"password":   plaintext,
					"expires_at": otp.ExpiresAt.Format(time.RFC3339),
				}, nil
			},
		},
	}
}
