// Package authsvc exposes authentication, session and API key management as
// dispatcher methods.
package authsvc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/security"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage"
)

// Plugin builds the auth plugin. The authenticator itself is reached through
// the session at call time.
func Plugin(apiKeys storage.APIKeyStore) registry.Builder {
	return func(r *registry.Registry) (registry.Plugin, error) {
		return registry.Plugin{
			Name:      "auth",
			DependsOn: []string{"core"},
			Services: []registry.Service{
				&registry.PlainService{Name: "auth", Declare: authMethods()},
				&registry.PlainService{Name: "api_key", Declare: apiKeyMethods(apiKeys)},
			},
		}, nil
	}
}

// loginSchema is the tagged union of every login mechanism's request shape.
var loginSchema = schema.Union("mechanism", map[string]*schema.Schema{
	auth.MechanismPassword: schema.Object(
		schema.F("username", schema.String()).Req(),
		schema.F("password", schema.Secret()).Req(),
	),
	auth.MechanismOTPToken: schema.Object(
		schema.F("otp_token", schema.Secret()).Req(),
	),
	auth.MechanismOnetime: schema.Object(
		schema.F("username", schema.String()).Req(),
		schema.F("password", schema.Secret()).Req(),
	),
	auth.MechanismAPIKey: schema.Object(
		schema.F("username", schema.Text()).Def(""),
		schema.F("api_key", schema.Secret()).Req(),
	),
	auth.MechanismToken: schema.Object(
		schema.F("token", schema.Secret()).Req(),
	),
	auth.MechanismSCRAM: schema.Object(
		schema.F("key_id", schema.Int()).Req(),
		schema.F("client_nonce", schema.Text()).Def(""),
		schema.F("proof", schema.Text()).Def(""),
	),
})

func session(call *registry.Call) (*dispatcher.Session, error) {
	sess, ok := call.Session.(*dispatcher.Session)
	if !ok {
		return nil, errors.NotSupported("session operations on this transport")
	}
	return sess, nil
}

func authMethods() []*registry.Method {
	return []*registry.Method{
		{
			Name:        "auth.login_ex",
			Description: "Authenticate the session with one of the supported mechanisms.",
			NoAuth:      true,
			Args:        loginSchema,
			Audit:       "Log in via {mechanism}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				resp, err := sess.Dispatcher().Auth().LoginEx(ctx, sess.ID(), sess.Origin(), call.ArgsMap())
				if err != nil {
					return nil, err
				}
				if resp.ResponseType == auth.ResponseSuccess {
					sess.SetCredential(resp.Credential)
				}
				return renderLogin(resp), nil
			},
		},
		{
			Name:        "auth.logout",
			Description: "Drop the session credential; the connection stays open.",
			Roles:       []string{auth.RoleAny},
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				sess.ClearCredential()
				sess.Dispatcher().Auth().DropSessionState(sess.ID())
				return true, nil
			},
		},
		{
			Name:           "auth.me",
			Description:    "Describe the calling credential.",
			Roles:          []string{auth.RoleAny},
			PassCredential: true,
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				cred := call.Credential
				root := auth.RootOf(cred)
				return map[string]any{
					"pw_name": root.Principal(),
					"roles":   root.Roles(),
					"kind":    cred.Kind(),
					"aal":     string(cred.AAL()),
					"origin":  cred.Origin().String(),
				}, nil
			},
		},
		{
			Name:        "auth.generate_token",
			Description: "Issue a short-lived token bound to this session's identity.",
			Roles:       []string{auth.RoleAny},
			Args: schema.Object(
				schema.F("ttl", schema.IntRange(1, 86400)).Def(int64(600)),
				schema.F("attrs", schema.Object().Extra()).Def(map[string]any{}),
				schema.F("match_origin", schema.Bool()).Def(true),
				schema.F("single_use", schema.Bool()).Def(false),
			),
			PassCredential: true,
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				args := call.ArgsMap()
				attrs, _ := args["attrs"].(map[string]any)
				return sess.Dispatcher().Auth().GenerateToken(
					ctx, call.Credential, sess.ID(),
					time.Duration(args["ttl"].(int64))*time.Second,
					attrs, args["match_origin"].(bool), args["single_use"].(bool),
				)
			},
		},
		{
			Name:        "auth.mechanism_choices",
			Description: "List the login mechanisms accepted under the current assurance level.",
			NoAuth:      true,
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				return sess.Dispatcher().Auth().MechanismChoices(ctx), nil
			},
		},
		{
			Name:        "auth.get_authenticator_assurance_level",
			Description: "Return the configured authenticator assurance level.",
			Roles:       []string{auth.RoleAny},
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				return string(sess.Dispatcher().Auth().AssuranceLevel(ctx)), nil
			},
		},
		{
			Name:        "auth.set_authenticator_assurance_level",
			Description: "Set the authenticator assurance level.",
			Roles:       []string{"FULL_ADMIN"},
			Args: schema.Object(
				schema.F("level", schema.EnumOf(string(security.Level1), string(security.Level2))).Req(),
			),
			Audit: "Set authenticator assurance level to {level}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				level := security.AssuranceLevel(call.ArgsMap()["level"].(string))
				if err := sess.Dispatcher().Auth().SetAssuranceLevel(ctx, level); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
		{
			Name:        "auth.sessions",
			Description: "List open sessions.",
			Roles:       []string{"FULL_ADMIN", "READONLY_ADMIN"},
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				infos := sess.Dispatcher().Sessions()
				out := make([]map[string]any, 0, len(infos))
				for _, info := range infos {
					out = append(out, map[string]any{
						"id":              info.ID,
						"origin":          info.Origin,
						"principal":       info.Principal,
						"credential_kind": info.CredentialKind,
						"authenticated":   info.Authenticated,
						"created_at":      info.CreatedAt.Format(time.RFC3339),
					})
				}
				return out, nil
			},
		},
		{
			Name:        "auth.terminate_session",
			Description: "Close another session by id.",
			Roles:       []string{"FULL_ADMIN"},
			Args:        schema.Object(schema.F("id", schema.String()).Req()),
			Audit:       "Terminate session {id}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, err := session(call)
				if err != nil {
					return nil, err
				}
				id := call.ArgsMap()["id"].(string)
				if id == sess.ID() {
					verrs := &errors.Validation{}
					verrs.Add("id", "cannot terminate the calling session, use auth.logout", "self")
					return nil, verrs
				}
				if err := sess.Dispatcher().TerminateSession(id); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
	}
}

func renderLogin(resp auth.LoginResponse) map[string]any {
	out := map[string]any{"response_type": resp.ResponseType}
	if resp.ResponseType == auth.ResponseSuccess {
		out["authenticator"] = string(resp.Authenticator)
		root := auth.RootOf(resp.Credential)
		out["user_info"] = map[string]any{
			"pw_name": root.Principal(),
			"roles":   root.Roles(),
		}
		if resp.ServerSignature != "" {
			out["server_signature"] = resp.ServerSignature
		}
	}
	if resp.Challenge != nil {
		out["scram_challenge"] = map[string]any{
			"salt":         resp.Challenge.Salt,
			"iterations":   resp.Challenge.Iterations,
			"server_nonce": resp.Challenge.ServerNonce,
		}
	}
	return out
}

func apiKeyMethods(apiKeys storage.APIKeyStore) []*registry.Method {
	keySchema := schema.Object(
		schema.F("name", schema.String()).Req(),
		schema.F("username", schema.String()).Req(),
		schema.F("expires_in", schema.Int()).Null(),
		schema.F("allowlist", schema.List(schema.String())).Def([]any{}),
	)
	return []*registry.Method{
		{
			Name:        "api_key.create",
			Description: "Create an API key; the plaintext key is returned exactly once.",
			Roles:       []string{"FULL_ADMIN"},
			Args:        keySchema,
			Audit:       "Create API key {name}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				args := call.ArgsMap()
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return nil, err
				}
				secret := hex.EncodeToString(raw)

				salt, iterations, storedKey, serverKey, err := auth.DeriveSCRAMVerifier(secret)
				if err != nil {
					return nil, err
				}
				key := apikey.APIKey{
					Name:       args["name"].(string),
					Username:   args["username"].(string),
					Salt:       salt,
					Iterations: iterations,
					StoredKey:  storedKey,
					ServerKey:  serverKey,
				}
				if raw, _ := args["allowlist"].([]any); len(raw) > 0 {
					for _, entry := range raw {
						if s, ok := entry.(string); ok {
							key.AllowList = append(key.AllowList, s)
						}
					}
				}
				if ttl, ok := args["expires_in"].(int64); ok && ttl > 0 {
					at := time.Now().Add(time.Duration(ttl) * time.Second)
					key.ExpiresAt = &at
				}
				created, err := apiKeys.CreateAPIKey(ctx, key)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"id":       created.ID,
					"name":     created.Name,
					"username": created.Username,
					"key":      fmt.Sprintf("%d-%s", created.ID, secret),
				}, nil
			},
		},
		{
			Name:        "api_key.query",
			Description: "List API keys without their verifier material.",
			Roles:       []string{"FULL_ADMIN", "READONLY_ADMIN"},
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				keys, err := apiKeys.ListAPIKeys(ctx)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(keys))
				for _, key := range keys {
					row := map[string]any{
						"id":         key.ID,
						"name":       key.Name,
						"username":   key.Username,
						"created_at": key.CreatedAt.Format(time.RFC3339),
						"revoked":    key.RevokedAt != nil,
						"allowlist":  key.AllowList,
					}
					if key.ExpiresAt != nil {
						row["expires_at"] = key.ExpiresAt.Format(time.RFC3339)
					}
					out = append(out, row)
				}
				return out, nil
			},
		},
		{
			Name:        "api_key.delete",
			Description: "Delete an API key.",
			Roles:       []string{"FULL_ADMIN"},
			Args:        schema.Object(schema.F("id", schema.Int()).Req()),
			Audit:       "Delete API key {id}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				if err := apiKeys.DeleteAPIKey(ctx, call.ArgsMap()["id"].(int64)); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
	}
}
