package auth

import (
	"context"
	"encoding/base32"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/security"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/storage/memory"
	"github.com/naslab/middled/pkg/logger"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, store, store, logger.NewNop()), store
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func seedAccount(t *testing.T, store *memory.Store, acct account.Account) account.Account {
	t.Helper()
	created, err := store.CreateAccount(context.Background(), acct)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return created
}

func wsOrigin() *Origin {
	return &Origin{Transport: TransportWebSocket, Address: "192.0.2.10", Port: 40000}
}

func TestLoginPassword(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{
		Username:     "admin",
		PasswordHash: mustHash(t, "hunter2"),
		Roles:        []string{RoleFullAdmin},
	})

	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "hunter2",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.ResponseType != ResponseSuccess {
		t.Fatalf("response = %s, want SUCCESS", resp.ResponseType)
	}
	if resp.Authenticator != security.Level1 {
		t.Fatalf("authenticator = %s, want LEVEL_1", resp.Authenticator)
	}
	if got := resp.Credential.Principal(); got != "admin" {
		t.Fatalf("principal = %q", got)
	}

	resp, err = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "wrong",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.ResponseType != ResponseAuthErr {
		t.Fatalf("response = %s, want AUTH_ERR", resp.ResponseType)
	}

	// Unknown users get the same coarse answer as bad passwords.
	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "nobody",
		"password":  "hunter2",
	})
	if resp.ResponseType != ResponseAuthErr {
		t.Fatalf("response = %s, want AUTH_ERR", resp.ResponseType)
	}
}

func TestLoginBlockedStates(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	seedAccount(t, store, account.Account{Username: "off", PasswordHash: mustHash(t, "x"), Disabled: true})
	seedAccount(t, store, account.Account{Username: "stuck", PasswordHash: mustHash(t, "x"), Locked: true})
	seedAccount(t, store, account.Account{Username: "gone", PasswordHash: mustHash(t, "x"), ExpiresAt: &past})

	for username, want := range map[string]string{
		"off":   ResponseDisabled,
		"stuck": ResponseLocked,
		"gone":  ResponseExpired,
	} {
		resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
			"mechanism": MechanismPassword,
			"username":  username,
			"password":  "x",
		})
		if err != nil {
			t.Fatalf("%s: %v", username, err)
		}
		if resp.ResponseType != want {
			t.Fatalf("%s: response = %s, want %s", username, resp.ResponseType, want)
		}
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{Username: "admin", PasswordHash: mustHash(t, "good")})

	var alerts []string
	a.OnAlert(func(kind string, fields map[string]any) { alerts = append(alerts, kind) })

	sec, _ := store.GetSecurity(ctx)
	for i := 0; i < sec.MaxLoginAttempts; i++ {
		a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
			"mechanism": MechanismPassword,
			"username":  "admin",
			"password":  "bad",
		})
	}

	acct, err := store.GetAccountByUsername(ctx, "admin")
	require.NoError(t, err)
	require.True(t, acct.Locked, "account should lock at the attempt limit")
	require.Equal(t, []string{"account.locked"}, alerts)

	// The right password no longer helps.
	resp, _ := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "good",
	})
	require.Equal(t, ResponseLocked, resp.ResponseType)
}

func TestLoginOTPFlow(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()

	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	seedAccount(t, store, account.Account{
		Username:     "admin",
		PasswordHash: mustHash(t, "hunter2"),
		TOTPSecret:   secret,
		Roles:        []string{RoleFullAdmin},
	})

	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "hunter2",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.ResponseType != ResponseOTPRequired {
		t.Fatalf("response = %s, want OTP_REQUIRED", resp.ResponseType)
	}

	// A wrong code does not finish the exchange.
	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismOTPToken,
		"otp_token": "000000",
	})
	if resp.ResponseType != ResponseAuthErr {
		t.Fatalf("response = %s, want AUTH_ERR", resp.ResponseType)
	}

	code := currentTOTP(t, secret)
	resp, err = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismOTPToken,
		"otp_token": code,
	})
	if err != nil {
		t.Fatalf("otp: %v", err)
	}
	if resp.ResponseType != ResponseSuccess {
		t.Fatalf("response = %s, want SUCCESS", resp.ResponseType)
	}
	if resp.Authenticator != security.Level2 {
		t.Fatalf("authenticator = %s, want LEVEL_2", resp.Authenticator)
	}

	// OTP without a preceding password exchange on this session fails.
	resp, _ = a.LoginEx(ctx, "sess-other", wsOrigin(), map[string]any{
		"mechanism": MechanismOTPToken,
		"otp_token": currentTOTP(t, secret),
	})
	if resp.ResponseType != ResponseAuthErr {
		t.Fatalf("response = %s, want AUTH_ERR", resp.ResponseType)
	}
}

func currentTOTP(t *testing.T, secret string) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secret)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	counter := time.Now().Unix() / int64(totpStep/time.Second)
	return hotp(key, uint64(counter))
}

func formatAPIKeyPlain(id int64, secret string) string {
	return fmt.Sprintf("%d-%s", id, secret)
}

func TestLoginOnetimePassword(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{Username: "admin", PasswordHash: mustHash(t, "x"), Roles: []string{RoleFullAdmin}})

	_, err := store.CreateOnetimePassword(ctx, account.OnetimePassword{
		Username:  "admin",
		Hash:      mustHash(t, "rescue-me"),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	req := map[string]any{
		"mechanism": MechanismOnetime,
		"username":  "admin",
		"password":  "rescue-me",
	}
	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), req)
	require.NoError(t, err)
	require.Equal(t, ResponseSuccess, resp.ResponseType)
	require.Equal(t, security.Level2, resp.Credential.AAL())

	// Second use of the same password is rejected.
	resp, err = a.LoginEx(ctx, "sess-2", wsOrigin(), req)
	require.NoError(t, err)
	require.Equal(t, ResponseAuthErr, resp.ResponseType)
}

func seedAPIKey(t *testing.T, store *memory.Store, username, secret string) apikey.APIKey {
	t.Helper()
	salt, iterations, storedKey, serverKey, err := DeriveSCRAMVerifier(secret)
	if err != nil {
		t.Fatalf("derive verifier: %v", err)
	}
	key, err := store.CreateAPIKey(context.Background(), apikey.APIKey{
		Name:       "test key",
		Username:   username,
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey,
		ServerKey:  serverKey,
	})
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	return key
}

func TestLoginAPIKeyPlain(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{Username: "backup", PasswordHash: mustHash(t, "x"), Roles: []string{"SHARING_READ"}})
	key := seedAPIKey(t, store, "backup", "s3cret-material")

	plaintext := formatAPIKeyPlain(key.ID, "s3cret-material")
	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismAPIKey,
		"username":  "backup",
		"api_key":   plaintext,
	})
	require.NoError(t, err)
	require.Equal(t, ResponseSuccess, resp.ResponseType)
	require.Equal(t, "backup", resp.Credential.Principal())
	require.Equal(t, security.Level1, resp.Credential.AAL())

	// Wrong secret, wrong username, revoked key.
	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismAPIKey,
		"username":  "backup",
		"api_key":   formatAPIKeyPlain(key.ID, "not-it"),
	})
	require.Equal(t, ResponseAuthErr, resp.ResponseType)

	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismAPIKey,
		"username":  "somebody-else",
		"api_key":   plaintext,
	})
	require.Equal(t, ResponseAuthErr, resp.ResponseType)

	require.NoError(t, store.RevokeAPIKey(ctx, key.ID, time.Now()))
	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismAPIKey,
		"username":  "backup",
		"api_key":   plaintext,
	})
	require.Equal(t, ResponseAuthErr, resp.ResponseType)
}

func TestLoginSCRAM(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{Username: "backup", PasswordHash: mustHash(t, "x"), Roles: []string{"SHARING_READ"}})
	key := seedAPIKey(t, store, "backup", "s3cret-material")

	clientNonce := "client-nonce-1"
	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism":    MechanismSCRAM,
		"key_id":       key.ID,
		"client_nonce": clientNonce,
	})
	require.NoError(t, err)
	require.Equal(t, ResponseContinue, resp.ResponseType)
	require.NotNil(t, resp.Challenge)
	require.Equal(t, scramIterations, resp.Challenge.Iterations)

	proof := ComputeSCRAMProof("s3cret-material", key.Salt, key.Iterations, clientNonce, resp.Challenge.ServerNonce)
	resp, err = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismSCRAM,
		"key_id":    key.ID,
		"proof":     proof,
	})
	require.NoError(t, err)
	require.Equal(t, ResponseSuccess, resp.ResponseType)
	require.Equal(t, security.Level2, resp.Credential.AAL())
	require.NotEmpty(t, resp.ServerSignature)

	// The consumed exchange cannot be replayed.
	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismSCRAM,
		"key_id":    key.ID,
		"proof":     proof,
	})
	require.Equal(t, ResponseAuthErr, resp.ResponseType)
}

func TestAssuranceLevelGating(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()

	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	seedAccount(t, store, account.Account{
		Username:     "admin",
		PasswordHash: mustHash(t, "hunter2"),
		TOTPSecret:   secret,
		Roles:        []string{RoleFullAdmin},
	})
	seedAccount(t, store, account.Account{
		Username:     "plain",
		PasswordHash: mustHash(t, "hunter2"),
		Roles:        []string{RoleFullAdmin},
	})

	require.NoError(t, a.SetAssuranceLevel(ctx, security.Level2))

	// Replayable mechanisms are refused outright.
	for _, mech := range []string{MechanismAPIKey, MechanismToken} {
		_, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{"mechanism": mech})
		if !errors.Is(err, errors.CodeNotSupp) {
			t.Fatalf("%s: err = %v, want EOPNOTSUPP", mech, err)
		}
	}

	// A bare password cannot reach LEVEL_2 even when correct.
	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "plain",
		"password":  "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, ResponseAuthErr, resp.ResponseType)

	// Password plus OTP still works.
	resp, err = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "hunter2",
	})
	require.NoError(t, err)
	require.Equal(t, ResponseOTPRequired, resp.ResponseType)

	resp, err = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismOTPToken,
		"otp_token": currentTOTP(t, secret),
	})
	require.NoError(t, err)
	require.Equal(t, ResponseSuccess, resp.ResponseType)

	// Token issuance is disabled at LEVEL_2.
	_, err = a.GenerateToken(ctx, resp.Credential, "sess-1", time.Minute, nil, false, false)
	if !errors.Is(err, errors.CodeNotSupp) {
		t.Fatalf("generate_token err = %v, want EOPNOTSUPP", err)
	}

	choices := a.MechanismChoices(ctx)
	require.NotContains(t, choices, MechanismAPIKey)
	require.NotContains(t, choices, MechanismToken)
	require.Contains(t, choices, MechanismPassword)
	require.Contains(t, choices, MechanismSCRAM)
}

func TestSetAssuranceLevelPrecondition(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{Username: "plain", PasswordHash: mustHash(t, "x"), Roles: []string{RoleFullAdmin}})

	err := a.SetAssuranceLevel(ctx, security.Level2)
	verrs := &errors.Validation{}
	if !stderrors.As(err, &verrs) {
		t.Fatalf("err = %v, want validation error", err)
	}
	require.Contains(t, verrs.Fields[0].Message, "no local full admin with 2FA")

	sec, _ := store.GetSecurity(ctx)
	require.Equal(t, security.Level1, sec.AssuranceLevel)
}

func TestTokenChainResolvesToRoot(t *testing.T) {
	a, store := newTestAuthenticator(t)
	ctx := context.Background()
	seedAccount(t, store, account.Account{Username: "admin", PasswordHash: mustHash(t, "hunter2"), Roles: []string{RoleFullAdmin}})

	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "hunter2",
	})
	require.NoError(t, err)
	root := resp.Credential

	tok1, err := a.GenerateToken(ctx, root, "sess-1", time.Minute, nil, false, false)
	require.NoError(t, err)

	cred1, err := a.Tokens.Authenticate(tok1, wsOrigin())
	require.NoError(t, err)

	tok2, err := a.GenerateToken(ctx, cred1, "sess-2", time.Minute, nil, false, false)
	require.NoError(t, err)

	cred2, err := a.Tokens.Authenticate(tok2, wsOrigin())
	require.NoError(t, err)

	// However deep the chain, identity and roles are the root's.
	require.Equal(t, "admin", cred2.Principal())
	require.Equal(t, root.Roles(), cred2.Roles())
	require.Same(t, root, RootOf(cred2))
}

func TestTokenTTLOriginAndSingleUse(t *testing.T) {
	store := NewTokenStore()
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	root := &PasswordCredential{
		Account:    account.Account{Username: "admin", Roles: []string{RoleFullAdmin}},
		Level:      security.Level1,
		PeerOrigin: wsOrigin(),
	}

	tok, err := store.Generate(root, "sess-1", 10*time.Second, nil, true, false)
	require.NoError(t, err)

	// Activity keeps a token alive past its nominal TTL.
	now = now.Add(8 * time.Second)
	_, err = store.Authenticate(tok, wsOrigin())
	require.NoError(t, err)
	now = now.Add(8 * time.Second)
	_, err = store.Authenticate(tok, wsOrigin())
	require.NoError(t, err)

	// Match-origin rejects a different peer without consuming the token.
	other := &Origin{Transport: TransportWebSocket, Address: "198.51.100.7"}
	_, err = store.Authenticate(tok, other)
	require.Error(t, err)
	_, err = store.Authenticate(tok, wsOrigin())
	require.NoError(t, err)

	// Idle past the TTL the token dies.
	now = now.Add(11 * time.Second)
	_, err = store.Authenticate(tok, wsOrigin())
	require.Error(t, err)

	once, err := store.Generate(root, "sess-1", time.Minute, nil, false, true)
	require.NoError(t, err)
	_, err = store.Authenticate(once, wsOrigin())
	require.NoError(t, err)
	_, err = store.Authenticate(once, wsOrigin())
	require.Error(t, err)
}

func TestTokenSessionRevocationAndSweep(t *testing.T) {
	store := NewTokenStore()
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	root := &UnixSocketCredential{UID: 0}
	t1, _ := store.Generate(root, "sess-a", time.Minute, nil, false, false)
	t2, _ := store.Generate(root, "sess-a", time.Minute, nil, false, false)
	t3, _ := store.Generate(root, "sess-b", time.Second, nil, false, false)

	require.Equal(t, 2, store.RevokeSession("sess-a"))
	for _, tok := range []string{t1, t2} {
		if _, err := store.Authenticate(tok, nil); err == nil {
			t.Fatal("revoked token still authenticates")
		}
	}

	now = now.Add(2 * time.Second)
	require.Equal(t, 1, store.SweepExpired())
	if _, err := store.Authenticate(t3, nil); err == nil {
		t.Fatal("swept token still authenticates")
	}
}

func TestAuthFailureHook(t *testing.T) {
	a, store := newTestAuthenticator(t)
	var failures int
	a.OnAuthFailure(func() { failures++ })
	seedAccount(t, store, account.Account{Username: "admin", PasswordHash: mustHash(t, "pw")})
	ctx := context.Background()

	resp, err := a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "pw",
	})
	if err != nil || resp.ResponseType != ResponseSuccess {
		t.Fatalf("login: resp=%s err=%v", resp.ResponseType, err)
	}
	if failures != 0 {
		t.Fatalf("successful login counted as failure")
	}

	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{
		"mechanism": MechanismPassword,
		"username":  "admin",
		"password":  "wrong",
	})
	if resp.ResponseType != ResponseAuthErr {
		t.Fatalf("response = %s, want AUTH_ERR", resp.ResponseType)
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}

	resp, _ = a.LoginEx(ctx, "sess-1", wsOrigin(), map[string]any{"mechanism": "NOPE"})
	if resp.ResponseType != ResponseAuthErr {
		t.Fatalf("response = %s, want AUTH_ERR", resp.ResponseType)
	}
	if failures != 2 {
		t.Fatalf("failures = %d, want 2", failures)
	}
}
