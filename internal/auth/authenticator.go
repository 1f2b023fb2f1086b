package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/domain/apikey"
	"github.com/naslab/middled/internal/domain/security"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/storage"
	"github.com/naslab/middled/pkg/logger"
)

// Login response types.
const (
	ResponseSuccess     = "SUCCESS"
	ResponseOTPRequired = "OTP_REQUIRED"
	ResponseContinue    = "CONTINUE"
	ResponseAuthErr     = "AUTH_ERR"
	ResponseExpired     = "EXPIRED"
	ResponseLocked      = "LOCKED"
	ResponseDisabled    = "DISABLED"
)

// LoginResponse is the outcome of one LoginEx exchange.
type LoginResponse struct {
	ResponseType    string
	Credential      Credential
	Authenticator   security.AssuranceLevel
	Challenge       *SCRAMChallenge
	ServerSignature string
}

// AlertFunc receives security alerts such as account lockouts.
type AlertFunc func(kind string, fields map[string]any)

type pendingOTP struct {
	username string
	origin   *Origin
}

type pendingSCRAM struct {
	keyID       int64
	clientNonce string
	serverNonce string
}

// Authenticator produces credentials from presented proof and owns the AAL
// policy predicate consulted by both the dispatcher and LoginEx.
type Authenticator struct {
	accounts storage.AccountStore
	apiKeys  storage.APIKeyStore
	secStore storage.SecurityStore
	Tokens   *TokenStore
	log      *logger.Logger
	onAlert  AlertFunc
	onFailed func()

	mu           sync.Mutex
	pendingOTP   map[string]pendingOTP
	pendingSCRAM map[string]pendingSCRAM
	now          func() time.Time
}

// New builds an authenticator over the given stores.
func New(accounts storage.AccountStore, apiKeys storage.APIKeyStore, secStore storage.SecurityStore, log *logger.Logger) *Authenticator {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	return &Authenticator{
		accounts:     accounts,
		apiKeys:      apiKeys,
		secStore:     secStore,
		Tokens:       NewTokenStore(),
		log:          log,
		pendingOTP:   make(map[string]pendingOTP),
		pendingSCRAM: make(map[string]pendingSCRAM),
		now:          time.Now,
	}
}

// OnAlert registers the alert sink. Called once at wiring time.
func (a *Authenticator) OnAlert(fn AlertFunc) { a.onAlert = fn }

// OnAuthFailure registers a counter hook fired on every failed login
// exchange. Called once at wiring time.
func (a *Authenticator) OnAuthFailure(fn func()) { a.onFailed = fn }

func (a *Authenticator) alert(kind string, fields map[string]any) {
	if a.onAlert != nil {
		a.onAlert(kind, fields)
	}
}

// AssuranceLevel returns the currently configured system AAL.
func (a *Authenticator) AssuranceLevel(ctx context.Context) security.AssuranceLevel {
	sec, err := a.secStore.GetSecurity(ctx)
	if err != nil {
		a.log.WithError(err).Warn("read security settings, assuming LEVEL_1")
		return security.Level1
	}
	return sec.AssuranceLevel
}

// MechanismAllowed is the single AAL predicate. Mechanisms that are not
// replay-resistant are confined to LEVEL_1.
func MechanismAllowed(level security.AssuranceLevel, mechanism string) bool {
	if level != security.Level2 {
		return true
	}
	switch mechanism {
	case MechanismAPIKey, MechanismToken:
		return false
	default:
		return true
	}
}

// MechanismChoices lists the mechanisms accepted under the current AAL.
func (a *Authenticator) MechanismChoices(ctx context.Context) []string {
	all := []string{MechanismPassword, MechanismOTPToken, MechanismOnetime, MechanismAPIKey, MechanismToken, MechanismSCRAM}
	level := a.AssuranceLevel(ctx)
	out := make([]string, 0, len(all))
	for _, mech := range all {
		if MechanismAllowed(level, mech) {
			out = append(out, mech)
		}
	}
	return out
}

// CredentialSatisfiesAAL reports whether an existing credential meets the
// configured assurance level.
func CredentialSatisfiesAAL(cred Credential, level security.AssuranceLevel) bool {
	if cred == nil {
		return false
	}
	if level != security.Level2 {
		return true
	}
	return RootOf(cred).AAL() == security.Level2
}

// LoginEx authenticates one exchange of the login state machine. The request
// has already been validated against the mechanism union schema.
func (a *Authenticator) LoginEx(ctx context.Context, sessionID string, origin *Origin, req map[string]any) (LoginResponse, error) {
	resp, err := a.loginEx(ctx, sessionID, origin, req)
	if (err != nil || resp.ResponseType == ResponseAuthErr) && a.onFailed != nil {
		a.onFailed()
	}
	return resp, err
}

func (a *Authenticator) loginEx(ctx context.Context, sessionID string, origin *Origin, req map[string]any) (LoginResponse, error) {
	mechanism, _ := req["mechanism"].(string)
	level := a.AssuranceLevel(ctx)

	if !MechanismAllowed(level, mechanism) {
		return LoginResponse{}, errors.NotSupported("mechanism " + mechanism)
	}

	switch mechanism {
	case MechanismPassword:
		return a.loginPassword(ctx, sessionID, origin, stringField(req, "username"), stringField(req, "password"), level)
	case MechanismOTPToken:
		return a.loginOTP(ctx, sessionID, origin, stringField(req, "otp_token"))
	case MechanismOnetime:
		return a.loginOnetime(ctx, origin, stringField(req, "username"), stringField(req, "password"))
	case MechanismAPIKey:
		return a.loginAPIKey(ctx, origin, stringField(req, "username"), stringField(req, "api_key"))
	case MechanismToken:
		cred, err := a.Tokens.Authenticate(stringField(req, "token"), origin)
		if err != nil {
			return LoginResponse{ResponseType: ResponseAuthErr}, nil
		}
		return LoginResponse{ResponseType: ResponseSuccess, Credential: cred, Authenticator: security.Level1}, nil
	case MechanismSCRAM:
		return a.loginSCRAM(ctx, sessionID, origin, req)
	default:
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
}

func (a *Authenticator) loginPassword(ctx context.Context, sessionID string, origin *Origin, username, password string, level security.AssuranceLevel) (LoginResponse, error) {
	acct, err := a.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		// Burn a comparison so unknown accounts take as long as bad passwords.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if resp, blocked := accountBlocked(acct, a.now()); blocked {
		return resp, nil
	}

	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		a.recordFailure(ctx, acct)
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	if acct.TwoFactorEnrolled() {
		a.mu.Lock()
		a.pendingOTP[sessionID] = pendingOTP{username: username, origin: origin}
		a.mu.Unlock()
		return LoginResponse{ResponseType: ResponseOTPRequired}, nil
	}
	if level == security.Level2 {
		// A bare password cannot reach LEVEL_2 assurance.
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	a.resetFailures(ctx, acct)
	cred := &PasswordCredential{Account: acct, Level: security.Level1, PeerOrigin: origin}
	return LoginResponse{ResponseType: ResponseSuccess, Credential: cred, Authenticator: security.Level1}, nil
}

func (a *Authenticator) loginOTP(ctx context.Context, sessionID string, origin *Origin, code string) (LoginResponse, error) {
	a.mu.Lock()
	pending, ok := a.pendingOTP[sessionID]
	a.mu.Unlock()
	if !ok {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	acct, err := a.accounts.GetAccountByUsername(ctx, pending.username)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if !VerifyTOTP(acct.TOTPSecret, code, a.now()) {
		a.recordFailure(ctx, acct)
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	a.mu.Lock()
	delete(a.pendingOTP, sessionID)
	a.mu.Unlock()

	a.resetFailures(ctx, acct)
	cred := &PasswordCredential{Account: acct, Level: security.Level2, SecondFactor: true, PeerOrigin: origin}
	return LoginResponse{ResponseType: ResponseSuccess, Credential: cred, Authenticator: security.Level2}, nil
}

func (a *Authenticator) loginOnetime(ctx context.Context, origin *Origin, username, password string) (LoginResponse, error) {
	acct, err := a.accounts.GetAccountByUsername(ctx, username)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if resp, blocked := accountBlocked(acct, a.now()); blocked {
		return resp, nil
	}

	otps, err := a.accounts.ListOnetimePasswords(ctx, username)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	now := a.now()
	for _, otp := range otps {
		if otp.UsedAt != nil || now.After(otp.ExpiresAt) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(otp.Hash), []byte(password)) == nil {
			if err := a.accounts.MarkOnetimePasswordUsed(ctx, otp.ID, now); err != nil {
				// Lost the race with a concurrent use; treat as consumed.
				continue
			}
			cred := &OnetimeCredential{Account: acct, PeerOrigin: origin}
			return LoginResponse{ResponseType: ResponseSuccess, Credential: cred, Authenticator: security.Level2}, nil
		}
	}
	a.recordFailure(ctx, acct)
	return LoginResponse{ResponseType: ResponseAuthErr}, nil
}

func (a *Authenticator) loginAPIKey(ctx context.Context, origin *Origin, username, plaintext string) (LoginResponse, error) {
	key, err := a.lookupAPIKey(ctx, plaintext)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if key.Expired(a.now()) {
		return LoginResponse{ResponseType: ResponseExpired}, nil
	}
	if !key.Usable(a.now()) {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if username != "" && username != key.Username {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if !verifyAPIKeySecret(key, plaintext) {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	acct, err := a.accounts.GetAccountByUsername(ctx, key.Username)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if resp, blocked := accountBlocked(acct, a.now()); blocked {
		return resp, nil
	}

	cred := &APIKeyCredential{Key: key, Account: acct, Level: security.Level1, PeerOrigin: origin}
	return LoginResponse{ResponseType: ResponseSuccess, Credential: cred, Authenticator: security.Level1}, nil
}

func (a *Authenticator) loginSCRAM(ctx context.Context, sessionID string, origin *Origin, req map[string]any) (LoginResponse, error) {
	keyID := intField(req, "key_id")
	proof := stringField(req, "proof")

	if proof == "" {
		key, err := a.apiKeys.GetAPIKey(ctx, keyID)
		if err != nil || !key.Usable(a.now()) {
			return LoginResponse{ResponseType: ResponseAuthErr}, nil
		}
		challenge, err := NewSCRAMChallenge(key)
		if err != nil {
			return LoginResponse{}, err
		}
		a.mu.Lock()
		a.pendingSCRAM[sessionID] = pendingSCRAM{
			keyID:       keyID,
			clientNonce: stringField(req, "client_nonce"),
			serverNonce: challenge.ServerNonce,
		}
		a.mu.Unlock()
		return LoginResponse{ResponseType: ResponseContinue, Challenge: &challenge}, nil
	}

	a.mu.Lock()
	pending, ok := a.pendingSCRAM[sessionID]
	delete(a.pendingSCRAM, sessionID)
	a.mu.Unlock()
	if !ok || pending.keyID != keyID {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	key, err := a.apiKeys.GetAPIKey(ctx, keyID)
	if err != nil || !key.Usable(a.now()) {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	sig, err := VerifySCRAMProof(key, pending.clientNonce, pending.serverNonce, proof)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}

	acct, err := a.accounts.GetAccountByUsername(ctx, key.Username)
	if err != nil {
		return LoginResponse{ResponseType: ResponseAuthErr}, nil
	}
	if resp, blocked := accountBlocked(acct, a.now()); blocked {
		return resp, nil
	}

	cred := &APIKeyCredential{Key: key, Account: acct, Level: security.Level2, PeerOrigin: origin}
	return LoginResponse{
		ResponseType:    ResponseSuccess,
		Credential:      cred,
		Authenticator:   security.Level2,
		ServerSignature: sig,
	}, nil
}

// GenerateToken issues a token for the session's credential. Forbidden at
// LEVEL_2, and only available to credentials that themselves satisfy the
// configured level.
func (a *Authenticator) GenerateToken(ctx context.Context, cred Credential, sessionID string, ttl time.Duration, attrs map[string]any, matchOrigin, singleUse bool) (string, error) {
	level := a.AssuranceLevel(ctx)
	if level == security.Level2 {
		return "", errors.NotSupported("auth.generate_token")
	}
	if !CredentialSatisfiesAAL(cred, level) {
		return "", errors.AuthFailed()
	}
	return a.Tokens.Generate(cred, sessionID, ttl, attrs, matchOrigin, singleUse)
}

// SetAssuranceLevel updates the system AAL. Raising to LEVEL_2 requires a
// local full admin with a second factor, otherwise the administrator would
// lock everyone out.
func (a *Authenticator) SetAssuranceLevel(ctx context.Context, level security.AssuranceLevel) error {
	if level == security.Level2 {
		accts, err := a.accounts.ListAccounts(ctx)
		if err != nil {
			return err
		}
		ok := false
		for _, acct := range accts {
			if acct.Disabled || acct.Locked || !acct.TwoFactorEnrolled() {
				continue
			}
			if ExpandRoles(acct.Roles)[RoleFullAdmin] {
				ok = true
				break
			}
		}
		if !ok {
			verrs := &errors.Validation{}
			verrs.Add("assurance_level", "no local full admin with 2FA configured", "precondition")
			return verrs
		}
	}
	sec, err := a.secStore.GetSecurity(ctx)
	if err != nil {
		return err
	}
	sec.AssuranceLevel = level
	_, err = a.secStore.UpdateSecurity(ctx, sec)
	return err
}

// DropSessionState clears pending login state and tokens rooted in a closed
// session.
func (a *Authenticator) DropSessionState(sessionID string) {
	a.mu.Lock()
	delete(a.pendingOTP, sessionID)
	delete(a.pendingSCRAM, sessionID)
	a.mu.Unlock()
	a.Tokens.RevokeSession(sessionID)
}

func (a *Authenticator) recordFailure(ctx context.Context, acct account.Account) {
	sec, err := a.secStore.GetSecurity(ctx)
	if err != nil {
		sec = security.Defaults()
	}
	acct.FailedLogins++
	if sec.MaxLoginAttempts > 0 && acct.FailedLogins >= sec.MaxLoginAttempts && !acct.Locked {
		acct.Locked = true
		a.log.WithField("username", acct.Username).Warn("account locked after repeated failures")
		a.alert("account.locked", map[string]any{"username": acct.Username})
	}
	if _, err := a.accounts.UpdateAccount(ctx, acct); err != nil {
		a.log.WithError(err).Warn("persist failed login count")
	}
}

func (a *Authenticator) resetFailures(ctx context.Context, acct account.Account) {
	if acct.FailedLogins == 0 {
		return
	}
	acct.FailedLogins = 0
	if _, err := a.accounts.UpdateAccount(ctx, acct); err != nil {
		a.log.WithError(err).Warn("reset failed login count")
	}
}

func (a *Authenticator) lookupAPIKey(ctx context.Context, plaintext string) (apikey.APIKey, error) {
	id, _, ok := splitAPIKey(plaintext)
	if !ok {
		return apikey.APIKey{}, errors.AuthFailed()
	}
	return a.apiKeys.GetAPIKey(ctx, id)
}

// splitAPIKey parses the "<id>-<secret>" wire form of a plain API key.
func splitAPIKey(plaintext string) (int64, string, bool) {
	idStr, secret, ok := strings.Cut(plaintext, "-")
	if !ok || secret == "" {
		return 0, "", false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, secret, true
}

func verifyAPIKeySecret(key apikey.APIKey, plaintext string) bool {
	_, secret, ok := splitAPIKey(plaintext)
	if !ok {
		return false
	}
	salted := pbkdf2.Key([]byte(secret), key.Salt, key.Iterations, sha256.Size, sha256.New)
	clientKey := hmacSum(salted, "Client Key")
	stored := sha256.Sum256(clientKey)
	return subtle.ConstantTimeCompare(stored[:], key.StoredKey) == 1
}

func accountBlocked(acct account.Account, now time.Time) (LoginResponse, bool) {
	switch {
	case acct.Disabled:
		return LoginResponse{ResponseType: ResponseDisabled}, true
	case acct.Locked:
		return LoginResponse{ResponseType: ResponseLocked}, true
	case acct.ExpiresAt != nil && now.After(*acct.ExpiresAt):
		return LoginResponse{ResponseType: ResponseExpired}, true
	}
	return LoginResponse{}, false
}

func stringField(req map[string]any, key string) string {
	s, _ := req[key].(string)
	return s
}

func intField(req map[string]any, key string) int64 {
	switch v := req[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

// dummyHash is compared against when the account does not exist so response
// timing does not reveal account existence.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt self-test: %v", err))
	}
	return h
}()
