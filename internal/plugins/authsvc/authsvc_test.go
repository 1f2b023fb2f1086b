package authsvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/domain/account"
	"github.com/naslab/middled/internal/jobs"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage/memory"
	"github.com/naslab/middled/pkg/logger"
)

type nopSink struct{}

func (nopSink) SendReply(dispatcher.Reply) {}
func (nopSink) SendEvent(dispatcher.Event) {}

func newTestDispatcher(t *testing.T) (*dispatcher.Dispatcher, *memory.Store) {
	t.Helper()
	store := memory.New()
	jm, err := jobs.NewManager(context.Background(), store, logger.NewNop(), jobs.Options{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(jm.Stop)

	set := registry.NewBuilderSet().
		Add("core", nil, func(r *registry.Registry) (registry.Plugin, error) {
			return registry.Plugin{Name: "core"}, nil
		}).
		Add("auth", []string{"core"}, Plugin(store))
	reg, err := registry.Build(logger.NewNop(), set)
	require.NoError(t, err)

	authr := auth.New(store, store, store, logger.NewNop())
	d := dispatcher.New(reg, jm, authr, store, nil, logger.NewNop(), dispatcher.Options{})
	t.Cleanup(d.Stop)
	return d, store
}

func seedAdmin(t *testing.T, store *memory.Store, username, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	_, err = store.CreateAccount(context.Background(), account.Account{
		Username:     username,
		PasswordHash: string(hash),
		Roles:        []string{auth.RoleFullAdmin},
	})
	require.NoError(t, err)
}

func newSession(t *testing.T, d *dispatcher.Dispatcher) *dispatcher.Session {
	t.Helper()
	s := d.NewSession(&auth.Origin{Transport: auth.TransportWebSocket, Address: "192.0.2.5"}, nopSink{})
	t.Cleanup(s.Close)
	return s
}

// The login and identity responses are a wire contract: clients key on
// response_type, authenticator and pw_name.
func TestLoginResponseShape(t *testing.T) {
	d, store := newTestDispatcher(t)
	seedAdmin(t, store, "admin", "pass")
	s := newSession(t, d)
	ctx := context.Background()

	out, err := s.CallSync(ctx, "auth.login_ex", map[string]any{
		"mechanism": auth.MechanismPassword,
		"username":  "admin",
		"password":  "pass",
	})
	require.NoError(t, err)
	resp := out.(map[string]any)
	require.Equal(t, "SUCCESS", resp["response_type"])
	require.Equal(t, "LEVEL_1", resp["authenticator"])
	info := resp["user_info"].(map[string]any)
	require.Equal(t, "admin", info["pw_name"])

	me, err := s.CallSync(ctx, "auth.me", nil)
	require.NoError(t, err)
	row := me.(map[string]any)
	require.Equal(t, "admin", row["pw_name"])
	require.Contains(t, row["roles"], auth.RoleFullAdmin)
}

func TestLoginFailureIsInBand(t *testing.T) {
	d, store := newTestDispatcher(t)
	seedAdmin(t, store, "admin", "pass")
	s := newSession(t, d)

	out, err := s.CallSync(context.Background(), "auth.login_ex", map[string]any{
		"mechanism": auth.MechanismPassword,
		"username":  "admin",
		"password":  "wrong",
	})
	require.NoError(t, err)
	resp := out.(map[string]any)
	require.Equal(t, auth.ResponseAuthErr, resp["response_type"])
	require.NotContains(t, resp, "authenticator")
	require.Nil(t, s.Credential())
}

// Every login exchange leaves an audit record with the secret redacted,
// failed attempts included.
func TestLoginAttemptsAudited(t *testing.T) {
	d, store := newTestDispatcher(t)
	seedAdmin(t, store, "admin", "pass")
	s := newSession(t, d)
	ctx := context.Background()

	_, err := s.CallSync(ctx, "auth.login_ex", map[string]any{
		"mechanism": auth.MechanismPassword,
		"username":  "admin",
		"password":  "wrong",
	})
	require.NoError(t, err)
	_, err = s.CallSync(ctx, "auth.login_ex", map[string]any{
		"mechanism": auth.MechanismPassword,
		"username":  "admin",
		"password":  "pass",
	})
	require.NoError(t, err)

	entries, err := store.ListAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		require.Equal(t, "auth.login_ex", entry.Method)
		require.Equal(t, "Log in via PASSWORD_PLAIN", entry.Description)
		require.Equal(t, schema.RedactedPlaceholder, entry.Args["password"])
	}
}
