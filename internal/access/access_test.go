package access_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/testutil"
)

func TestParseAccessToken(t *testing.T) {
	cases := []struct {
		raw  string
		ok   bool
		base string
		ns   string
	}{
		{raw: "secret", ok: true, base: "secret", ns: model.DefaultNamespace},
		{raw: "  secret  ", ok: true, base: "secret", ns: model.DefaultNamespace},
		{raw: "secret:alice", ok: true, base: "secret", ns: "alice"},
		{raw: "a:b:team", ok: true, base: "a:b", ns: "team"},
		{raw: "secret:", ok: false},
		{raw: ":alice", ok: false},
		{raw: "secret :alice", ok: false},
		{raw: "secret: alice", ok: false},
		{raw: "   ", ok: false},
	}
	for _, tc := range cases {
		got, ok := access.ParseAccessToken(tc.raw)
		require.Equal(t, tc.ok, ok, "raw=%q", tc.raw)
		if tc.ok {
			require.Equal(t, tc.base, got.Base, "raw=%q", tc.raw)
			require.Equal(t, tc.ns, got.Namespace, "raw=%q", tc.raw)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	store, _ := testutil.NewStore(t)
	issuer, err := access.NewIssuer("jwt-secret-value", time.Minute)
	require.NoError(t, err)
	r := access.NewResolver(store, "cli-token", issuer)

	ns, err := r.Authenticate("cli-token:alice")
	require.NoError(t, err)
	require.Equal(t, "alice", ns)

	_, err = r.Authenticate("cli-tokem:alice")
	require.ErrorIs(t, err, access.ErrUnauthorized)
	_, err = r.Authenticate("")
	require.ErrorIs(t, err, access.ErrUnauthorized)

	signed, _, err := issuer.Issue("bob")
	require.NoError(t, err)
	ns, err = r.AuthenticateAny(signed)
	require.NoError(t, err)
	require.Equal(t, "bob", ns)
	ns, err = r.AuthenticateAny("cli-token")
	require.NoError(t, err)
	require.Equal(t, model.DefaultNamespace, ns)
}

func TestIssuerRejectsForeignAndExpiredTokens(t *testing.T) {
	issuer, err := access.NewIssuer("one", time.Millisecond)
	require.NoError(t, err)
	other, err := access.NewIssuer("two", time.Hour)
	require.NoError(t, err)

	signed, _, err := other.Issue("alice")
	require.NoError(t, err)
	_, err = issuer.Verify(signed)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	short, _, err := issuer.Issue("alice")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = issuer.Verify(short)
	require.ErrorIs(t, err, access.ErrUnauthorized)

	_, err = access.NewIssuer(" ", time.Minute)
	require.Error(t, err)
}

func TestResolveSessionAndMachine(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	session := testutil.SeedSession(t, store, ctx, "alice", "s")
	machine := testutil.SeedMachine(t, store, ctx, "alice", "m-1")
	r := access.NewResolver(store, "cli-token", nil)

	res, err := r.ResolveSession(ctx, session.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.AccessOK, res.Status)
	require.Equal(t, session.ID, res.Session.ID)

	res, err = r.ResolveSession(ctx, session.ID, "mallory")
	require.NoError(t, err)
	require.Equal(t, model.AccessDenied, res.Status)
	require.Empty(t, res.Session.ID, "no data leaks on denial")

	res, err = r.ResolveSession(ctx, "missing", "alice")
	require.NoError(t, err)
	require.Equal(t, model.AccessNotFound, res.Status)

	mres, err := r.ResolveMachine(ctx, machine.ID, "mallory")
	require.NoError(t, err)
	require.Equal(t, model.AccessDenied, mres.Status)
	mres, err = r.ResolveMachine(ctx, machine.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, model.AccessOK, mres.Status)
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/cli/sessions", nil)
	require.Empty(t, access.BearerToken(req))
	req.Header.Set("Authorization", "bearer  abc:ns ")
	require.Equal(t, "abc:ns", access.BearerToken(req))
	req.Header.Set("Authorization", "Basic abc")
	require.Empty(t, access.BearerToken(req))

	ctx := access.WithNamespace(req.Context(), "alice")
	ns, ok := access.NamespaceFrom(ctx)
	require.True(t, ok)
	require.Equal(t, "alice", ns)
}
