package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/broadcast"
	"github.com/g960059/agthub/internal/config"
	"github.com/g960059/agthub/internal/daemon"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/presence"
	"github.com/g960059/agthub/internal/rpc"
	"github.com/g960059/agthub/internal/socket"
	"github.com/g960059/agthub/internal/syncengine"
	"github.com/g960059/agthub/internal/testutil"
)

type hub struct {
	ctx      context.Context
	engine   *syncengine.Engine
	registry *rpc.Registry
	url      string
}

func newHub(t *testing.T) *hub {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.RPCTimeout = 2 * time.Second
	issuer, err := access.NewIssuer("jwt-secret", time.Minute)
	require.NoError(t, err)
	registry := rpc.NewRegistry()
	engine := syncengine.New(syncengine.Options{
		Config:     cfg,
		Store:      store,
		Resolver:   access.NewResolver(store, "secret", issuer),
		Presence:   presence.NewTracker(cfg.ActiveWindow, cfg.MachineOnlineWindow),
		Dispatcher: rpc.NewDispatcher(registry, cfg.RPCTimeout),
		Hub:        broadcast.NewHub(64),
	})
	sock := socket.NewServer(engine, registry)
	srv := httptest.NewServer(daemon.NewServer(ctx, engine, sock).Handler())
	t.Cleanup(func() {
		sock.Close()
		srv.Close()
	})
	return &hub{ctx: ctx, engine: engine, registry: registry, url: srv.URL}
}

func (h *hub) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	env := map[string]string{envHubURL: h.url, envToken: "secret:alpha"}
	r := NewRunnerWithClient(nil, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}, out, errOut)
	code := r.Run(h.ctx, args)
	return code, out.String(), errOut.String()
}

func testCreate(tag string) db.CreateSessionParams {
	return db.CreateSessionParams{Tag: tag}
}

func registerOnline(h *hub, machineID string) error {
	if _, err := h.engine.GetOrCreateMachine(h.ctx, "alpha", machineID, nil, nil); err != nil {
		return err
	}
	return h.engine.HandleMachineAlive(h.ctx, "alpha", machineID, time.Now())
}

func TestSessionsCreateIsIdempotent(t *testing.T) {
	h := newHub(t)
	code, out, stderr := h.run(t, "sessions", "create", "--tag", "t1", "--metadata", `{"path":"/repo"}`, "--json")
	require.Equal(t, 0, code, stderr)
	var first api.SessionEnvelope
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Equal(t, "t1", first.Session.Tag)
	require.Equal(t, "alpha", first.Session.Namespace)
	require.JSONEq(t, `{"path":"/repo"}`, string(first.Session.Metadata))

	code, out, stderr = h.run(t, "sessions", "create", "t1")
	require.Equal(t, 0, code, stderr)
	require.True(t, strings.HasPrefix(out, first.Session.ID+"\tt1\t"), out)
}

func TestSessionsCreateValidatesInput(t *testing.T) {
	h := newHub(t)
	code, _, stderr := h.run(t, "sessions", "create")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "usage: agthub sessions create")

	code, _, stderr = h.run(t, "sessions", "create", "--tag", "t1", "--metadata", "[1,2]")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "--metadata must be a JSON object")
}

func TestSessionsGetAndMessages(t *testing.T) {
	h := newHub(t)
	sess, err := h.engine.GetOrCreateSession(h.ctx, "alpha", testCreate("t1"))
	require.NoError(t, err)
	id := sess.API().ID
	for _, text := range []string{"one", "two", "three"} {
		_, _, err := h.engine.AddMessage(h.ctx, "alpha", id, syncengine.UserTextContent(text, syncengine.SentFromWeb), "")
		require.NoError(t, err)
	}

	code, out, stderr := h.run(t, "sessions", "get", id)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "seq=3")

	code, out, stderr = h.run(t, "sessions", "messages", id, "--after", "1", "--json")
	require.Equal(t, 0, code, stderr)
	var env api.MessagesEnvelope
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	require.Len(t, env.Messages, 2)
	require.Equal(t, int64(2), env.Messages[0].Seq)
	require.Equal(t, int64(3), env.Messages[1].Seq)

	code, out, stderr = h.run(t, "sessions", "messages", id, "--after", "2")
	require.Equal(t, 0, code, stderr)
	require.True(t, strings.HasPrefix(out, "3\t"), out)
	require.Contains(t, out, "three")
}

func TestSessionsGetReportsHubErrors(t *testing.T) {
	h := newHub(t)
	code, _, stderr := h.run(t, "sessions", "get", "missing")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Session not found")
}

func TestMachinesRegisterAndGet(t *testing.T) {
	h := newHub(t)
	code, out, stderr := h.run(t, "machines", "register", "m1", "--metadata", `{"host":"box"}`)
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "m1\toffline\tmetadata@1\trunner@1\n", out)

	require.NoError(t, h.engine.HandleMachineAlive(h.ctx, "alpha", "m1", time.Now()))
	code, out, stderr = h.run(t, "machines", "get", "m1", "--json")
	require.Equal(t, 0, code, stderr)
	var env api.MachineEnvelope
	require.NoError(t, json.Unmarshal([]byte(out), &env))
	require.True(t, env.Machine.Active)
	require.JSONEq(t, `{"host":"box"}`, string(env.Machine.Metadata))
}

func TestMachinesSpawn(t *testing.T) {
	h := newHub(t)
	require.NoError(t, registerOnline(h, "m1"))

	code, _, stderr := h.run(t, "machines", "spawn", "m1", "--dir", "/repo")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "No machine online")

	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"error","message":"no such directory"}`))
	code, _, stderr = h.run(t, "machines", "spawn", "m1", "--dir", "/nope")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "spawn failed: no such directory")

	code, _, stderr = h.run(t, "machines", "spawn", "m1")
	require.Equal(t, 2, code)
	require.Contains(t, stderr, "usage: agthub machines spawn")
}

func TestMachinesSpawnSuccess(t *testing.T) {
	h := newHub(t)
	require.NoError(t, registerOnline(h, "m1"))
	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"s-new"}`))

	code, out, stderr := h.run(t, "machines", "spawn", "m1", "--dir", "/repo", "--agent", "claude")
	require.Equal(t, 0, code, stderr)
	require.Equal(t, "spawned session s-new\n", out)
	calls := peer.Calls()
	require.Len(t, calls, 1)
	require.Contains(t, string(calls[0].Params), `"agent":"claude"`)
}

func TestRestartWithNothingToRestart(t *testing.T) {
	h := newHub(t)
	code, out, stderr := h.run(t, "restart", "--json")
	require.Equal(t, 0, code, stderr)
	var resp api.RestartResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Empty(t, resp.Results)
}

func TestRestartReportsUnknownSessions(t *testing.T) {
	h := newHub(t)
	code, out, stderr := h.run(t, "restart", "ghost")
	require.Equal(t, 1, code, stderr)
	require.Equal(t, "ghost\tfailed\tSession not found\n", out)
}

func TestEventsFollowsSessionStream(t *testing.T) {
	h := newHub(t)
	sess, err := h.engine.GetOrCreateSession(h.ctx, "alpha", testCreate("t1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(h.ctx, 300*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		sortOrder := "a1"
		_ = h.engine.PatchSession(h.ctx, "alpha", sess.API().ID, syncengine.PatchSessionInput{SortOrder: &sortOrder})
	}()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(nil, nil, out, errOut)
	code := r.Run(ctx, []string{"--hub", h.url, "--token=secret:alpha", "events", "--session", sess.API().ID})
	require.Equal(t, 1, code, "deadline ends the follow loop with an error")
	require.Contains(t, out.String(), `"sessionId":"`+sess.API().ID+`"`)
	require.Contains(t, out.String(), api.EventSessionUpdated)
}

func TestGlobalArgs(t *testing.T) {
	r := NewRunnerWithClient(nil, nil, &bytes.Buffer{}, &bytes.Buffer{})
	opts, rest, err := r.parseGlobalArgs([]string{"--hub=http://hub:1", "sessions", "--token", "tok", "get", "x"})
	require.NoError(t, err)
	require.Equal(t, "http://hub:1", opts.hubURL)
	require.Equal(t, "tok", opts.token)
	require.Equal(t, []string{"sessions", "get", "x"}, rest)

	_, _, err = r.parseGlobalArgs([]string{"--token"})
	require.Error(t, err)
}

func TestUsageErrors(t *testing.T) {
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(nil, nil, &bytes.Buffer{}, errOut)
	require.Equal(t, 2, r.Run(context.Background(), nil))
	require.Contains(t, errOut.String(), "usage: agthub")

	errOut.Reset()
	require.Equal(t, 2, r.Run(context.Background(), []string{"sessions", "list"}))
	require.Contains(t, errOut.String(), "--token or AGTHUB_TOKEN is required")

	errOut.Reset()
	require.Equal(t, 2, r.Run(context.Background(), []string{"--token", "x", "bogus"}))
	require.Contains(t, errOut.String(), "unknown command: bogus")
}

func TestWebTokenIsRejectedOnCLIRoutes(t *testing.T) {
	h := newHub(t)
	resp, err := http.Post(h.url+"/auth", "application/json", strings.NewReader(`{"accessToken":"secret:alpha"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	var auth api.AuthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&auth))
	require.NotEmpty(t, auth.Token)

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(nil, nil, out, errOut)
	code := r.Run(h.ctx, []string{"--hub", h.url, "--token", auth.Token, "sessions", "get", "x"})
	require.Equal(t, 1, code)
	require.Contains(t, errOut.String(), "Unauthorized")
}
