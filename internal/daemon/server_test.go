package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/broadcast"
	"github.com/g960059/agthub/internal/config"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/presence"
	"github.com/g960059/agthub/internal/rpc"
	"github.com/g960059/agthub/internal/socket"
	"github.com/g960059/agthub/internal/syncengine"
	"github.com/g960059/agthub/internal/testutil"
)

const (
	alphaToken = "secret:alpha"
	betaToken  = "secret:beta"
)

type fixture struct {
	ctx      context.Context
	store    *db.Store
	engine   *syncengine.Engine
	registry *rpc.Registry
	http     *httptest.Server
}

func newFixture(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	cfg := config.DefaultConfig()
	cfg.RPCTimeout = 2 * time.Second
	cfg.CORSOrigins = []string{"https://app.example"}
	for _, fn := range tweak {
		fn(&cfg)
	}
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
	server := NewServer(ctx, engine, sock)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		sock.Close()
		srv.Close()
	})
	return &fixture{ctx: ctx, store: store, engine: engine, registry: registry, http: srv}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.http.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeAs[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (f *fixture) markActive(t *testing.T, ns, sessionID string) {
	t.Helper()
	require.NoError(t, f.engine.HandleSessionAlive(f.ctx, ns, sessionID, model.AliveSignal{Time: time.Now()}))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeAs[api.HealthResponse](t, data)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, config.ProtocolVersion, health.ProtocolVersion)
}

func TestSortOrderPatchKeepsUpdatedAt(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodPost, "/cli/sessions", alphaToken, map[string]any{
		"tag":      "alpha-1",
		"metadata": map[string]any{"path": "/repo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.Equal(t, "1", resp.Header.Get(protocolHeader))
	created := decodeAs[api.SessionEnvelope](t, data).Session
	require.Equal(t, "alpha", created.Namespace)

	_, data = f.do(t, http.MethodGet, "/sessions/"+created.ID, alphaToken, nil)
	before := decodeAs[api.SessionEnvelope](t, data).Session

	time.Sleep(5 * time.Millisecond)
	resp, data = f.do(t, http.MethodPatch, "/sessions/"+created.ID, alphaToken, map[string]any{"sort_order": "a0V"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.True(t, decodeAs[api.OKResponse](t, data).OK)

	_, data = f.do(t, http.MethodGet, "/sessions/"+created.ID, alphaToken, nil)
	after := decodeAs[api.SessionEnvelope](t, data).Session
	require.NotNil(t, after.SortOrder)
	require.Equal(t, "a0V", *after.SortOrder)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestPatchRejectsBadSortOrder(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	for _, body := range []map[string]any{
		{},
		{"sort_order": "has space"},
		{"sort_order": strings.Repeat("a", 51)},
		{"name": "   "},
	} {
		resp, data := f.do(t, http.MethodPatch, "/sessions/"+session.ID, alphaToken, body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
		require.Equal(t, "Invalid body", decodeAs[api.ErrorResponse](t, data).Error)
	}
}

func TestConcurrentRenameWithSameVersion(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")

	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i, name := range []string{"first", "second"} {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := f.do(t, http.MethodPatch, "/sessions/"+session.ID, alphaToken, map[string]any{"name": name, "expectedVersion": 1})
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()
	require.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, statuses)

	_, data := f.do(t, http.MethodGet, "/sessions/"+session.ID, alphaToken, nil)
	require.EqualValues(t, 2, decodeAs[api.SessionEnvelope](t, data).Session.MetadataVersion)
}

func TestSpawnWithoutAgentIsUnavailable(t *testing.T) {
	f := newFixture(t)
	testutil.SeedMachine(t, f.store, f.ctx, "alpha", "m1")
	resp, data := f.do(t, http.MethodPost, "/machines/m1/spawn", alphaToken, map[string]any{"directory": "/repo"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := decodeAs[api.ErrorResponse](t, data)
	require.Equal(t, "No machine online", body.Error)
	require.Equal(t, model.CodeNoMachineOnline, body.Code)
}

func TestSpawnMachineErrorIsReportedInBody(t *testing.T) {
	f := newFixture(t)
	testutil.SeedMachine(t, f.store, f.ctx, "alpha", "m1")
	peer := testutil.NewPeer("p1")
	peer.Handle(f.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"error","errorMessage":"no such directory"}`))

	resp, data := f.do(t, http.MethodPost, "/cli/machines/m1/spawn", alphaToken, map[string]any{"directory": "/missing"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, api.SpawnResponse{Type: "error", Message: "no such directory"}, decodeAs[api.SpawnResponse](t, data))

	resp, data = f.do(t, http.MethodPost, "/machines/m1/spawn", alphaToken, map[string]any{
		"directory":     "/repo",
		"initialPrompt": strings.Repeat("x", 100_001),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "initialPrompt too long", decodeAs[api.ErrorResponse](t, data).Error)
}

func TestRestartSessionsReportsMixedOutcomes(t *testing.T) {
	f := newFixture(t)
	testutil.SeedMachine(t, f.store, f.ctx, "alpha", "m1")
	resumable := testutil.SeedSessionWithMetadata(t, f.store, f.ctx, "alpha", "r",
		`{"path":"/repo","flavor":"claude","claudeSessionId":"u1","machineId":"m1","name":"resumable"}`)
	plain := testutil.SeedSessionWithMetadata(t, f.store, f.ctx, "alpha", "p", `{"path":"/repo","flavor":"cursor","machineId":"m1"}`)
	peer := testutil.NewPeer("p1")
	peer.Handle(f.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"fresh"}`))

	resp, data := f.do(t, http.MethodPost, "/cli/restart-sessions", alphaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	results := decodeAs[api.RestartResponse](t, data).Results
	require.Len(t, results, 2)
	byID := map[string]api.RestartResult{}
	for _, r := range results {
		byID[r.SessionID] = r
	}
	require.Equal(t, syncengine.RestartRestarted, byID[resumable.ID].Status)
	require.Equal(t, "resumable", byID[resumable.ID].Name)
	require.Equal(t, syncengine.RestartSkipped, byID[plain.ID].Status)
	require.Equal(t, syncengine.ReasonNotResumable, byID[plain.ID].Error)
}

func TestNamespaceIsolation(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	testutil.SeedMachine(t, f.store, f.ctx, "alpha", "m1")

	cases := []struct {
		method, path string
		status       int
	}{
		{http.MethodGet, "/sessions/" + session.ID, http.StatusForbidden},
		{http.MethodGet, "/sessions/" + session.ID + "/messages", http.StatusForbidden},
		{http.MethodDelete, "/sessions/" + session.ID, http.StatusForbidden},
		{http.MethodGet, "/sessions/missing", http.StatusNotFound},
		{http.MethodGet, "/machines/m1", http.StatusForbidden},
		{http.MethodGet, "/machines/missing", http.StatusNotFound},
		{http.MethodGet, "/machines/m1/agents", http.StatusForbidden},
		{http.MethodGet, "/cli/sessions/" + session.ID, http.StatusForbidden},
	}
	for _, tc := range cases {
		resp, data := f.do(t, tc.method, tc.path, betaToken, nil)
		require.Equal(t, tc.status, resp.StatusCode, "%s %s: %s", tc.method, tc.path, data)
	}

	_, data := f.do(t, http.MethodGet, "/sessions", betaToken, nil)
	require.Empty(t, decodeAs[api.SessionsEnvelope](t, data).Sessions)

	resp, _ := f.do(t, http.MethodPost, "/cli/machines", betaToken, map[string]any{"id": "m1"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/sessions", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions", "wrong:alpha", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, data := f.do(t, http.MethodPost, "/auth", "", map[string]string{"accessToken": "wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "Invalid access token", decodeAs[api.ErrorResponse](t, data).Error)

	resp, _ = f.do(t, http.MethodPost, "/auth", "", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, data = f.do(t, http.MethodPost, "/auth", "", map[string]string{"accessToken": alphaToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	auth := decodeAs[api.AuthResponse](t, data)
	require.Equal(t, "alpha", auth.Namespace)
	require.NotEmpty(t, auth.Token)

	resp, _ = f.do(t, http.MethodGet, "/sessions", auth.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Web tokens are not accepted on the agent API.
	resp, _ = f.do(t, http.MethodPost, "/cli/sessions", auth.Token, map[string]string{"tag": "x"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthIsRateLimited(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AuthAttemptsPerMinute = 1 })
	resp, _ := f.do(t, http.MethodPost, "/auth", "", map[string]string{"accessToken": alphaToken})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/auth", "", map[string]string{"accessToken": alphaToken})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")

	req.Header.Set("Origin", "https://evil.example")
	resp, err = f.http.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMessages(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	path := "/sessions/" + session.ID + "/messages"

	resp, data := f.do(t, http.MethodPost, path, alphaToken, map[string]string{"text": "hello"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "Session is inactive", decodeAs[api.ErrorResponse](t, data).Error)

	f.markActive(t, "alpha", session.ID)
	for i := 0; i < 3; i++ {
		resp, data = f.do(t, http.MethodPost, path, alphaToken, map[string]string{"text": "hello"})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	}
	sent := decodeAs[api.SendMessageResponse](t, data)
	require.EqualValues(t, 3, sent.Message.Seq)
	require.JSONEq(t, `{"role":"user","content":{"type":"text","text":"hello"},"meta":{"sentFrom":"webapp"}}`, string(sent.Message.Content))

	_, data = f.do(t, http.MethodGet, path+"?limit=2", alphaToken, nil)
	page := decodeAs[api.MessagesEnvelope](t, data)
	require.Len(t, page.Messages, 2)
	require.EqualValues(t, 2, page.Messages[0].Seq)
	require.True(t, page.Page.HasMore)
	require.EqualValues(t, 2, *page.Page.NextBeforeSeq)

	_, data = f.do(t, http.MethodGet, path+"?limit=2&beforeSeq=2", alphaToken, nil)
	page = decodeAs[api.MessagesEnvelope](t, data)
	require.Len(t, page.Messages, 1)
	require.False(t, page.Page.HasMore)
	require.EqualValues(t, 2, *page.Page.BeforeSeq)

	_, data = f.do(t, http.MethodGet, "/cli/sessions/"+session.ID+"/messages?afterSeq=1", alphaToken, nil)
	after := decodeAs[api.MessagesEnvelope](t, data)
	require.Len(t, after.Messages, 2)
	require.Nil(t, after.Page)

	resp, _ = f.do(t, http.MethodGet, "/cli/sessions/"+session.ID+"/messages", alphaToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetadataCompareAndSwap(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	path := "/sessions/" + session.ID + "/metadata"

	resp, data := f.do(t, http.MethodPost, path, alphaToken, map[string]any{"expectedVersion": 1, "value": map[string]string{"path": "/next"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	ok := decodeAs[api.UpdateVersionedResponse](t, data)
	require.Equal(t, string(model.UpdateSuccess), ok.Result)
	require.EqualValues(t, 2, ok.Version)

	resp, data = f.do(t, http.MethodPost, path, alphaToken, map[string]any{"expectedVersion": 1, "value": map[string]string{"path": "/stale"}})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	stale := decodeAs[api.UpdateVersionedResponse](t, data)
	require.Equal(t, string(model.UpdateVersionMismatch), stale.Result)
	require.EqualValues(t, 2, stale.Version)
	require.JSONEq(t, `{"path":"/next"}`, string(stale.Value))
}

func TestDeleteActiveSessionConflicts(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	f.markActive(t, "alpha", session.ID)
	resp, data := f.do(t, http.MethodDelete, "/sessions/"+session.ID, alphaToken, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))

	idle := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-2")
	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+idle.ID, alphaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions/"+idle.ID, alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResumeErrors(t *testing.T) {
	f := newFixture(t)
	noPath := testutil.SeedSessionWithMetadata(t, f.store, f.ctx, "alpha", "no-path", `{"flavor":"claude","claudeSessionId":"u1"}`)
	resp, data := f.do(t, http.MethodPost, "/sessions/"+noPath.ID+"/resume", alphaToken, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, api.ErrorResponse{Error: "Session metadata missing path", Code: model.CodeResumeUnavailable}, decodeAs[api.ErrorResponse](t, data))

	resumable := testutil.SeedSession(t, f.store, f.ctx, "alpha", "ok")
	resp, data = f.do(t, http.MethodPost, "/sessions/"+resumable.ID+"/resume", alphaToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, model.CodeNoMachineOnline, decodeAs[api.ErrorResponse](t, data).Code)
}

func TestSessionProxies(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.MaxUploadBytes = 4 })
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	peer := testutil.NewPeer("p1")
	peer.Handle(f.registry, rpc.Key(session.ID, rpc.MethodGitStatus), testutil.Reply(`{"success":true,"stdout":"## main"}`))

	resp, data := f.do(t, http.MethodGet, "/sessions/"+session.ID+"/git-status", alphaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"success":true,"stdout":"## main"}`, string(data))

	resp, data = f.do(t, http.MethodGet, "/sessions/"+session.ID+"/file?path=main.go", alphaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	failure := decodeAs[api.ProxyFailure](t, data)
	require.False(t, failure.Success)
	require.Contains(t, failure.Error, "RPC handler not registered")

	resp, _ = f.do(t, http.MethodGet, "/sessions/"+session.ID+"/files?query=--help", alphaToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions/"+session.ID+"/tree?path=-rf", alphaToken, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	upload := map[string]string{"filename": "a.txt", "content": "aGVsbG8gd29ybGQ=", "mimeType": "text/plain"}
	resp, _ = f.do(t, http.MethodPost, "/sessions/"+session.ID+"/upload", alphaToken, upload)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	upload["content"] = "aGk="
	resp, _ = f.do(t, http.MethodPost, "/sessions/"+session.ID+"/upload", alphaToken, upload)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPathsExist(t *testing.T) {
	f := newFixture(t)
	testutil.SeedMachine(t, f.store, f.ctx, "alpha", "m1")
	peer := testutil.NewPeer("p1")
	peer.Handle(f.registry, rpc.Key("m1", rpc.MethodPathExists), testutil.Reply(`{"exists":{"/a":true,"/b":false}}`))

	resp, data := f.do(t, http.MethodPost, "/machines/m1/paths/exists", alphaToken, map[string]any{"paths": []string{"/a", " /b "}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.Equal(t, map[string]bool{"/a": true, " /b ": false}, decodeAs[api.PathsExistResponse](t, data).Exists)

	resp, _ = f.do(t, http.MethodPost, "/machines/m1/paths/exists", alphaToken, map[string]any{"paths": make([]string, 1001)})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMachinesListOnlineByDefault(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodPost, "/machines", alphaToken, map[string]any{"id": "m1", "metadata": map[string]string{"host": "box"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	testutil.SeedMachine(t, f.store, f.ctx, "alpha", "m2")
	require.NoError(t, f.engine.HandleMachineAlive(f.ctx, "alpha", "m2", time.Now()))

	_, data = f.do(t, http.MethodGet, "/machines", alphaToken, nil)
	online := decodeAs[api.MachinesEnvelope](t, data).Machines
	require.Len(t, online, 1)
	require.Equal(t, "m2", online[0].ID)
	require.True(t, online[0].Active)

	_, data = f.do(t, http.MethodGet, "/machines?all=true", alphaToken, nil)
	require.Len(t, decodeAs[api.MachinesEnvelope](t, data).Machines, 2)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/events?token="+alphaToken, nil)
	require.NoError(t, err)
	resp, err := f.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	nextEvent := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event: "); ok {
				return name
			}
		}
		t.Fatal("stream ended")
		return ""
	}
	require.Equal(t, api.EventConnectionChange, nextEvent())

	patched, _ := f.do(t, http.MethodPatch, "/sessions/"+session.ID, alphaToken, map[string]any{"sort_order": "b"})
	require.Equal(t, http.StatusOK, patched.StatusCode)
	require.Equal(t, api.EventSessionUpdated, nextEvent())
	require.True(t, lines.Scan())
	data, ok := strings.CutPrefix(lines.Text(), "data: ")
	require.True(t, ok)
	require.Equal(t, session.ID, decodeAs[api.SyncEvent](t, []byte(data)).SessionID)
}

func TestEventFilter(t *testing.T) {
	msg := api.SyncEvent{Type: api.EventMessageReceived, SessionID: "s1"}
	updated := api.SyncEvent{Type: api.EventSessionUpdated, SessionID: "s1"}
	machine := api.SyncEvent{Type: api.EventMachineUpdated, MachineID: "m1"}

	require.False(t, eventFilter{}.match(msg))
	require.True(t, eventFilter{}.match(updated))
	require.True(t, eventFilter{sessionID: "s1"}.match(msg))
	require.False(t, eventFilter{sessionID: "s2"}.match(updated))
	require.True(t, eventFilter{machineID: "m1"}.match(machine))
	require.False(t, eventFilter{machineID: "m1"}.match(updated))
}

func TestSessionAnnotations(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "t1")
	base := "/sessions/" + session.ID

	resp, data := f.do(t, http.MethodPost, base+"/beads", alphaToken, map[string]string{"beadId": "bd-12"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	resp, data = f.do(t, http.MethodPost, base+"/beads", alphaToken, map[string]string{"beadId": " "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	_, data = f.do(t, http.MethodGet, base+"/beads", alphaToken, nil)
	beads := decodeAs[api.BeadsEnvelope](t, data).Beads
	require.Len(t, beads, 1)
	require.Equal(t, "bd-12", beads[0].BeadID)

	resp, _ = f.do(t, http.MethodGet, base+"/snapshots/terminal", alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, data = f.do(t, http.MethodPut, base+"/snapshots/terminal", alphaToken, map[string]any{"rows": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	resp, _ = f.do(t, http.MethodPut, base+"/snapshots/terminal", alphaToken, map[string]any{"rows": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, data = f.do(t, http.MethodGet, base+"/snapshots/terminal", alphaToken, nil)
	snap := decodeAs[api.SnapshotEnvelope](t, data).Snapshot
	require.Equal(t, "terminal", snap.Kind)
	require.JSONEq(t, `{"rows":3}`, string(snap.Payload))

	resp, _ = f.do(t, http.MethodGet, base+"/beads", betaToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, base+"/snapshots", alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, base+"/messages/extra", alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionControls(t *testing.T) {
	f := newFixture(t)
	session := testutil.SeedSession(t, f.store, f.ctx, "alpha", "alpha-1")
	_, err := f.store.UpdateSessionAgentState(f.ctx, "alpha", session.ID,
		json.RawMessage(`{"requests":{"req-1":{"tool":"Bash"}}}`), 1, db.DefaultUpdate)
	require.NoError(t, err)
	base := "/sessions/" + session.ID

	resp, _ := f.do(t, http.MethodPost, base+"/permission-mode", alphaToken, map[string]string{"mode": "plan"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	f.markActive(t, "alpha", session.ID)
	resp, data := f.do(t, http.MethodPost, base+"/permission-mode", alphaToken, map[string]string{"mode": ""})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "Invalid body", decodeAs[api.ErrorResponse](t, data).Error)
	resp, _ = f.do(t, http.MethodPost, base+"/model", alphaToken, map[string]string{"model": "opus"})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	peer := testutil.NewPeer("p1")
	peer.Handle(f.registry, rpc.Key(session.ID, rpc.MethodSessionConfig), testutil.Reply(`{"ok":true}`))
	peer.Handle(f.registry, rpc.Key(session.ID, rpc.MethodPermission), testutil.Reply(`{}`))
	peer.Handle(f.registry, rpc.Key(session.ID, rpc.MethodKillSession), testutil.Reply(`{"success":true}`))

	resp, data = f.do(t, http.MethodPost, base+"/model", alphaToken, map[string]string{"model": "opus"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	_, data = f.do(t, http.MethodGet, base, alphaToken, nil)
	got := decodeAs[api.SessionEnvelope](t, data).Session
	require.NotNil(t, got.ModelMode)
	require.Equal(t, "opus", *got.ModelMode)
	require.Nil(t, got.PermissionMode)

	resp, data = f.do(t, http.MethodPost, base+"/permissions/req-9/approve", alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, api.ErrorResponse{Error: "Request not found", Code: model.CodeRequestNotFound}, decodeAs[api.ErrorResponse](t, data))

	resp, data = f.do(t, http.MethodPost, base+"/permissions/req-1/approve", alphaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	resp, _ = f.do(t, http.MethodPost, base+"/permissions/req-1/deny", alphaToken, map[string]string{"decision": "abort"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, base+"/permissions/req-1/maybe", alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, base+"/permissions", alphaToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, base+"/archive", betaToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, base+"/archive", alphaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var methods []string
	for _, call := range peer.Calls() {
		methods = append(methods, call.Key)
	}
	require.Equal(t, []string{
		rpc.Key(session.ID, rpc.MethodSessionConfig).String(),
		rpc.Key(session.ID, rpc.MethodPermission).String(),
		rpc.Key(session.ID, rpc.MethodPermission).String(),
		rpc.Key(session.ID, rpc.MethodKillSession).String(),
	}, methods)
}
