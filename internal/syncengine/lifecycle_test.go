package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/config"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/rpc"
	"github.com/g960059/agthub/internal/testutil"
)

func TestSpawnSessionWithoutAgentIsNoMachineOnline(t *testing.T) {
	h := newHarness(t)
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")

	_, err := h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/repo"})
	require.Equal(t, model.KindNoHandler, KindOf(err))
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	require.Equal(t, model.CodeNoMachineOnline, engErr.Code)
	require.Equal(t, "No machine online", engErr.Message)

	_, err = h.engine.SpawnSession(h.ctx, "beta", "m1", api.SpawnRequest{Directory: "/repo"})
	require.Equal(t, model.KindAccessDenied, KindOf(err))
}

func TestSpawnSessionDeliversInitialPrompt(t *testing.T) {
	h := newHarness(t)
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")
	spawned := testutil.SeedSession(t, h.store, h.ctx, "alpha", "spawned")

	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"`+spawned.ID+`"}`))

	resp, err := h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/repo", Agent: "claude", InitialPrompt: "fix the build"})
	require.NoError(t, err)
	require.Equal(t, SpawnSuccess, resp.Type)
	require.Equal(t, spawned.ID, resp.SessionID)
	require.NotNil(t, resp.InitialPrompt)
	require.Equal(t, PromptDelivered, resp.InitialPrompt.Status)

	calls := peer.Calls()
	require.Len(t, calls, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Params, &params))
	require.Equal(t, "spawn-in-directory", params["type"])
	require.Equal(t, "/repo", params["directory"])
	require.Equal(t, "claude", params["agent"])

	msgs, err := h.engine.GetMessagesAfter(h.ctx, "alpha", spawned.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var content struct {
		Role string `json:"role"`
		Meta struct {
			SentFrom string `json:"sentFrom"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Content, &content))
	require.Equal(t, "user", content.Role)
	require.Equal(t, SentFromSpawn, content.Meta.SentFrom)
}

func TestSpawnSessionReportsUndeliveredPrompt(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.PromptDeliveryTimeout = 50 * time.Millisecond })
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")
	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"never-registers"}`))

	resp, err := h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/repo", InitialPrompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, SpawnSuccess, resp.Type, "spawn and prompt delivery are separate outcomes")
	require.Equal(t, PromptTimedOut, resp.InitialPrompt.Status)
}

func TestSpawnSessionNormalizesMachineAnswer(t *testing.T) {
	h := newHarness(t)
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")
	peer := testutil.NewPeer("conn-1")
	key := rpc.Key("m1", rpc.MethodSpawnSession)

	peer.Handle(h.registry, key, testutil.Reply(`{"type":"error","errorMessage":"directory missing"}`))
	resp, err := h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/nope"})
	require.NoError(t, err)
	require.Equal(t, api.SpawnResponse{Type: SpawnError, Message: "directory missing"}, resp)

	peer.Handle(h.registry, key, testutil.Reply(`"{\"type\":\"success\",\"sessionId\":\"s-9\"}"`))
	resp, err = h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/repo"})
	require.NoError(t, err)
	require.Equal(t, "s-9", resp.SessionID)

	peer.Handle(h.registry, key, testutil.Reply(`{"weird":true}`))
	resp, err = h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/repo"})
	require.NoError(t, err)
	require.Equal(t, "Unexpected spawn result", resp.Message)

	_, err = h.engine.SpawnSession(h.ctx, "alpha", "m1", api.SpawnRequest{Directory: "/repo", InitialPrompt: string(make([]rune, 100_001))})
	require.Equal(t, model.KindValidation, KindOf(err))
}

func TestResumeSession(t *testing.T) {
	h := newHarness(t)
	noPath := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "no-path", `{"flavor":"claude","claudeSessionId":"u1"}`)
	noToken := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "no-token", `{"path":"/repo","flavor":"codex"}`)
	resumable := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "ok", `{"path":"/repo","flavor":"codex","codexSessionId":"cx-1","machineId":"m2"}`)

	codeOf := func(err error) string {
		var e *Error
		require.ErrorAs(t, err, &e)
		return e.Code
	}

	_, err := h.engine.ResumeSession(h.ctx, "alpha", noPath.ID)
	require.Equal(t, model.CodeResumeUnavailable, codeOf(err))
	_, err = h.engine.ResumeSession(h.ctx, "alpha", noToken.ID)
	require.Equal(t, model.CodeResumeUnavailable, codeOf(err))
	_, err = h.engine.ResumeSession(h.ctx, "alpha", resumable.ID)
	require.Equal(t, model.CodeNoMachineOnline, codeOf(err))

	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m2")
	h.machineAlive(t, "alpha", "m1")
	h.machineAlive(t, "alpha", "m2")
	peer := testutil.NewPeer("conn-2")
	peer.Handle(h.registry, rpc.Key("m2", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"fresh"}`))

	resp, err := h.engine.ResumeSession(h.ctx, "alpha", resumable.ID)
	require.NoError(t, err)
	require.Equal(t, api.ResumeResponse{Type: SpawnSuccess, SessionID: "fresh"}, resp)
	var params map[string]any
	require.NoError(t, json.Unmarshal(peer.Calls()[0].Params, &params))
	require.Equal(t, "cx-1", params["resumeSessionId"])
	require.Equal(t, "codex", params["agent"])

	h.alive(t, "alpha", resumable.ID)
	resp, err = h.engine.ResumeSession(h.ctx, "alpha", resumable.ID)
	require.NoError(t, err)
	require.Equal(t, resumable.ID, resp.SessionID, "active sessions resume in place")
	require.Len(t, peer.Calls(), 1)
}

func TestResumeSessionFailureCode(t *testing.T) {
	h := newHarness(t)
	session := testutil.SeedSession(t, h.store, h.ctx, "alpha", "alpha-1")
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")
	h.machineAlive(t, "alpha", "m1")
	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &rpc.RemoteError{Message: "agent crashed"}
	})

	_, err := h.engine.ResumeSession(h.ctx, "alpha", session.ID)
	var e *Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, model.CodeResumeFailed, e.Code)
	require.Equal(t, "agent crashed", e.Message)
}

func TestRestartSessionsReportsEveryCandidate(t *testing.T) {
	h := newHarness(t)
	resumable := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "r", `{"path":"/repo","flavor":"claude","claudeSessionId":"u1","machineId":"m1","name":"resumable"}`)
	plain := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "p", `{"path":"/repo","flavor":"cursor","machineId":"m1"}`)
	foreign := testutil.SeedSession(t, h.store, h.ctx, "beta", "x")
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")

	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key(resumable.ID, rpc.MethodKillSession), func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &rpc.RemoteError{Message: "already dead"}
	})
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"new"}`))

	resp, err := h.engine.RestartSessions(h.ctx, "alpha", api.RestartRequest{SessionIDs: []string{resumable.ID, plain.ID, foreign.ID}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	byID := map[string]api.RestartResult{}
	for _, r := range resp.Results {
		byID[r.SessionID] = r
	}
	require.Equal(t, RestartRestarted, byID[resumable.ID].Status)
	require.Equal(t, "resumable", byID[resumable.ID].Name)
	require.Equal(t, RestartSkipped, byID[plain.ID].Status)
	require.Equal(t, ReasonNotResumable, byID[plain.ID].Error)
	require.Equal(t, RestartFailed, byID[foreign.ID].Status)

	calls := peer.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, rpc.Key(resumable.ID, rpc.MethodKillSession).String(), calls[0].Key, "kill runs before spawn")
	require.Equal(t, rpc.Key("m1", rpc.MethodSpawnSession).String(), calls[1].Key)
}

func TestRestartSessionsFailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	a := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "a", `{"path":"/a","claudeSessionId":"u1","machineId":"m1"}`)
	b := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "b", `{"path":"/b","claudeSessionId":"u2","machineId":"m1"}`)
	testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "c", `{"path":"/c","claudeSessionId":"u3","machineId":"m2"}`)
	testutil.SeedMachine(t, h.store, h.ctx, "alpha", "m1")

	peer := testutil.NewPeer("conn-1")
	peer.Handle(h.registry, rpc.Key("m1", rpc.MethodSpawnSession), func(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Directory string `json:"directory"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Directory == "/a" {
			return json.RawMessage(`{"type":"error","errorMessage":"boom"}`), nil
		}
		return json.RawMessage(`{"type":"success","sessionId":"ok"}`), nil
	})

	resp, err := h.engine.RestartSessions(h.ctx, "alpha", api.RestartRequest{MachineID: "m1"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2, "machine filter")
	byID := map[string]api.RestartResult{}
	for _, r := range resp.Results {
		byID[r.SessionID] = r
	}
	require.Equal(t, api.RestartResult{SessionID: a.ID, Status: RestartFailed, Error: "boom"}, byID[a.ID])
	require.Equal(t, RestartRestarted, byID[b.ID].Status)
}

func TestRestartSessionsStaysInsideNamespace(t *testing.T) {
	h := newHarness(t)
	testutil.SeedMachine(t, h.store, h.ctx, "beta", "mb")
	borrowed := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "borrowed",
		`{"path":"/etc","flavor":"claude","claudeSessionId":"u1","machineId":"mb"}`)
	unknown := testutil.SeedSessionWithMetadata(t, h.store, h.ctx, "alpha", "unknown",
		`{"path":"/repo","flavor":"claude","claudeSessionId":"u2","machineId":"ghost"}`)

	betaAgent := testutil.NewPeer("beta-conn")
	betaAgent.Handle(h.registry, rpc.Key("mb", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"stolen"}`))
	betaAgent.Handle(h.registry, rpc.Key("ghost", rpc.MethodSpawnSession), testutil.Reply(`{"type":"success","sessionId":"stolen"}`))

	resp, err := h.engine.RestartSessions(h.ctx, "alpha", api.RestartRequest{SessionIDs: []string{borrowed.ID, unknown.ID}})
	require.NoError(t, err)
	byID := map[string]api.RestartResult{}
	for _, r := range resp.Results {
		byID[r.SessionID] = r
	}
	require.Equal(t, RestartFailed, byID[borrowed.ID].Status)
	require.Equal(t, "Machine access denied", byID[borrowed.ID].Error)
	require.Equal(t, RestartFailed, byID[unknown.ID].Status)
	require.Equal(t, "Machine not found", byID[unknown.ID].Error)
	require.Empty(t, betaAgent.Calls(), "no request reaches another namespace's machine")

	_, err = h.engine.RestartSessions(h.ctx, "alpha", api.RestartRequest{MachineID: "mb"})
	require.Equal(t, model.KindAccessDenied, KindOf(err))
	require.Empty(t, betaAgent.Calls())
}
