package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/rpc"
)

// Spawn result types reported by agent machines.
const (
	SpawnSuccess = "success"
	SpawnError   = "error"
)

// Prompt delivery outcomes of SpawnSession.
const (
	PromptDelivered = "delivered"
	PromptTimedOut  = "timed-out"
	PromptFailed    = "failed"
	PromptSkipped   = "skipped"
)

// Restart outcomes.
const (
	RestartRestarted = "restarted"
	RestartSkipped   = "skipped"
	RestartFailed    = "failed"

	ReasonNotResumable = "not_resumable"
)

const (
	defaultFlavor      = "claude"
	killSessionTimeout = 5 * time.Second
	promptPollInterval = 200 * time.Millisecond
)

// resumeKeys maps agent flavors that support resume to the metadata key
// holding their upstream session id.
var resumeKeys = map[string]string{
	"claude":   "claudeSessionId",
	"codex":    "codexSessionId",
	"gemini":   "geminiSessionId",
	"opencode": "opencodeSessionId",
}

// sessionMeta is the part of session metadata the engine reads.
type sessionMeta struct {
	Name      string
	Path      string
	Host      string
	MachineID string
	Flavor    string
	ResumeID  string
	Summary   string
}

func parseSessionMeta(raw json.RawMessage) sessionMeta {
	fields := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &fields)
	}
	str := func(k string) string {
		v, _ := fields[k].(string)
		return strings.TrimSpace(v)
	}
	meta := sessionMeta{
		Name:      str("name"),
		Path:      str("path"),
		Host:      str("host"),
		MachineID: str("machineId"),
		Flavor:    str("flavor"),
	}
	if summary, ok := fields["summary"].(map[string]any); ok {
		meta.Summary, _ = summary["text"].(string)
	}
	if meta.Flavor == "" {
		meta.Flavor = defaultFlavor
	}
	if key, ok := resumeKeys[meta.Flavor]; ok {
		meta.ResumeID = str(key)
	}
	return meta
}

// Resumable reports whether the session can be restarted on a machine.
func (m sessionMeta) Resumable() bool {
	_, supported := resumeKeys[m.Flavor]
	return supported && m.ResumeID != "" && m.Path != ""
}

func (m sessionMeta) displayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Summary
}

type spawnParams struct {
	Type            string `json:"type"`
	Directory       string `json:"directory"`
	Agent           string `json:"agent,omitempty"`
	Model           string `json:"model,omitempty"`
	Yolo            bool   `json:"yolo,omitempty"`
	SessionType     string `json:"sessionType,omitempty"`
	WorktreeName    string `json:"worktreeName,omitempty"`
	WorktreeBranch  string `json:"worktreeBranch,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

type spawnResult struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	ErrorMessage string `json:"errorMessage"`
}

// normalizeSpawn turns a machine's spawn answer into a SpawnResponse.
func normalizeSpawn(raw json.RawMessage) api.SpawnResponse {
	var res spawnResult
	if err := rpc.Decode(raw, &res); err == nil {
		switch {
		case res.Type == SpawnSuccess && res.SessionID != "":
			return api.SpawnResponse{Type: SpawnSuccess, SessionID: res.SessionID}
		case res.Type == SpawnError && res.ErrorMessage != "":
			return api.SpawnResponse{Type: SpawnError, Message: res.ErrorMessage}
		}
	}
	return api.SpawnResponse{Type: SpawnError, Message: "Unexpected spawn result"}
}

func noMachineOnline(err error) *Error {
	return &Error{Kind: model.KindNoHandler, Code: model.CodeNoMachineOnline, Message: "No machine online", err: err}
}

func (e *Engine) callSpawn(ctx context.Context, machineID string, params spawnParams) (api.SpawnResponse, error) {
	params.Type = "spawn-in-directory"
	raw, err := e.dispatcher.Call(ctx, rpc.Key(machineID, rpc.MethodSpawnSession), params, e.cfg.SpawnTimeout)
	if err != nil {
		return api.SpawnResponse{}, err
	}
	return normalizeSpawn(raw), nil
}

// SpawnSession asks a machine to start a new agent session. When the spawn
// succeeds and an initial prompt was supplied, the prompt is appended to
// the new session and its delivery is reported separately.
func (e *Engine) SpawnSession(ctx context.Context, namespace, machineID string, req api.SpawnRequest) (api.SpawnResponse, error) {
	if strings.TrimSpace(req.Directory) == "" {
		return api.SpawnResponse{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if limit := e.cfg.MaxInitialPromptChars; limit > 0 && len([]rune(req.InitialPrompt)) > limit {
		return api.SpawnResponse{}, newError(model.KindValidation, model.CodeInvalidBody, "initialPrompt too long")
	}
	if _, err := e.resolveMachine(ctx, namespace, machineID); err != nil {
		return api.SpawnResponse{}, err
	}
	resp, err := e.callSpawn(ctx, machineID, spawnParams{
		Directory:      req.Directory,
		Agent:          req.Agent,
		Model:          req.Model,
		Yolo:           req.Yolo,
		SessionType:    req.SessionType,
		WorktreeName:   req.WorktreeName,
		WorktreeBranch: req.WorktreeBranch,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNoHandler) {
			return api.SpawnResponse{}, noMachineOnline(err)
		}
		if ctx.Err() != nil {
			return api.SpawnResponse{}, ctx.Err()
		}
		return api.SpawnResponse{Type: SpawnError, Message: rpc.Message(err)}, nil
	}
	if resp.Type != SpawnSuccess || req.InitialPrompt == "" {
		return resp, nil
	}
	if strings.TrimSpace(req.InitialPrompt) == "" {
		resp.InitialPrompt = &api.PromptDelivery{Status: PromptSkipped}
		return resp, nil
	}
	delivery := e.deliverPrompt(ctx, namespace, resp.SessionID, req.InitialPrompt)
	resp.InitialPrompt = &delivery
	return resp, nil
}

// deliverPrompt waits for the spawned session to register with the hub and
// appends the prompt as a user message.
func (e *Engine) deliverPrompt(ctx context.Context, namespace, sessionID, prompt string) api.PromptDelivery {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PromptDeliveryTimeout)
	defer cancel()

	ticker := time.NewTicker(promptPollInterval)
	defer ticker.Stop()
	for {
		_, err := e.resolveSession(ctx, namespace, sessionID)
		if err == nil {
			content := UserTextContent(prompt, SentFromSpawn)
			if _, _, err := e.appendMessage(ctx, namespace, sessionID, content, "spawn:"+sessionID); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "deliver initial prompt"}, log.KV{K: "session", V: sessionID})
				if ctx.Err() != nil {
					return api.PromptDelivery{Status: PromptTimedOut}
				}
				return api.PromptDelivery{Status: PromptFailed, Error: err.Error()}
			}
			return api.PromptDelivery{Status: PromptDelivered}
		}
		if KindOf(err) == model.KindAccessDenied {
			return api.PromptDelivery{Status: PromptFailed, Error: "Session access denied"}
		}
		if KindOf(err) != model.KindNotFound {
			return api.PromptDelivery{Status: PromptFailed, Error: err.Error()}
		}
		select {
		case <-ctx.Done():
			return api.PromptDelivery{Status: PromptTimedOut}
		case <-ticker.C:
		}
	}
}

// ResumeSession restarts an inactive session on an online machine of its
// namespace. An active session is returned as is.
func (e *Engine) ResumeSession(ctx context.Context, namespace, sessionID string) (api.ResumeResponse, error) {
	session, err := e.resolveSession(ctx, namespace, sessionID)
	if err != nil {
		return api.ResumeResponse{}, err
	}
	if e.sessionActive(sessionID) {
		return api.ResumeResponse{Type: SpawnSuccess, SessionID: sessionID}, nil
	}
	meta := parseSessionMeta(session.Metadata.Value)
	if meta.Path == "" {
		return api.ResumeResponse{}, newError(model.KindValidation, model.CodeResumeUnavailable, "Session metadata missing path")
	}
	if !meta.Resumable() {
		return api.ResumeResponse{}, newError(model.KindValidation, model.CodeResumeUnavailable, "Resume session ID unavailable")
	}
	machineID, ok, err := e.selectResumeMachine(ctx, namespace, session, meta)
	if err != nil {
		return api.ResumeResponse{}, err
	}
	if !ok {
		return api.ResumeResponse{}, noMachineOnline(nil)
	}
	resp, err := e.callSpawn(ctx, machineID, spawnParams{
		Directory:       meta.Path,
		Agent:           meta.Flavor,
		ResumeSessionID: meta.ResumeID,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNoHandler) {
			return api.ResumeResponse{}, noMachineOnline(err)
		}
		return api.ResumeResponse{}, &Error{Kind: rpc.Kind(err), Code: model.CodeResumeFailed, Message: rpc.Message(err), err: err}
	}
	if resp.Type != SpawnSuccess {
		return api.ResumeResponse{}, &Error{Kind: model.KindRPCRejected, Code: model.CodeResumeFailed, Message: resp.Message}
	}
	return api.ResumeResponse{Type: SpawnSuccess, SessionID: resp.SessionID}, nil
}

// selectResumeMachine prefers the machine the session last ran on, then a
// machine on the same host, then any online machine.
func (e *Engine) selectResumeMachine(ctx context.Context, namespace string, session model.Session, meta sessionMeta) (string, bool, error) {
	online, err := e.ListMachines(ctx, namespace, true)
	if err != nil {
		return "", false, err
	}
	if len(online) == 0 {
		return "", false, nil
	}
	preferred := meta.MachineID
	if preferred == "" && session.MachineID != nil {
		preferred = *session.MachineID
	}
	if preferred != "" {
		for _, m := range online {
			if m.ID == preferred {
				return m.ID, true, nil
			}
		}
	}
	if meta.Host != "" {
		for _, m := range online {
			var mm struct {
				Host string `json:"host"`
			}
			if json.Unmarshal(m.Metadata.Value, &mm) == nil && mm.Host == meta.Host {
				return m.ID, true, nil
			}
		}
	}
	return online[0].ID, true, nil
}

// RestartSessions restarts every resumable candidate session on its
// machine. Each candidate gets exactly one result; a failure never stops
// the batch.
func (e *Engine) RestartSessions(ctx context.Context, namespace string, req api.RestartRequest) (api.RestartResponse, error) {
	if machineID := strings.TrimSpace(req.MachineID); machineID != "" {
		if _, err := e.resolveMachine(ctx, namespace, machineID); err != nil {
			return api.RestartResponse{}, err
		}
	}
	candidates, missing, err := e.restartCandidates(ctx, namespace, req)
	if err != nil {
		return api.RestartResponse{}, err
	}
	results := make([]api.RestartResult, 0, len(candidates)+len(missing))
	for _, session := range candidates {
		results = append(results, e.restartOne(ctx, session, req.MachineID))
	}
	for _, id := range missing {
		results = append(results, api.RestartResult{SessionID: id, Status: RestartFailed, Error: "Session not found"})
	}
	return api.RestartResponse{Results: results}, nil
}

func (e *Engine) restartCandidates(ctx context.Context, namespace string, req api.RestartRequest) ([]model.Session, []string, error) {
	sessions, err := e.store.ListSessions(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}
	wanted := map[string]bool{}
	for _, id := range req.SessionIDs {
		if id = strings.TrimSpace(id); id != "" {
			wanted[id] = false
		}
	}
	machineID := strings.TrimSpace(req.MachineID)
	out := make([]model.Session, 0, len(sessions))
	for _, s := range sessions {
		if len(wanted) > 0 {
			if _, ok := wanted[s.ID]; !ok {
				continue
			}
			wanted[s.ID] = true
		}
		if machineID != "" && sessionMachine(s) != machineID {
			continue
		}
		out = append(out, s)
	}
	var missing []string
	for _, id := range req.SessionIDs {
		id = strings.TrimSpace(id)
		if seen, ok := wanted[id]; ok && !seen {
			missing = append(missing, id)
			wanted[id] = true
		}
	}
	return out, missing, nil
}

func sessionMachine(s model.Session) string {
	if s.MachineID != nil && *s.MachineID != "" {
		return *s.MachineID
	}
	return parseSessionMeta(s.Metadata.Value).MachineID
}

func (e *Engine) restartOne(ctx context.Context, session model.Session, fallbackMachine string) (result api.RestartResult) {
	meta := parseSessionMeta(session.Metadata.Value)
	result = api.RestartResult{SessionID: session.ID, Name: meta.displayName()}
	defer func() {
		if r := recover(); r != nil {
			log.Print(ctx, log.KV{K: "msg", V: "restart panicked"}, log.KV{K: "session", V: session.ID}, log.KV{K: "panic", V: r})
			result.Status = RestartFailed
			result.Error = "internal error"
		}
	}()

	if !meta.Resumable() {
		result.Status = RestartSkipped
		result.Error = ReasonNotResumable
		return result
	}
	machineID := sessionMachine(session)
	if machineID == "" {
		machineID = strings.TrimSpace(fallbackMachine)
	}
	if machineID == "" {
		result.Status = RestartFailed
		result.Error = "No machine online"
		return result
	}
	// The machine id comes from caller-writable metadata; it must belong
	// to the session's namespace.
	if _, err := e.resolveMachine(ctx, session.Namespace, machineID); err != nil {
		result.Status = RestartFailed
		result.Error = err.Error()
		var engineErr *Error
		if errors.As(err, &engineErr) {
			result.Error = engineErr.Message
		}
		return result
	}

	// The previous agent process may already be gone.
	if _, err := e.dispatcher.Call(ctx, rpc.Key(session.ID, rpc.MethodKillSession), nil, killSessionTimeout); err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "kill before restart"}, log.KV{K: "session", V: session.ID}, log.KV{K: "err", V: err.Error()})
	}

	resp, err := e.callSpawn(ctx, machineID, spawnParams{
		Directory:       meta.Path,
		Agent:           meta.Flavor,
		ResumeSessionID: meta.ResumeID,
	})
	switch {
	case errors.Is(err, rpc.ErrNoHandler):
		result.Status = RestartFailed
		result.Error = "No machine online"
	case err != nil:
		result.Status = RestartFailed
		result.Error = rpc.Message(err)
	case resp.Type != SpawnSuccess:
		result.Status = RestartFailed
		result.Error = resp.Message
	default:
		result.Status = RestartRestarted
	}
	return result
}
