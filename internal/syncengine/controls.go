package syncengine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/rpc"
)

// SetPermissionMode asks the running agent to switch its permission mode
// and records the mode once the agent accepted it.
func (e *Engine) SetPermissionMode(ctx context.Context, namespace, sessionID, mode string) error {
	return e.setSessionConfig(ctx, namespace, sessionID, strings.TrimSpace(mode), "")
}

// SetModelMode is SetPermissionMode for the model selection.
func (e *Engine) SetModelMode(ctx context.Context, namespace, sessionID, modelMode string) error {
	return e.setSessionConfig(ctx, namespace, sessionID, "", strings.TrimSpace(modelMode))
}

func (e *Engine) setSessionConfig(ctx context.Context, namespace, sessionID, permissionMode, modelMode string) error {
	if permissionMode == "" && modelMode == "" {
		return newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	params := map[string]any{}
	if permissionMode != "" {
		params["permissionMode"] = permissionMode
	}
	if modelMode != "" {
		params["modelMode"] = modelMode
	}
	if err := e.sessionCommand(ctx, namespace, sessionID, rpc.MethodSessionConfig, params); err != nil {
		return err
	}

	changed, err := e.store.SetSessionModes(ctx, sessionID, permissionMode, modelMode)
	if err != nil {
		return storeError(err, "Session")
	}
	if !changed {
		return nil
	}
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return storeError(err, "Session")
	}
	e.publish(ctx, []Effect{namespaceEffect(e.sessionEvent(ctx, api.EventSessionUpdated, session))})
	return nil
}

// PermissionDecision answers one pending tool permission request.
type PermissionDecision struct {
	RequestID  string
	Approved   bool
	Mode       string
	AllowTools []string
	Decision   string
	Answers    json.RawMessage
}

// AnswerPermission forwards a decision to the agent. The request must be
// pending in the session's agent state; the agent removes it from there
// through its own agent-state write.
func (e *Engine) AnswerPermission(ctx context.Context, namespace, sessionID string, d PermissionDecision) error {
	d.RequestID = strings.TrimSpace(d.RequestID)
	if d.RequestID == "" {
		return newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	session, err := e.resolveSession(ctx, namespace, sessionID)
	if err != nil {
		return err
	}
	if !e.sessionActive(sessionID) {
		return newError(model.KindConflict, model.CodeSessionInactive, "Session is inactive")
	}
	if !hasPendingRequest(session.AgentState.Value, d.RequestID) {
		return newError(model.KindNotFound, model.CodeRequestNotFound, "Request not found")
	}

	params := map[string]any{
		"id":       d.RequestID,
		"approved": d.Approved,
		"decision": emptyToNil(d.Decision),
	}
	if d.Approved {
		params["mode"] = emptyToNil(d.Mode)
		params["allowTools"] = nil
		if len(d.AllowTools) > 0 {
			params["allowTools"] = d.AllowTools
		}
		params["answers"] = orNull(d.Answers)
	}
	return e.sessionCommand(ctx, namespace, sessionID, rpc.MethodPermission, params)
}

// ArchiveSession stops the agent process of an active session. The
// session and its log stay; the agent reports session-end on exit.
func (e *Engine) ArchiveSession(ctx context.Context, namespace, sessionID string) error {
	return e.sessionCommand(ctx, namespace, sessionID, rpc.MethodKillSession, map[string]any{})
}

func hasPendingRequest(agentState json.RawMessage, requestID string) bool {
	if len(agentState) == 0 {
		return false
	}
	var state struct {
		Requests map[string]json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(agentState, &state); err != nil {
		return false
	}
	_, ok := state.Requests[requestID]
	return ok
}

func emptyToNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}
