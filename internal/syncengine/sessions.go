package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
)

const maxSortOrderLen = 50

var sortOrderPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidSortOrder reports whether v may be stored as a sort order key.
func ValidSortOrder(v string) bool {
	return len(v) <= maxSortOrderLen && sortOrderPattern.MatchString(v)
}

// SessionView is a stored session with its live presence.
type SessionView struct {
	model.Session
	Active bool
}

func (v SessionView) API() api.Session {
	return api.SessionFrom(v.Session, v.Active)
}

func (v SessionView) Summary() api.SessionSummary {
	return api.SessionSummaryFrom(v.Session, v.Active)
}

func (e *Engine) view(s model.Session) SessionView {
	s, active := e.withPresence(s)
	return SessionView{Session: s, Active: active}
}

// GetOrCreateSession returns the session for (namespace, tag), creating it
// on first use. Namespace is stamped on creation only.
func (e *Engine) GetOrCreateSession(ctx context.Context, namespace string, p db.CreateSessionParams) (SessionView, error) {
	out, err := e.planCreateSession(ctx, namespace, p)
	return commit(ctx, e, out, err)
}

func (e *Engine) planCreateSession(ctx context.Context, namespace string, p db.CreateSessionParams) (Outcome[SessionView], error) {
	p.Namespace = namespace
	if machineID := strings.TrimSpace(p.MachineID); machineID != "" {
		res, err := e.resolver.ResolveMachine(ctx, machineID, namespace)
		if err != nil {
			return Outcome[SessionView]{}, err
		}
		if res.Status == model.AccessDenied {
			return Outcome[SessionView]{}, newError(model.KindAccessDenied, model.CodeAccessDenied, "Machine access denied")
		}
	}
	session, created, err := e.store.GetOrCreateSession(ctx, p)
	if err != nil {
		return Outcome[SessionView]{}, storeError(err, "Session")
	}
	out := Outcome[SessionView]{Result: e.view(session)}
	if created {
		out.Effects = append(out.Effects, namespaceEffect(e.sessionEvent(ctx, api.EventSessionAdded, session)))
	}
	return out, nil
}

func (e *Engine) GetSession(ctx context.Context, namespace, id string) (SessionView, error) {
	session, err := e.resolveSession(ctx, namespace, id)
	if err != nil {
		return SessionView{}, err
	}
	return e.view(session), nil
}

// ListSessions orders active sessions first, then sessions with pending
// permission requests, then most recently updated.
func (e *Engine) ListSessions(ctx context.Context, namespace string) ([]SessionView, error) {
	sessions, err := e.store.ListSessions(ctx, namespace)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	pending := make(map[string]int, len(sessions))
	for _, s := range sessions {
		v := e.view(s)
		views = append(views, v)
		if v.Active {
			pending[v.ID] = v.Summary().PendingRequestsCount
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.Active != b.Active {
			return a.Active
		}
		if pending[a.ID] != pending[b.ID] {
			return pending[a.ID] > pending[b.ID]
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})
	return views, nil
}

func (e *Engine) UpdateSessionMetadata(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64) (model.UpdateResult, error) {
	return e.casSession(ctx, namespace, id, value, expectedVersion, false)
}

func (e *Engine) UpdateSessionAgentState(ctx context.Context, namespace, id string, value json.RawMessage, expectedVersion int64) (model.UpdateResult, error) {
	return e.casSession(ctx, namespace, id, value, expectedVersion, true)
}

// casSession holds the session lock across the write and its publish so
// room subscribers see accepted versions in order.
func (e *Engine) casSession(ctx context.Context, namespace, id string, value json.RawMessage, expected int64, agentState bool) (model.UpdateResult, error) {
	unlock := e.lockSession(id)
	defer unlock()

	out, err := e.planSessionCAS(ctx, namespace, id, value, expected, agentState, db.DefaultUpdate)
	return commit(ctx, e, out, err)
}

// planSessionCAS runs one compare-and-swap. A version mismatch is a
// result, not an error, and produces no events.
func (e *Engine) planSessionCAS(ctx context.Context, namespace, id string, value json.RawMessage, expected int64, agentState bool, opts db.UpdateOptions) (Outcome[model.UpdateResult], error) {
	if len(value) > 0 && !json.Valid(value) {
		return Outcome[model.UpdateResult]{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if _, err := e.resolveSession(ctx, namespace, id); err != nil {
		return Outcome[model.UpdateResult]{}, err
	}
	var (
		res model.UpdateResult
		err error
	)
	if agentState {
		res, err = e.store.UpdateSessionAgentState(ctx, namespace, id, value, expected, opts)
	} else {
		res, err = e.store.UpdateSessionMetadata(ctx, namespace, id, value, expected, opts)
	}
	if err != nil {
		return Outcome[model.UpdateResult]{Result: res}, storeError(err, "Session")
	}
	out := Outcome[model.UpdateResult]{Result: res}
	if res.Status != model.UpdateSuccess {
		return out, nil
	}

	body := api.UpdateSessionBody{T: api.BodyUpdateSession, SID: id}
	changed := &api.VersionedValue{Value: orNull(res.Value), Version: res.Version}
	if agentState {
		body.AgentState = changed
	} else {
		body.Metadata = changed
	}
	out.Effects = append(out.Effects, roomEffect(id, body))
	if session, err := e.store.GetSession(ctx, id); err == nil {
		out.Effects = append(out.Effects, namespaceEffect(e.sessionEvent(ctx, api.EventSessionUpdated, session)))
	}
	return out, nil
}

// PatchSessionInput renames a session or moves it in the list. At least
// one field is required.
type PatchSessionInput struct {
	Name            *string
	SortOrder       *string
	ExpectedVersion *int64
}

// PatchSession writes the name through the metadata compare-and-swap and
// the sort order as last-write-wins. A sort order change alone leaves
// updatedAt untouched.
func (e *Engine) PatchSession(ctx context.Context, namespace, id string, in PatchSessionInput) error {
	if in.Name == nil && in.SortOrder == nil {
		return newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if in.SortOrder != nil && !ValidSortOrder(*in.SortOrder) {
		return newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	session, err := e.resolveSession(ctx, namespace, id)
	if err != nil {
		return err
	}

	if in.Name != nil {
		expected := session.Metadata.Version
		if in.ExpectedVersion != nil {
			expected = *in.ExpectedVersion
		}
		metadata, err := setJSONField(session.Metadata.Value, "name", strings.TrimSpace(*in.Name))
		if err != nil {
			return newError(model.KindValidation, model.CodeInvalidBody, "Session metadata is not an object")
		}
		res, err := e.UpdateSessionMetadata(ctx, namespace, id, metadata, expected)
		if err != nil {
			return err
		}
		if res.Status == model.UpdateVersionMismatch {
			return &Error{Kind: model.KindVersionMismatch, Code: model.CodeVersionMismatch, Message: "Version mismatch"}
		}
	}

	if in.SortOrder != nil {
		if err := e.store.UpdateSortOrder(ctx, namespace, id, in.SortOrder); err != nil {
			return storeError(err, "Session")
		}
		updated, err := e.store.GetSession(ctx, id)
		if err != nil {
			return storeError(err, "Session")
		}
		e.publish(ctx, []Effect{namespaceEffect(e.sessionEvent(ctx, api.EventSessionUpdated, updated))})
	}
	return nil
}

// DeleteSession removes an inactive session and its message log.
func (e *Engine) DeleteSession(ctx context.Context, namespace, id string) error {
	out, err := e.planDeleteSession(ctx, namespace, id)
	_, err = commit(ctx, e, out, err)
	if err == nil {
		e.presence.Forget(model.PresenceSession, id)
		e.hub.ForgetRoom(id)
	}
	return err
}

func (e *Engine) planDeleteSession(ctx context.Context, namespace, id string) (Outcome[struct{}], error) {
	if _, err := e.resolveSession(ctx, namespace, id); err != nil {
		return Outcome[struct{}]{}, err
	}
	if e.sessionActive(id) {
		return Outcome[struct{}]{}, newError(model.KindConflict, model.CodeSessionActive, "Cannot delete active session")
	}
	if err := e.store.DeleteSession(ctx, namespace, id); err != nil {
		return Outcome[struct{}]{}, storeError(err, "Session")
	}
	return Outcome[struct{}]{Effects: []Effect{namespaceEffect(api.SyncEvent{
		Type:      api.EventSessionRemoved,
		Namespace: namespace,
		SessionID: id,
	})}}, nil
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

// setJSONField sets key on a JSON object, treating null as empty.
func setJSONField(doc json.RawMessage, key string, value any) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(doc) > 0 && string(doc) != "null" {
		if err := json.Unmarshal(doc, &fields); err != nil {
			return nil, fmt.Errorf("decode object: %w", err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields[key] = raw
	return json.Marshal(fields)
}
