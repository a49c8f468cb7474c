package api

import (
	"encoding/json"
	"time"

	"github.com/g960059/agthub/internal/model"
)

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullableMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.UnixMilli()
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}

func SessionFrom(s model.Session, active bool) Session {
	out := Session{
		ID:                s.ID,
		Namespace:         s.Namespace,
		Tag:               s.Tag,
		MachineID:         s.MachineID,
		Seq:               s.Seq,
		CreatedAt:         Millis(s.CreatedAt),
		UpdatedAt:         Millis(s.UpdatedAt),
		Active:            active,
		ActiveAt:          nullableMillis(s.LastAliveAt),
		Thinking:          active && s.Thinking,
		Metadata:          orNull(s.Metadata.Value),
		MetadataVersion:   s.Metadata.Version,
		AgentState:        orNull(s.AgentState.Value),
		AgentStateVersion: s.AgentState.Version,
		SortOrder:         s.SortOrder,
		Todos:             json.RawMessage("null"),
		PermissionMode:    nullableString(s.PermissionMode),
		ModelMode:         nullableString(s.ModelMode),
	}
	if s.Todos != nil {
		out.Todos = orNull(s.Todos.Items)
	}
	return out
}

func SessionSummaryFrom(s model.Session, active bool) SessionSummary {
	return SessionSummary{
		ID:                   s.ID,
		Active:               active,
		Thinking:             active && s.Thinking,
		ActiveAt:             nullableMillis(s.LastAliveAt),
		UpdatedAt:            Millis(s.UpdatedAt),
		Metadata:             orNull(s.Metadata.Value),
		SortOrder:            s.SortOrder,
		TodoProgress:         todoProgress(s.Todos),
		PendingRequestsCount: pendingRequests(s.AgentState.Value),
		PermissionMode:       nullableString(s.PermissionMode),
		ModelMode:            nullableString(s.ModelMode),
	}
}

func MachineFrom(m model.Machine, active bool) Machine {
	return Machine{
		ID:                 m.ID,
		Namespace:          m.Namespace,
		CreatedAt:          Millis(m.CreatedAt),
		UpdatedAt:          Millis(m.UpdatedAt),
		Metadata:           orNull(m.Metadata.Value),
		MetadataVersion:    m.Metadata.Version,
		RunnerState:        orNull(m.RunnerState.Value),
		RunnerStateVersion: m.RunnerState.Version,
		Active:             active,
		ActiveAt:           nullableMillis(m.LastAliveAt),
	}
}

func MessageFrom(m model.Message) Message {
	out := Message{
		ID:        m.ID,
		Seq:       m.Seq,
		CreatedAt: Millis(m.CreatedAt),
		Content:   orNull(m.Content),
	}
	if m.LocalID != "" {
		v := m.LocalID
		out.LocalID = &v
	}
	return out
}

func MessagesFrom(in []model.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		out = append(out, MessageFrom(m))
	}
	return out
}

func todoProgress(todos *model.Todos) *TodoProgress {
	if todos == nil || len(todos.Items) == 0 {
		return nil
	}
	var items []struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(todos.Items, &items); err != nil || len(items) == 0 {
		return nil
	}
	progress := &TodoProgress{Total: len(items)}
	for _, item := range items {
		if item.Status == "completed" {
			progress.Completed++
		}
	}
	return progress
}

func pendingRequests(agentState json.RawMessage) int {
	if len(agentState) == 0 {
		return 0
	}
	var state struct {
		Requests map[string]json.RawMessage `json:"requests"`
	}
	if err := json.Unmarshal(agentState, &state); err != nil {
		return 0
	}
	return len(state.Requests)
}

func BeadsFrom(in []model.BeadLink) []BeadLink {
	out := make([]BeadLink, 0, len(in))
	for _, b := range in {
		out = append(out, BeadLink{BeadID: b.BeadID, LinkedAt: Millis(b.LinkedAt)})
	}
	return out
}

func SnapshotFrom(s model.Snapshot) Snapshot {
	return Snapshot{Kind: s.Kind, Payload: orNull(s.Payload), SavedAt: Millis(s.SavedAt)}
}
