package api

import "encoding/json"

const (
	BodyNewMessage    = "new-message"
	BodyUpdateSession = "update-session"
	BodyUpdateMachine = "update-machine"

	EventSessionAdded     = "session-added"
	EventSessionUpdated   = "session-updated"
	EventSessionRemoved   = "session-removed"
	EventMessageReceived  = "message-received"
	EventMachineUpdated   = "machine-updated"
	EventConnectionChange = "connection-changed"
)

// Update is the envelope pushed to a session room.
type Update struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	CreatedAt int64  `json:"createdAt"`
	Body      any    `json:"body"`
}

type NewMessageBody struct {
	T       string  `json:"t"`
	SID     string  `json:"sid"`
	Message Message `json:"message"`
}

type VersionedValue struct {
	Value   json.RawMessage `json:"value"`
	Version int64           `json:"version"`
}

// UpdateSessionBody carries whichever half changed; the other stays null.
type UpdateSessionBody struct {
	T          string          `json:"t"`
	SID        string          `json:"sid"`
	Metadata   *VersionedValue `json:"metadata"`
	AgentState *VersionedValue `json:"agentState"`
}

type UpdateMachineBody struct {
	T           string          `json:"t"`
	MachineID   string          `json:"machineId"`
	Metadata    *VersionedValue `json:"metadata"`
	RunnerState *VersionedValue `json:"runnerState"`
}

// SyncEvent is a namespace-scoped list-view notification.
type SyncEvent struct {
	Type      string          `json:"type"`
	Namespace string          `json:"namespace"`
	SessionID string          `json:"sessionId,omitempty"`
	MachineID string          `json:"machineId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   *Message        `json:"message,omitempty"`
}
