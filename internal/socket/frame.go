// Package socket is the realtime websocket transport shared by web clients
// and agent machines. Every connection can receive room or namespace
// updates, send client events and serve RPC requests from the hub.
package socket

import "encoding/json"

// Frame types.
const (
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameRPCRequest  = "rpc-request"
	FrameRPCResponse = "rpc-response"
)

// Client events handled by the hub.
const (
	EventMessage               = "message"
	EventUpdateMetadata        = "update-metadata"
	EventUpdateState           = "update-state"
	EventSessionAlive          = "session-alive"
	EventSessionEnd            = "session-end"
	EventMachineAlive          = "machine-alive"
	EventMachineUpdateMetadata = "machine-update-metadata"
	EventMachineUpdateState    = "machine-update-state"
	EventRPCRegister           = "rpc-register"
	EventRPCUnregister         = "rpc-unregister"
	EventLinkBead              = "link-bead"
	EventSaveSnapshot          = "save-snapshot"
	EventPing                  = "ping"

	// EventUpdate carries a room envelope to the client.
	EventUpdate = "update"
)

// Frame is one websocket text message in either direction. ID correlates
// acks with events and rpc responses with requests.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type sessionRef struct {
	SID       string `json:"sid"`
	SessionID string `json:"sessionId"`
}

func (r sessionRef) id() string {
	if r.SID != "" {
		return r.SID
	}
	return r.SessionID
}

type messagePayload struct {
	sessionRef
	Message json.RawMessage `json:"message"`
	LocalID string          `json:"localId"`
}

type sessionUpdatePayload struct {
	sessionRef
	Metadata        json.RawMessage `json:"metadata"`
	AgentState      json.RawMessage `json:"agentState"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

type alivePayload struct {
	sessionRef
	MachineID      string  `json:"machineId"`
	Time           float64 `json:"time"`
	Thinking       bool    `json:"thinking"`
	PermissionMode string  `json:"permissionMode"`
	ModelMode      string  `json:"modelMode"`
}

type machineUpdatePayload struct {
	MachineID       string          `json:"machineId"`
	Metadata        json.RawMessage `json:"metadata"`
	RunnerState     json.RawMessage `json:"runnerState"`
	ExpectedVersion int64           `json:"expectedVersion"`
}

type beadPayload struct {
	sessionRef
	BeadID string `json:"beadId"`
}

type snapshotPayload struct {
	sessionRef
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type registerPayload struct {
	Method string `json:"method"`
}

// messageContent accepts a message object or a JSON string holding one.
func messageContent(raw json.RawMessage) json.RawMessage {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil && json.Valid([]byte(str)) {
		return json.RawMessage(str)
	}
	return raw
}
