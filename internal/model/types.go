package model

import (
	"encoding/json"
	"time"
)

// DefaultNamespace is used when a credential carries no namespace suffix.
const DefaultNamespace = "default"

// Versioned is an opaque JSON document guarded by an optimistic version.
type Versioned struct {
	Value   json.RawMessage
	Version int64
}

// Session is one unit of agent work. PermissionMode and ModelMode are
// reported by the agent and stay empty until it reports one.
type Session struct {
	ID             string
	Namespace      string
	Tag            string
	MachineID      *string
	Metadata       Versioned
	AgentState     Versioned
	SortOrder      *string
	Todos          *Todos
	LastAliveAt    *time.Time
	Thinking       bool
	PermissionMode string
	ModelMode      string
	Seq            int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Machine struct {
	ID          string
	Namespace   string
	Metadata    Versioned
	RunnerState Versioned
	LastAliveAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Message struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   string
	Content   json.RawMessage
	CreatedAt time.Time
}

// Todos is the derived todo-list summary cached on a session.
type Todos struct {
	Items     json.RawMessage
	UpdatedAt time.Time
}

type BeadLink struct {
	SessionID string
	BeadID    string
	LinkedAt  time.Time
}

type Snapshot struct {
	SessionID string
	Kind      string
	Payload   json.RawMessage
	SavedAt   time.Time
}

type AccessStatus string

const (
	AccessOK       AccessStatus = "ok"
	AccessNotFound AccessStatus = "not-found"
	AccessDenied   AccessStatus = "access-denied"
)

type UpdateStatus string

const (
	UpdateSuccess         UpdateStatus = "success"
	UpdateVersionMismatch UpdateStatus = "version-mismatch"
	UpdateError           UpdateStatus = "error"
)

// UpdateResult is the outcome of a compare-and-swap write. On
// version-mismatch Value and Version describe the current record.
type UpdateResult struct {
	Status  UpdateStatus
	Version int64
	Value   json.RawMessage
}

type PresenceKind string

const (
	PresenceSession PresenceKind = "session"
	PresenceMachine PresenceKind = "machine"
)

// ErrorKind classifies failures surfaced by the hub.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindAccessDenied    ErrorKind = "access_denied"
	KindValidation      ErrorKind = "validation"
	KindVersionMismatch ErrorKind = "version_mismatch"
	KindNoHandler       ErrorKind = "no_handler"
	KindRPCTimeout      ErrorKind = "rpc_timeout"
	KindRPCRejected     ErrorKind = "rpc_rejected"
	KindConflict        ErrorKind = "conflict"
	KindPayloadTooLarge ErrorKind = "payload_too_large"
)

// Error codes defined by API contract.
const (
	CodeResumeUnavailable = "resume_unavailable"
	CodeResumeFailed      = "resume_failed"
	CodeNoMachineOnline   = "no_machine_online"
	CodeSessionActive     = "session_active"
	CodeSessionInactive   = "session_inactive"
	CodeNotFound          = "not_found"
	CodeAccessDenied      = "access_denied"
	CodeInvalidBody       = "invalid_body"
	CodeVersionMismatch   = "version_mismatch"
	CodePayloadTooLarge   = "payload_too_large"
	CodeUnauthorized      = "unauthorized"
	CodeNotResumable      = "not_resumable"
	CodeRequestNotFound   = "request_not_found"
	CodeInternal          = "internal"
)

// AliveSignal is one heartbeat from a session or machine.
type AliveSignal struct {
	Time           time.Time
	Thinking       bool
	PermissionMode string
	ModelMode      string
}
