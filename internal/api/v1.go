package api

import "encoding/json"

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type AuthRequest struct {
	AccessToken string `json:"accessToken"`
}

type AuthResponse struct {
	Token     string `json:"token"`
	Namespace string `json:"namespace"`
	ExpiresAt int64  `json:"expiresAt"`
}

type TodoProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type Session struct {
	ID                string          `json:"id"`
	Namespace         string          `json:"namespace"`
	Tag               string          `json:"tag"`
	MachineID         *string         `json:"machineId"`
	Seq               int64           `json:"seq"`
	CreatedAt         int64           `json:"createdAt"`
	UpdatedAt         int64           `json:"updatedAt"`
	Active            bool            `json:"active"`
	ActiveAt          *int64          `json:"activeAt"`
	Thinking          bool            `json:"thinking"`
	Metadata          json.RawMessage `json:"metadata"`
	MetadataVersion   int64           `json:"metadataVersion"`
	AgentState        json.RawMessage `json:"agentState"`
	AgentStateVersion int64           `json:"agentStateVersion"`
	SortOrder         *string         `json:"sortOrder"`
	Todos             json.RawMessage `json:"todos"`
	PermissionMode    *string         `json:"permissionMode"`
	ModelMode         *string         `json:"modelMode"`
}

type SessionSummary struct {
	ID                   string          `json:"id"`
	Active               bool            `json:"active"`
	Thinking             bool            `json:"thinking"`
	ActiveAt             *int64          `json:"activeAt"`
	UpdatedAt            int64           `json:"updatedAt"`
	Metadata             json.RawMessage `json:"metadata"`
	SortOrder            *string         `json:"sortOrder"`
	TodoProgress         *TodoProgress   `json:"todoProgress"`
	PendingRequestsCount int             `json:"pendingRequestsCount"`
	PermissionMode       *string         `json:"permissionMode"`
	ModelMode            *string         `json:"modelMode"`
}

type SessionEnvelope struct {
	Session Session `json:"session"`
}

type SessionsEnvelope struct {
	Sessions []SessionSummary `json:"sessions"`
}

type Machine struct {
	ID                 string          `json:"id"`
	Namespace          string          `json:"namespace"`
	CreatedAt          int64           `json:"createdAt"`
	UpdatedAt          int64           `json:"updatedAt"`
	Metadata           json.RawMessage `json:"metadata"`
	MetadataVersion    int64           `json:"metadataVersion"`
	RunnerState        json.RawMessage `json:"runnerState"`
	RunnerStateVersion int64           `json:"runnerStateVersion"`
	Active             bool            `json:"active"`
	ActiveAt           *int64          `json:"activeAt"`
}

type MachineEnvelope struct {
	Machine Machine `json:"machine"`
}

type MachinesEnvelope struct {
	Machines []Machine `json:"machines"`
}

type Message struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	CreatedAt int64           `json:"createdAt"`
	LocalID   *string         `json:"localId"`
	Content   json.RawMessage `json:"content"`
}

type MessagePage struct {
	Limit         int    `json:"limit"`
	BeforeSeq     *int64 `json:"beforeSeq"`
	NextBeforeSeq *int64 `json:"nextBeforeSeq"`
	HasMore       bool   `json:"hasMore"`
}

type MessagesEnvelope struct {
	Messages []Message    `json:"messages"`
	Page     *MessagePage `json:"page,omitempty"`
}

type CreateSessionRequest struct {
	Tag        string          `json:"tag"`
	MachineID  string          `json:"machineId,omitempty"`
	Metadata   json.RawMessage `json:"metadata"`
	AgentState json.RawMessage `json:"agentState"`
}

type CreateMachineRequest struct {
	ID          string          `json:"id"`
	Metadata    json.RawMessage `json:"metadata"`
	RunnerState json.RawMessage `json:"runnerState"`
}

type SendMessageRequest struct {
	Text    string          `json:"text"`
	Content json.RawMessage `json:"content,omitempty"`
	LocalID string          `json:"localId,omitempty"`
}

type SendMessageResponse struct {
	OK      bool    `json:"ok"`
	Message Message `json:"message"`
}

// PatchSessionRequest needs at least one of Name or SortOrder.
type PatchSessionRequest struct {
	Name            *string `json:"name"`
	SortOrder       *string `json:"sort_order"`
	ExpectedVersion *int64  `json:"expectedVersion"`
}

type PermissionModeRequest struct {
	Mode string `json:"mode"`
}

type ModelModeRequest struct {
	Model string `json:"model"`
}

// PermissionDecisionRequest is the optional body of approve and deny.
// Deny reads only Decision.
type PermissionDecisionRequest struct {
	Mode       string          `json:"mode,omitempty"`
	AllowTools []string        `json:"allowTools,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	Answers    json.RawMessage `json:"answers,omitempty"`
}

type UpdateVersionedRequest struct {
	ExpectedVersion int64           `json:"expectedVersion"`
	Value           json.RawMessage `json:"value"`
}

type UpdateVersionedResponse struct {
	Result  string          `json:"result"`
	Version int64           `json:"version"`
	Value   json.RawMessage `json:"value,omitempty"`
}

type SpawnRequest struct {
	Directory      string `json:"directory"`
	Agent          string `json:"agent,omitempty"`
	Model          string `json:"model,omitempty"`
	Yolo           bool   `json:"yolo,omitempty"`
	SessionType    string `json:"sessionType,omitempty"`
	WorktreeName   string `json:"worktreeName,omitempty"`
	WorktreeBranch string `json:"worktreeBranch,omitempty"`
	InitialPrompt  string `json:"initialPrompt,omitempty"`
}

type PromptDelivery struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type SpawnResponse struct {
	Type          string          `json:"type"`
	SessionID     string          `json:"sessionId,omitempty"`
	Message       string          `json:"message,omitempty"`
	InitialPrompt *PromptDelivery `json:"initialPrompt,omitempty"`
}

type ResumeResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type PathsExistRequest struct {
	Paths []string `json:"paths"`
}

type PathsExistResponse struct {
	Exists map[string]bool `json:"exists"`
}

type RestartRequest struct {
	SessionIDs []string `json:"sessionIds,omitempty"`
	MachineID  string   `json:"machineId,omitempty"`
}

type RestartResult struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type RestartResponse struct {
	Results []RestartResult `json:"results"`
}

type UploadRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

type ProxyFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type BeadLink struct {
	BeadID   string `json:"beadId"`
	LinkedAt int64  `json:"linkedAt"`
}

type LinkBeadRequest struct {
	BeadID string `json:"beadId"`
}

type BeadsEnvelope struct {
	Beads []BeadLink `json:"beads"`
}

type Snapshot struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	SavedAt int64           `json:"savedAt"`
}

type SnapshotEnvelope struct {
	Snapshot Snapshot `json:"snapshot"`
}
