package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/syncengine"
)

const defaultMessagePage = 50

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	views, err := s.engine.ListSessions(r.Context(), namespaceOf(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]api.SessionSummary, 0, len(views))
	for _, v := range views {
		out = append(out, v.Summary())
	}
	s.writeJSON(w, http.StatusOK, api.SessionsEnvelope{Sessions: out})
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathParts(r, "/sessions/")
	if !ok || len(parts) > 4 || !validSessionPath(parts) {
		s.notFound(w)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getSession(w, r, id)
		case http.MethodPatch:
			s.patchSession(w, r, id)
		case http.MethodDelete:
			if err := s.engine.DeleteSession(r.Context(), namespaceOf(r), id); err != nil {
				s.writeEngineError(w, r, err)
				return
			}
			s.writeOK(w)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "beads":
		s.sessionBeads(w, r, id)
	case "snapshots":
		if len(parts) != 3 {
			s.notFound(w)
			return
		}
		s.sessionSnapshot(w, r, id, parts[2])
	case "messages":
		switch r.Method {
		case http.MethodGet:
			s.listMessages(w, r, id)
		case http.MethodPost:
			s.sendMessage(w, r, id)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	case "metadata", "agent-state":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.updateSessionVersioned(w, r, id, parts[1] == "agent-state")
	case "resume":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		resp, err := s.engine.ResumeSession(r.Context(), namespaceOf(r), id)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resp)
	case "upload":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.uploadFile(w, r, id)
	case "abort", "switch":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		command := s.engine.AbortSession
		if parts[1] == "switch" {
			command = s.engine.SwitchSession
		}
		if err := command(r.Context(), namespaceOf(r), id); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeOK(w)
	case "archive":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := s.engine.ArchiveSession(r.Context(), namespaceOf(r), id); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeOK(w)
	case "permission-mode", "model":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.setSessionConfig(w, r, id, parts[1])
	case "permissions":
		if len(parts) != 4 {
			s.notFound(w)
			return
		}
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.answerPermission(w, r, id, parts[2], parts[3] == "approve")
	case "git-status", "git-diff-numstat", "git-diff-file", "file", "files", "tree":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.sessionQuery(w, r, id, parts[1])
	default:
		s.notFound(w)
	}
}

// validSessionPath accepts /:id, /:id/:sub, /:id/snapshots/:kind and
// /:id/permissions/:requestId/{approve,deny}.
func validSessionPath(parts []string) bool {
	switch len(parts) {
	case 1, 2:
		return true
	case 3:
		return parts[1] == "snapshots"
	case 4:
		return parts[1] == "permissions" && (parts[3] == "approve" || parts[3] == "deny")
	}
	return false
}

func (s *Server) setSessionConfig(w http.ResponseWriter, r *http.Request, id, route string) {
	ns := namespaceOf(r)
	var err error
	if route == "model" {
		var req api.ModelModeRequest
		if decodeBody(r, &req) != nil || strings.TrimSpace(req.Model) == "" {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
			return
		}
		err = s.engine.SetModelMode(r.Context(), ns, id, req.Model)
	} else {
		var req api.PermissionModeRequest
		if decodeBody(r, &req) != nil || strings.TrimSpace(req.Mode) == "" {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
			return
		}
		err = s.engine.SetPermissionMode(r.Context(), ns, id, req.Mode)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) answerPermission(w http.ResponseWriter, r *http.Request, id, requestID string, approved bool) {
	var req api.PermissionDecisionRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	decision := syncengine.PermissionDecision{
		RequestID: requestID,
		Approved:  approved,
		Decision:  req.Decision,
	}
	if approved {
		decision.Mode = req.Mode
		decision.AllowTools = req.AllowTools
		decision.Answers = req.Answers
	}
	if err := s.engine.AnswerPermission(r.Context(), namespaceOf(r), id, decision); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeOK(w)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.engine.GetSession(r.Context(), namespaceOf(r), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{Session: view.API()})
}

func (s *Server) patchSession(w http.ResponseWriter, r *http.Request, id string) {
	var req api.PatchSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	err := s.engine.PatchSession(r.Context(), namespaceOf(r), id, syncengine.PatchSessionInput{
		Name:            req.Name,
		SortOrder:       req.SortOrder,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeOK(w)
}

// listMessages reads forward from afterSeq when given and otherwise pages
// backwards from beforeSeq (or the newest message).
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request, id string) {
	ns := namespaceOf(r)
	limit := defaultMessagePage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	afterSeq, hasAfter, err := queryInt(r, "afterSeq")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid query")
		return
	}
	if hasAfter {
		msgs, err := s.engine.GetMessagesAfter(r.Context(), ns, id, afterSeq, limit)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.MessagesEnvelope{Messages: api.MessagesFrom(msgs)})
		return
	}
	beforeSeq, hasBefore, err := queryInt(r, "beforeSeq")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid query")
		return
	}
	page, err := s.engine.GetMessagesBefore(r.Context(), ns, id, beforeSeq, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	meta := &api.MessagePage{Limit: page.Limit, NextBeforeSeq: page.NextBeforeSeq, HasMore: page.HasMore}
	if hasBefore {
		meta.BeforeSeq = &beforeSeq
	}
	s.writeJSON(w, http.StatusOK, api.MessagesEnvelope{Messages: api.MessagesFrom(page.Messages), Page: meta})
}

// sendMessage posts a user message from the web app to an active session.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, id string) {
	var req api.SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	content := req.Content
	if len(content) == 0 {
		if strings.TrimSpace(req.Text) == "" {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
			return
		}
		content = syncengine.UserTextContent(req.Text, syncengine.SentFromWeb)
	}
	ns := namespaceOf(r)
	view, err := s.engine.GetSession(r.Context(), ns, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if !view.Active {
		s.writeError(w, http.StatusConflict, model.CodeSessionInactive, "Session is inactive")
		return
	}
	msg, _, err := s.engine.AddMessage(r.Context(), ns, id, content, req.LocalID)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SendMessageResponse{OK: true, Message: api.MessageFrom(msg)})
}

// updateSessionVersioned is the compare-and-swap write of either half of a
// session. A stale expectedVersion answers 409 with the current value.
func (s *Server) updateSessionVersioned(w http.ResponseWriter, r *http.Request, id string, agentState bool) {
	var req api.UpdateVersionedRequest
	if err := decodeBody(r, &req); err != nil || len(req.Value) == 0 {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	update := s.engine.UpdateSessionMetadata
	if agentState {
		update = s.engine.UpdateSessionAgentState
	}
	res, err := update(r.Context(), namespaceOf(r), id, req.Value, req.ExpectedVersion)
	s.writeVersioned(w, r, res, err)
}

func (s *Server) writeVersioned(w http.ResponseWriter, r *http.Request, res model.UpdateResult, err error) {
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == model.UpdateVersionMismatch {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, api.UpdateVersionedResponse{Result: string(res.Status), Version: res.Version, Value: res.Value})
}

func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request, id string) {
	// base64 inflates by 4/3; leave room for the JSON envelope.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes*4/3+64<<10)
	var req api.UploadRequest
	if err := decodeBody(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, model.CodePayloadTooLarge, "File too large")
			return
		}
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	res, err := s.engine.UploadFile(r.Context(), namespaceOf(r), id, syncengine.UploadInput{
		Filename: req.Filename,
		Content:  req.Content,
		MimeType: req.MimeType,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// sessionQuery serves the read-only proxies answered by the session's
// agent. RPC failures are reported in the body with status 200.
func (s *Server) sessionQuery(w http.ResponseWriter, r *http.Request, id, route string) {
	ns := namespaceOf(r)
	q := r.URL.Query()
	var (
		res syncengine.ProxyResult
		err error
	)
	switch route {
	case "git-status":
		res, err = s.engine.GitStatus(r.Context(), ns, id)
	case "git-diff-numstat":
		res, err = s.engine.GitDiffNumstat(r.Context(), ns, id, queryBool(r, "staged"))
	case "git-diff-file":
		res, err = s.engine.GitDiffFile(r.Context(), ns, id, q.Get("path"), queryBool(r, "staged"))
	case "file":
		res, err = s.engine.ReadFile(r.Context(), ns, id, q.Get("path"))
	case "files":
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			limit, _ = strconv.Atoi(raw)
		}
		res, err = s.engine.SearchFiles(r.Context(), ns, id, q.Get("query"), limit)
	case "tree":
		res, err = s.engine.ListDirectory(r.Context(), ns, id, q.Get("path"))
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) sessionBeads(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		links, err := s.engine.ListBeads(r.Context(), namespaceOf(r), id)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.BeadsEnvelope{Beads: api.BeadsFrom(links)})
	case http.MethodPost:
		var req api.LinkBeadRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
			return
		}
		if _, err := s.engine.LinkBead(r.Context(), namespaceOf(r), id, req.BeadID); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeOK(w)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// sessionSnapshot reads or replaces the session's snapshot of one kind.
// PUT takes the raw JSON payload as the body.
func (s *Server) sessionSnapshot(w http.ResponseWriter, r *http.Request, id, kind string) {
	switch r.Method {
	case http.MethodGet:
		snap, err := s.engine.GetSnapshot(r.Context(), namespaceOf(r), id, kind)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.SnapshotEnvelope{Snapshot: api.SnapshotFrom(snap)})
	case http.MethodPut:
		var payload json.RawMessage
		if err := decodeBody(r, &payload); err != nil {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
			return
		}
		snap, err := s.engine.SaveSnapshot(r.Context(), namespaceOf(r), id, kind, payload)
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.SnapshotEnvelope{Snapshot: api.SnapshotFrom(snap)})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}
