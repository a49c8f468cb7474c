package daemon

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
)

// cliHandler serves the agent CLI API. Every route here is authenticated
// with the CLI token only.
func (s *Server) cliHandler(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathParts(r, "/cli/")
	if !ok {
		s.notFound(w)
		return
	}
	switch {
	case len(parts) == 1 && parts[0] == "sessions":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.cliCreateSession(w, r)
	case len(parts) == 2 && parts[0] == "sessions":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getSession(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "sessions" && parts[2] == "messages":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.cliMessages(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "machines":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.registerMachine(w, r)
	case len(parts) == 2 && parts[0] == "machines":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getMachine(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "machines" && parts[2] == "spawn":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.spawnSession(w, r, parts[1])
	case len(parts) == 1 && parts[0] == "restart-sessions":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.restartSessions(w, r)
	default:
		s.notFound(w)
	}
}

// cliCreateSession returns the session for tag, creating it on first use.
func (s *Server) cliCreateSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Tag) == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	view, err := s.engine.GetOrCreateSession(r.Context(), namespaceOf(r), db.CreateSessionParams{
		Tag:        req.Tag,
		MachineID:  req.MachineID,
		Metadata:   req.Metadata,
		AgentState: req.AgentState,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SessionEnvelope{Session: view.API()})
}

// cliMessages is the agent catch-up read; afterSeq is required.
func (s *Server) cliMessages(w http.ResponseWriter, r *http.Request, id string) {
	afterSeq, ok, err := queryInt(r, "afterSeq")
	if err != nil || !ok {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid query")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	msgs, err := s.engine.GetMessagesAfter(r.Context(), namespaceOf(r), id, afterSeq, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MessagesEnvelope{Messages: api.MessagesFrom(msgs)})
}

func (s *Server) restartSessions(w http.ResponseWriter, r *http.Request) {
	var req api.RestartRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	resp, err := s.engine.RestartSessions(r.Context(), namespaceOf(r), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
