package daemon

import (
	"net/http"
	"strings"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/syncengine"
)

func (s *Server) machinesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		// Offline machines are listed only on request.
		s.listMachines(w, r, !queryBool(r, "all"))
	case http.MethodPost:
		s.registerMachine(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request, onlineOnly bool) {
	views, err := s.engine.ListMachines(r.Context(), namespaceOf(r), onlineOnly)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]api.Machine, 0, len(views))
	for _, v := range views {
		out = append(out, v.API())
	}
	s.writeJSON(w, http.StatusOK, api.MachinesEnvelope{Machines: out})
}

// registerMachine creates the machine or returns the existing one. A
// machine id owned by another namespace is refused.
func (s *Server) registerMachine(w http.ResponseWriter, r *http.Request) {
	var req api.CreateMachineRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.ID) == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	view, err := s.engine.GetOrCreateMachine(r.Context(), namespaceOf(r), strings.TrimSpace(req.ID), req.Metadata, req.RunnerState)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MachineEnvelope{Machine: view.API()})
}

func (s *Server) getMachine(w http.ResponseWriter, r *http.Request, id string) {
	view, err := s.engine.GetMachine(r.Context(), namespaceOf(r), id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.MachineEnvelope{Machine: view.API()})
}

func (s *Server) machineByIDHandler(w http.ResponseWriter, r *http.Request) {
	parts, ok := pathParts(r, "/machines/")
	if !ok || len(parts) > 3 {
		s.notFound(w)
		return
	}
	id := parts[0]
	route := strings.Join(parts[1:], "/")
	switch route {
	case "":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getMachine(w, r, id)
	case "spawn":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.spawnSession(w, r, id)
	case "paths/exists":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		s.pathsExist(w, r, id)
	case "agents", "git/branches":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		var (
			res syncengine.ProxyResult
			err error
		)
		if route == "agents" {
			res, err = s.engine.ListAgents(r.Context(), namespaceOf(r), id)
		} else {
			res, err = s.engine.MachineGitBranches(r.Context(), namespaceOf(r), id, r.URL.Query().Get("cwd"))
		}
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, res)
	case "metadata", "runner-state":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		var req api.UpdateVersionedRequest
		if err := decodeBody(r, &req); err != nil || len(req.Value) == 0 {
			s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
			return
		}
		update := s.engine.UpdateMachineMetadata
		if route == "runner-state" {
			update = s.engine.UpdateMachineRunnerState
		}
		res, err := update(r.Context(), namespaceOf(r), id, req.Value, req.ExpectedVersion)
		s.writeVersioned(w, r, res, err)
	default:
		s.notFound(w)
	}
}

// spawnSession starts an agent session on the machine. A machine that
// answered with a failure is reported as 200 {type:"error"}.
func (s *Server) spawnSession(w http.ResponseWriter, r *http.Request, machineID string) {
	var req api.SpawnRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	resp, err := s.engine.SpawnSession(r.Context(), namespaceOf(r), machineID, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pathsExist(w http.ResponseWriter, r *http.Request, machineID string) {
	var req api.PathsExistRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	exists, err := s.engine.CheckPathsExist(r.Context(), namespaceOf(r), machineID, req.Paths)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.PathsExistResponse{Exists: exists})
}
