package syncengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path"
	"strings"

	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/rpc"
)

const (
	defaultFileLimit = 200
	maxFileLimit     = 500
)

// ProxyResult is the body of every proxied query. Failed calls never
// surface as errors: they become Success=false with a reason.
type ProxyResult struct {
	Success bool
	Data    json.RawMessage
	Error   string
}

// MarshalJSON returns the machine's answer as is on success and
// {success:false, error} otherwise.
func (r ProxyResult) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}{false, r.Error})
	}
	if len(r.Data) == 0 {
		return []byte(`{"success":true}`), nil
	}
	return r.Data, nil
}

func proxyFailure(msg string) ProxyResult {
	return ProxyResult{Error: msg}
}

// proxyCall issues one RPC and folds every failure into the result.
func (e *Engine) proxyCall(ctx context.Context, key rpc.DispatchKey, params any) ProxyResult {
	raw, err := e.dispatcher.Call(ctx, key, params, e.cfg.RPCTimeout)
	if err != nil {
		return proxyFailure(rpc.Message(err))
	}
	var decoded json.RawMessage
	if err := rpc.Decode(raw, &decoded); err != nil {
		return proxyFailure("Unexpected response")
	}
	return ProxyResult{Success: true, Data: decoded}
}

// sessionPath resolves the session and returns its working directory.
func (e *Engine) sessionPath(ctx context.Context, namespace, sessionID string) (string, error) {
	session, err := e.resolveSession(ctx, namespace, sessionID)
	if err != nil {
		return "", err
	}
	return parseSessionMeta(session.Metadata.Value).Path, nil
}

const noSessionPath = "Session path not available"

func (e *Engine) GitStatus(ctx context.Context, namespace, sessionID string) (ProxyResult, error) {
	cwd, err := e.sessionPath(ctx, namespace, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if cwd == "" {
		return proxyFailure(noSessionPath), nil
	}
	return e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodGitStatus), map[string]any{"cwd": cwd}), nil
}

func (e *Engine) GitDiffNumstat(ctx context.Context, namespace, sessionID string, staged bool) (ProxyResult, error) {
	cwd, err := e.sessionPath(ctx, namespace, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if cwd == "" {
		return proxyFailure(noSessionPath), nil
	}
	return e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodGitDiffNumstat), map[string]any{"cwd": cwd, "staged": staged}), nil
}

func (e *Engine) GitDiffFile(ctx context.Context, namespace, sessionID, filePath string, staged bool) (ProxyResult, error) {
	if strings.TrimSpace(filePath) == "" {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid file path")
	}
	cwd, err := e.sessionPath(ctx, namespace, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if cwd == "" {
		return proxyFailure(noSessionPath), nil
	}
	return e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodGitDiffFile), map[string]any{"cwd": cwd, "filePath": filePath, "staged": staged}), nil
}

// ReadFile reads one file through the session's agent.
func (e *Engine) ReadFile(ctx context.Context, namespace, sessionID, filePath string) (ProxyResult, error) {
	if strings.TrimSpace(filePath) == "" {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid file path")
	}
	cwd, err := e.sessionPath(ctx, namespace, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if cwd == "" {
		return proxyFailure(noSessionPath), nil
	}
	if !path.IsAbs(filePath) {
		filePath = path.Join(cwd, filePath)
	}
	return e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodReadFile), map[string]any{"path": filePath}), nil
}

// ValidSearchQuery rejects queries a remote search tool would read as a flag.
func ValidSearchQuery(q string) bool {
	return !strings.HasPrefix(strings.TrimSpace(q), "-")
}

// FileEntry is one search hit of SearchFiles.
type FileEntry struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	FullPath string `json:"fullPath"`
	FileType string `json:"fileType"`
}

// SearchFiles lists files under the session directory whose name matches
// query, using ripgrep on the agent machine.
func (e *Engine) SearchFiles(ctx context.Context, namespace, sessionID, query string, limit int) (ProxyResult, error) {
	query = strings.TrimSpace(query)
	if !ValidSearchQuery(query) {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid query")
	}
	if limit <= 0 {
		limit = defaultFileLimit
	}
	if limit > maxFileLimit {
		limit = maxFileLimit
	}
	cwd, err := e.sessionPath(ctx, namespace, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if cwd == "" {
		return proxyFailure(noSessionPath), nil
	}
	args := []string{"--files"}
	if query != "" {
		args = append(args, "--iglob", "*"+query+"*")
	}
	res := e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodRipgrep), map[string]any{"args": args, "cwd": cwd})
	if !res.Success {
		return res, nil
	}
	return mapRipgrepFiles(res.Data, limit), nil
}

func mapRipgrepFiles(raw json.RawMessage, limit int) ProxyResult {
	var out struct {
		Success bool   `json:"success"`
		Stdout  string `json:"stdout"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return proxyFailure("Unexpected response")
	}
	if !out.Success {
		if out.Error == "" {
			out.Error = "Search failed"
		}
		return proxyFailure(out.Error)
	}
	files := make([]FileEntry, 0)
	for _, line := range strings.Split(out.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry := FileEntry{FileName: line, FullPath: line, FileType: "file"}
		if i := strings.LastIndex(line, "/"); i >= 0 {
			entry.FileName = line[i+1:]
			entry.FilePath = line[:i]
		}
		files = append(files, entry)
		if len(files) >= limit {
			break
		}
	}
	data, err := json.Marshal(map[string]any{"success": true, "files": files})
	if err != nil {
		return proxyFailure(err.Error())
	}
	return ProxyResult{Success: true, Data: data}
}

// ListDirectory returns one directory level below the session directory.
func (e *Engine) ListDirectory(ctx context.Context, namespace, sessionID, dir string) (ProxyResult, error) {
	if !ValidSearchQuery(dir) {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid path")
	}
	cwd, err := e.sessionPath(ctx, namespace, sessionID)
	if err != nil {
		return ProxyResult{}, err
	}
	if cwd == "" {
		return proxyFailure(noSessionPath), nil
	}
	target := cwd
	if dir = strings.TrimSpace(dir); dir != "" {
		target = path.Join(cwd, dir)
	}
	return e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodListDirectory), map[string]any{"path": target}), nil
}

func (e *Engine) MachineGitBranches(ctx context.Context, namespace, machineID, cwd string) (ProxyResult, error) {
	if _, err := e.resolveMachine(ctx, namespace, machineID); err != nil {
		return ProxyResult{}, err
	}
	if strings.TrimSpace(cwd) == "" {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid directory")
	}
	return e.proxyCall(ctx, rpc.Key(machineID, rpc.MethodGitBranches), map[string]any{"cwd": cwd}), nil
}

func (e *Engine) ListAgents(ctx context.Context, namespace, machineID string) (ProxyResult, error) {
	if _, err := e.resolveMachine(ctx, namespace, machineID); err != nil {
		return ProxyResult{}, err
	}
	return e.proxyCall(ctx, rpc.Key(machineID, rpc.MethodListAgents), nil), nil
}

// CheckPathsExist asks the machine once about the trimmed, deduplicated
// paths and answers for every original key.
func (e *Engine) CheckPathsExist(ctx context.Context, namespace, machineID string, paths []string) (map[string]bool, error) {
	if len(paths) > e.cfg.MaxPathsPerCheck {
		return nil, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if _, err := e.resolveMachine(ctx, namespace, machineID); err != nil {
		return nil, err
	}
	unique := make([]string, 0, len(paths))
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
	}
	out := make(map[string]bool, len(paths))
	if len(unique) == 0 {
		for _, p := range paths {
			out[p] = false
		}
		return out, nil
	}

	raw, err := e.dispatcher.Call(ctx, rpc.Key(machineID, rpc.MethodPathExists), map[string]any{"paths": unique}, e.cfg.RPCTimeout)
	if err != nil {
		if errors.Is(err, rpc.ErrNoHandler) {
			return nil, noMachineOnline(err)
		}
		return nil, &Error{Kind: rpc.Kind(err), Message: rpc.Message(err), err: err}
	}
	var resp struct {
		Exists map[string]bool `json:"exists"`
	}
	if err := rpc.Decode(raw, &resp); err != nil {
		return nil, &Error{Kind: model.KindRPCRejected, Message: "Unexpected response", err: err}
	}
	for _, p := range paths {
		out[p] = resp.Exists[strings.TrimSpace(p)]
	}
	return out, nil
}

// UploadInput is a base64 file body destined for the session's agent.
type UploadInput struct {
	Filename string
	Content  string
	MimeType string
}

// UploadFile forwards a file to an active session.
func (e *Engine) UploadFile(ctx context.Context, namespace, sessionID string, in UploadInput) (ProxyResult, error) {
	if strings.TrimSpace(in.Filename) == "" || in.Content == "" {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if int64(base64.StdEncoding.DecodedLen(len(in.Content))) > e.cfg.MaxUploadBytes+2 {
		return ProxyResult{}, newError(model.KindPayloadTooLarge, model.CodePayloadTooLarge, "File too large (max 50MB)")
	}
	decoded, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		return ProxyResult{}, newError(model.KindValidation, model.CodeInvalidBody, "Invalid body")
	}
	if int64(len(decoded)) > e.cfg.MaxUploadBytes {
		return ProxyResult{}, newError(model.KindPayloadTooLarge, model.CodePayloadTooLarge, "File too large (max 50MB)")
	}
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return ProxyResult{}, err
	}
	if !e.sessionActive(sessionID) {
		return ProxyResult{}, newError(model.KindConflict, model.CodeSessionInactive, "Session is inactive")
	}
	return e.proxyCall(ctx, rpc.Key(sessionID, rpc.MethodUploadFile), map[string]any{
		"sessionId": sessionID,
		"filename":  in.Filename,
		"content":   in.Content,
		"mimeType":  in.MimeType,
	}), nil
}

// AbortSession interrupts the agent's current turn.
func (e *Engine) AbortSession(ctx context.Context, namespace, sessionID string) error {
	return e.sessionCommand(ctx, namespace, sessionID, rpc.MethodAbort, map[string]any{"reason": "User aborted via Web"})
}

// SwitchSession hands control of the session to the remote side.
func (e *Engine) SwitchSession(ctx context.Context, namespace, sessionID string) error {
	return e.sessionCommand(ctx, namespace, sessionID, rpc.MethodSwitch, map[string]any{"to": "remote"})
}

func (e *Engine) sessionCommand(ctx context.Context, namespace, sessionID, method string, params any) error {
	if _, err := e.resolveSession(ctx, namespace, sessionID); err != nil {
		return err
	}
	if !e.sessionActive(sessionID) {
		return newError(model.KindConflict, model.CodeSessionInactive, "Session is inactive")
	}
	if _, err := e.dispatcher.Call(ctx, rpc.Key(sessionID, method), params, e.cfg.RPCTimeout); err != nil {
		return &Error{Kind: rpc.Kind(err), Message: rpc.Message(err), err: err}
	}
	return nil
}
