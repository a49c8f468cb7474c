// Package rpc routes hub-initiated calls to connected agent peers.
package rpc

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

const (
	MethodSpawnSession   = "spawn-happy-session"
	MethodListAgents     = "list-agents"
	MethodPathExists     = "path-exists"
	MethodGitBranches    = "git-branches"
	MethodKillSession    = "killSession"
	MethodGitStatus      = "git-status"
	MethodGitDiffNumstat = "git-diff-numstat"
	MethodGitDiffFile    = "git-diff-file"
	MethodReadFile       = "readFile"
	MethodRipgrep        = "ripgrep"
	MethodListDirectory  = "listDirectory"
	MethodUploadFile     = "uploadFile"
	MethodAbort          = "abort"
	MethodSwitch         = "switch"
	MethodSessionConfig  = "set-session-config"
	MethodPermission     = "permission"
)

// DispatchKey addresses one handler: a method registered by the peer that
// serves a session or machine.
type DispatchKey struct {
	Target string
	Method string
}

func Key(target, method string) DispatchKey {
	return DispatchKey{Target: target, Method: method}
}

// String renders the wire form "<target>:<method>".
func (k DispatchKey) String() string {
	return k.Target + ":" + k.Method
}

func (k DispatchKey) Valid() bool {
	return k.Target != "" && k.Method != ""
}

// ParseDispatchKey splits the wire form on the last colon so targets may
// themselves contain colons.
func ParseDispatchKey(raw string) (DispatchKey, bool) {
	sep := strings.LastIndex(raw, ":")
	if sep <= 0 || sep == len(raw)-1 {
		return DispatchKey{}, false
	}
	return DispatchKey{Target: raw[:sep], Method: raw[sep+1:]}, true
}

// Peer is a connected agent able to serve requests.
type Peer interface {
	ID() string
	Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Registry maps dispatch keys to the peer currently serving them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[DispatchKey]Peer
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[DispatchKey]Peer{}}
}

// Register binds key to peer. A later registration replaces an earlier one.
func (r *Registry) Register(key DispatchKey, peer Peer) bool {
	if !key.Valid() || peer == nil {
		return false
	}
	r.mu.Lock()
	r.handlers[key] = peer
	r.mu.Unlock()
	return true
}

// Unregister removes key only while peerID still owns it.
func (r *Registry) Unregister(key DispatchKey, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.handlers[key]
	if !ok || existing.ID() != peerID {
		return false
	}
	delete(r.handlers, key)
	return true
}

// UnregisterPeer drops every key owned by peerID in one step.
func (r *Registry) UnregisterPeer(peerID string) []DispatchKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []DispatchKey
	for key, peer := range r.handlers {
		if peer.ID() == peerID {
			delete(r.handlers, key)
			removed = append(removed, key)
		}
	}
	sortKeys(removed)
	return removed
}

func (r *Registry) Lookup(key DispatchKey) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peer, ok := r.handlers[key]
	return peer, ok
}

// HasTarget reports whether any method is registered for target.
func (r *Registry) HasTarget(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key := range r.handlers {
		if key.Target == target {
			return true
		}
	}
	return false
}

func (r *Registry) Keys() []DispatchKey {
	r.mu.RLock()
	out := make([]DispatchKey, 0, len(r.handlers))
	for key := range r.handlers {
		out = append(out, key)
	}
	r.mu.RUnlock()
	sortKeys(out)
	return out
}

func sortKeys(keys []DispatchKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Target != keys[j].Target {
			return keys[i].Target < keys[j].Target
		}
		return keys[i].Method < keys[j].Method
	})
}
