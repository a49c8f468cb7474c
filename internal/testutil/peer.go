package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/g960059/agthub/internal/rpc"
)

// PeerCall is one request received by a Peer.
type PeerCall struct {
	Key    string
	Params json.RawMessage
}

type PeerHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Peer is an in-memory rpc.Peer answering per dispatch key.
type Peer struct {
	id string

	mu       sync.Mutex
	handlers map[string]PeerHandler
	calls    []PeerCall
}

func NewPeer(id string) *Peer {
	return &Peer{id: id, handlers: map[string]PeerHandler{}}
}

func (p *Peer) ID() string { return p.id }

// Handle answers requests for key and registers it with registry.
func (p *Peer) Handle(registry *rpc.Registry, key rpc.DispatchKey, h PeerHandler) {
	p.mu.Lock()
	p.handlers[key.String()] = h
	p.mu.Unlock()
	registry.Register(key, p)
}

// Reply is a PeerHandler returning a fixed JSON document.
func Reply(doc string) PeerHandler {
	return func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(doc), nil
	}
}

func (p *Peer) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	p.calls = append(p.calls, PeerCall{Key: method, Params: append(json.RawMessage(nil), params...)})
	h, ok := p.handlers[method]
	p.mu.Unlock()
	if !ok {
		return nil, &rpc.RemoteError{Message: "no handler for " + method}
	}
	return h(ctx, params)
}

// Calls returns the requests received so far, oldest first.
func (p *Peer) Calls() []PeerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PeerCall(nil), p.calls...)
}
