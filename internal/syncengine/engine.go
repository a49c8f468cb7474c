// Package syncengine owns session and machine lifecycle. Every mutating
// operation computes its result first and then publishes the events it
// produced, in that order.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/broadcast"
	"github.com/g960059/agthub/internal/config"
	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/presence"
	"github.com/g960059/agthub/internal/rpc"
)

// Error is a classified engine failure. Code is the wire code, when the
// failure has one.
type Error struct {
	Kind    model.ErrorKind
	Code    string
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.err
}

func newError(kind model.ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf returns the classification of err, or "" for unexpected errors.
func KindOf(err error) model.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Effect is one event to publish after a mutation committed.
type Effect struct {
	Room      string
	Body      any
	Namespace *api.SyncEvent
}

func roomEffect(sessionID string, body any) Effect {
	return Effect{Room: sessionID, Body: body}
}

func namespaceEffect(ev api.SyncEvent) Effect {
	return Effect{Namespace: &ev}
}

// Outcome pairs the result of an operation with the events it produced.
type Outcome[T any] struct {
	Result  T
	Effects []Effect
}

type Options struct {
	Config     config.Config
	Store      *db.Store
	Resolver   *access.Resolver
	Presence   *presence.Tracker
	Dispatcher *rpc.Dispatcher
	Hub        *broadcast.Hub
}

type Engine struct {
	cfg        config.Config
	store      *db.Store
	resolver   *access.Resolver
	presence   *presence.Tracker
	dispatcher *rpc.Dispatcher
	hub        *broadcast.Hub

	sessionMu    sync.Mutex
	sessionLocks map[string]*sessionLockEntry
}

type sessionLockEntry struct {
	mu   sync.Mutex
	refs int
}

func New(opts Options) *Engine {
	cfg := opts.Config
	defaults := config.DefaultConfig()
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaults.RPCTimeout
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = defaults.SpawnTimeout
	}
	if cfg.PromptDeliveryTimeout <= 0 {
		cfg.PromptDeliveryTimeout = defaults.PromptDeliveryTimeout
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if cfg.MaxPathsPerCheck <= 0 {
		cfg.MaxPathsPerCheck = defaults.MaxPathsPerCheck
	}
	if cfg.MessagePageLimit <= 0 {
		cfg.MessagePageLimit = defaults.MessagePageLimit
	}
	return &Engine{
		cfg:          cfg,
		store:        opts.Store,
		resolver:     opts.Resolver,
		presence:     opts.Presence,
		dispatcher:   opts.Dispatcher,
		hub:          opts.Hub,
		sessionLocks: map[string]*sessionLockEntry{},
	}
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

func (e *Engine) Presence() *presence.Tracker {
	return e.presence
}

func (e *Engine) Hub() *broadcast.Hub {
	return e.hub
}

func (e *Engine) Resolver() *access.Resolver {
	return e.resolver
}

func (e *Engine) publish(ctx context.Context, effects []Effect) {
	if e.hub == nil {
		return
	}
	for _, eff := range effects {
		if eff.Namespace != nil {
			e.hub.PublishNamespace(ctx, *eff.Namespace)
			continue
		}
		e.hub.PublishRoom(ctx, eff.Room, eff.Body)
	}
}

// commit publishes the outcome's events and returns its result.
func commit[T any](ctx context.Context, e *Engine, out Outcome[T], err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	e.publish(ctx, out.Effects)
	return out.Result, nil
}

// lockSession serializes work on one session so that store order and
// broadcast order agree.
func (e *Engine) lockSession(sessionID string) func() {
	e.sessionMu.Lock()
	entry, ok := e.sessionLocks[sessionID]
	if !ok {
		entry = &sessionLockEntry{}
		e.sessionLocks[sessionID] = entry
	}
	entry.refs++
	e.sessionMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		e.sessionMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(e.sessionLocks, sessionID)
		}
		e.sessionMu.Unlock()
	}
}

func (e *Engine) now() time.Time {
	return e.presence.Now()
}

func (e *Engine) resolveSession(ctx context.Context, namespace, id string) (model.Session, error) {
	res, err := e.resolver.ResolveSession(ctx, id, namespace)
	if err != nil {
		return model.Session{}, err
	}
	switch res.Status {
	case model.AccessOK:
		return res.Session, nil
	case model.AccessDenied:
		return model.Session{}, newError(model.KindAccessDenied, model.CodeAccessDenied, "Session access denied")
	default:
		return model.Session{}, newError(model.KindNotFound, model.CodeNotFound, "Session not found")
	}
}

func (e *Engine) resolveMachine(ctx context.Context, namespace, id string) (model.Machine, error) {
	res, err := e.resolver.ResolveMachine(ctx, id, namespace)
	if err != nil {
		return model.Machine{}, err
	}
	switch res.Status {
	case model.AccessOK:
		return res.Machine, nil
	case model.AccessDenied:
		return model.Machine{}, newError(model.KindAccessDenied, model.CodeAccessDenied, "Machine access denied")
	default:
		return model.Machine{}, newError(model.KindNotFound, model.CodeNotFound, "Machine not found")
	}
}

// storeError maps store sentinels onto the engine taxonomy.
func storeError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, db.ErrNotFound):
		return &Error{Kind: model.KindNotFound, Code: model.CodeNotFound, Message: what + " not found", err: err}
	case errors.Is(err, db.ErrAccessDenied):
		return &Error{Kind: model.KindAccessDenied, Code: model.CodeAccessDenied, Message: what + " access denied", err: err}
	case errors.Is(err, db.ErrInvalid):
		return &Error{Kind: model.KindValidation, Code: model.CodeInvalidBody, Message: "Invalid body", err: err}
	default:
		return err
	}
}

func (e *Engine) sessionActive(id string) bool {
	return e.presence.IsActive(id, e.now())
}

func (e *Engine) machineOnline(id string) bool {
	return e.presence.IsOnline(id, e.now())
}

// withPresence overlays tracker state on a stored session.
func (e *Engine) withPresence(s model.Session) (model.Session, bool) {
	now := e.now()
	active := e.presence.IsActive(s.ID, now)
	s.Thinking = e.presence.IsThinking(s.ID, now)
	if at, ok := e.presence.LastAlive(model.PresenceSession, s.ID); ok {
		at := at
		s.LastAliveAt = &at
	}
	return s, active
}

func (e *Engine) withMachinePresence(m model.Machine) (model.Machine, bool) {
	if at, ok := e.presence.LastAlive(model.PresenceMachine, m.ID); ok {
		at := at
		m.LastAliveAt = &at
	}
	return m, e.machineOnline(m.ID)
}

func (e *Engine) sessionEvent(ctx context.Context, typ string, s model.Session) api.SyncEvent {
	s, active := e.withPresence(s)
	return api.SyncEvent{
		Type:      typ,
		Namespace: s.Namespace,
		SessionID: s.ID,
		Data:      mustJSON(ctx, api.SessionSummaryFrom(s, active)),
	}
}

func (e *Engine) machineEvent(ctx context.Context, m model.Machine) api.SyncEvent {
	m, online := e.withMachinePresence(m)
	return api.SyncEvent{
		Type:      api.EventMachineUpdated,
		Namespace: m.Namespace,
		MachineID: m.ID,
		Data:      mustJSON(ctx, api.MachineFrom(m, online)),
	}
}

func mustJSON(ctx context.Context, v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode event data"})
		return nil
	}
	return raw
}
