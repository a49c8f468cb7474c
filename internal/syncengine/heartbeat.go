package syncengine

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/model"
)

// HandleSessionAlive records a session heartbeat. Observers hear about it
// only when the session turns active, its thinking flag or reported modes
// change, or the periodic rebroadcast is due.
func (e *Engine) HandleSessionAlive(ctx context.Context, namespace, sessionID string, sig model.AliveSignal) error {
	session, err := e.resolveSession(ctx, namespace, sessionID)
	if err != nil {
		return err
	}
	change := e.presence.RecordAlive(model.PresenceSession, sessionID, sig)
	if !change.Advanced {
		return nil
	}
	if err := e.store.TouchSessionAlive(ctx, sessionID, model.AliveSignal{Time: change.At, Thinking: sig.Thinking}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist session heartbeat"}, log.KV{K: "session", V: sessionID})
	}
	modesChanged, err := e.store.SetSessionModes(ctx, sessionID, sig.PermissionMode, sig.ModelMode)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist session modes"}, log.KV{K: "session", V: sessionID})
	}
	if modesChanged {
		if updated, err := e.store.GetSession(ctx, sessionID); err == nil {
			session = updated
		}
	}
	if change.Broadcast || modesChanged {
		e.publish(ctx, []Effect{namespaceEffect(e.sessionEvent(ctx, api.EventSessionUpdated, session))})
	}
	return nil
}

// HandleSessionEnd marks the session inactive unless a newer heartbeat
// already arrived.
func (e *Engine) HandleSessionEnd(ctx context.Context, namespace, sessionID string, at time.Time) error {
	session, err := e.resolveSession(ctx, namespace, sessionID)
	if err != nil {
		return err
	}
	if !e.presence.RecordEnd(model.PresenceSession, sessionID, at) {
		return nil
	}
	if at.IsZero() {
		at = e.now()
	}
	if err := e.store.ClearSessionAlive(ctx, sessionID, model.AliveSignal{Time: at}); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist session end"}, log.KV{K: "session", V: sessionID})
	}
	e.publish(ctx, []Effect{namespaceEffect(e.sessionEvent(ctx, api.EventSessionUpdated, session))})
	return nil
}

// HandleMachineAlive records a machine heartbeat.
func (e *Engine) HandleMachineAlive(ctx context.Context, namespace, machineID string, at time.Time) error {
	machine, err := e.resolveMachine(ctx, namespace, machineID)
	if err != nil {
		return err
	}
	change := e.presence.RecordAlive(model.PresenceMachine, machineID, model.AliveSignal{Time: at})
	if !change.Advanced {
		return nil
	}
	if err := e.store.TouchMachineAlive(ctx, machineID, change.At); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "persist machine heartbeat"}, log.KV{K: "machine", V: machineID})
	}
	if change.BecameActive {
		e.publish(ctx, []Effect{namespaceEffect(e.machineEvent(ctx, machine))})
	}
	return nil
}

// SeedPresence loads persisted heartbeats so sessions that were active
// before a restart stay active for the rest of their window.
func (e *Engine) SeedPresence(ctx context.Context) error {
	window := e.cfg.ActiveWindow
	if e.cfg.MachineOnlineWindow > window {
		window = e.cfg.MachineOnlineWindow
	}
	records, err := e.store.ListAliveSince(ctx, e.now().Add(-window))
	if err != nil {
		return err
	}
	for _, rec := range records {
		e.presence.Seed(rec.Kind, rec.ID, model.AliveSignal{Time: rec.At, Thinking: rec.Thinking})
	}
	log.Info(ctx, log.KV{K: "msg", V: "presence seeded"}, log.KV{K: "entries", V: len(records)})
	return nil
}
