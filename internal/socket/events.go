package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/rpc"
)

var errInvalidPayload = errors.New("invalid payload")

func (s *Server) handleFrame(ctx context.Context, conn *Conn, f Frame) {
	if f.Type != FrameEvent {
		conn.ack(f.ID, nil, fmt.Errorf("unsupported frame type %q", f.Type))
		return
	}
	data, err := s.handleEvent(ctx, conn, f.Event, f.Data)
	if err != nil {
		log.Debug(ctx, log.KV{K: "msg", V: "socket event failed"}, log.KV{K: "event", V: f.Event}, log.KV{K: "err", V: err.Error()})
	}
	conn.ack(f.ID, data, err)
}

func (s *Server) handleEvent(ctx context.Context, conn *Conn, event string, raw json.RawMessage) (any, error) {
	ns := conn.Namespace()
	switch event {
	case EventPing:
		return struct{}{}, nil

	case EventMessage:
		var p messagePayload
		if err := decode(raw, &p); err != nil || p.id() == "" || len(p.Message) == 0 {
			return nil, errInvalidPayload
		}
		msg, _, err := s.engine.AddMessage(ctx, ns, p.id(), messageContent(p.Message), p.LocalID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": msg.ID, "seq": msg.Seq}, nil

	case EventUpdateMetadata, EventUpdateState:
		var p sessionUpdatePayload
		if err := decode(raw, &p); err != nil || p.id() == "" {
			return nil, errInvalidPayload
		}
		if event == EventUpdateMetadata {
			res, err := s.engine.UpdateSessionMetadata(ctx, ns, p.id(), p.Metadata, p.ExpectedVersion)
			return casAck(res, err, "metadata")
		}
		res, err := s.engine.UpdateSessionAgentState(ctx, ns, p.id(), p.AgentState, p.ExpectedVersion)
		return casAck(res, err, "agentState")

	case EventSessionAlive:
		var p alivePayload
		if err := decode(raw, &p); err != nil || p.id() == "" {
			return nil, errInvalidPayload
		}
		sig := model.AliveSignal{
			Time:           aliveTime(p.Time, s.engine.Presence().Now()),
			Thinking:       p.Thinking,
			PermissionMode: p.PermissionMode,
			ModelMode:      p.ModelMode,
		}
		if err := s.engine.HandleSessionAlive(ctx, ns, p.id(), sig); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case EventSessionEnd:
		var p alivePayload
		if err := decode(raw, &p); err != nil || p.id() == "" {
			return nil, errInvalidPayload
		}
		return nil, s.engine.HandleSessionEnd(ctx, ns, p.id(), aliveTime(p.Time, s.engine.Presence().Now()))

	case EventMachineAlive:
		var p alivePayload
		if err := decode(raw, &p); err != nil || p.MachineID == "" {
			return nil, errInvalidPayload
		}
		if err := s.engine.HandleMachineAlive(ctx, ns, p.MachineID, aliveTime(p.Time, s.engine.Presence().Now())); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case EventMachineUpdateMetadata, EventMachineUpdateState:
		var p machineUpdatePayload
		if err := decode(raw, &p); err != nil || p.MachineID == "" {
			return nil, errInvalidPayload
		}
		if event == EventMachineUpdateMetadata {
			res, err := s.engine.UpdateMachineMetadata(ctx, ns, p.MachineID, p.Metadata, p.ExpectedVersion)
			return casAck(res, err, "metadata")
		}
		res, err := s.engine.UpdateMachineRunnerState(ctx, ns, p.MachineID, p.RunnerState, p.ExpectedVersion)
		return casAck(res, err, "runnerState")

	case EventLinkBead:
		var p beadPayload
		if err := decode(raw, &p); err != nil || p.id() == "" {
			return nil, errInvalidPayload
		}
		if _, err := s.engine.LinkBead(ctx, ns, p.id(), p.BeadID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case EventSaveSnapshot:
		var p snapshotPayload
		if err := decode(raw, &p); err != nil || p.id() == "" {
			return nil, errInvalidPayload
		}
		snap, err := s.engine.SaveSnapshot(ctx, ns, p.id(), p.Kind, p.Payload)
		if err != nil {
			return nil, err
		}
		return map[string]any{"kind": snap.Kind, "savedAt": snap.SavedAt.UnixMilli()}, nil

	case EventRPCRegister, EventRPCUnregister:
		var p registerPayload
		if err := decode(raw, &p); err != nil {
			return nil, errInvalidPayload
		}
		key, ok := rpc.ParseDispatchKey(p.Method)
		if !ok {
			return nil, errInvalidPayload
		}
		if event == EventRPCUnregister {
			s.registry.Unregister(key, conn.ID())
			return nil, nil
		}
		if err := s.ownsTarget(ctx, ns, key.Target); err != nil {
			return nil, err
		}
		s.registry.Register(key, conn)
		log.Debug(ctx, log.KV{K: "msg", V: "rpc registered"}, log.KV{K: "key", V: key.String()})
		return nil, nil
	}
	return nil, fmt.Errorf("unknown event %q", event)
}

// ownsTarget checks that a dispatch target is a session or machine of ns.
func (s *Server) ownsTarget(ctx context.Context, ns, target string) error {
	_, err := s.engine.GetSession(ctx, ns, target)
	if err == nil {
		return nil
	}
	if _, mErr := s.engine.GetMachine(ctx, ns, target); mErr == nil {
		return nil
	}
	return err
}

// casAck renders a compare-and-swap outcome; the value is keyed by field.
func casAck(res model.UpdateResult, err error, field string) (any, error) {
	if err != nil {
		return map[string]any{"result": model.UpdateError}, err
	}
	return map[string]any{
		"result":  res.Status,
		"version": res.Version,
		field:     res.Value,
	}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errInvalidPayload
	}
	return json.Unmarshal(raw, v)
}

// aliveTime converts an epoch-millis heartbeat time, defaulting to now.
func aliveTime(ms float64, now time.Time) time.Time {
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(int64(ms)).UTC()
}
