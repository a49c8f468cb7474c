package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/api"
)

const sseHeartbeat = 15 * time.Second

// eventFilter narrows the namespace stream. Message events are only sent
// to streams following that session.
type eventFilter struct {
	sessionID string
	machineID string
}

func (f eventFilter) match(ev api.SyncEvent) bool {
	if ev.Type == api.EventMessageReceived {
		return f.sessionID != "" && ev.SessionID == f.sessionID
	}
	switch {
	case f.sessionID != "":
		return ev.SessionID == f.sessionID
	case f.machineID != "":
		return ev.MachineID == f.machineID
	}
	return true
}

// eventsHandler streams the caller's namespace events as server-sent
// events until the client goes away.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ctx := r.Context()
	ns := namespaceOf(r)
	q := r.URL.Query()
	filter := eventFilter{sessionID: q.Get("sessionId"), machineID: q.Get("machineId")}
	if filter.sessionID != "" {
		if _, err := s.engine.GetSession(ctx, ns, filter.sessionID); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	if filter.machineID != "" {
		if _, err := s.engine.GetMachine(ctx, ns, filter.machineID); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "", "Streaming unsupported")
		return
	}

	sub := s.engine.Hub().SubscribeNamespace(ns)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subscriptionID := uuid.NewString()
	log.Debug(ctx, log.KV{K: "msg", V: "sse subscribed"}, log.KV{K: "sub", V: subscriptionID})
	writeSSE(w, api.EventConnectionChange, map[string]string{"status": "connected", "subscriptionId": subscriptionID})
	flusher.Flush()

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !filter.match(ev) {
				continue
			}
			if err := writeSSE(w, ev.Type, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
	return err
}
