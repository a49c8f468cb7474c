package socket

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/broadcast"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/rpc"
	"github.com/g960059/agthub/internal/syncengine"
)

// Connection scopes selected with ?scope=.
const (
	ScopeNamespace = "namespace"
	ScopeSession   = "session"
	ScopeMachine   = "machine"
)

// Server upgrades /socket requests and runs one Conn per client.
type Server struct {
	engine   *syncengine.Engine
	registry *rpc.Registry
	upgrader websocket.Upgrader
	origins  []string

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewServer(engine *syncengine.Engine, registry *rpc.Registry) *Server {
	s := &Server{
		engine:   engine,
		registry: registry,
		origins:  engine.Config().CORSOrigins,
		conns:    map[*Conn]struct{}{},
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits non-browser clients, configured origins and same-host
// pages.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func socketToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	return access.BearerToken(r)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	namespace, err := s.engine.Resolver().AuthenticateAny(socketToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		scope = ScopeNamespace
	}
	ctx := r.Context()
	var room string
	switch scope {
	case ScopeNamespace:
	case ScopeSession:
		room = q.Get("sessionId")
		if _, err := s.engine.GetSession(ctx, namespace, room); err != nil {
			httpError(w, err)
			return
		}
	case ScopeMachine:
		machineID := q.Get("machineId")
		if _, err := s.engine.GetMachine(ctx, namespace, machineID); err != nil {
			httpError(w, err)
			return
		}
		room = syncengine.MachineRoom(machineID)
	default:
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}

	// Subscribe before the upgrade completes so nothing published after
	// the client sees the handshake is missed.
	hub := s.engine.Hub()
	var (
		forward     func(ctx context.Context, conn *Conn)
		unsubscribe func()
	)
	if scope == ScopeNamespace {
		sub := hub.SubscribeNamespace(namespace)
		unsubscribe = sub.Close
		forward = func(ctx context.Context, conn *Conn) {
			defer sub.Close()
			forwardLoop(conn, sub, func(ev api.SyncEvent) { conn.push(ctx, ev.Type, ev) })
		}
	} else {
		sub := hub.SubscribeRoom(room)
		unsubscribe = sub.Close
		forward = func(ctx context.Context, conn *Conn) {
			defer sub.Close()
			forwardLoop(conn, sub, func(u api.Update) { conn.push(ctx, EventUpdate, u) })
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		unsubscribe()
		return
	}
	cfg := s.engine.Config()
	conn := newConn(ws, namespace, rate.NewLimiter(rate.Limit(cfg.SocketEventsPerSecond), cfg.SocketEventBurst))

	// The request context ends when the handler returns; the connection
	// outlives it.
	connCtx := log.With(context.WithoutCancel(ctx),
		log.KV{K: "conn", V: conn.ID()},
		log.KV{K: "ns", V: namespace},
		log.KV{K: "scope", V: scope},
	)
	s.track(conn, true)
	log.Info(connCtx, log.KV{K: "msg", V: "socket connected"})

	go s.serve(connCtx, conn, forward)
}

func (s *Server) serve(ctx context.Context, conn *Conn, forward func(context.Context, *Conn)) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		conn.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		forward(ctx, conn)
	}()

	conn.readPump(ctx, func(ctx context.Context, f Frame) {
		s.handleFrame(ctx, conn, f)
	})
	// Release the peer's keys before closing so new calls fail with
	// NoHandler instead of reaching a closing connection.
	keys := s.registry.UnregisterPeer(conn.ID())
	conn.close()
	wg.Wait()

	s.track(conn, false)
	log.Info(ctx, log.KV{K: "msg", V: "socket disconnected"}, log.KV{K: "released", V: len(keys)})
}

func forwardLoop[T any](conn *Conn, sub *broadcast.Subscription[T], deliver func(T)) {
	for {
		select {
		case <-conn.done:
			return
		case v, ok := <-sub.C:
			if !ok {
				return
			}
			deliver(v)
		}
	}
}

func (s *Server) track(conn *Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
		return
	}
	delete(s.conns, conn)
}

// ConnCount reports the open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every open connection. Hijacked websockets are not closed by
// http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func httpError(w http.ResponseWriter, err error) {
	switch syncengine.KindOf(err) {
	case model.KindAccessDenied:
		http.Error(w, "access denied", http.StatusForbidden)
	case model.KindNotFound:
		http.Error(w, "not found", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
