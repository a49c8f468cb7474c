// Package daemon serves the hub's HTTP surface: the web API under
// /sessions and /machines, the agent CLI API under /cli, the SSE namespace
// stream and the websocket endpoint.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/g960059/agthub/internal/access"
	"github.com/g960059/agthub/internal/api"
	"github.com/g960059/agthub/internal/config"
	"github.com/g960059/agthub/internal/model"
	"github.com/g960059/agthub/internal/socket"
	"github.com/g960059/agthub/internal/syncengine"
)

const protocolHeader = "X-Hapi-Protocol-Version"

type Server struct {
	cfg         config.Config
	engine      *syncengine.Engine
	socket      *socket.Server
	authLimiter *rate.Limiter
	handler     http.Handler
	httpSrv     *http.Server

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

// NewServer builds the route table. sock may be nil, in which case /socket
// is not mounted.
func NewServer(ctx context.Context, engine *syncengine.Engine, sock *socket.Server) *Server {
	cfg := engine.Config()
	perMinute := cfg.AuthAttemptsPerMinute
	if perMinute <= 0 {
		perMinute = config.DefaultConfig().AuthAttemptsPerMinute
	}
	s := &Server{
		cfg:         cfg,
		engine:      engine,
		socket:      sock,
		authLimiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/health", s.healthHandler)
	apiMux.HandleFunc("/auth", s.authHandler)
	apiMux.Handle("/sessions", s.requireAuth(http.HandlerFunc(s.sessionsHandler)))
	apiMux.Handle("/sessions/", s.requireAuth(http.HandlerFunc(s.sessionByIDHandler)))
	apiMux.Handle("/machines", s.requireAuth(http.HandlerFunc(s.machinesHandler)))
	apiMux.Handle("/machines/", s.requireAuth(http.HandlerFunc(s.machineByIDHandler)))
	apiMux.Handle("/cli/", s.requireCLI(http.HandlerFunc(s.cliHandler)))

	// Streaming endpoints bypass the request logger, which does not expose
	// the hijacker and flusher of the underlying writer.
	root := http.NewServeMux()
	root.Handle("/", log.HTTP(ctx)(apiMux))
	root.Handle("/events", s.requireAuth(http.HandlerFunc(s.eventsHandler)))
	if sock != nil {
		root.Handle("/socket", sock)
	}
	s.handler = s.cors(root)
	s.httpSrv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr is the bound listen address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Info(ctx, log.KV{K: "msg", V: "hub listening"}, log.KV{K: "addr", V: ln.Addr().String()})

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		if s.socket != nil {
			s.socket.Close()
		}
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("shutdown http: %w", err)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:          "ok",
		ProtocolVersion: config.ProtocolVersion,
		GeneratedAt:     time.Now().UTC(),
	})
}

// authHandler exchanges a CLI access token for a short-lived web token.
func (s *Server) authHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "", "Too many requests")
		return
	}
	var req api.AuthRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.AccessToken) == "" {
		s.writeError(w, http.StatusBadRequest, model.CodeInvalidBody, "Invalid body")
		return
	}
	resolver := s.engine.Resolver()
	namespace, err := resolver.Authenticate(strings.TrimSpace(req.AccessToken))
	if err != nil {
		log.Info(r.Context(), log.KV{K: "msg", V: "auth rejected"})
		s.writeError(w, http.StatusUnauthorized, model.CodeUnauthorized, "Invalid access token")
		return
	}
	issuer := resolver.Issuer()
	if issuer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "", "Web tokens are disabled")
		return
	}
	token, exp, err := issuer.Issue(namespace)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AuthResponse{Token: token, Namespace: namespace, ExpiresAt: api.Millis(exp)})
}

// requireAuth admits a CLI token or a web token and scopes the request to
// its namespace.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return s.authenticate(next, s.engine.Resolver().AuthenticateAny)
}

// requireCLI admits only the CLI token and stamps the protocol version.
func (s *Server) requireCLI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(protocolHeader, strconv.Itoa(config.ProtocolVersion))
		s.authenticate(next, s.engine.Resolver().Authenticate).ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler, check func(string) (string, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := access.BearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		namespace, err := check(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, model.CodeUnauthorized, "Unauthorized")
			return
		}
		ctx := access.WithNamespace(r.Context(), namespace)
		ctx = log.With(ctx, log.KV{K: "ns", V: namespace})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization,Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func namespaceOf(r *http.Request) string {
	ns, _ := access.NamespaceFrom(r.Context())
	return ns
}

// pathParts splits the route tail after prefix into unescaped segments.
func pathParts(r *http.Request, prefix string) ([]string, bool) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if tail == "" {
		return nil, false
	}
	parts := strings.Split(tail, "/")
	for i, p := range parts {
		unescaped, err := url.PathUnescape(p)
		if err != nil || unescaped == "" {
			return nil, false
		}
		parts[i] = unescaped
	}
	return parts, true
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data in body")
	}
	return nil
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(r *http.Request, v any) error {
	if err := decodeBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func queryInt(r *http.Request, key string) (int64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false, fmt.Errorf("invalid %s", key)
	}
	return v, true, nil
}

func queryBool(r *http.Request, key string) bool {
	raw := r.URL.Query().Get(key)
	return raw == "true" || raw == "1"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: msg, Code: code})
}

func (s *Server) writeOK(w http.ResponseWriter) {
	s.writeJSON(w, http.StatusOK, api.OKResponse{OK: true})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, "", "Method not allowed")
}

func (s *Server) notFound(w http.ResponseWriter) {
	s.writeError(w, http.StatusNotFound, model.CodeNotFound, "Not found")
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error(r.Context(), err, log.KV{K: "msg", V: "request failed"}, log.KV{K: "path", V: r.URL.Path})
	s.writeError(w, http.StatusInternalServerError, model.CodeInternal, "Internal error")
}

// writeEngineError maps a classified engine failure onto a status. Codes
// with a fixed status take precedence over the kind.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var e *syncengine.Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusGatewayTimeout, "", "Request timed out")
			return
		}
		s.internalError(w, r, err)
		return
	}
	s.writeError(w, statusFor(e), e.Code, e.Message)
}

func statusFor(e *syncengine.Error) int {
	switch e.Code {
	case model.CodeResumeUnavailable, model.CodeResumeFailed:
		return http.StatusInternalServerError
	case model.CodeNoMachineOnline:
		return http.StatusServiceUnavailable
	case model.CodeSessionActive, model.CodeSessionInactive:
		return http.StatusConflict
	}
	switch e.Kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAccessDenied:
		return http.StatusForbidden
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindVersionMismatch, model.KindConflict:
		return http.StatusConflict
	case model.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.KindNoHandler:
		return http.StatusServiceUnavailable
	case model.KindRPCTimeout:
		return http.StatusGatewayTimeout
	case model.KindRPCRejected:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
