// Package server wires the relay's HTTP endpoints: WebSocket attach
// points for the upstream worker and downstream clients, and the
// SSE stream plus POST side-channel for protocol sessions.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/relaykit/config"
	relayerr "github.com/vinayprograms/relaykit/errors"
	"github.com/vinayprograms/relaykit/logging"
	"github.com/vinayprograms/relaykit/relay"
	"github.com/vinayprograms/relaykit/session"
	"github.com/vinayprograms/relaykit/state"
	"github.com/vinayprograms/relaykit/transport"
)

// Deps are the collaborators a Server routes traffic between.
type Deps struct {
	// Gateway relays frames between the upstream and downstream sides.
	Gateway *relay.Gateway

	// Registry tracks live protocol sessions.
	Registry *session.Registry

	// Store persists connection role records for recovery. Nil
	// disables persistence.
	Store state.Store

	// Logger receives server events. Defaults to a fresh logger.
	Logger *logging.Logger
}

// Server exposes the relay over HTTP.
type Server struct {
	cfg      *config.Config
	gateway  *relay.Gateway
	registry *session.Registry
	store    state.Store
	logger   *logging.Logger

	upgrader *websocket.Upgrader
	rpc      *transport.Server
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// New builds a server from configuration and collaborators.
func New(cfg *config.Config, deps Deps) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.New()
	}

	s := &Server{
		cfg:      cfg,
		gateway:  deps.Gateway,
		registry: deps.Registry,
		store:    deps.Store,
		logger:   logger.WithComponent("server"),
		upgrader: transport.NewWebSocketUpgrader(),
		rpc:      transport.NewServer(),
	}
	s.rpc.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return struct{}{}, nil
	})

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(cfg.Server.UpstreamPath, s.handleUpstream)
	s.mux.HandleFunc(cfg.Server.ClientPath, s.handleClient)
	s.mux.HandleFunc(cfg.Server.SessionPath, s.handleSession)
	s.mux.HandleFunc(cfg.Server.SSEPath, s.handleSSE)
	s.mux.HandleFunc(cfg.Server.PostPath, s.handleMessages)
	s.httpSrv = &http.Server{Addr: cfg.Server.ListenAddr, Handler: s.mux}

	return s
}

// RPC returns the embedded JSON-RPC server so callers can register
// methods answered locally for protocol sessions.
func (s *Server) RPC() *transport.Server {
	return s.rpc
}

// Handler returns the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the configured address. It blocks until the
// listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	// Protocol requests arriving over the upstream link are answered
	// by the same embedded RPC server that serves protocol sessions.
	s.rpc.Connect(ctx, s.gateway.RPCIngress())

	s.logger.Info("listening", map[string]interface{}{"addr": s.cfg.Server.ListenAddr})
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener and closes every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if s.registry != nil {
		s.registry.Shutdown()
	}
	return err
}

// handleUpstream adopts the shared worker connection. Only one worker
// is held at a time; a newcomer displaces the incumbent.
func (s *Server) handleUpstream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upstream upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := relay.NewWSConn(conn, relay.RoleUpstream)
	s.persistRole(c.ID(), relay.RoleRecord{Role: relay.RoleUpstream})
	s.gateway.AttachUpstream(c)

	code, readErr := c.ReadLoop(r.Context(), s.gateway.HandleUpstreamMessage)
	s.gateway.DetachUpstream(c, code, readErr)
	s.dropRole(c.ID())
	c.Close(websocket.CloseNormalClosure, "")
}

// handleClient subscribes a downstream client to relay broadcasts.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("client upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := relay.NewWSConn(conn, relay.RoleDownstream)
	s.persistRole(c.ID(), relay.RoleRecord{Role: relay.RoleDownstream})
	s.gateway.AttachDownstream(c)

	c.ReadLoop(r.Context(), func(data []byte) {
		s.gateway.HandleDownstreamMessage(c, data)
	})
	s.gateway.DetachDownstream(c)
	s.dropRole(c.ID())
	c.Close(websocket.CloseNormalClosure, "")
}

// handleSession opens a protocol session over a WebSocket. The first
// frame the client receives is the session handshake notification
// carrying its minted session id.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("session upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	sid := session.NewID()
	wsCfg := transport.DefaultWebSocketConfig()
	wsCfg.PingInterval = s.cfg.Relay.PingInterval.Duration

	t := transport.NewWebSocketTransport(conn, sid, wsCfg)
	t.ErrorFunc = func(err error) {
		s.logger.Warn("session transport error", map[string]interface{}{
			"session_id": sid,
			"error":      err.Error(),
		})
	}

	if displaced := s.registry.Register(sid, t); displaced != nil {
		displaced.Close()
	}
	s.persistRole(sid, relay.RoleRecord{Role: relay.RoleSession, SessionID: sid})
	s.rpc.Connect(r.Context(), t)

	t.Run(r.Context())

	s.registry.Remove(sid)
	s.dropRole(sid)
	t.Close()
}

// handleSSE opens a protocol session: mints a session id, registers an
// SSE transport under it, and streams until the client goes away. The
// endpoint handshake tells the client where to POST its messages.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sid := session.NewID()

	sseCfg := transport.DefaultSSEConfig()
	sseCfg.PostPath = s.cfg.Server.PostPath
	sseCfg.HeartbeatInterval = s.cfg.Relay.HeartbeatInterval.Duration
	sseCfg.MaxPayloadBytes = s.cfg.Relay.MaxPayloadBytes

	t := transport.NewSSETransport(sid, sseCfg)
	t.ErrorFunc = func(err error) {
		s.logger.Warn("session transport error", map[string]interface{}{
			"session_id": sid,
			"error":      err.Error(),
		})
	}

	if displaced := s.registry.Register(sid, t); displaced != nil {
		displaced.Close()
	}
	s.persistRole(sid, relay.RoleRecord{Role: relay.RoleSession, SessionID: sid})
	s.rpc.Connect(r.Context(), t)

	t.HandleSSE(w, r)

	s.registry.Remove(sid)
	s.dropRole(sid)
	t.Close()
}

// handleMessages is the POST side-channel for SSE sessions. Requests
// must name a known session: a missing id is a 400, an unknown one a
// 404.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		writeError(w, relayerr.New(relayerr.CodeMissingSession, "sessionId query parameter required"))
		return
	}

	t, ok := s.registry.Lookup(sid)
	if !ok {
		writeError(w, relayerr.New(relayerr.CodeUnknownSession, "unknown session", relayerr.WithSession(sid)))
		return
	}
	sse, ok := t.(*transport.SSETransport)
	if !ok {
		writeError(w, relayerr.New(relayerr.CodeInternal, "session does not accept posted messages", relayerr.WithSession(sid)))
		return
	}

	s.registry.Touch(sid)
	sse.HandlePost(w, r)
}

func (s *Server) persistRole(connID string, rec relay.RoleRecord) {
	if s.store == nil {
		return
	}
	if err := relay.SaveRole(s.store, connID, rec); err != nil {
		s.logger.Warn("role record save failed", map[string]interface{}{
			"conn_id": connID,
			"error":   err.Error(),
		})
	}
}

func (s *Server) dropRole(connID string) {
	if s.store == nil {
		return
	}
	if err := relay.DeleteRole(s.store, connID); err != nil {
		s.logger.Warn("role record delete failed", map[string]interface{}{
			"conn_id": connID,
			"error":   err.Error(),
		})
	}
}

// writeError responds with the error's HTTP status and its JSON form.
func writeError(w http.ResponseWriter, err *relayerr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(relayerr.HTTPStatus(err))
	json.NewEncoder(w).Encode(err)
}
