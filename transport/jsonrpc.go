package transport

import (
	"context"
	"encoding/json"
	"sync"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// MethodSession is the handshake notification a socket transport sends
// immediately after connect, carrying the negotiated session id.
const MethodSession = "session"

// SessionParams is the payload of the session handshake notification.
type SessionParams struct {
	SessionID string `json:"sessionId"`
}

// HandlerFunc handles one JSON-RPC method.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server is a JSON-RPC 2.0 server that dispatches requests arriving on
// any Transport to registered method handlers.
type Server struct {
	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

// NewServer creates a new JSON-RPC server.
func NewServer() *Server {
	return &Server{
		methods: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a method name, replacing any previous
// handler for that method.
func (s *Server) Register(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// Connect attaches the server to a transport and starts serving its
// inbound messages in the background. Serving stops when ctx is
// cancelled or the transport's receive channel closes.
func (s *Server) Connect(ctx context.Context, t Transport) {
	go s.serve(ctx, t)
}

// Serve processes a transport's inbound messages until ctx is
// cancelled or the transport shuts down.
func (s *Server) Serve(ctx context.Context, t Transport) error {
	return s.serve(ctx, t)
}

func (s *Server) serve(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.Recv():
			if !ok {
				return nil
			}
			s.dispatch(ctx, t, msg)
		}
	}
}

// dispatch routes a single inbound message.
func (s *Server) dispatch(ctx context.Context, t Transport, msg *Message) {
	switch {
	case msg.Request != nil:
		s.handleRequest(ctx, t, msg.Request)
	case msg.Notification != nil:
		// Notifications get no reply; errors are swallowed.
		if fn := s.lookup(msg.Notification.Method); fn != nil {
			params, _ := json.Marshal(msg.Notification.Params)
			fn(ctx, params)
		}
	default:
		// Responses and passthrough traffic have no server-side handling.
	}
}

// handleRequest invokes the handler and sends the response.
func (s *Server) handleRequest(ctx context.Context, t Transport, req *Request) {
	fn := s.lookup(req.Method)
	if fn == nil {
		s.reply(t, &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method},
		})
		return
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = &Error{Code: InternalError, Message: "Internal error", Data: err.Error()}
		}
		s.reply(t, &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	s.reply(t, &Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// Notify sends an unsolicited notification over a transport.
func (s *Server) Notify(t Transport, method string, params interface{}) error {
	return t.Send(&Message{
		Notification: &Notification{JSONRPC: "2.0", Method: method, Params: params},
	})
}

// reply sends a response, ignoring delivery failures: the transport's
// own error hook reports them.
func (s *Server) reply(t Transport, resp *Response) {
	t.Send(&Message{Response: resp})
}

// lookup returns the handler for a method, or nil.
func (s *Server) lookup(method string) HandlerFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.methods[method]
}
