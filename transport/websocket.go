package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	relayerr "github.com/vinayprograms/relaykit/errors"
)

// WebSocketTransport implements Transport over a full-duplex WebSocket.
// Immediately after Run starts, the peer receives a "session"
// notification carrying the negotiated session id.
type WebSocketTransport struct {
	conn      *websocket.Conn
	sessionID string
	config    WebSocketConfig

	recv chan *Message
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// ErrorFunc, if set, is called for recoverable failures: malformed
	// inbound frames, failed writes.
	ErrorFunc func(error)

	// CloseFunc, if set, is called exactly once when the transport
	// closes.
	CloseFunc func()
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: MaxPayloadBytes,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an accepted connection.
func NewWebSocketTransport(conn *websocket.Conn, sessionID string, cfg WebSocketConfig) *WebSocketTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = MaxPayloadBytes
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	return &WebSocketTransport{
		conn:      conn,
		sessionID: sessionID,
		config:    cfg,
		recv:      make(chan *Message, cfg.RecvBufferSize),
		send:      make(chan []byte, cfg.SendBufferSize),
		done:      make(chan struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true }, // Override in production
	}
}

// SessionID returns the session this transport is bound to.
func (t *WebSocketTransport) SessionID() string {
	return t.sessionID
}

// Recv returns the channel for incoming messages.
func (t *WebSocketTransport) Recv() <-chan *Message {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		t.reportError(relayerr.WrapWithCode(err, relayerr.CodeWriteFailed, "marshal outbound message", relayerr.WithSession(t.sessionID)))
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- data:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run performs the session handshake and pumps the connection until
// shutdown.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	if err := t.sendHandshake(); err != nil {
		t.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		t.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		t.writeLoop(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-t.done:
	}

	t.Close()
	wg.Wait()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// sendHandshake writes the session announcement as the first frame.
func (t *WebSocketTransport) sendHandshake() error {
	data, err := MarshalMessage(&Message{
		Notification: &Notification{
			JSONRPC: "2.0",
			Method:  MethodSession,
			Params:  SessionParams{SessionID: t.sessionID},
		},
	})
	if err != nil {
		return err
	}
	return t.writeFrame(data)
}

// Close initiates shutdown. Safe to call more than once.
func (t *WebSocketTransport) Close() error {
	return t.CloseWithStatus(websocket.CloseNormalClosure, "")
}

// CloseWithStatus closes with an explicit close code and reason.
// Only the first call sends a close frame and fires the close hook.
func (t *WebSocketTransport) CloseWithStatus(code int, reason string) error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)

		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		t.conn.Close()

		if t.CloseFunc != nil {
			t.CloseFunc()
		}
	})
	return nil
}

// readLoop reads frames and delivers parsed messages to recv.
// Malformed frames surface through ErrorFunc and a parse-error
// response; they never terminate the connection.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.reportError(relayerr.WrapWithCode(err, relayerr.CodeClosed, "read frame", relayerr.WithSession(t.sessionID)))
			}
			t.Close()
			return
		}

		msg, parseErr := ParseMessage(data)
		if parseErr != nil {
			t.reportError(relayerr.WrapWithCode(parseErr, relayerr.CodeMalformed, "reject malformed frame", relayerr.WithSession(t.sessionID)))
			t.sendParseError(data, parseErr)
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop drains the send channel onto the socket.
func (t *WebSocketTransport) writeLoop(ctx context.Context) {
	ticker := t.createPingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case <-ticker.C:
			t.writePing()
		case data := <-t.send:
			if err := t.writeFrame(data); err != nil {
				t.reportError(relayerr.WrapWithCode(err, relayerr.CodeWriteFailed, "write frame", relayerr.WithSession(t.sessionID)))
			}
		}
	}
}

// createPingTicker creates a ticker for keepalive pings.
func (t *WebSocketTransport) createPingTicker() *time.Ticker {
	if t.config.PingInterval > 0 {
		return time.NewTicker(t.config.PingInterval)
	}
	// A stopped ticker never fires.
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}

// writePing sends a WebSocket ping frame.
func (t *WebSocketTransport) writePing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

// drainSendQueue writes remaining messages before shutdown.
func (t *WebSocketTransport) drainSendQueue() {
	for {
		select {
		case data := <-t.send:
			t.writeFrame(data)
		default:
			return
		}
	}
}

// writeFrame writes a single text frame.
func (t *WebSocketTransport) writeFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// sendParseError sends an error response for parse failures.
func (t *WebSocketTransport) sendParseError(raw []byte, parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}

	t.Send(&Message{
		Response: &Response{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   rpcErr,
		},
	})
}

// reportError invokes the error hook if one is set.
func (t *WebSocketTransport) reportError(err error) {
	if t.ErrorFunc != nil {
		t.ErrorFunc(err)
	}
}
