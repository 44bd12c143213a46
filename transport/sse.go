package transport

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	relayerr "github.com/vinayprograms/relaykit/errors"
)

// MaxPayloadBytes is the largest message the POST side-channel accepts.
const MaxPayloadBytes = 4 << 20 // 4 MiB

// SSETransport implements Transport for one session using Server-Sent
// Events for server→client push and HTTP POST for client→server
// messages. The first event on the stream is the handshake: an
// "endpoint" event whose payload is the submission URL with the
// session id appended.
type SSETransport struct {
	sessionID string
	config    SSEConfig

	recv chan *Message
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// ErrorFunc, if set, is called for every recoverable failure:
	// malformed JSON, oversized payloads, bad content types.
	ErrorFunc func(error)

	// CloseFunc, if set, is called exactly once when the transport
	// closes.
	CloseFunc func()
}

// SSEConfig holds SSE transport configuration.
type SSEConfig struct {
	Config // Embed base config

	// PostPath is the message-submission path announced in the
	// endpoint handshake event.
	PostPath string

	// HeartbeatInterval sends SSE comments as keepalive (0 = disabled).
	HeartbeatInterval time.Duration

	// MaxPayloadBytes limits POST bodies. Default: MaxPayloadBytes.
	MaxPayloadBytes int64
}

// DefaultSSEConfig returns configuration with sensible defaults.
func DefaultSSEConfig() SSEConfig {
	return SSEConfig{
		Config:            DefaultConfig(),
		PostPath:          "/messages",
		HeartbeatInterval: 30 * time.Second,
		MaxPayloadBytes:   MaxPayloadBytes,
	}
}

// NewSSETransport creates an SSE transport bound to a session id.
func NewSSETransport(sessionID string, cfg SSEConfig) *SSETransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}
	if cfg.PostPath == "" {
		cfg.PostPath = DefaultSSEConfig().PostPath
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = MaxPayloadBytes
	}

	return &SSETransport{
		sessionID: sessionID,
		config:    cfg,
		recv:      make(chan *Message, cfg.RecvBufferSize),
		send:      make(chan []byte, cfg.SendBufferSize),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this transport is bound to.
func (t *SSETransport) SessionID() string {
	return t.sessionID
}

// Recv returns the channel for incoming messages.
func (t *SSETransport) Recv() <-chan *Message {
	return t.recv
}

// Send frames a message for the event stream.
func (t *SSETransport) Send(msg *Message) error {
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

// Run blocks until ctx is cancelled or the transport is closed.
func (t *SSETransport) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.done:
		return nil
	}
}

// Close initiates shutdown. Safe to call more than once.
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.done)
		if t.CloseFunc != nil {
			t.CloseFunc()
		}
	})
	return nil
}

// HandleSSE serves the event stream for this session. It performs the
// endpoint handshake and then pushes queued messages until the client
// disconnects or the transport closes.
func (t *SSETransport) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	// Handshake: announce the submission endpoint with the session id.
	fmt.Fprintf(w, "event: endpoint\ndata: %s?sessionId=%s\n\n", t.config.PostPath, t.sessionID)
	flusher.Flush()

	var heartbeat <-chan time.Time
	if t.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(t.config.HeartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			t.Close()
			return
		case <-t.done:
			return
		case <-heartbeat:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case data := <-t.send:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// HandlePost accepts one JSON-RPC message for this session. Violations
// of the content-type or size limits are rejected with a 400 and
// reported through ErrorFunc without ever reaching Recv.
func (t *SSETransport) HandlePost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		e := relayerr.Newf(relayerr.CodeBadContentType, "content type %q is not application/json", r.Header.Get("Content-Type"))
		t.reportError(e)
		http.Error(w, e.Error(), relayerr.HTTPStatus(e))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.config.MaxPayloadBytes))
	if err != nil {
		e := relayerr.WrapWithCode(err, relayerr.CodeOversized, "message body rejected", relayerr.WithSession(t.sessionID))
		t.reportError(e)
		http.Error(w, e.Error(), relayerr.HTTPStatus(e))
		return
	}

	msg, parseErr := ParseMessage(body)
	if parseErr != nil {
		t.reportError(relayerr.WrapWithCode(parseErr, relayerr.CodeMalformed, "reject malformed message", relayerr.WithSession(t.sessionID)))
		writeRPCError(w, parseErr)
		return
	}

	select {
	case t.recv <- msg:
		// The response travels back on the event stream.
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"accepted"}`))
	case <-t.done:
		http.Error(w, "Transport closed", http.StatusServiceUnavailable)
	}
}

// reportError invokes the error hook if one is set.
func (t *SSETransport) reportError(err error) {
	if t.ErrorFunc != nil {
		t.ErrorFunc(err)
	}
}

// writeRPCError writes a JSON-RPC error as an HTTP response body.
func writeRPCError(w http.ResponseWriter, err error) {
	rpcErr, ok := err.(*Error)
	if !ok {
		rpcErr = &Error{Code: InternalError, Message: err.Error()}
	}

	resp := Response{
		JSONRPC: "2.0",
		ID:      nil,
		Error:   rpcErr,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	data, _ := marshalResponse(&resp)
	w.Write(data)
}

// marshalResponse serializes a response for an HTTP error body.
func marshalResponse(resp *Response) ([]byte, error) {
	return MarshalMessage(&Message{Response: resp})
}
