package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed      = errors.New("transport closed")
	ErrSendTimeout = errors.New("send timeout")
)

// Transport provides bidirectional JSON-RPC message passing for one
// session.
type Transport interface {
	// SessionID returns the session this transport is bound to.
	SessionID() string

	// Recv returns the channel for incoming messages.
	// Channel is closed when the transport shuts down.
	Recv() <-chan *Message

	// Send queues a message for delivery.
	// Returns ErrClosed if the transport is closed.
	Send(msg *Message) error

	// Run starts the transport, blocks until ctx is cancelled or the
	// underlying channel fails. Returns nil on graceful shutdown.
	Run(ctx context.Context) error

	// Close initiates shutdown. Idempotent; the close hook fires at
	// most once, on the first call.
	Close() error
}

// Message is one JSON-RPC payload crossing a transport. Raw always
// holds the wire bytes; exactly one of the typed fields is set when the
// payload matched that shape, all are nil for passthrough traffic.
type Message struct {
	Raw          json.RawMessage
	Request      *Request
	Response     *Response
	Notification *Notification
}

// ParseMessage parses raw JSON into a Message, classifying it as a
// request, notification or response by shape.
func ParseMessage(data []byte) (*Message, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Result  json.RawMessage `json:"result"`
		Error   json.RawMessage `json:"error"`
	}

	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if probe.JSONRPC != "2.0" {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	msg := &Message{Raw: append(json.RawMessage(nil), data...)}

	switch {
	case probe.Method != "" && len(probe.ID) > 0 && string(probe.ID) != "null":
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Request = &req
	case probe.Method != "":
		var notif Notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Notification = &notif
	case len(probe.Result) > 0 || len(probe.Error) > 0:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
		}
		msg.Response = &resp
	}

	return msg, nil
}

// MarshalMessage serializes a Message to JSON. Raw bytes win over the
// typed fields so relayed traffic passes through unmodified.
func MarshalMessage(msg *Message) ([]byte, error) {
	if len(msg.Raw) > 0 {
		return msg.Raw, nil
	}
	if msg.Request != nil {
		return json.Marshal(msg.Request)
	}
	if msg.Response != nil {
		return json.Marshal(msg.Response)
	}
	if msg.Notification != nil {
		return json.Marshal(msg.Notification)
	}
	return nil, errors.New("empty message")
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
	}
}
