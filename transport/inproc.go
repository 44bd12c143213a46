package transport

import (
	"context"
	"sync"
)

// InProcTransport is an in-process Transport. The relay gateway uses it
// to hand protocol traffic from the upstream connection to the embedded
// RPC server: Deliver feeds the receive side, and anything the server
// sends back is passed to SendFunc.
type InProcTransport struct {
	sessionID string

	recv chan *Message
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// SendFunc receives everything sent over this transport. If nil,
	// outbound messages are discarded.
	SendFunc func(msg *Message) error

	// CloseFunc, if set, is called exactly once on close.
	CloseFunc func()
}

// NewInProcTransport creates an in-process transport.
func NewInProcTransport(sessionID string, cfg Config) *InProcTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}

	return &InProcTransport{
		sessionID: sessionID,
		recv:      make(chan *Message, cfg.RecvBufferSize),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this transport is bound to.
func (t *InProcTransport) SessionID() string {
	return t.sessionID
}

// Recv returns the channel for incoming messages.
func (t *InProcTransport) Recv() <-chan *Message {
	return t.recv
}

// Deliver parses raw bytes and queues them as an inbound message.
func (t *InProcTransport) Deliver(raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		return err
	}
	return t.DeliverMessage(msg)
}

// DeliverMessage queues an already-parsed inbound message. The mutex
// is held across the channel send so Close cannot close recv while a
// delivery is in flight; a full buffer drops the message rather than
// blocking the gateway.
func (t *InProcTransport) DeliverMessage(msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	select {
	case t.recv <- msg:
		return nil
	default:
		return ErrSendTimeout
	}
}

// Send passes an outbound message to SendFunc.
func (t *InProcTransport) Send(msg *Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	fn := t.SendFunc
	t.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(msg)
}

// Run blocks until ctx is cancelled or the transport is closed.
func (t *InProcTransport) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.done:
		return nil
	}
}

// Close initiates shutdown. Safe to call more than once.
func (t *InProcTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.done)
		close(t.recv)
		t.mu.Unlock()
		if t.CloseFunc != nil {
			t.CloseFunc()
		}
	})
	return nil
}
