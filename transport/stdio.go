package transport

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// StdioTransport implements Transport over a newline-delimited
// reader/writer pair, typically stdin/stdout of a worker process.
type StdioTransport struct {
	reader    io.Reader
	writer    io.Writer
	sessionID string
	config    Config

	recv chan *Message
	send chan []byte
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	// ErrorFunc, if set, is called for malformed inbound lines.
	ErrorFunc func(error)

	// CloseFunc, if set, is called exactly once on close.
	CloseFunc func()
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, sessionID string, cfg Config) *StdioTransport {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = DefaultConfig().RecvBufferSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultConfig().SendBufferSize
	}

	return &StdioTransport{
		reader:    r,
		writer:    w,
		sessionID: sessionID,
		config:    cfg,
		recv:      make(chan *Message, cfg.RecvBufferSize),
		send:      make(chan []byte, cfg.SendBufferSize),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session this transport is bound to.
func (t *StdioTransport) SessionID() string {
	return t.sessionID
}

// Recv returns the channel for incoming messages.
func (t *StdioTransport) Recv() <-chan *Message {
	return t.recv
}

// Send queues a message for delivery.
func (t *StdioTransport) Send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
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

// Run starts the transport, blocking until shutdown.
func (t *StdioTransport) Run(ctx context.Context) error {
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

// Close initiates shutdown. Safe to call more than once.
func (t *StdioTransport) Close() error {
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

// readLoop reads newline-delimited messages into recv.
func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 64*1024), MaxPayloadBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			if t.ErrorFunc != nil {
				t.ErrorFunc(err)
			}
			t.sendParseError(err)
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

// writeLoop drains the send channel onto the writer.
func (t *StdioTransport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			t.drainSendQueue()
			return
		case <-t.done:
			t.drainSendQueue()
			return
		case data := <-t.send:
			t.writeLine(data)
		}
	}
}

// drainSendQueue writes any remaining queued messages.
func (t *StdioTransport) drainSendQueue() {
	for {
		select {
		case data := <-t.send:
			t.writeLine(data)
		default:
			return
		}
	}
}

// writeLine writes one message followed by a newline.
func (t *StdioTransport) writeLine(data []byte) {
	t.mu.Lock()
	t.writer.Write(append(data, '\n'))
	t.mu.Unlock()
}

// sendParseError sends an error response for parse failures.
func (t *StdioTransport) sendParseError(parseErr error) {
	rpcErr, ok := parseErr.(*Error)
	if !ok {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: parseErr.Error()}
	}

	t.Send(&Message{
		Response: &Response{JSONRPC: "2.0", ID: nil, Error: rpcErr},
	})
}
