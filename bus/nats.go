package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// NATSBus implements MessageBus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	closed atomic.Bool
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config // Embed base config

	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// Name is the client name for identification.
	Name string
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config: DefaultConfig(),
		URL:    nats.DefaultURL,
		Name:   "relaykit",
	}
}

// NewNATSBus connects to a NATS server.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultNATSConfig().URL
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	conn, err := nats.Connect(cfg.URL, nats.Name(cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBus{conn: conn, config: cfg}, nil
}

// WrapNATSConn builds a bus on an existing connection. The connection
// remains owned by the caller.
func WrapNATSConn(conn *nats.Conn, cfg Config) *NATSBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &NATSBus{conn: conn, config: NATSConfig{Config: cfg}}
}

// Publish sends a message to all subscribers of a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	return b.conn.Publish(subject, data)
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	ch := make(chan *Message, b.config.BufferSize)
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		select {
		case ch <- &Message{Subject: m.Subject, Data: m.Data}:
		default:
			// Buffer full, drop.
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}

	return &natsSub{sub: sub, ch: ch}, nil
}

// Close shuts down the bus. The connection is closed only if this bus
// created it.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.config.URL != "" {
		b.conn.Close()
	}
	return nil
}

type natsSub struct {
	sub    *nats.Subscription
	ch     chan *Message
	closed atomic.Bool
}

// Messages returns the channel for incoming messages.
func (s *natsSub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.sub.Unsubscribe()
	close(s.ch)
	return err
}
