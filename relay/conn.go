package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	relayerr "github.com/vinayprograms/relaykit/errors"
)

// Role tags a physical connection with its function in the relay.
type Role string

const (
	// RoleUpstream is the single shared worker connection.
	RoleUpstream Role = "upstream"

	// RoleDownstream is a client subscribed to relay broadcasts.
	RoleDownstream Role = "downstream"

	// RoleSession is a protocol client that went through the
	// transport/session handshake.
	RoleSession Role = "rpcSession"
)

// ConnState is the readiness of a connection's underlying channel.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Conn abstracts one physical duplex channel attached to the relay.
type Conn interface {
	// ID identifies the connection across restarts.
	ID() string

	// Role returns the connection's persisted role tag.
	Role() Role

	// Send writes one text frame. Failures flip the connection's own
	// readiness to disconnected before returning.
	Send(data []byte) error

	// Close shuts the channel with a close code and reason.
	// Idempotent.
	Close(code int, reason string) error

	// State reports the channel's own readiness signal.
	State() ConnState
}

// WSConn implements Conn over a gorilla WebSocket connection.
type WSConn struct {
	id   string
	role Role
	conn *websocket.Conn

	writeMu      sync.Mutex
	state        atomic.Int32
	closeOnce    sync.Once
	writeTimeout time.Duration
}

// NewWSConn wraps an accepted WebSocket connection. The id is minted
// fresh; use NewWSConnWithID when re-adopting a known connection.
func NewWSConn(conn *websocket.Conn, role Role) *WSConn {
	return NewWSConnWithID(conn, role, uuid.NewString())
}

// NewWSConnWithID wraps a connection under an existing id.
func NewWSConnWithID(conn *websocket.Conn, role Role, id string) *WSConn {
	c := &WSConn{
		id:           id,
		role:         role,
		conn:         conn,
		writeTimeout: 10 * time.Second,
	}
	c.state.Store(int32(StateConnected))
	return c
}

// ID identifies the connection.
func (c *WSConn) ID() string {
	return c.id
}

// Role returns the connection's role tag.
func (c *WSConn) Role() Role {
	return c.role
}

// State reports the channel's readiness.
func (c *WSConn) State() ConnState {
	return ConnState(c.state.Load())
}

// Send writes one text frame.
func (c *WSConn) Send(data []byte) error {
	if c.State() != StateConnected {
		return relayerr.New(relayerr.CodeWriteFailed, "connection not writable", relayerr.WithConn(c.id))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.state.Store(int32(StateDisconnected))
		return relayerr.WrapWithCode(err, relayerr.CodeWriteFailed, "write frame", relayerr.WithConn(c.id))
	}
	return nil
}

// Close shuts the channel. Only the first call sends a close frame.
func (c *WSConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.writeMu.Lock()
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.conn.Close()
		c.state.Store(int32(StateDisconnected))
	})
	return nil
}

// ReadLoop pumps inbound frames into fn until the connection drops or
// ctx is cancelled. It returns the peer's close code (0 when the exit
// was not a close frame) and the terminating error, nil for a normal
// close.
func (c *WSConn) ReadLoop(ctx context.Context, fn func(data []byte)) (int, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
					return closeErr.Code, nil
				}
				return closeErr.Code, err
			}
			return 0, err
		}
		fn(data)
	}
}
