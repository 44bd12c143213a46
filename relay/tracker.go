package relay

// Tracker reconciles two connectivity signals for the upstream worker:
// the flag the gateway sets when it observes attach/detach, and the
// readiness the channel itself reports. The channel wins when it says
// the link is going or gone; the flag wins while the channel still
// looks healthy. Not safe for concurrent use, the gateway actor owns
// it.
type Tracker struct {
	conn   Conn
	marked bool
}

// Attach adopts a new upstream connection and marks it connected.
func (t *Tracker) Attach(c Conn) {
	t.conn = c
	t.marked = true
}

// Detach drops the held connection.
func (t *Tracker) Detach() {
	t.conn = nil
	t.marked = false
}

// MarkDisconnected records an observed failure without dropping the
// reference, so a reason can still be read off the connection.
func (t *Tracker) MarkDisconnected() {
	t.marked = false
}

// Conn returns the held upstream connection, nil when detached.
func (t *Tracker) Conn() Conn {
	return t.conn
}

// IsConnected reports whether the upstream is usable. A channel in
// closing or disconnected state corrects a stale connected flag.
func (t *Tracker) IsConnected() bool {
	if t.conn == nil {
		return false
	}
	switch t.conn.State() {
	case StateClosing, StateDisconnected:
		t.marked = false
		return false
	}
	return t.marked
}
