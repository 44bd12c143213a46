package relay

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/relaykit/bus"
	"github.com/vinayprograms/relaykit/logging"
	"github.com/vinayprograms/relaykit/transport"
)

// Config tunes a Gateway.
type Config struct {
	// Logger receives relay events. Defaults to a fresh logger.
	Logger *logging.Logger

	// Bus, when set, receives a mirror of administrative traffic so
	// external observers can follow relay state without holding a
	// downstream connection.
	Bus bus.MessageBus

	// BusSubject is the subject admin traffic is mirrored on.
	BusSubject string

	// CommandBuffer sizes the actor's command queue.
	CommandBuffer int
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		BusSubject:    "relay.events",
		CommandBuffer: 256,
	}
}

// StatusSnapshot is a point-in-time view of the relay's connections.
type StatusSnapshot struct {
	UpstreamConnected bool            `json:"upstreamConnected"`
	UpstreamID        string          `json:"upstreamId,omitempty"`
	Downstreams       int             `json:"downstreams"`
	Inventory         json.RawMessage `json:"inventory,omitempty"`
	InventoryCount    int             `json:"inventoryCount"`
}

// Gateway relays traffic between one upstream worker connection and
// any number of downstream clients. All connection state is owned by a
// single goroutine; exported methods enqueue work onto it, so they are
// safe to call from any goroutine once Run is started.
type Gateway struct {
	cfg    Config
	logger *logging.Logger

	cmds chan func()

	// Everything below is touched only by the Run goroutine.
	upstream       Tracker
	downstreams    map[string]Conn
	inventory      json.RawMessage
	inventoryCount int
	rpc            *transport.InProcTransport
}

// NewGateway creates a gateway. Run must be started before attaching
// connections.
func NewGateway(cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.BusSubject == "" {
		cfg.BusSubject = def.BusSubject
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}

	g := &Gateway{
		cfg:         cfg,
		logger:      cfg.Logger.WithComponent("relay"),
		cmds:        make(chan func(), cfg.CommandBuffer),
		downstreams: make(map[string]Conn),
	}

	g.rpc = transport.NewInProcTransport("relay-upstream", transport.DefaultConfig())
	g.rpc.SendFunc = func(msg *transport.Message) error {
		data, err := transport.MarshalMessage(msg)
		if err != nil {
			return err
		}
		g.do(func() { g.forward(data) })
		return nil
	}

	return g
}

// Run executes queued commands until ctx is cancelled. On exit every
// attached connection is closed.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			g.shutdown()
			return ctx.Err()
		case fn := <-g.cmds:
			fn()
		}
	}
}

// RPCIngress returns the in-process transport carrying protocol
// traffic from the upstream. Connect an RPC server to it to answer
// upstream requests locally.
func (g *Gateway) RPCIngress() *transport.InProcTransport {
	return g.rpc
}

func (g *Gateway) do(fn func()) {
	g.cmds <- fn
}

func (g *Gateway) shutdown() {
	if c := g.upstream.Conn(); c != nil {
		c.Close(websocket.CloseGoingAway, "relay shutting down")
	}
	g.upstream.Detach()
	for id, c := range g.downstreams {
		c.Close(websocket.CloseGoingAway, "relay shutting down")
		delete(g.downstreams, id)
	}
	g.rpc.Close()
}

// AttachUpstream adopts c as the shared worker connection and tells
// every downstream the upstream is available. An already attached
// upstream is displaced and closed.
func (g *Gateway) AttachUpstream(c Conn) {
	g.do(func() {
		if old := g.upstream.Conn(); old != nil && old.ID() != c.ID() {
			old.Close(websocket.CloseGoingAway, "replaced by new upstream")
		}
		g.upstream.Attach(c)
		g.logger.ConnAttached(string(RoleUpstream), c.ID())
		g.broadcast(NewStatus(true, "").Encode(), VerbStatus)
	})
}

// DetachUpstream drops the worker connection and tells every
// downstream why it went away. closeCode is the WebSocket close code
// observed on the wire, zero when the link died without one.
func (g *Gateway) DetachUpstream(c Conn, closeCode int, cause error) {
	g.do(func() {
		held := g.upstream.Conn()
		if held == nil || held.ID() != c.ID() {
			return
		}
		g.upstream.Detach()
		g.inventory = nil
		g.inventoryCount = 0

		reason := ReasonError
		if cause == nil {
			switch closeCode {
			case websocket.CloseNormalClosure, websocket.CloseGoingAway:
				reason = ReasonShutdown
			}
		}
		g.logger.ConnDetached(string(RoleUpstream), c.ID(), reason)
		g.broadcast(NewStatus(false, reason).Encode(), VerbStatus)
	})
}

// AttachDownstream subscribes c to relay broadcasts. The new client
// immediately receives the upstream's status, plus the current
// inventory when one is cached; a fresh list request is forwarded
// upstream so the cache converges.
func (g *Gateway) AttachDownstream(c Conn) {
	g.do(func() {
		g.downstreams[c.ID()] = c
		g.logger.ConnAttached(string(RoleDownstream), c.ID())

		connected := g.upstream.IsConnected()
		c.Send(NewStatus(connected, "").Encode())

		if !connected {
			c.Send(NewEmptyList().Encode())
			return
		}
		if g.inventory != nil {
			c.Send(g.cachedList().Encode())
		}
		g.forward(NewListRequest().Encode())
	})
}

// DetachDownstream unsubscribes c.
func (g *Gateway) DetachDownstream(c Conn) {
	g.do(func() {
		if _, ok := g.downstreams[c.ID()]; !ok {
			return
		}
		delete(g.downstreams, c.ID())
		g.logger.ConnDetached(string(RoleDownstream), c.ID(), "detached")
	})
}

// HandleUpstreamMessage routes one frame received from the worker.
// Administrative traffic fans out to downstreams, protocol traffic
// goes to the RPC ingress and to downstreams awaiting responses.
func (g *Gateway) HandleUpstreamMessage(data []byte) {
	g.do(func() {
		kind, admin := Classify(data)
		if kind == KindProtocol {
			g.deliverProtocol(data)
			if len(g.downstreams) > 0 {
				g.broadcast(data, "protocol")
			}
			return
		}

		if admin.Type == TypeClientShutdown {
			// The worker announced it is going away. Flag the link
			// down now rather than waiting for the read loop to see
			// the close frame.
			g.upstream.MarkDisconnected()
			g.broadcast(NewStatus(false, ReasonClientShutdown).Encode(), VerbStatus)
			return
		}

		if admin.Verb == VerbList && admin.Success != nil && *admin.Success {
			g.inventory = admin.Data
			if admin.Count != nil {
				g.inventoryCount = *admin.Count
			}
		}
		g.broadcast(data, adminLabel(admin))
	})
}

// HandleDownstreamMessage routes one frame received from client src.
// With a live upstream everything is forwarded verbatim. Without one,
// list requests are answered with an empty inventory, status requests
// with the local status, and everything else with a structured error.
func (g *Gateway) HandleDownstreamMessage(src Conn, data []byte) {
	g.do(func() {
		if g.upstream.IsConnected() {
			if err := g.forward(data); err == nil {
				return
			}
		}

		_, admin := Classify(data)
		switch {
		case admin != nil && admin.Verb == VerbList:
			src.Send(NewEmptyList().Encode())
		case admin != nil && admin.Verb == VerbStatus:
			src.Send(NewStatus(false, "").Encode())
		default:
			src.Send(NewAdminError("not connected").Encode())
		}
	})
}

// Status returns a snapshot of the relay's connection state. It blocks
// until the actor services the query, so Run must be active.
func (g *Gateway) Status(ctx context.Context) (StatusSnapshot, error) {
	reply := make(chan StatusSnapshot, 1)
	g.do(func() {
		snap := StatusSnapshot{
			UpstreamConnected: g.upstream.IsConnected(),
			Downstreams:       len(g.downstreams),
			Inventory:         g.inventory,
			InventoryCount:    g.inventoryCount,
		}
		if c := g.upstream.Conn(); c != nil {
			snap.UpstreamID = c.ID()
		}
		reply <- snap
	})

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StatusSnapshot{}, ctx.Err()
	}
}

// forward writes data to the upstream, flagging the link down on
// failure so the next classification round answers locally.
func (g *Gateway) forward(data []byte) error {
	if !g.upstream.IsConnected() {
		return transport.ErrClosed
	}
	if err := g.upstream.Conn().Send(data); err != nil {
		g.upstream.MarkDisconnected()
		return err
	}
	g.logger.Forwarded(len(data))
	return nil
}

// broadcast fans data out to every downstream. Clients whose send
// fails are dropped from the set and closed.
func (g *Gateway) broadcast(data []byte, label string) {
	delivered, dropped := 0, 0
	for id, c := range g.downstreams {
		if err := c.Send(data); err != nil {
			delete(g.downstreams, id)
			c.Close(websocket.CloseAbnormalClosure, "send failed")
			dropped++
			continue
		}
		delivered++
	}
	g.logger.Broadcast(label, delivered, dropped)
	g.mirror(data)
}

// mirror publishes administrative traffic onto the event bus.
func (g *Gateway) mirror(data []byte) {
	if g.cfg.Bus == nil {
		return
	}
	if err := g.cfg.Bus.Publish(g.cfg.BusSubject, data); err != nil {
		g.logger.Warn("bus mirror failed", map[string]interface{}{"error": err.Error()})
	}
}

// deliverProtocol hands upstream protocol bytes to the RPC ingress.
// Frames that fail to parse are still delivered raw, so unrecognized
// protocol variants survive the relay untouched.
func (g *Gateway) deliverProtocol(data []byte) {
	msg, err := transport.ParseMessage(data)
	if err != nil {
		g.logger.ClassifyFallback(len(data))
		msg = &transport.Message{Raw: append([]byte(nil), data...)}
	}
	if err := g.rpc.DeliverMessage(msg); err != nil {
		g.logger.Warn("rpc ingress delivery failed", map[string]interface{}{"error": err.Error()})
	}
}

func (g *Gateway) cachedList() AdminMessage {
	ok := true
	count := g.inventoryCount
	return AdminMessage{
		Verb:    VerbList,
		Data:    g.inventory,
		Success: &ok,
		Count:   &count,
	}
}

func adminLabel(m *AdminMessage) string {
	if m.Verb != "" {
		return m.Verb
	}
	return m.Type
}
