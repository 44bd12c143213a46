// Package relay multiplexes one upstream worker connection across many
// downstream client connections.
//
// The Gateway is the heart of the package: a single goroutine that owns
// the upstream reference, the downstream set and the connection state,
// and that classifies every inbound message as either administrative
// (add/delete/list/status and friends, handled by the relay itself) or
// protocol (JSON-RPC, forwarded into the transport layer for the
// embedded RPC server). Administrative traffic is broadcast to the
// downstream set; protocol traffic from the upstream is mirrored to
// downstreams only when someone is listening.
//
// Because all state lives inside the gateway goroutine, no mutex guards
// it; every other component talks to the gateway through method calls
// that post onto its command channel.
//
// The recovery scan rebuilds the gateway's view after a process
// restart from role tags persisted in a state.Store, so clients that
// stayed connected across the restart observe the recovered upstream
// without reconnecting.
package relay
