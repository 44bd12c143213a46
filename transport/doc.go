// Package transport turns physical connections into JSON-RPC 2.0
// message channels.
//
// Three wire variants share one Transport contract:
//
//   - SSETransport: server-push event stream with a separate HTTP POST
//     side-channel for inbound messages. On connect the stream
//     announces the submission endpoint together with the negotiated
//     session id.
//   - WebSocketTransport: a single full-duplex socket. The first frame
//     after connect is a "session" notification carrying the session id.
//   - StdioTransport: newline-delimited JSON over a reader/writer pair,
//     used to embed the RPC server inside a worker process.
//
// InProcTransport is the in-process variant the relay gateway uses to
// hand protocol traffic to the embedded RPC server without a wire in
// between.
//
// All variants deliver inbound traffic on a Recv channel and report
// per-message failures through an optional ErrorFunc hook; a failure
// never tears down the process. Close is idempotent and fires the
// CloseFunc hook exactly once.
package transport
