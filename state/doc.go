// Package state persists per-connection metadata that must survive a
// process restart.
//
// The relay process may be suspended or recreated at any point. Nothing
// in memory survives that boundary, so every live connection's role tag
// (upstream worker, downstream client, or protocol session) is written
// to a Store at attach time and deleted at detach time. The recovery
// scan reads these tags back on startup to rebuild the gateway's view
// of the world.
//
// Two implementations are provided: MemoryStore for tests and
// single-process runs, and NATSStore backed by a JetStream key-value
// bucket for deployments where the tags must outlive the process.
package state
