// Package bus provides pub/sub messaging for the relay's event mirror.
//
// The gateway can publish every administrative broadcast and upstream
// status transition to a bus subject. External monitors subscribe to
// that subject instead of holding a downstream connection open, so
// observing the relay never adds load to the broadcast path.
//
// Two implementations are provided: MemoryBus for tests and
// single-process runs, and NATSBus for deployments with a NATS server.
package bus
