// Package errors provides structured errors for the relay.
//
// Every failure inside the relay belongs to one of four categories:
// transport (bad payloads, write failures), routing (unknown sessions),
// connectivity (upstream not reachable) and recovery (inconsistencies
// found while rebuilding state after a restart). Categories decide how
// a failure surfaces: as an HTTP status on the message endpoint, as a
// structured admin error frame on a client connection, or as a warning
// in the log. Nothing in this package, or carrying one of its errors,
// is allowed to take the hosting process down.
package errors
