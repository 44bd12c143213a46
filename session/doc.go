// Package session maps opaque session identifiers to the single active
// transport serving that session.
//
// The registry enforces at-most-one-transport-per-session: registering
// a transport for an id that already has one replaces the old entry and
// hands the displaced transport back to the caller to close, which is
// how a reconnect displaces its predecessor. An optional idle sweep
// closes sessions that have gone quiet.
package session
