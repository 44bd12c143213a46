// Package logging provides leveled key=value console output for the
// relay. One Logger is shared across components; each component derives
// its own view with WithComponent so log lines attribute themselves.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	connID    string
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		connID:    l.connID,
	}
}

// WithConn returns a new logger that stamps every line with a
// connection id.
func (l *Logger) WithConn(connID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		connID:    connID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.connID != "" {
		fieldStr += " conn=" + l.connID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Relay event helpers ---
// Named events keep grep-able output consistent across components.

// ConnAttached logs a connection joining the relay.
func (l *Logger) ConnAttached(role, connID string) {
	l.Info("conn_attached", map[string]interface{}{
		"role": role,
		"conn": connID,
	})
}

// ConnDetached logs a connection leaving the relay.
func (l *Logger) ConnDetached(role, connID, reason string) {
	l.Info("conn_detached", map[string]interface{}{
		"role":   role,
		"conn":   connID,
		"reason": reason,
	})
}

// Broadcast logs delivery of a frame to the downstream set.
func (l *Logger) Broadcast(verb string, delivered, dropped int) {
	l.Debug("broadcast", map[string]interface{}{
		"verb":      verb,
		"delivered": delivered,
		"dropped":   dropped,
	})
}

// Forwarded logs a frame relayed to the upstream connection.
func (l *Logger) Forwarded(bytes int) {
	l.Debug("forward_upstream", map[string]interface{}{
		"bytes": bytes,
	})
}

// ClassifyFallback logs a message that matched neither message shape
// and was conservatively treated as protocol traffic.
func (l *Logger) ClassifyFallback(bytes int) {
	l.Debug("classify_fallback", map[string]interface{}{
		"bytes": bytes,
	})
}

// SessionRegistered logs a transport binding to a session id.
func (l *Logger) SessionRegistered(sessionID string, replaced bool) {
	l.Info("session_registered", map[string]interface{}{
		"session":  sessionID,
		"replaced": replaced,
	})
}

// SessionRemoved logs a session going away.
func (l *Logger) SessionRemoved(sessionID string) {
	l.Info("session_removed", map[string]interface{}{
		"session": sessionID,
	})
}

// RecoveryScan logs the outcome of a startup recovery scan.
func (l *Logger) RecoveryScan(upstream bool, downstreams, sessions, conflicts int) {
	fields := map[string]interface{}{
		"upstream":    upstream,
		"downstreams": downstreams,
		"sessions":    sessions,
	}
	if conflicts > 0 {
		fields["conflicts"] = conflicts
		l.Warn("recovery_scan", fields)
		return
	}
	l.Info("recovery_scan", fields)
}
