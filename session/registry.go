package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/relaykit/logging"
	"github.com/vinayprograms/relaykit/transport"
)

// Session binds one transport to one logical client.
type Session struct {
	ID         string
	Transport  transport.Transport
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Registry tracks the active transport for each session id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	log      *logging.Logger

	idleTimeout   time.Duration
	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	cleanupOnce   sync.Once
}

// Config holds registry configuration.
type Config struct {
	// IdleTimeout closes sessions idle for longer than this.
	// Zero disables the sweep.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are checked.
	// Default: 1 minute.
	SweepInterval time.Duration

	// Logger for registry events. Defaults to a fresh logger.
	Logger *logging.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	r := &Registry{
		sessions:    make(map[string]*Session),
		log:         cfg.Logger.WithComponent("session"),
		idleTimeout: cfg.IdleTimeout,
		cleanupStop: make(chan struct{}),
	}

	if cfg.IdleTimeout > 0 {
		r.cleanupTicker = time.NewTicker(cfg.SweepInterval)
		go r.sweepLoop()
	}

	return r
}

// NewID mints a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Register binds a transport to a session id. If a transport is already
// registered for the id, it is replaced and returned so the caller can
// close it; otherwise the returned transport is nil.
func (r *Registry) Register(sessionID string, t transport.Transport) transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced transport.Transport
	if prev, ok := r.sessions[sessionID]; ok {
		replaced = prev.Transport
	}

	now := time.Now()
	r.sessions[sessionID] = &Session{
		ID:         sessionID,
		Transport:  t,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	r.log.SessionRegistered(sessionID, replaced != nil)
	return replaced
}

// Lookup returns the transport for a session id.
func (r *Registry) Lookup(sessionID string) (transport.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.Transport, true
}

// Touch marks a session as recently used.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		s.LastUsedAt = time.Now()
	}
}

// Remove deletes a session. The transport is not closed; ownership
// stays with the caller.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		delete(r.sessions, sessionID)
		r.log.SessionRemoved(sessionID)
	}
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the ids of all active sessions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseAll closes every registered transport and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.Transport.Close()
		delete(r.sessions, id)
	}
}

// Shutdown stops the idle sweep and closes all sessions.
func (r *Registry) Shutdown() {
	r.cleanupOnce.Do(func() {
		if r.cleanupTicker != nil {
			r.cleanupTicker.Stop()
			close(r.cleanupStop)
		}
	})
	r.CloseAll()
}

// sweepLoop periodically closes idle sessions.
func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.cleanupTicker.C:
			r.sweepIdle()
		case <-r.cleanupStop:
			return
		}
	}
}

// sweepIdle closes sessions idle past the timeout.
func (r *Registry) sweepIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, s := range r.sessions {
		if now.Sub(s.LastUsedAt) > r.idleTimeout {
			s.Transport.Close()
			delete(r.sessions, id)
			r.log.SessionRemoved(id)
		}
	}
}
