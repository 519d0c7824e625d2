package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// closeFlushTimeout bounds the final flush of each session on
// shutdown.
const closeFlushTimeout = 10 * time.Second

// Registry hands out gateway sessions, creating each on first
// reference. Sessions live until Close; there is no eviction, an
// operator restarts the process to drop one.
type Registry struct {
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry sharing deps across sessions.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Get returns the session for a gateway id, creating it if needed.
func (r *Registry) Get(gatewayID string) *Session {
	r.mu.RLock()
	if s, ok := r.sessions[gatewayID]; ok {
		r.mu.RUnlock()
		return s
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[gatewayID]; ok {
		return s
	}
	s := NewSession(gatewayID, r.deps)
	r.sessions[gatewayID] = s
	slog.Info("gateway session created",
		"component", "gateway",
		"action", "session_created",
		"gateway_id", gatewayID,
	)
	return s
}

// Peek returns the session only if it already exists.
func (r *Registry) Peek(gatewayID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[gatewayID]
	return s, ok
}

// List returns the ids of every live session, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disarms every session's alarm and flushes whatever its buffer
// still holds. Called on shutdown after the HTTP server has drained.
// A failed final flush is logged; the buffer dies with the process and
// clients re-push from their last acknowledged watermark.
func (r *Registry) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		s.Close()
		if err := s.Flush(ctx); err != nil {
			slog.Warn("shutdown flush failed",
				"component", "gateway",
				"action", "close_flush_failed",
				"gateway_id", id,
				"error", err,
			)
		}
	}
}
