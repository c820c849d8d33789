// Package hooks dispatches session and policy lifecycle events to
// registered handlers.
package hooks

import (
	"context"
	"sync"

	"github.com/marromugi/gch4-sub003/internal/logging"
)

// Event names.
const (
	EventSessionCreated   = "session.created"
	EventTurnCompleted    = "turn.completed"
	EventTurnTimedOut     = "turn.timed_out"
	EventFallbackEngaged  = "session.fallback"
	EventSessionCompleted = "session.completed"
	EventSessionAbandoned = "session.abandoned"
	EventPolicyPublished  = "policy.published"
	EventPolicyDemoted    = "policy.demoted"
)

// AllEvents lists every event the engine emits.
var AllEvents = []string{
	EventSessionCreated,
	EventTurnCompleted,
	EventTurnTimedOut,
	EventFallbackEngaged,
	EventSessionCompleted,
	EventSessionAbandoned,
	EventPolicyPublished,
	EventPolicyDemoted,
}

// Payload is passed to handlers.
type Payload struct {
	Event     string         `json:"event"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler handles one event. A returned error is logged and otherwise
// ignored.
type Handler func(ctx context.Context, p Payload) error

// Manager holds handler registrations.
type Manager struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
	log      *logging.Logger
}

type namedHandler struct {
	name    string
	handler Handler
}

func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[string][]namedHandler),
		log:      log.Sub("hooks"),
	}
}

// On registers handler under name for event.
func (m *Manager) On(event, name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], namedHandler{name: name, handler: handler})
}

// OnAll registers handler for every event in AllEvents.
func (m *Manager) OnAll(name string, handler Handler) {
	for _, e := range AllEvents {
		m.On(e, name, handler)
	}
}

// Off removes every handler registered under name for event.
func (m *Manager) Off(event, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]namedHandler, 0, len(m.handlers[event]))
	for _, h := range m.handlers[event] {
		if h.name != name {
			kept = append(kept, h)
		}
	}
	m.handlers[event] = kept
}

// Emit calls the handlers for p.Event in registration order. A nil
// manager is a no-op.
func (m *Manager) Emit(ctx context.Context, p Payload) {
	if m == nil {
		return
	}
	m.mu.RLock()
	handlers := append([]namedHandler(nil), m.handlers[p.Event]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		if err := h.handler(ctx, p); err != nil {
			m.log.Warn().
				Err(err).
				Str("event", p.Event).
				Str("handler", h.name).
				Str("sessionId", p.SessionID).
				Msg("hook handler error")
		}
	}
}

// Count returns the number of handlers registered for event.
func (m *Manager) Count(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}
