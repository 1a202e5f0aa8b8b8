package hub

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/eventlog"
	"github.com/aklemp/talon/internal/metrics"
	"github.com/aklemp/talon/pkg/message"
)

// ErrSessionMismatch is returned when an event targets a different
// session than the one it is appended to. This is an internal assertion;
// it should never fire in a correct turn.
var ErrSessionMismatch = errors.New("hub: event session mismatch")

// Sink validates, persists, and broadcasts chat events. Transient event
// types skip the log and go straight to broadcast. For sessions whose
// agent delegates its transcript to an external process (the coding-CLI
// providers own their histories), appends validate but neither persist
// nor broadcast through subscribers.
type Sink struct {
	store   *eventlog.Store
	hub     *Hub
	logger  *slog.Logger
	metrics *metrics.Metrics

	// shouldPersist decides per session whether this orchestrator is the
	// authority for the transcript.
	shouldPersist func(sessionID string) bool

	mu   sync.Mutex
	subs map[string]map[int]func(chat.Event)
	next int
}

// NewSink creates a Sink. shouldPersist may be nil, in which case every
// session persists.
func NewSink(store *eventlog.Store, h *Hub, shouldPersist func(string) bool, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if shouldPersist == nil {
		shouldPersist = func(string) bool { return true }
	}
	return &Sink{
		store:         store,
		hub:           h,
		logger:        logger,
		shouldPersist: shouldPersist,
		subs:          make(map[string]map[int]func(chat.Event)),
	}
}

// SetMetrics installs instrumentation. A nil Metrics is fine.
func (s *Sink) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Append validates and records one event, then broadcasts it to the
// session's live connections. Log-write failures are logged and
// swallowed; event logging is best-effort so streaming is never blocked
// on disk I/O.
func (s *Sink) Append(sessionID string, ev chat.Event) error {
	if ev.SessionID != sessionID {
		return ErrSessionMismatch
	}
	if !s.shouldPersist(sessionID) {
		return nil
	}

	if !ev.Type.Transient() {
		if err := s.store.Append(ev); err != nil {
			s.logger.Error("event append failed",
				"session", sessionID, "type", string(ev.Type), "error", err)
		} else {
			s.metrics.EventAppended()
		}
		s.notify(ev)
	}

	s.hub.BroadcastToSession(sessionID, message.NewChatEvent(ev))
	return nil
}

// AppendBatch appends events one at a time with Append semantics. An
// empty batch is a no-op.
func (s *Sink) AppendBatch(sessionID string, events []chat.Event) error {
	for _, ev := range events {
		if err := s.Append(sessionID, ev); err != nil {
			return err
		}
	}
	return nil
}

// Events reads the session's full persisted log.
func (s *Sink) Events(sessionID string) ([]chat.Event, error) {
	return s.store.Events(sessionID)
}

// EventsSince reads the log suffix after the given event id. An unknown
// id returns the full log.
func (s *Sink) EventsSince(sessionID, afterEventID string) ([]chat.Event, error) {
	return s.store.EventsSince(sessionID, afterEventID)
}

// Remove deletes the session's persisted log.
func (s *Sink) Remove(sessionID string) error {
	return s.store.Remove(sessionID)
}

// Subscribe registers an in-memory handler for persisted events of a
// session and returns its unsubscribe function. For sessions that do not
// persist, subscription is a no-op and the returned function does
// nothing.
func (s *Sink) Subscribe(sessionID string, handler func(chat.Event)) func() {
	if !s.shouldPersist(sessionID) {
		return func() {}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[int]func(chat.Event))
	}
	s.subs[sessionID][id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[sessionID], id)
		if len(s.subs[sessionID]) == 0 {
			delete(s.subs, sessionID)
		}
	}
}

func (s *Sink) notify(ev chat.Event) {
	s.mu.Lock()
	handlers := make([]func(chat.Event), 0, len(s.subs[ev.SessionID]))
	for _, fn := range s.subs[ev.SessionID] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
