// Package hub owns session state: the single-active-turn rule, the
// per-session FIFO message queue, connection fan-out, and the cancel
// handler that closes out an interrupted turn.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aklemp/talon/internal/chat"
	"github.com/aklemp/talon/internal/metrics"
	"github.com/aklemp/talon/pkg/message"
)

// activityPreviewLen caps the stored preview of a session's last answer.
const activityPreviewLen = 120

var (
	// ErrSessionDeleted is returned when a message targets a deleted session.
	ErrSessionDeleted = errors.New("hub: session is deleted")

	// ErrEmptyMessage is returned when a message has no text.
	ErrEmptyMessage = errors.New("hub: empty message")

	// ErrNoRunner is returned when no turn runner was installed.
	ErrNoRunner = errors.New("hub: no turn runner installed")
)

// SubmitStatus reports what happened to a submitted message.
type SubmitStatus string

// Submit outcomes.
const (
	StatusStarted SubmitStatus = "started"
	StatusQueued  SubmitStatus = "queued"
)

// TurnRequest describes one turn handed to the Runner.
type TurnRequest struct {
	SessionID  string
	Text       string
	AgentID    string
	ResponseID string
	Trigger    chat.TurnTrigger
}

// Runner executes one turn. RunTurn blocks until the turn ends; the Hub
// invokes it on its own goroutine and clears the active run afterwards,
// so implementations never need to clean up session state themselves.
type Runner interface {
	RunTurn(run *ActiveRun, req TurnRequest)
}

// queuedMessage is one entry of a session's FIFO message queue.
type queuedMessage struct {
	text       string
	agentID    string
	responseID string
	trigger    chat.TurnTrigger
}

// sessionState is everything the Hub tracks for one session. Guarded by
// the Hub mutex; the ActiveRun carries its own lock for the fields the
// turn mutates at stream rate.
type sessionState struct {
	id             string
	deleted        bool
	run            *ActiveRun
	queue          []queuedMessage
	attributes     map[string]string
	history        []chat.Message
	conns          map[*Conn]struct{}
	lastActivityAt time.Time
	preview        string
}

// Hub is the process-wide session registry.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	runner  Runner
	baseCtx context.Context
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Hub. baseCtx is the parent of every turn's cancel
// handle; cancelling it (process shutdown) cancels all running turns.
func New(baseCtx context.Context, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Hub{
		sessions: make(map[string]*sessionState),
		baseCtx:  baseCtx,
		logger:   logger,
		now:      time.Now,
	}
}

// SetRunner installs the turn runner. Must be called before the first
// SubmitMessage.
func (h *Hub) SetRunner(r Runner) {
	h.mu.Lock()
	h.runner = r
	h.mu.Unlock()
}

// SetMetrics installs instrumentation. A nil Metrics is fine.
func (h *Hub) SetMetrics(m *metrics.Metrics) {
	h.mu.Lock()
	h.metrics = m
	h.mu.Unlock()
}

func (h *Hub) state(sessionID string) *sessionState {
	st, ok := h.sessions[sessionID]
	if !ok {
		st = &sessionState{
			id:         sessionID,
			attributes: make(map[string]string),
			conns:      make(map[*Conn]struct{}),
		}
		h.sessions[sessionID] = st
	}
	return st
}

// SubmitMessage routes a user message into a session. If the session is
// idle a turn starts immediately; if a turn is running the message joins
// the FIFO queue. The returned response id identifies the eventual turn
// either way.
func (h *Hub) SubmitMessage(sessionID, text, agentID string) (SubmitStatus, string, error) {
	return h.submit(sessionID, text, agentID, chat.TriggerUser)
}

// SubmitSystemMessage is SubmitMessage for turns not typed by a user
// (webhooks, agent-to-agent exchanges).
func (h *Hub) SubmitSystemMessage(sessionID, text, agentID string) (SubmitStatus, string, error) {
	return h.submit(sessionID, text, agentID, chat.TriggerSystem)
}

func (h *Hub) submit(sessionID, text, agentID string, trigger chat.TurnTrigger) (SubmitStatus, string, error) {
	if text == "" {
		return "", "", ErrEmptyMessage
	}

	h.mu.Lock()
	if h.runner == nil {
		h.mu.Unlock()
		return "", "", ErrNoRunner
	}
	st := h.state(sessionID)
	if st.deleted {
		h.mu.Unlock()
		return "", "", ErrSessionDeleted
	}

	responseID := uuid.NewString()
	if st.run != nil {
		st.queue = append(st.queue, queuedMessage{
			text:       text,
			agentID:    agentID,
			responseID: responseID,
			trigger:    trigger,
		})
		depth := len(st.queue)
		h.mu.Unlock()
		h.logger.Debug("message queued", "session", sessionID, "depth", depth)
		return StatusQueued, responseID, nil
	}

	run := h.installRunLocked(st, responseID, agentID)
	h.mu.Unlock()

	h.startTurn(run, TurnRequest{
		SessionID:  sessionID,
		Text:       text,
		AgentID:    agentID,
		ResponseID: responseID,
		Trigger:    trigger,
	})
	return StatusStarted, responseID, nil
}

// installRunLocked creates the active-run record. Caller holds the lock.
func (h *Hub) installRunLocked(st *sessionState, responseID, agentID string) *ActiveRun {
	run := newActiveRun(h.baseCtx, st.id, uuid.NewString(), responseID, agentID)
	st.run = run
	return run
}

// startTurn executes a turn on its own goroutine and guarantees the
// active run is cleared and the queue drained on every exit path.
func (h *Hub) startTurn(run *ActiveRun, req TurnRequest) {
	go func() {
		defer h.finishTurn(run)
		h.runner.RunTurn(run, req)
	}()
}

// finishTurn removes the active-run record and drains the next queued
// message, if any.
func (h *Hub) finishTurn(run *ActiveRun) {
	run.Cancel()

	h.mu.Lock()
	st, ok := h.sessions[run.SessionID]
	if ok && st.run == run {
		st.run = nil
	}
	h.mu.Unlock()

	h.ProcessNextQueuedMessage(run.SessionID)
}

// ProcessNextQueuedMessage pops the head of the session's queue and
// starts a turn for it. No-op when the queue is empty, a turn is already
// running, or the session is gone.
func (h *Hub) ProcessNextQueuedMessage(sessionID string) {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok || st.deleted || st.run != nil || len(st.queue) == 0 {
		h.mu.Unlock()
		return
	}
	next := st.queue[0]
	st.queue = st.queue[1:]
	run := h.installRunLocked(st, next.responseID, next.agentID)
	h.mu.Unlock()

	h.startTurn(run, TurnRequest{
		SessionID:  sessionID,
		Text:       next.text,
		AgentID:    next.agentID,
		ResponseID: next.responseID,
		Trigger:    next.trigger,
	})
}

// ActiveRun returns the session's running turn, or nil.
func (h *Hub) ActiveRun(sessionID string) *ActiveRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	return st.run
}

// Attach registers a new connection on a session and returns it.
func (h *Hub) Attach(sessionID string) *Conn {
	c := newConn(uuid.NewString(), sessionID)
	h.mu.Lock()
	st := h.state(sessionID)
	st.conns[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Detach removes a connection and closes its outbound stream.
func (h *Hub) Detach(c *Conn) {
	h.mu.Lock()
	if st, ok := h.sessions[c.SessionID]; ok {
		delete(st.conns, c)
	}
	h.mu.Unlock()
	c.Close()
}

// BroadcastToSession queues a frame on every connection attached to the
// session. Slow connections never block the caller.
func (h *Hub) BroadcastToSession(sessionID string, msg message.Server) {
	h.broadcast(sessionID, msg, nil)
}

// BroadcastToSessionExcluding is BroadcastToSession minus one connection
// (used when the originating connection already has the message locally).
func (h *Hub) BroadcastToSessionExcluding(sessionID string, msg message.Server, exclude *Conn) {
	h.broadcast(sessionID, msg, exclude)
}

func (h *Hub) broadcast(sessionID string, msg message.Server, exclude *Conn) {
	transient := msg.Event != nil && msg.Event.Type.Transient()

	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	conns := make([]*Conn, 0, len(st.conns))
	for c := range st.conns {
		if c != exclude {
			conns = append(conns, c)
		}
	}
	m := h.metrics
	h.mu.Unlock()

	for _, c := range conns {
		if !c.enqueue(msg, transient) {
			h.logger.Warn("connection fell behind, closing",
				"session", sessionID, "conn", c.ID)
			m.BroadcastDrop()
			h.Detach(c)
		}
	}
}

// UpdateSessionAttributes merges key/value pairs into the session's
// attribute map. Used to persist provider session info between turns.
func (h *Hub) UpdateSessionAttributes(sessionID string, attrs map[string]string) {
	h.mu.Lock()
	st := h.state(sessionID)
	for k, v := range attrs {
		if v == "" {
			delete(st.attributes, k)
			continue
		}
		st.attributes[k] = v
	}
	h.mu.Unlock()
}

// SessionAttribute reads one attribute.
func (h *Hub) SessionAttribute(sessionID, key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return "", false
	}
	v, ok := st.attributes[key]
	return v, ok
}

// AppendHistory appends messages to the session's chat history.
func (h *Hub) AppendHistory(sessionID string, msgs ...chat.Message) {
	h.mu.Lock()
	st := h.state(sessionID)
	st.history = append(st.history, msgs...)
	h.mu.Unlock()
}

// History returns a copy of the session's chat history.
func (h *Hub) History(sessionID string) []chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(st.history))
	copy(out, st.history)
	return out
}

// RecordActivity stores a short preview of the latest assistant output
// and stamps the session's last-activity time.
func (h *Hub) RecordActivity(sessionID, preview string) {
	if len(preview) > activityPreviewLen {
		// Back off to a rune boundary so the cut never splits a
		// multi-byte character.
		i := activityPreviewLen
		for i > 0 && !utf8.RuneStart(preview[i]) {
			i--
		}
		preview = preview[:i]
	}
	h.mu.Lock()
	st := h.state(sessionID)
	st.preview = preview
	st.lastActivityAt = h.now()
	h.mu.Unlock()
}

// DeleteSession marks the session deleted, cancels any running turn,
// drops the queue, and closes all connections. The tombstone stays so
// later submissions are rejected; event-log removal is the caller's job.
func (h *Hub) DeleteSession(sessionID string) {
	h.mu.Lock()
	st, ok := h.sessions[sessionID]
	if !ok {
		st = h.state(sessionID)
		st.deleted = true
		h.mu.Unlock()
		return
	}
	st.deleted = true
	st.queue = nil
	run := st.run
	conns := make([]*Conn, 0, len(st.conns))
	for c := range st.conns {
		conns = append(conns, c)
	}
	st.conns = make(map[*Conn]struct{})
	h.mu.Unlock()

	if run != nil {
		run.Cancel()
	}
	for _, c := range conns {
		c.Close()
	}
}

// SessionSummary is a point-in-time view of one session for listings.
type SessionSummary struct {
	ID             string    `json:"id"`
	Busy           bool      `json:"busy"`
	QueueDepth     int       `json:"queueDepth"`
	Connections    int       `json:"connections"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Preview        string    `json:"preview,omitempty"`
}

// Sessions lists all live (non-deleted) sessions.
func (h *Hub) Sessions() []SessionSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionSummary, 0, len(h.sessions))
	for _, st := range h.sessions {
		if st.deleted {
			continue
		}
		out = append(out, SessionSummary{
			ID:             st.id,
			Busy:           st.run != nil,
			QueueDepth:     len(st.queue),
			Connections:    len(st.conns),
			LastActivityAt: st.lastActivityAt,
			Preview:        st.preview,
		})
	}
	return out
}

// IdleSessions returns ids of live sessions with no running turn, no
// connections, and no activity since the cutoff. Used by maintenance
// pruning.
func (h *Hub) IdleSessions(cutoff time.Time) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for id, st := range h.sessions {
		if st.deleted || st.run != nil || len(st.conns) > 0 {
			continue
		}
		if st.lastActivityAt.IsZero() || st.lastActivityAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
