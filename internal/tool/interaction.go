package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Interaction request types.
const (
	InteractionConfirm = "confirm"
	InteractionInput   = "input"
	InteractionSelect  = "select"
)

// defaultInteractionTimeout bounds how long a tool waits for a human.
const defaultInteractionTimeout = 5 * time.Minute

var (
	// ErrInteractionTimeout is returned when no client answered in time.
	ErrInteractionTimeout = errors.New("tool: interaction timed out")

	// ErrInteractionCancelled is returned when the turn was cancelled
	// while waiting for a response.
	ErrInteractionCancelled = errors.New("tool: interaction cancelled")
)

// InteractionSpec describes one request for human input.
type InteractionSpec struct {
	// Type is one of the Interaction* constants.
	Type string `json:"type"`

	// Prompt is the question shown to the user.
	Prompt string `json:"prompt"`

	// Schema optionally constrains the expected response shape.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Presentation is an opaque rendering hint for the client.
	Presentation string `json:"presentation,omitempty"`

	// Timeout overrides the default wait; zero selects the default.
	Timeout time.Duration `json:"-"`
}

// InteractionRequest is the wire shape delivered to clients.
type InteractionRequest struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	Type         string          `json:"type"`
	Prompt       string          `json:"prompt"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Presentation string          `json:"presentation,omitempty"`
}

// InteractionRequester is the surface tools see for requesting human
// input mid-execution.
type InteractionRequester interface {
	RequestInteraction(ctx context.Context, sessionID string, spec InteractionSpec) (json.RawMessage, error)
}

// InteractionBroker matches outbound interaction requests with client
// responses. The transport delivers requests through the send hook and
// feeds answers back via Resolve.
type InteractionBroker struct {
	send func(sessionID string, req InteractionRequest)

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

var _ InteractionRequester = (*InteractionBroker)(nil)

// NewInteractionBroker creates a broker delivering requests through send.
func NewInteractionBroker(send func(sessionID string, req InteractionRequest)) *InteractionBroker {
	return &InteractionBroker{
		send:    send,
		pending: make(map[string]chan json.RawMessage),
	}
}

// RequestInteraction sends one request to the session's clients and
// blocks until a response, the timeout, or turn cancellation.
func (b *InteractionBroker) RequestInteraction(ctx context.Context, sessionID string, spec InteractionSpec) (json.RawMessage, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultInteractionTimeout
	}

	id := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	b.send(sessionID, InteractionRequest{
		ID:           id,
		SessionID:    sessionID,
		Type:         spec.Type,
		Prompt:       spec.Prompt,
		Schema:       spec.Schema,
		Presentation: spec.Presentation,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrInteractionTimeout
	case <-ctx.Done():
		return nil, ErrInteractionCancelled
	}
}

// Resolve delivers a client response to the waiting request. Returns
// false when no request with that id is pending (late or duplicate
// answers are dropped).
func (b *InteractionBroker) Resolve(requestID string, payload json.RawMessage) bool {
	b.mu.Lock()
	ch, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}
