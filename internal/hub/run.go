package hub

import (
	"context"
	"sync"

	"github.com/aklemp/talon/internal/tts"
)

// ActiveRun is the record of the one turn currently executing for a
// session. The Turn Runner owns it for the duration of the turn; the
// cancel handler reads and mutates it from another goroutine, so all
// state behind the mutex.
type ActiveRun struct {
	SessionID  string
	TurnID     string
	ResponseID string
	AgentID    string

	// AgentExchangeID correlates agent-to-agent sub-turns; empty for
	// ordinary client turns.
	AgentExchangeID string

	// ForwardChunksTo mirrors tool output chunks to another session.
	ForwardChunksTo string

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	accumulatedText string
	thinkingText    string
	activeCalls     map[string]string
	callOrder       []string
	emitted         bool
	outputCancelled bool
	audioEndMs      float64
	hasAudioEnd     bool
	tts             tts.Session
}

func newActiveRun(parent context.Context, sessionID, turnID, responseID, agentID string) *ActiveRun {
	ctx, cancel := context.WithCancel(parent)
	return &ActiveRun{
		SessionID:   sessionID,
		TurnID:      turnID,
		ResponseID:  responseID,
		AgentID:     agentID,
		ctx:         ctx,
		cancel:      cancel,
		activeCalls: make(map[string]string),
	}
}

// Context is the turn's cancel handle. Every blocking operation within
// the turn observes it.
func (r *ActiveRun) Context() context.Context { return r.ctx }

// Cancel triggers the turn's cancel handle.
func (r *ActiveRun) Cancel() { r.cancel() }

// MarkEmitted records that some stream activity reached the client.
func (r *ActiveRun) MarkEmitted() {
	r.mu.Lock()
	r.emitted = true
	r.mu.Unlock()
}

// Emitted reports whether any stream activity happened before now.
func (r *ActiveRun) Emitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitted
}

// SetAccumulatedText replaces the turn's cumulative assistant text.
func (r *ActiveRun) SetAccumulatedText(text string) {
	r.mu.Lock()
	r.accumulatedText = text
	r.emitted = true
	r.mu.Unlock()
}

// AccumulatedText returns the cumulative assistant text so far.
func (r *ActiveRun) AccumulatedText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accumulatedText
}

// AppendThinking accumulates thinking text.
func (r *ActiveRun) AppendThinking(delta string) {
	r.mu.Lock()
	r.thinkingText += delta
	r.emitted = true
	r.mu.Unlock()
}

// ThinkingText returns the accumulated thinking text.
func (r *ActiveRun) ThinkingText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thinkingText
}

// AddToolCall records a started tool call awaiting its result.
func (r *ActiveRun) AddToolCall(callID, tool string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activeCalls[callID]; ok {
		return
	}
	r.activeCalls[callID] = tool
	r.callOrder = append(r.callOrder, callID)
	r.emitted = true
}

// ResolveToolCall removes a call once its result arrived.
func (r *ActiveRun) ResolveToolCall(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeCalls, callID)
	for i, id := range r.callOrder {
		if id == callID {
			r.callOrder = append(r.callOrder[:i], r.callOrder[i+1:]...)
			break
		}
	}
}

// DrainToolCalls returns the still-active calls in start order and
// clears the set. The cancel handler uses it to synthesize results.
func (r *ActiveRun) DrainToolCalls() []ToolCallRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolCallRef, 0, len(r.callOrder))
	for _, id := range r.callOrder {
		out = append(out, ToolCallRef{CallID: id, Tool: r.activeCalls[id]})
	}
	r.activeCalls = make(map[string]string)
	r.callOrder = nil
	return out
}

// HasActiveToolCalls reports whether any started call lacks a result.
func (r *ActiveRun) HasActiveToolCalls() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callOrder) > 0
}

// SetOutputCancelled latches the cancel flag. Returns false when the
// flag was already set, so the cancel handler runs at most once.
func (r *ActiveRun) SetOutputCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outputCancelled {
		return false
	}
	r.outputCancelled = true
	return true
}

// OutputCancelled reports whether cancel fired for this turn.
func (r *ActiveRun) OutputCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputCancelled
}

// SetAudioEndMs records where client audio playback stopped.
func (r *ActiveRun) SetAudioEndMs(ms float64) {
	r.mu.Lock()
	r.audioEndMs = ms
	r.hasAudioEnd = true
	r.mu.Unlock()
}

// AudioEndMs returns the audio truncation point, if one was recorded.
func (r *ActiveRun) AudioEndMs() (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioEndMs, r.hasAudioEnd
}

// AttachTTS binds a speech session to the turn.
func (r *ActiveRun) AttachTTS(s tts.Session) {
	r.mu.Lock()
	r.tts = s
	r.mu.Unlock()
}

// TTS returns the attached speech session, or nil.
func (r *ActiveRun) TTS() tts.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tts
}

// ToolCallRef identifies one started tool call.
type ToolCallRef struct {
	CallID string
	Tool   string
}
