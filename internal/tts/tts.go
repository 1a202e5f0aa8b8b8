// Package tts defines the speech-synthesis surface a turn streams into.
// The orchestrator only feeds text and signals the end of a turn; the
// actual synthesis backend lives behind the Session interface.
package tts

// Session receives assistant text as it streams and turns it into audio
// for one turn. All methods are best-effort from the orchestrator's point
// of view; a failing TTS session never fails the turn.
type Session interface {
	// Feed hands the session a text delta in stream order.
	Feed(delta string) error

	// Finalize flushes any buffered synthesis at the end of a turn.
	Finalize() error

	// Cancel stops synthesis immediately. Safe to call more than once.
	Cancel()
}

// Nop is the Session used when no speech backend is configured.
type Nop struct{}

func (Nop) Feed(string) error { return nil }
func (Nop) Finalize() error   { return nil }
func (Nop) Cancel()           {}
