package eventlog

import "sync"

// laneLock provides per-session write serialization. Appends within the
// same session happen one at a time, while appends for different sessions
// proceed concurrently. The global mutex is held only briefly to look up
// or create the per-session mutex.
type laneLock struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane stores per-session synchronization metadata. refs counts goroutines
// that acquired (or are waiting on) this lane so Cleanup never deletes a
// lane that is still in use.
type lane struct {
	mu    sync.Mutex
	refs  int
	stale bool
}

func newLaneLock() *laneLock {
	return &laneLock{lanes: make(map[string]*lane)}
}

// Acquire gets or creates the per-session mutex and locks it.
// The caller must call Release with the same key when done.
func (l *laneLock) Acquire(key string) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		ln = &lane{}
		l.lanes[key] = ln
	}
	ln.refs++
	ln.stale = false
	l.mu.Unlock()

	// Lock outside the global mutex so other sessions are not blocked.
	ln.mu.Lock()
}

// Release unlocks the per-session mutex for the given key.
func (l *laneLock) Release(key string) {
	l.mu.Lock()
	ln, ok := l.lanes[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	ln.refs--
	deleteNow := ln.refs == 0 && ln.stale
	if deleteNow {
		delete(l.lanes, key)
	}
	l.mu.Unlock()

	ln.mu.Unlock()
}

// Forget marks a session's lane for removal once no goroutine holds it.
// Called when a session is deleted so the lane map does not grow unbounded.
func (l *laneLock) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ln, ok := l.lanes[key]
	if !ok {
		return
	}
	ln.stale = true
	if ln.refs == 0 {
		delete(l.lanes, key)
	}
}
