// Package eventlog persists chat events as newline-delimited JSON, one file
// per session. Appends to the same session are serialized; reads tolerate
// corrupt lines by logging and skipping them.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aklemp/talon/internal/chat"
)

// ErrBadSessionID is returned when a session id would escape the log root.
var ErrBadSessionID = errors.New("eventlog: invalid session id")

// maxLineSize is the scanner limit for one event line. Tool results can be
// large; 4 MB is well beyond anything a single event legitimately carries.
const maxLineSize = 4 * 1024 * 1024

// Store is the append-only on-disk event log. Layout:
//
//	<root>/<sessionID>/events.jsonl
//
// Directories are created lazily on first append.
type Store struct {
	root   string
	logger *slog.Logger
	lanes  *laneLock
}

// NewStore creates a Store rooted at dir (conventionally
// <dataDir>/sessions).
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:   dir,
		logger: logger,
		lanes:  newLaneLock(),
	}
}

// sessionPath validates the session id and returns its events file path.
func (s *Store) sessionPath(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) ||
		sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("%w: %q", ErrBadSessionID, sessionID)
	}
	return filepath.Join(s.root, sessionID, "events.jsonl"), nil
}

// Append writes one event to the session's log. Appends within a session
// are serialized so the log order matches the append order seen by callers.
func (s *Store) Append(ev chat.Event) error {
	path, err := s.sessionPath(ev.SessionID)
	if err != nil {
		return err
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: marshal event %s: %w", ev.ID, err)
	}

	s.lanes.Acquire(ev.SessionID)
	defer s.lanes.Release(ev.SessionID)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("eventlog: create session dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("eventlog: append to %s: %w", path, err)
	}
	return nil
}

// Events reads the full log for a session in append order. A missing file
// is an empty log, not an error.
func (s *Store) Events(sessionID string) ([]chat.Event, error) {
	path, err := s.sessionPath(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var events []chat.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev chat.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Warn("eventlog: skipping corrupt line",
				"session", sessionID, "line", lineNo, "error", err)
			continue
		}
		if ev.ID == "" || ev.Type == "" {
			s.logger.Warn("eventlog: skipping malformed event",
				"session", sessionID, "line", lineNo)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("eventlog: read %s: %w", path, err)
	}
	return events, nil
}

// EventsSince returns the events strictly after the given event id. The id
// is matched by scanning from the end, since resume points are almost
// always near the tail. An unknown id returns the full log — the safe
// default for a client resuming from an id the log no longer has.
func (s *Store) EventsSince(sessionID, afterEventID string) ([]chat.Event, error) {
	events, err := s.Events(sessionID)
	if err != nil {
		return nil, err
	}
	if afterEventID == "" {
		return events, nil
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ID == afterEventID {
			return events[i+1:], nil
		}
	}
	return events, nil
}

// Remove deletes a session's log directory. Used when a session is deleted.
func (s *Store) Remove(sessionID string) error {
	path, err := s.sessionPath(sessionID)
	if err != nil {
		return err
	}
	s.lanes.Acquire(sessionID)
	err = os.RemoveAll(filepath.Dir(path))
	s.lanes.Release(sessionID)
	s.lanes.Forget(sessionID)
	if err != nil {
		return fmt.Errorf("eventlog: remove session %s: %w", sessionID, err)
	}
	return nil
}
