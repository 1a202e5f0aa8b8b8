package cliagent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CodexStore is a file-backed JSON map from orchestrator session ids to
// codex thread ids. Codex owns the transcript; this mapping is what lets
// a later turn resume the same thread. Access is serialized here even
// though turns are already serialized per session, because different
// sessions share the one file.
type CodexStore struct {
	mu   sync.Mutex
	path string
}

// NewCodexStore creates a store persisting at path (conventionally
// <dataDir>/codex-sessions.json).
func NewCodexStore(path string) *CodexStore {
	return &CodexStore{path: path}
}

func (s *CodexStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("codexstore: read %s: %w", s.path, err)
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		// A corrupt map only costs resumption; start over.
		return map[string]string{}, nil
	}
	return m, nil
}

// Get returns the codex thread id for a session, or "".
func (s *CodexStore) Get(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return "", err
	}
	return m[sessionID], nil
}

// Put records the codex thread id for a session.
func (s *CodexStore) Put(sessionID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if m[sessionID] == threadID {
		return nil
	}
	m[sessionID] = threadID
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("codexstore: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("codexstore: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("codexstore: write %s: %w", s.path, err)
	}
	return nil
}

// Forget removes a session's mapping. Called when the session is deleted.
func (s *CodexStore) Forget(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[sessionID]; !ok {
		return nil
	}
	delete(m, sessionID)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("codexstore: marshal: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}

// codexSessionsDir resolves the directory where codex keeps its own
// session transcripts.
func codexSessionsDir() string {
	if home := os.Getenv("CODEX_HOME"); home != "" {
		return filepath.Join(home, "sessions")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "sessions")
}

// RewriteTranscriptSource marks the newest codex transcript for threadID
// as CLI-driven: the first line's session_meta payload.source is rewritten
// from "exec" or "unknown" to "cli". Best-effort; any failure is logged
// and swallowed, and the turn is never blocked on it.
func RewriteTranscriptSource(threadID string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := codexSessionsDir()
	if dir == "" || threadID == "" {
		return
	}

	path, err := newestTranscript(dir, threadID)
	if err != nil || path == "" {
		if err != nil {
			logger.Debug("codex transcript lookup failed", "thread", threadID, "error", err)
		}
		return
	}

	if err := rewriteFirstLineSource(path); err != nil {
		logger.Debug("codex transcript rewrite failed", "path", path, "error", err)
	}
}

// newestTranscript finds the most recently modified file under dir whose
// name ends with <threadID>.jsonl.
func newestTranscript(dir, threadID string) (string, error) {
	suffix := threadID + ".jsonl"
	var newest string
	var newestMod int64

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if mod := info.ModTime().UnixNano(); mod > newestMod {
			newest, newestMod = path, mod
		}
		return nil
	})
	return newest, err
}

// rewriteFirstLineSource edits the session_meta first line in place.
func rewriteFirstLineSource(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	idx := bytes.IndexByte(data, '\n')
	first := data
	rest := []byte(nil)
	if idx >= 0 {
		first = data[:idx]
		rest = data[idx:]
	}

	var meta map[string]any
	if err := json.Unmarshal(first, &meta); err != nil {
		return err
	}
	if meta["type"] != "session_meta" {
		return nil
	}
	payload, ok := meta["payload"].(map[string]any)
	if !ok {
		return nil
	}
	source, _ := payload["source"].(string)
	if source != "exec" && source != "unknown" {
		return nil
	}
	payload["source"] = "cli"

	rewritten, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	out := append(rewritten, rest...)
	return os.WriteFile(path, out, 0o600)
}
