// Package store persists session continuity state in SQLite: the
// attribute map (provider session ids, working directories, agent kind)
// and last-activity bookkeeping. The hub itself is in-memory; this
// store is what lets sessions resume their CLI threads after a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

const (
	schemaVersion      = 1
	defaultBusyTimeout = 5000 // milliseconds
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id               TEXT PRIMARY KEY,
		attributes       TEXT NOT NULL DEFAULT '{}',
		preview          TEXT NOT NULL DEFAULT '',
		last_activity_at TEXT NOT NULL DEFAULT ''
	)`,
}

// Record is one persisted session row.
type Record struct {
	ID             string
	Attributes     map[string]string
	Preview        string
	LastActivityAt time.Time
}

// Store is the SQLite-backed session store. Safe for concurrent use;
// SQLite serialises writes behind a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and migrates its schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.TODO()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	ctx := context.TODO()
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("store: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if current >= schemaVersion {
		return nil
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("store: record schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAttributes merges attrs into the session's stored attribute map,
// creating the row if needed. Empty values delete their key, matching
// the hub's in-memory semantics.
func (s *Store) SaveAttributes(sessionID string, attrs map[string]string) error {
	if sessionID == "" || len(attrs) == 0 {
		return nil
	}

	ctx := context.TODO()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := make(map[string]string)
	var raw string
	err = tx.QueryRowContext(ctx, "SELECT attributes FROM sessions WHERE id = ?", sessionID).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("store: read attributes: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			// A corrupt row starts over rather than wedging the session.
			current = make(map[string]string)
		}
	}

	for k, v := range attrs {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("store: marshal attributes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, attributes) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET attributes = excluded.attributes`,
		sessionID, string(merged),
	); err != nil {
		return fmt.Errorf("store: save attributes: %w", err)
	}
	return tx.Commit()
}

// Touch upserts the session's activity preview and timestamp.
func (s *Store) Touch(sessionID, preview string) error {
	if sessionID == "" {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(context.TODO(), `
		INSERT INTO sessions (id, preview, last_activity_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			preview = excluded.preview,
			last_activity_at = excluded.last_activity_at`,
		sessionID, preview, now,
	)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return nil
}

// Delete removes the session row. Deleting an absent row is not an
// error.
func (s *Store) Delete(sessionID string) error {
	if _, err := s.db.ExecContext(context.TODO(), "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// Sessions reads every persisted session row.
func (s *Store) Sessions() ([]Record, error) {
	rows, err := s.db.QueryContext(context.TODO(),
		"SELECT id, attributes, preview, last_activity_at FROM sessions ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec     Record
			rawAttr string
			rawTime string
		)
		if err := rows.Scan(&rec.ID, &rawAttr, &rec.Preview, &rawTime); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		rec.Attributes = make(map[string]string)
		if err := json.Unmarshal([]byte(rawAttr), &rec.Attributes); err != nil {
			rec.Attributes = make(map[string]string)
		}
		if rawTime != "" {
			if t, err := time.Parse(time.RFC3339Nano, rawTime); err == nil {
				rec.LastActivityAt = t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
