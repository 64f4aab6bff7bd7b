// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/braid-chat/braid/internal/logging"
	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/tree"
)

// =============================================================================
// SQLITE STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	title          TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	active_root_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	parent_id       TEXT NOT NULL DEFAULT '',
	active_child_id TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	payload         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_parent  ON messages(session_id, parent_id);
`

// SQLiteStore persists sessions in a single SQLite database. Graph links
// live in indexed columns; the full message is kept as a JSON payload so
// telemetry survives without a column per field.
type SQLiteStore struct {
	db *sql.DB

	// MaxSessions caps stored sessions (0 = unlimited).
	MaxSessions int
}

// NewSQLiteStore opens (or creates) braid.db under dir.
func NewSQLiteStore(dir string, maxSessions int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "braid.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite supports one writer; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db, MaxSessions: maxSessions}, nil
}

// EnsureTracked writes the session immediately.
func (s *SQLiteStore) EnsureTracked(sess *model.Session) error {
	return s.Persist(sess, PersistImmediate)
}

// Persist replaces the stored session wholesale in one transaction.
func (s *SQLiteStore) Persist(sess *model.Session, reason PersistReason) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, title, created_at, updated_at, active_root_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			active_root_id = excluded.active_root_id`,
		sess.ID, sess.Title, sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(), sess.ActiveRootID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sess.ID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, session_id, parent_id, active_child_id, role, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, msg := range sess.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(msg.ID, sess.ID, msg.ParentID, msg.ActiveChildID,
			string(msg.Role), msg.CreatedAt.UnixNano(), string(payload))
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if s.MaxSessions > 0 && reason == PersistImmediate {
		s.enforceLimit()
	}
	return nil
}

// Load reads a session and repairs its graph links.
func (s *SQLiteStore) Load(id string) (*model.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at, active_root_id
		FROM sessions WHERE id = ?`, id)

	var sess model.Session
	var created, updated int64
	if err := row.Scan(&sess.ID, &sess.Title, &created, &updated, &sess.ActiveRootID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	sess.CreatedAt = time.Unix(0, created)
	sess.UpdatedAt = time.Unix(0, updated)
	sess.Messages = make(map[string]*model.Message)

	rows, err := s.db.Query(`SELECT payload FROM messages WHERE session_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg model.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			logging.L().WithField("session", id).WithError(err).Warn("skipping unreadable message row")
			continue
		}
		sess.Messages[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tree.Repair(&sess)
	return &sess, nil
}

// List returns stored sessions, most recently updated first.
func (s *SQLiteStore) List() ([]SessionMeta, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.title, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []SessionMeta
	for rows.Next() {
		var meta SessionMeta
		var created, updated int64
		if err := rows.Scan(&meta.ID, &meta.Title, &created, &updated, &meta.MessageCount); err != nil {
			return nil, err
		}
		meta.CreatedAt = time.Unix(0, created)
		meta.UpdatedAt = time.Unix(0, updated)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// Search matches session titles case-insensitively.
func (s *SQLiteStore) Search(query string) ([]SessionMeta, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var results []SessionMeta
	for _, meta := range all {
		if strings.Contains(strings.ToLower(meta.Title), query) {
			results = append(results, meta)
		}
	}
	return results, nil
}

// Delete removes a session and, via the foreign key, its messages.
func (s *SQLiteStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// enforceLimit evicts the oldest sessions beyond the cap.
func (s *SQLiteStore) enforceLimit() {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
		logging.L().WithError(err).Warn("session eviction count failed")
		return
	}
	excess := count - s.MaxSessions
	if excess <= 0 {
		return
	}

	_, err := s.db.Exec(`
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions ORDER BY updated_at ASC LIMIT ?
		)`, excess)
	if err != nil {
		logging.L().WithError(err).Warn("session eviction failed")
	}
}
