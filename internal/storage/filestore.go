// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/braid-chat/braid/internal/logging"
	"github.com/braid-chat/braid/internal/model"
	"github.com/braid-chat/braid/internal/tree"
	"github.com/braid-chat/braid/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore persists one JSON file per session under a base directory.
type FileStore struct {
	// BaseDir holds <session-id>.json files.
	BaseDir string

	// MaxSessions caps stored sessions (0 = unlimited); the oldest by
	// update time are evicted when the cap is exceeded.
	MaxSessions int
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string, maxSessions int) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{BaseDir: baseDir, MaxSessions: maxSessions}, nil
}

// EnsureTracked writes the session immediately so it exists on disk from
// its first message.
func (s *FileStore) EnsureTracked(sess *model.Session) error {
	return s.Persist(sess, PersistImmediate)
}

// Persist writes the whole session atomically. Both reasons write; the
// throttling decision belongs to the caller.
func (s *FileStore) Persist(sess *model.Session, reason PersistReason) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	if err := util.AtomicWriteFile(s.filePath(sess.ID), data, 0o644); err != nil {
		return err
	}

	if s.MaxSessions > 0 && reason == PersistImmediate {
		s.enforceLimit()
	}
	return nil
}

// Load reads a session and repairs its graph links.
func (s *FileStore) Load(id string) (*model.Session, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if sess.Messages == nil {
		sess.Messages = make(map[string]*model.Message)
	}

	tree.Repair(&sess)
	return &sess, nil
}

// List returns stored sessions, most recently updated first. Corrupted
// files are skipped rather than failing the whole listing.
func (s *FileStore) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionMeta{}, nil
		}
		return nil, err
	}

	var metas []SessionMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")

		sess, err := s.Load(id)
		if err != nil {
			logging.L().WithField("file", entry.Name()).Warn("skipping unreadable session file")
			continue
		}
		metas = append(metas, SessionMeta{
			ID:           sess.ID,
			Title:        sess.GetTitle(),
			CreatedAt:    sess.CreatedAt,
			UpdatedAt:    sess.UpdatedAt,
			MessageCount: sess.MessageCount(),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}

// Search matches session titles case-insensitively.
func (s *FileStore) Search(query string) ([]SessionMeta, error) {
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

// Delete removes a session file.
func (s *FileStore) Delete(id string) error {
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return err
	}
	return nil
}

// Close is a no-op; the file store holds no resources.
func (s *FileStore) Close() error {
	return nil
}

// enforceLimit evicts the oldest sessions beyond the cap.
func (s *FileStore) enforceLimit() {
	metas, err := s.List()
	if err != nil || len(metas) <= s.MaxSessions {
		return
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.Before(metas[j].UpdatedAt)
	})
	excess := len(metas) - s.MaxSessions
	for i := 0; i < excess; i++ {
		if err := s.Delete(metas[i].ID); err != nil {
			logging.L().WithField("session", metas[i].ID).WithError(err).Warn("evicting session failed")
		}
	}
}

func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}
