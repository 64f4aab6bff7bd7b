// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists sessions. Two backends share one interface: a
// JSON file store (one file per session, atomic writes) and a SQLite store.
// Both run the tree repair pass on load, so whatever shape a session was
// written in, it comes back with valid graph links.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/braid-chat/braid/internal/config"
	"github.com/braid-chat/braid/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrSessionNotFound = errors.New("session not found")
)

// =============================================================================
// PERSIST REASONS
// =============================================================================

// PersistReason tells the store why it is being called. Stores may coalesce
// throttled writes but must never skip an immediate one.
type PersistReason string

const (
	// PersistThrottled is a mid-stream checkpoint.
	PersistThrottled PersistReason = "throttled"
	// PersistImmediate is a milestone: create, complete, error, cancel.
	PersistImmediate PersistReason = "immediate"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// SessionMeta is the listing projection of a stored session.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store is the persistence collaborator the engine writes through.
type Store interface {
	// EnsureTracked registers a session so later Persist calls have a home.
	EnsureTracked(sess *model.Session) error

	// Persist writes the session's current state.
	Persist(sess *model.Session, reason PersistReason) error

	// Load retrieves a session by id, repairing its graph links.
	Load(id string) (*model.Session, error)

	// List returns stored sessions, most recently updated first.
	List() ([]SessionMeta, error)

	// Search returns sessions whose title matches the query.
	Search(query string) ([]SessionMeta, error)

	// Delete removes a stored session.
	Delete(id string) error

	// Close releases backend resources.
	Close() error
}

// Open builds the store named by the configuration.
func Open(cfg *config.Config) (Store, error) {
	dir, err := cfg.StorageDir()
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "json":
		return NewFileStore(dir, cfg.Storage.MaxSessions)
	case "sqlite":
		return NewSQLiteStore(dir, cfg.Storage.MaxSessions)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
