// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session holds one branching chat conversation.
//
// The session owns an unordered arena of every message ever created in it,
// keyed by id. ActiveRootID names the first message of the currently visible
// branch; following ActiveChildID links from it yields the active branch.
type Session struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Message arena
	Messages map[string]*Message `json:"messages"`

	// ActiveRootID is the id of the first message of the visible branch.
	ActiveRootID string `json:"active_root_id,omitempty"`
}

// NewSession creates a new empty session with a generated ID.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        generateSessionID(),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make(map[string]*Message),
	}
}

// =============================================================================
// ARENA ACCESS
// =============================================================================

// Add inserts a message into the arena. Graph links are the caller's
// responsibility (see the tree package).
func (s *Session) Add(msg *Message) {
	s.Messages[msg.ID] = msg
	s.UpdatedAt = time.Now()
	s.updateTitle()
}

// Get returns a message by id, or nil if the id is not in the arena.
func (s *Session) Get(id string) *Message {
	if id == "" {
		return nil
	}
	return s.Messages[id]
}

// Has reports whether the arena contains the given id.
func (s *Session) Has(id string) bool {
	_, ok := s.Messages[id]
	return ok
}

// MessageCount returns the number of messages in the arena.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// IsEmpty returns true if the session has no messages.
func (s *Session) IsEmpty() bool {
	return len(s.Messages) == 0
}

// Touch bumps the session's updated timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// =============================================================================
// CHILD QUERIES
// =============================================================================

// Children returns the ids of all messages whose ParentID is the given id,
// in arena order (callers needing determinism sort by CreatedAt).
func (s *Session) Children(id string) []*Message {
	var out []*Message
	for _, msg := range s.Messages {
		if msg.ParentID == id && id != "" {
			out = append(out, msg)
		}
	}
	return out
}

// Roots returns every message with no parent link.
func (s *Session) Roots() []*Message {
	var out []*Message
	for _, msg := range s.Messages {
		if msg.ParentID == "" {
			out = append(out, msg)
		}
	}
	return out
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle auto-generates a title from the first user message if not set.
func (s *Session) updateTitle() {
	if s.Title != "" {
		return
	}
	root := s.Get(s.ActiveRootID)
	if root != nil && root.Role == RoleUser {
		s.Title = root.Preview(50)
		return
	}
	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			s.Title = msg.Preview(50)
			return
		}
	}
}

// SetTitle manually sets the session title.
func (s *Session) SetTitle(title string) {
	s.Title = title
	s.UpdatedAt = time.Now()
}

// GetTitle returns the session title or a default.
func (s *Session) GetTitle() string {
	if s.Title != "" {
		return s.Title
	}
	return "New Session"
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateSessionID creates a unique session ID.
func generateSessionID() string {
	return "sess_" + uuid.NewString()
}
