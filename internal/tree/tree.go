// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tree manages the branching message graph of a session.
package tree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/braid-chat/braid/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when an operation names an id outside the arena.
	ErrNotFound = errors.New("message not found in session")

	// ErrNoParent is returned when regenerate is called on a root message.
	ErrNoParent = errors.New("message has no parent")

	// ErrNoUserMessage is returned when retry cannot find a preceding user
	// message on the active path.
	ErrNoUserMessage = errors.New("no user message precedes the error")

	// ErrActivePathCycle indicates the active-child chain revisited an id.
	ErrActivePathCycle = errors.New("active path visits a message twice")
)

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the branch graph of a single session.
//
// The manager is not safe for concurrent use; the engine serializes access
// (single-writer discipline, see the engine package).
type Manager struct {
	sess *model.Session

	// Cached active branch, invalidated whenever the message count changes
	// or an active pointer is rewritten.
	cached     []*model.Message
	cacheCount int
	cacheValid bool
}

// NewManager wraps a session, repairing its graph first. Repair is
// idempotent, so wrapping an already-healthy session is harmless.
func NewManager(sess *model.Session) *Manager {
	Repair(sess)
	return &Manager{sess: sess}
}

// Session returns the managed session.
func (m *Manager) Session() *model.Session {
	return m.sess
}

// invalidate drops the cached active branch.
func (m *Manager) invalidate() {
	m.cacheValid = false
	m.cached = nil
}

// =============================================================================
// ACTIVE BRANCH
// =============================================================================

// ActiveBranch returns the ordered path from the active root following
// ActiveChildID links until a node has no active child. The walk is bounded
// by a visited set: a corrupted pointer chain terminates at the first
// repeated id instead of looping.
func (m *Manager) ActiveBranch() []*model.Message {
	if m.cacheValid && m.cacheCount == m.sess.MessageCount() {
		return m.cached
	}

	var path []*model.Message
	visited := make(map[string]bool, m.sess.MessageCount())

	id := m.sess.ActiveRootID
	for id != "" {
		if visited[id] {
			break
		}
		msg := m.sess.Get(id)
		if msg == nil {
			break
		}
		visited[id] = true
		path = append(path, msg)
		id = msg.ActiveChildID
	}

	m.cached = path
	m.cacheCount = m.sess.MessageCount()
	m.cacheValid = true
	return path
}

// ActiveTail returns the last message of the active branch, or nil.
func (m *Manager) ActiveTail() *model.Message {
	branch := m.ActiveBranch()
	if len(branch) == 0 {
		return nil
	}
	return branch[len(branch)-1]
}

// CheckActivePath verifies the no-cycle invariant: following ActiveChildID
// from the active root must visit each id at most once. Run after every
// mutation.
func (m *Manager) CheckActivePath() error {
	visited := make(map[string]bool, m.sess.MessageCount())
	id := m.sess.ActiveRootID
	for id != "" {
		if visited[id] {
			return fmt.Errorf("%w: %s", ErrActivePathCycle, id)
		}
		visited[id] = true
		msg := m.sess.Get(id)
		if msg == nil {
			return nil // dangling pointer, path simply ends
		}
		id = msg.ActiveChildID
	}
	return nil
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Append adds a node to the graph. With a parent it becomes that parent's
// active child; without one it becomes the session's active root.
func (m *Manager) Append(msg *model.Message, parentID string) error {
	if parentID != "" && !m.sess.Has(parentID) {
		return fmt.Errorf("append parent %s: %w", parentID, ErrNotFound)
	}

	msg.ParentID = parentID
	m.sess.Add(msg)

	if parentID == "" {
		m.sess.ActiveRootID = msg.ID
	} else {
		m.sess.Get(parentID).ActiveChildID = msg.ID
	}

	m.invalidate()
	return m.CheckActivePath()
}

// EditAndResend creates a sibling of the edited message carrying the new
// text. The edited message's parent becomes the new message's parent, so the
// old subtree stays reachable via SwitchBranch.
func (m *Manager) EditAndResend(baseID, newText string) (*model.Message, error) {
	base := m.sess.Get(baseID)
	if base == nil {
		return nil, fmt.Errorf("edit %s: %w", baseID, ErrNotFound)
	}

	edited := model.NewUserMessage(newText)
	if err := m.Append(edited, base.ParentID); err != nil {
		return nil, err
	}
	return edited, nil
}

// SwitchBranch repoints the parent's (or the session's root) active pointer
// to the given message without touching content, letting the user browse
// prior regenerations.
func (m *Manager) SwitchBranch(toID string) error {
	msg := m.sess.Get(toID)
	if msg == nil {
		return fmt.Errorf("switch to %s: %w", toID, ErrNotFound)
	}

	if msg.ParentID == "" {
		m.sess.ActiveRootID = toID
	} else {
		parent := m.sess.Get(msg.ParentID)
		if parent == nil {
			return fmt.Errorf("switch parent %s: %w", msg.ParentID, ErrNotFound)
		}
		parent.ActiveChildID = toID
	}

	m.sess.Touch()
	m.invalidate()
	return m.CheckActivePath()
}

// Siblings returns the alternatives at a branch point: every child of the
// message's parent (or every root), ordered by creation time.
func (m *Manager) Siblings(id string) ([]*model.Message, error) {
	msg := m.sess.Get(id)
	if msg == nil {
		return nil, fmt.Errorf("siblings of %s: %w", id, ErrNotFound)
	}

	var sibs []*model.Message
	if msg.ParentID == "" {
		sibs = m.sess.Roots()
	} else {
		sibs = m.sess.Children(msg.ParentID)
	}
	sort.Slice(sibs, func(i, j int) bool {
		return sibs[i].CreatedAt.Before(sibs[j].CreatedAt)
	})
	return sibs, nil
}

// =============================================================================
// DETACHED POINTERS (regenerate / retry rollback)
// =============================================================================

// Detached records an active-child pointer that was cleared to make room for
// a replacement branch. If the replacement never materializes (cancel before
// first delta, immediate failure), Restore puts the old pointer back.
type Detached struct {
	// ParentID is the message whose pointer was cleared ("" for the root).
	ParentID string
	// ChildID is the previous pointer value.
	ChildID string
}

// DetachForRegenerate prepares regeneration of an assistant message: the
// parent's active-child pointer is cleared and recorded. The caller starts a
// new stream whose first delta appends a fresh sibling under ParentID.
func (m *Manager) DetachForRegenerate(assistantID string) (*Detached, error) {
	msg := m.sess.Get(assistantID)
	if msg == nil {
		return nil, fmt.Errorf("regenerate %s: %w", assistantID, ErrNotFound)
	}
	if msg.ParentID == "" {
		return nil, fmt.Errorf("regenerate %s: %w", assistantID, ErrNoParent)
	}

	parent := m.sess.Get(msg.ParentID)
	d := &Detached{ParentID: parent.ID, ChildID: parent.ActiveChildID}
	parent.ActiveChildID = ""
	m.invalidate()
	return d, nil
}

// DetachForRetry walks the active path backwards from its tail to the user
// message preceding the failed response, clears that user message's
// active-child pointer, and returns it along with the rollback record.
func (m *Manager) DetachForRetry() (*model.Message, *Detached, error) {
	branch := m.ActiveBranch()

	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Role != model.RoleUser {
			continue
		}
		user := branch[i]
		d := &Detached{ParentID: user.ID, ChildID: user.ActiveChildID}
		user.ActiveChildID = ""
		m.invalidate()
		return user, d, nil
	}
	return nil, nil, ErrNoUserMessage
}

// Restore puts a detached pointer back. Call only when no replacement node
// was created under the detach point.
func (m *Manager) Restore(d *Detached) {
	if d == nil {
		return
	}
	if d.ParentID == "" {
		m.sess.ActiveRootID = d.ChildID
	} else if parent := m.sess.Get(d.ParentID); parent != nil {
		parent.ActiveChildID = d.ChildID
	}
	m.invalidate()
}
