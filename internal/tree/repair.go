// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package tree

import (
	"sort"

	"github.com/braid-chat/braid/internal/logging"
	"github.com/braid-chat/braid/internal/model"
)

// =============================================================================
// REPAIR PASS
// =============================================================================

// Repair self-heals a session graph loaded from a corrupted or legacy linear
// store. It is idempotent: running it twice produces the same tree as once.
//
// Steps, in order:
//  1. If no message has a parent at all (legacy linear store), reconstruct a
//     single chain ordered by creation time, oldest message as root. Detected
//     before any severing so that corrupt links severed in step 2 are never
//     mistaken for a legacy store and wired into an invented chain.
//  2. Sever parent links that point outside the session or that form a
//     cycle. Cycles are broken by severing, not by guessing a "right"
//     parent; the severed ids are logged for diagnosis.
//  3. Ensure every node with children has an active child pointing at one of
//     them (default: the most recently created), and that the session's
//     active root names a real parentless message.
//  4. Finalize any message left streaming by a mid-stream kill with
//     finish reason "interrupted".
func Repair(sess *model.Session) {
	legacy := isLegacyLinear(sess)
	severBadParents(sess)
	if legacy {
		rebuildLegacyChain(sess)
	}
	fixActivePointers(sess)
	finalizeInterrupted(sess)
}

// isLegacyLinear reports whether the session is a flat legacy store: at
// least one message and not a single parent link, corrupt or otherwise.
func isLegacyLinear(sess *model.Session) bool {
	if sess.IsEmpty() {
		return false
	}
	for _, msg := range sess.Messages {
		if msg.ParentID != "" {
			return false
		}
	}
	return true
}

// severBadParents drops parent links pointing outside the arena and breaks
// parent-chain cycles by severing the first bad link found on each walk.
func severBadParents(sess *model.Session) {
	for _, msg := range sess.Messages {
		if msg.ParentID == "" {
			continue
		}
		if msg.ParentID == msg.ID || !sess.Has(msg.ParentID) {
			logging.L().WithField("message", msg.ID).Warn("severing dangling parent link")
			msg.ParentID = ""
		}
	}

	// Break cycles: walk each parent chain with a visited set; a revisit
	// means the chain loops, so sever the link that closed it.
	for _, msg := range sess.Messages {
		visited := map[string]bool{msg.ID: true}
		cur := msg
		for cur.ParentID != "" {
			next := sess.Get(cur.ParentID)
			if next == nil {
				cur.ParentID = ""
				break
			}
			if visited[next.ID] {
				logging.L().WithField("message", cur.ID).Warn("severing cyclic parent link")
				cur.ParentID = ""
				break
			}
			visited[next.ID] = true
			cur = next
		}
	}
}

// rebuildLegacyChain wires a flat message set into a single chain ordered by
// creation time. Only called when isLegacyLinear held before severing.
func rebuildLegacyChain(sess *model.Session) {
	ordered := make([]*model.Message, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		ordered = append(ordered, msg)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for i := 1; i < len(ordered); i++ {
		ordered[i].ParentID = ordered[i-1].ID
		ordered[i-1].ActiveChildID = ordered[i].ID
	}
	ordered[len(ordered)-1].ActiveChildID = ""
	sess.ActiveRootID = ordered[0].ID
}

// fixActivePointers ensures every parent's active child is one of its actual
// children (defaulting to the most recently created) and that the active
// root names a real root message.
func fixActivePointers(sess *model.Session) {
	for _, msg := range sess.Messages {
		children := sess.Children(msg.ID)
		if len(children) == 0 {
			if msg.ActiveChildID != "" {
				msg.ActiveChildID = ""
			}
			continue
		}

		valid := false
		for _, child := range children {
			if child.ID == msg.ActiveChildID {
				valid = true
				break
			}
		}
		if !valid {
			msg.ActiveChildID = newestOf(children).ID
		}
	}

	// Active root must exist and be parentless.
	root := sess.Get(sess.ActiveRootID)
	if root == nil || root.ParentID != "" {
		roots := sess.Roots()
		if len(roots) == 0 {
			sess.ActiveRootID = ""
			return
		}
		sess.ActiveRootID = newestOf(roots).ID
	}
}

// finalizeInterrupted closes out messages left active by a mid-stream kill.
func finalizeInterrupted(sess *model.Session) {
	for _, msg := range sess.Messages {
		if msg.IsActive {
			msg.Finalize(model.FinishInterrupted)
		}
	}
}

// newestOf returns the most recently created message, breaking timestamp
// ties by id so repair stays deterministic.
func newestOf(msgs []*model.Message) *model.Message {
	newest := msgs[0]
	for _, m := range msgs[1:] {
		if m.CreatedAt.After(newest.CreatedAt) ||
			(m.CreatedAt.Equal(newest.CreatedAt) && m.ID > newest.ID) {
			newest = m
		}
	}
	return newest
}
