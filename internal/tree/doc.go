// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tree manages the branching message graph of a session.
//
// Each message has at most one "active" child; editing or regenerating a
// message never deletes history, it grows a new sibling branch and swaps the
// active pointer. The manager exposes active-path resolution, the
// append/edit/regenerate/retry/switch-branch operations, and a repair pass
// that self-heals corrupted or legacy linear data on load.
//
// All graph algorithms operate over the session's id arena plus a visited-id
// set; pointers are never trusted, so corrupted links cannot send a walk into
// an infinite loop.
package tree
