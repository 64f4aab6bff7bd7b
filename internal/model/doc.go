// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions and messages.
//
// This package defines the core domain types used throughout the engine
// for representing a branching chat session and its messages.
//
// # Key Types
//
//   - Session: Container for a chat session; owns an arena of every message
//     ever created plus the pointer to the active root
//   - Message: Single node in the branch graph with role, content, graph
//     links (parent / active child) and streaming telemetry
//   - Role: Message role enumeration (user, assistant)
//   - FinishReason: How a streamed message ended (completed, error, ...)
//
// Messages form a parent/child graph addressed by id. Graph links are stored
// as ids, never as pointers, so graph algorithms (repair, active-path walks)
// operate over the arena plus a visited-id set and cannot form memory cycles.
//
// # Usage
//
// Create a new session and append a message:
//
//	sess := model.NewSession()
//	msg := model.NewUserMessage("Hello!")
//	sess.Add(msg)
package model
