// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions and messages.
package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// FINISH REASON TYPE
// =============================================================================

// FinishReason records how a streamed message ended. A message carries at
// most one finish reason, set exactly once when IsActive is cleared.
type FinishReason string

const (
	FinishCompleted     FinishReason = "completed"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
	FinishRegenerate    FinishReason = "regenerate"
	FinishRetry         FinishReason = "retry"
	FinishSuperseded    FinishReason = "superseded"
	FinishInterrupted   FinishReason = "interrupted"
	FinishConfigChanged FinishReason = "config-changed"
)

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single node in a session's branch graph.
//
// Graph links are ids into the owning session's arena: ParentID names the
// preceding node ("" for a root), ActiveChildID names the currently selected
// next node among possibly several historical children ("" for a leaf).
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`

	// Content
	Content string `json:"content"`

	// Graph links
	ParentID      string `json:"parent_id,omitempty"`
	ActiveChildID string `json:"active_child_id,omitempty"`

	// Streaming state. IsActive is true while deltas are still being
	// appended; it is cleared exactly once by whichever event ends the
	// stream. streamContent avoids quadratic allocations during streaming
	// and is merged into Content on finalize.
	IsActive      bool            `json:"is_active,omitempty"`
	streamContent strings.Builder `json:"-"`

	// Telemetry (assistant messages only)
	Model           string       `json:"model,omitempty"`
	Endpoint        string       `json:"endpoint,omitempty"`
	RequestID       string       `json:"request_id,omitempty"`
	StreamStartedAt time.Time    `json:"stream_started_at,omitempty"`
	FirstTokenAt    time.Time    `json:"first_token_at,omitempty"`
	CompletedAt     time.Time    `json:"completed_at,omitempty"`
	DeltaCount      int          `json:"delta_count,omitempty"`
	CharCount       int          `json:"char_count,omitempty"`
	PromptMessages  int          `json:"prompt_messages,omitempty"`
	PromptChars     int          `json:"prompt_chars,omitempty"`
	FinishReason    FinishReason `json:"finish_reason,omitempty"`
	ErrorText       string       `json:"error_text,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateMessageID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new streaming assistant message.
func NewAssistantMessage() *Message {
	return &Message{
		ID:        generateMessageID(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
		IsActive:  true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendDelta appends a streamed delta to an active message.
// Deltas arriving after finalize are dropped.
func (m *Message) AppendDelta(text string) {
	if !m.IsActive {
		return
	}
	m.streamContent.WriteString(text)
	m.DeltaCount++
	m.CharCount += len(text)
}

// Finalize ends streaming exactly once, recording the finish reason.
// Subsequent calls are no-ops so the first terminal event wins.
func (m *Message) Finalize(reason FinishReason) {
	if !m.IsActive {
		return
	}
	if m.streamContent.Len() > 0 {
		m.Content += m.streamContent.String()
		m.streamContent.Reset()
	}
	m.IsActive = false
	m.FinishReason = reason
	m.CompletedAt = time.Now()
}

// DisplayContent returns the content to display (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsActive && m.streamContent.Len() > 0 {
		return m.Content + m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated single-line preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.DisplayContent(), "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// IsFailed reports whether the message ended in error. Failed assistant
// messages and their synthetic error children are excluded from prompts.
func (m *Message) IsFailed() bool {
	return m.FinishReason == FinishError
}

// TTFT returns the time from stream start to first token, or zero if the
// message never received a token.
func (m *Message) TTFT() time.Duration {
	if m.StreamStartedAt.IsZero() || m.FirstTokenAt.IsZero() {
		return 0
	}
	return m.FirstTokenAt.Sub(m.StreamStartedAt)
}

// StreamDuration returns the time from stream start to completion.
func (m *Message) StreamDuration() time.Duration {
	if m.StreamStartedAt.IsZero() || m.CompletedAt.IsZero() {
		return 0
	}
	return m.CompletedAt.Sub(m.StreamStartedAt)
}

// GenerationDuration returns the time from first token to completion.
func (m *Message) GenerationDuration() time.Duration {
	if m.FirstTokenAt.IsZero() || m.CompletedAt.IsZero() {
		return 0
	}
	return m.CompletedAt.Sub(m.FirstTokenAt)
}

// =============================================================================
// SERIALIZATION
// =============================================================================

// MarshalJSON folds any buffered streaming text into the content field, so
// a snapshot taken mid-stream persists everything received so far.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	shadow := (*alias)(m)
	if m.IsActive && m.streamContent.Len() > 0 {
		clone := *shadow
		clone.Content = m.Content + m.streamContent.String()
		return json.Marshal(&clone)
	}
	return json.Marshal(shadow)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateMessageID creates a unique message ID.
func generateMessageID() string {
	return "msg_" + uuid.NewString()
}
