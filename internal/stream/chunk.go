// Copyright (c) 2025 Braid Labs
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatMessage is one prompt message on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the POST body for /v1/chat/completions.
type ChatRequest struct {
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	Messages []ChatMessage `json:"messages"`
}

// =============================================================================
// FRAME TYPES
// =============================================================================

// Frame is one decoded JSON object extracted from a "data:" line.
type Frame struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
}

// Choice carries one streamed alternative; in practice only the first is used.
type Choice struct {
	Delta        FrameDelta `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// FrameDelta is the incremental payload of a chunk.
type FrameDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	Reasoning ReasoningText `json:"reasoning,omitempty"`
}

// Delta returns the first choice's delta, or a zero value when the frame
// carries no choices (some upstreams send bare usage frames).
func (f *Frame) Delta() FrameDelta {
	if len(f.Choices) == 0 {
		return FrameDelta{}
	}
	return f.Choices[0].Delta
}

// FinishReason returns the first choice's finish reason, if any.
func (f *Frame) FinishReason() string {
	if len(f.Choices) == 0 {
		return ""
	}
	return f.Choices[0].FinishReason
}

// =============================================================================
// REASONING PAYLOAD
// =============================================================================

// ReasoningText absorbs the three upstream encodings of the "reasoning"
// field losslessly:
//
//	"reasoning": "text"
//	"reasoning": {"content": "text", ...}   (or "text" instead of "content")
//	"reasoning": [{"content": "a"}, {"text": "b"}]   (elements concatenated)
type ReasoningText string

// reasoningObject matches the structured single-object shape.
type reasoningObject struct {
	Content string `json:"content"`
	Text    string `json:"text"`
}

func (o reasoningObject) value() string {
	if o.Content != "" {
		return o.Content
	}
	return o.Text
}

// UnmarshalJSON accepts a string, an object, or an array of objects.
// Any other shape decodes to empty rather than failing the whole frame.
func (r *ReasoningText) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*r = ""
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = ReasoningText(s)
		return nil

	case '{':
		var obj reasoningObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*r = ReasoningText(obj.value())
		return nil

	case '[':
		var objs []reasoningObject
		if err := json.Unmarshal(data, &objs); err != nil {
			return err
		}
		var sb strings.Builder
		for _, o := range objs {
			sb.WriteString(o.value())
		}
		*r = ReasoningText(sb.String())
		return nil

	default:
		*r = ""
		return nil
	}
}

// String returns the concatenated reasoning text.
func (r ReasoningText) String() string {
	return string(r)
}
